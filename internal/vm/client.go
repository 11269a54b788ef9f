package vm

import (
	"context"
	"fmt"

	"vmservice/internal/message"
	"vmservice/internal/portmap"
)

// LoadPortWaiter reports the service isolate's load port.
type LoadPortWaiter interface {
	WaitForLoadPortContext(ctx context.Context) (portmap.Port, error)
}

// SourceClient fetches builtin sources through the service isolate's load
// port.
type SourceClient struct {
	ports  *portmap.Map
	waiter LoadPortWaiter
}

// NewSourceClient returns a client posting through ports.
func NewSourceClient(ports *portmap.Map, waiter LoadPortWaiter) *SourceClient {
	return &SourceClient{ports: ports, waiter: waiter}
}

// RequestSource waits for the load port, then asks it for url.
func (c *SourceClient) RequestSource(ctx context.Context, url string) (string, error) {
	loadPort, err := c.waiter.WaitForLoadPortContext(ctx)
	if err != nil {
		return "", err
	}
	if loadPort == portmap.Illegal {
		return "", ErrNoLoadPort
	}

	replyPort, replies := c.ports.Open(1)
	defer c.ports.Close(replyPort)

	req, err := message.LoadRequest(replyPort, url)
	if err != nil {
		return "", err
	}
	if !c.ports.PostMessage(loadPort, req) {
		return "", fmt.Errorf("%w: load port %s unavailable", ErrLoadFailed, loadPort)
	}

	select {
	case raw, ok := <-replies:
		if !ok {
			return "", fmt.Errorf("%w: reply port closed", ErrLoadFailed)
		}
		env, err := message.Decode(raw)
		if err != nil {
			return "", err
		}
		if env.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrLoadFailed, env.Error)
		}
		return string(env.Body), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
