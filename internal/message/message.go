// Package message encodes the control messages exchanged with the service isolate.
//
// Every message is a single XDR-encoded Envelope. The payload of a load reply
// is carried as opaque bytes; its meaning belongs to the requester.
package message

import (
	"bytes"
	"errors"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"

	"vmservice/internal/portmap"
)

// Kind tags an Envelope.
type Kind int32

const (
	KindIsolateStartup  Kind = 1
	KindIsolateShutdown Kind = 2
	KindServiceExit     Kind = 3
	KindLoadRequest     Kind = 4
	KindLoadReply       Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindIsolateStartup:
		return "isolate_startup"
	case KindIsolateShutdown:
		return "isolate_shutdown"
	case KindServiceExit:
		return "service_exit"
	case KindLoadRequest:
		return "load_request"
	case KindLoadReply:
		return "load_reply"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// ErrUnknownKind is returned by Decode for envelopes with an unrecognised tag.
var ErrUnknownKind = errors.New("unknown message kind")

// Envelope is the wire form of every control message.
type Envelope struct {
	Kind        Kind
	ReplyPort   int64
	IsolatePort int64
	Name        string
	Error       string
	Body        []byte
}

// Encode serialises env.
func Encode(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &env); err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", env.Kind, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if env.Kind < KindIsolateStartup || env.Kind > KindLoadReply {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownKind, int32(env.Kind))
	}
	return env, nil
}

// IsolateEvent builds the notification an isolate posts to the service port
// when it starts or stops.
func IsolateEvent(kind Kind, isolatePort portmap.Port, name string) ([]byte, error) {
	if kind != KindIsolateStartup && kind != KindIsolateShutdown {
		return nil, fmt.Errorf("%s is not an isolate lifecycle event", kind)
	}
	return Encode(Envelope{Kind: kind, IsolatePort: int64(isolatePort), Name: name})
}

// ServiceExit builds the message that tells the service isolate, identified
// by its main port, to exit.
func ServiceExit(isolatePort portmap.Port) ([]byte, error) {
	return Encode(Envelope{Kind: KindServiceExit, IsolatePort: int64(isolatePort)})
}

// LoadRequest asks the load port for the source of url; the reply goes to replyPort.
func LoadRequest(replyPort portmap.Port, url string) ([]byte, error) {
	return Encode(Envelope{Kind: KindLoadRequest, ReplyPort: int64(replyPort), Name: url})
}

// LoadReply answers a LoadRequest. A non-empty errText signals failure and
// the body is dropped.
func LoadReply(url string, body []byte, errText string) ([]byte, error) {
	env := Envelope{Kind: KindLoadReply, Name: url, Body: body, Error: errText}
	if errText != "" {
		env.Body = nil
	}
	return Encode(env)
}
