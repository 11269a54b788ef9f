// Package network holds proxy dialing shared by the Redis and Kafka clients.
package network

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// DialContextFunc matches net.Dialer.DialContext.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewSOCKS5Dialer creates a SOCKS5 proxy dialer for host:port.
func NewSOCKS5Dialer(host string, port int) (proxy.Dialer, error) {
	if host == "" || port <= 0 {
		return nil, fmt.Errorf("invalid SOCKS5 proxy address %q:%d", host, port)
	}
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", addr, err)
	}
	return dialer, nil
}

// ContextDialer returns a context-aware dial function through the proxy, or
// nil when host is empty (dial directly).
func ContextDialer(host string, port int) (DialContextFunc, error) {
	if host == "" {
		return nil, nil
	}
	dialer, err := NewSOCKS5Dialer(host, port)
	if err != nil {
		return nil, err
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}
