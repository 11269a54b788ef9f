// Package directory announces the service isolate's ports in a Redis hash so
// that an out-of-process protocol server can find them.
//
// Each host owns one field of the hash at DirectoryConfig.Key. The value is
// "servicePort:loadPort:attempt"; the field is removed as soon as the service
// isolate stops running.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"vmservice/internal/config"
	"vmservice/internal/logger"
	"vmservice/internal/network"
	"vmservice/internal/portmap"
	"vmservice/internal/serviceisolate"
)

const queueSize = 16

// Entry is one host's published ports.
type Entry struct {
	ServicePort portmap.Port
	LoadPort    portmap.Port
	Attempt     uint64
}

// String renders the value stored in the hash.
func (e Entry) String() string {
	return fmt.Sprintf("%d:%d:%d", e.ServicePort, e.LoadPort, e.Attempt)
}

// ParseEntry parses a colon-separated directory value.
func ParseEntry(value string) (Entry, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return Entry{}, fmt.Errorf("invalid directory value: expected 3 colon-separated segments, got %d in %q", len(parts), value)
	}
	service, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid service port %q: %w", parts[0], err)
	}
	load, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid load port %q: %w", parts[1], err)
	}
	attempt, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid attempt %q: %w", parts[2], err)
	}
	return Entry{ServicePort: portmap.Port(service), LoadPort: portmap.Port(load), Attempt: attempt}, nil
}

// update is a pending write. A nil entry removes the host's field.
type update struct {
	entry *Entry
}

// Publisher mirrors coordinator snapshots into Redis. Observe only queues;
// the Redis round trips happen on the publisher's goroutine.
type Publisher struct {
	client  *redis.Client
	key     string
	host    string
	timeout time.Duration

	ch   chan update
	done chan struct{}

	mu     sync.Mutex
	last   *Entry
	seen   bool
	closed bool
}

// NewPublisher connects to cfg.Address, through the SOCKS proxy when one is
// configured.
func NewPublisher(cfg config.DirectoryConfig, socks config.SOCKSConfig, host string) (*Publisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("directory address is empty")
	}
	opts := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if socks.Enabled() {
		dial, err := network.ContextDialer(socks.Host, socks.Port)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer for directory: %w", err)
		}
		opts.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dial(ctx, network, addr)
		}
	}
	return newPublisher(redis.NewClient(opts), cfg, host), nil
}

func newPublisher(client *redis.Client, cfg config.DirectoryConfig, host string) *Publisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	key := cfg.Key
	if key == "" {
		key = "VM_SERVICE"
	}
	p := &Publisher{
		client:  client,
		key:     key,
		host:    host,
		timeout: timeout,
		ch:      make(chan update, queueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Observe queues a directory update for s. A running service isolate is
// announced with its current ports; every other phase withdraws the entry.
func (p *Publisher) Observe(s serviceisolate.Snapshot) {
	var next *Entry
	if s.Running() && s.ServicePort != portmap.Illegal {
		next = &Entry{ServicePort: s.ServicePort, LoadPort: s.LoadPort, Attempt: s.Attempt}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || (p.seen && sameEntry(p.last, next)) {
		return
	}
	// The first snapshot is Absent; there is nothing to withdraw yet.
	if !p.seen && next == nil {
		p.seen = true
		return
	}
	select {
	case p.ch <- update{entry: next}:
		p.last = next
		p.seen = true
	default:
		log := logger.WithComponent("directory")
		log.Warn().Msg("Directory queue full, update dropped")
	}
}

func sameEntry(a, b *Entry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (p *Publisher) run() {
	defer close(p.done)
	for u := range p.ch {
		p.apply(u)
	}
}

func (p *Publisher) apply(u update) {
	log := logger.WithComponent("directory")
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if u.entry == nil {
		if err := p.client.HDel(ctx, p.key, p.host).Err(); err != nil {
			log.Warn().Err(err).Str("key", p.key).Msg("Redis HDEL failed")
			return
		}
		log.Info().Str("key", p.key).Str("host", p.host).Msg("Service ports withdrawn")
		return
	}

	value := u.entry.String()
	if err := p.client.HSet(ctx, p.key, p.host, value).Err(); err != nil {
		log.Warn().Err(err).Str("key", p.key).Msg("Redis HSET failed")
		return
	}
	log.Info().
		Str("key", p.key).
		Str("host", p.host).
		Str("value", value).
		Msg("Service ports announced")
}

// Lookup reads the entry published for host. It returns (nil, nil) when the
// host has no entry.
func (p *Publisher) Lookup(ctx context.Context, host string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	value, err := p.client.HGet(ctx, p.key, host).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Redis HGET %s %s failed: %w", p.key, host, err)
	}
	entry, err := ParseEntry(value)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Close applies the queued updates, withdraws this host's entry if one is
// still announced, and closes the client.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	announced := p.last != nil
	close(p.ch)
	p.mu.Unlock()

	var flushErr error
	select {
	case <-p.done:
		if announced {
			p.apply(update{})
		}
	case <-ctx.Done():
		flushErr = fmt.Errorf("directory flush interrupted: %w", ctx.Err())
	}
	if err := p.client.Close(); err != nil {
		return err
	}
	return flushErr
}
