// Package etcd wraps the etcd v3 client with just the distributed-election
// primitives the reconciler's leader election needs (§4.5): one reconciler
// replica runs the scheduled pass at a time, the rest sit idle until the
// leader's session expires.
package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Client wraps an etcd client, narrowed to session and election construction.
type Client struct {
	cli *clientv3.Client
}

// Config holds etcd client configuration
type Config struct {
	// Endpoints is the list of etcd server endpoints
	Endpoints []string

	// DialTimeout is the timeout for failing to establish a connection
	DialTimeout time.Duration

	// Username for authentication (optional)
	Username string

	// Password for authentication (optional)
	Password string
}

// NewClient creates a new etcd client
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints cannot be empty")
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return &Client{cli: cli}, nil
}

// Close closes the etcd client connection.
func (c *Client) Close() error {
	if c.cli != nil {
		return c.cli.Close()
	}
	return nil
}

// NewSession opens a concurrency session backing one election participant.
// The session's lease expires after ttl seconds of the owning process being
// unreachable, which is what lets a dead leader's seat be taken over.
func (c *Client) NewSession(ctx context.Context, ttl int) (*concurrency.Session, error) {
	return concurrency.NewSession(c.cli, concurrency.WithTTL(ttl), concurrency.WithContext(ctx))
}

// NewElection creates an election rooted at prefix. Exactly one session
// across all processes racing on the same prefix holds leadership at a time.
func (c *Client) NewElection(session *concurrency.Session, prefix string) *concurrency.Election {
	return concurrency.NewElection(session, prefix)
}