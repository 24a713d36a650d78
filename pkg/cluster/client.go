// Package cluster distributes node-level configuration through etcd. The
// host-alias set and stateless-proxy list are published under a shared
// prefix so every node in the deployment dispatches reflexive URIs the
// same way. Each node publishes its own root host and reads both sets
// once at startup; the registry they feed is immutable afterwards.
package cluster

import (
	"context"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/treetop-comms/canopy/pkg/config"
	"github.com/treetop-comms/canopy/pkg/logging"
)

const (
	// Key prefixes for shared configuration
	HostAliasPrefix      = "/canopy/host-aliases/"
	StatelessProxyPrefix = "/canopy/stateless-proxies/"
)

// Client wraps the etcd client with deployment-configuration methods
type Client struct {
	client *clientv3.Client
	cfg    *config.EtcdConfig
	logger *logging.Logger
}

// NewClient creates a new etcd client
func NewClient(cfg *config.EtcdConfig, logger *logging.Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("etcd is disabled")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	etcdConfig := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	}

	if cfg.Username != "" {
		etcdConfig.Username = cfg.Username
		etcdConfig.Password = cfg.Password
	}

	client, err := clientv3.New(etcdConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return &Client{
		client: client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Close closes the etcd client connection
func (c *Client) Close() error {
	return c.client.Close()
}

// HealthCheck performs a health check on the etcd cluster
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	_, err := c.client.Status(ctx, c.cfg.Endpoints[0])
	return err
}

// HostAliases returns the deployment-wide host-alias set.
func (c *Client) HostAliases(ctx context.Context) ([]string, error) {
	return c.list(ctx, HostAliasPrefix)
}

// StatelessProxies returns the deployment-wide stateless-proxy set.
func (c *Client) StatelessProxies(ctx context.Context) ([]string, error) {
	return c.list(ctx, StatelessProxyPrefix)
}

// PublishHostAlias adds a host alias to the shared set.
func (c *Client) PublishHostAlias(ctx context.Context, alias string) error {
	key := HostAliasPrefix + strings.ToLower(alias)
	if _, err := c.client.Put(ctx, key, "1"); err != nil {
		return fmt.Errorf("failed to publish host alias: %w", err)
	}
	c.logger.Info("Published host alias", "alias", alias)
	return nil
}

func (c *Client) list(ctx context.Context, prefix string) ([]string, error) {
	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	values := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, strings.TrimPrefix(string(kv.Key), prefix))
	}
	return values, nil
}

// MergeAliases folds the shared alias set into the statically configured
// one, deduplicated case-insensitively.
func MergeAliases(static, shared []string) []string {
	seen := make(map[string]struct{}, len(static)+len(shared))
	var merged []string
	for _, alias := range append(append([]string{}, static...), shared...) {
		key := strings.ToLower(alias)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, alias)
	}
	return merged
}
