package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is anything that can confirm its backend is reachable.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// StoreHealthChecker checks a data store backend
type StoreHealthChecker struct {
	name   string
	client Pinger
}

// NewStoreHealthChecker creates a health checker for a store backend
func NewStoreHealthChecker(name string, client Pinger) *StoreHealthChecker {
	return &StoreHealthChecker{name: name, client: client}
}

// Check performs the store health check
func (s *StoreHealthChecker) Check(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("store client not initialized")
	}
	return s.client.HealthCheck(ctx)
}

// Name returns the checker name
func (s *StoreHealthChecker) Name() string {
	return s.name
}

// Timeout returns the check timeout
func (s *StoreHealthChecker) Timeout() time.Duration {
	return 5 * time.Second
}

// EtcdHealthChecker checks etcd connectivity
type EtcdHealthChecker struct {
	client Pinger
}

// NewEtcdHealthChecker creates a new etcd health checker
func NewEtcdHealthChecker(client Pinger) *EtcdHealthChecker {
	return &EtcdHealthChecker{client: client}
}

// Check performs the etcd health check
func (e *EtcdHealthChecker) Check(ctx context.Context) error {
	if e.client == nil {
		return fmt.Errorf("etcd client not initialized")
	}
	return e.client.HealthCheck(ctx)
}

// Name returns the checker name
func (e *EtcdHealthChecker) Name() string {
	return "etcd"
}

// Timeout returns the check timeout
func (e *EtcdHealthChecker) Timeout() time.Duration {
	return 5 * time.Second
}

// SIPServerHealthChecker reports whether the SIP listener is up
type SIPServerHealthChecker struct {
	running *bool
}

// NewSIPServerHealthChecker creates a health checker over the SIP
// listener's running flag
func NewSIPServerHealthChecker(running *bool) *SIPServerHealthChecker {
	return &SIPServerHealthChecker{running: running}
}

// Check performs the SIP server health check
func (s *SIPServerHealthChecker) Check(ctx context.Context) error {
	if s.running == nil || !*s.running {
		return fmt.Errorf("SIP server is not running")
	}
	return nil
}

// Name returns the checker name
func (s *SIPServerHealthChecker) Name() string {
	return "sip_server"
}

// Timeout returns the check timeout
func (s *SIPServerHealthChecker) Timeout() time.Duration {
	return time.Second
}
