package server

import "context"

type StoreHealthChecker struct {
	pingFunc func(ctx context.Context) error
}

func NewStoreHealthChecker(pingFunc func(ctx context.Context) error) *StoreHealthChecker {
	return &StoreHealthChecker{pingFunc: pingFunc}
}

func (c *StoreHealthChecker) Name() string {
	return "store"
}

func (c *StoreHealthChecker) Check(ctx context.Context) (Status, string) {
	if err := c.pingFunc(ctx); err != nil {
		return StatusUnhealthy, err.Error()
	}
	return StatusHealthy, ""
}

// ConsumerHealthChecker degrades health while the broker connection is down;
// HTTP ingestion keeps working meanwhile.
type ConsumerHealthChecker struct {
	name          string
	connectedFunc func() bool
}

func NewConsumerHealthChecker(name string, connectedFunc func() bool) *ConsumerHealthChecker {
	return &ConsumerHealthChecker{name: name, connectedFunc: connectedFunc}
}

func (c *ConsumerHealthChecker) Name() string {
	return c.name
}

func (c *ConsumerHealthChecker) Check(context.Context) (Status, string) {
	if !c.connectedFunc() {
		return StatusDegraded, "not connected"
	}
	return StatusHealthy, ""
}

type LockHealthChecker struct {
	pingFunc func(ctx context.Context) error
}

func NewLockHealthChecker(pingFunc func(ctx context.Context) error) *LockHealthChecker {
	return &LockHealthChecker{pingFunc: pingFunc}
}

func (c *LockHealthChecker) Name() string {
	return "lock"
}

// Check reports unhealthy: without the lock backend remediation refuses to run.
func (c *LockHealthChecker) Check(ctx context.Context) (Status, string) {
	if err := c.pingFunc(ctx); err != nil {
		return StatusUnhealthy, err.Error()
	}
	return StatusHealthy, ""
}
