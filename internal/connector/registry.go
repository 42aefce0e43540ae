package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the open connector of every active service, keyed by
// service name.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*Connector
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Connector)}
}

// Connect opens a connector for the service and replaces any existing one.
func (r *Registry) Connect(ctx context.Context, serviceName string, cfg ConnectionConfig) error {
	conn, err := Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect service %q: %w", serviceName, err)
	}

	r.mu.Lock()
	existing, ok := r.active[serviceName]
	r.active[serviceName] = conn
	r.mu.Unlock()

	if ok {
		existing.Close()
	}
	return nil
}

// Get returns the connector for a service.
func (r *Registry) Get(serviceName string) (*Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.active[serviceName]
	if !ok {
		return nil, fmt.Errorf("service %q not found (available: %v)", serviceName, r.names())
	}
	return conn, nil
}

// Disconnect removes and closes a service's connector.
func (r *Registry) Disconnect(serviceName string) error {
	r.mu.Lock()
	conn, ok := r.active[serviceName]
	delete(r.active, serviceName)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("service %q not found", serviceName)
	}
	return conn.Close()
}

// CloseAll disconnects all services.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, conn := range r.active {
		conn.Close()
		delete(r.active, name)
	}
}

// ListServices returns active service names in sorted order.
func (r *Registry) ListServices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

// PingAll pings every active service and returns the failures by name.
func (r *Registry) PingAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	conns := make(map[string]*Connector, len(r.active))
	for name, conn := range r.active {
		conns[name] = conn
	}
	r.mu.RUnlock()

	failed := make(map[string]error)
	for name, conn := range conns {
		if err := conn.Ping(ctx); err != nil {
			failed[name] = err
		}
	}
	return failed
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.active))
	for n := range r.active {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
