package system

import (
	"context"
	"fmt"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
)

// Manager starts and stops a fixed set of Services in registration order,
// stopping in reverse order so dependents shut down before their
// dependencies.
type Manager struct {
	services []Service
}

// NewManager builds a Manager over the given services, in start order.
func NewManager(services ...Service) *Manager {
	return &Manager{services: services}
}

// Register appends a service to be started/stopped by the manager.
func (m *Manager) Register(svc Service) {
	m.services = append(m.services, svc)
}

// Services returns the registered services, in registration order.
func (m *Manager) Services() []Service {
	return m.services
}

// Start starts every registered service in order. If one fails, every
// service already started is stopped (in reverse order) before the error is
// returned.
func (m *Manager) Start(ctx context.Context) error {
	for i, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			m.stopFrom(ctx, i-1)
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// Stop stops every registered service in reverse registration order,
// collecting (rather than short-circuiting on) the first error.
func (m *Manager) Stop(ctx context.Context) error {
	return m.stopFrom(ctx, len(m.services)-1)
}

func (m *Manager) stopFrom(ctx context.Context, from int) error {
	var firstErr error
	for i := from; i >= 0; i-- {
		svc := m.services[i]
		if err := svc.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", svc.Name(), err)
		}
	}
	return firstErr
}

// Descriptors collects descriptors from every registered service that
// implements DescriptorProvider, sorted by layer then name.
func (m *Manager) Descriptors() []core.Descriptor {
	var providers []DescriptorProvider
	for _, svc := range m.services {
		if dp, ok := svc.(DescriptorProvider); ok {
			providers = append(providers, dp)
		}
	}
	return CollectDescriptors(providers)
}

