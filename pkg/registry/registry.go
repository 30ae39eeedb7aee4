// Package registry holds the ordered downstream service configuration in two
// generations: active, read by new sagas, and pending, edited by operators.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goclaw/ordersaga/pkg/txlog"
)

var (
	// ErrNoPending is returned when applying without a pending generation.
	ErrNoPending = errors.New("registry: no pending configuration")
	// ErrUnknownService is returned for names outside the service kind set.
	ErrUnknownService = errors.New("registry: unknown service")
	// ErrNoActive is returned when no active configuration has been set.
	ErrNoActive = errors.New("registry: no active configuration")
)

// Generation names a configuration generation.
type Generation string

const (
	GenerationActive  Generation = "active"
	GenerationPending Generation = "pending"
)

// ServiceConfig is one downstream service with its execution order and timeout.
type ServiceConfig struct {
	Name           string `json:"name" validate:"required"`
	Order          int    `json:"order" validate:"gte=0"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"gt=0"`
}

// Timeout returns the timeout as a duration.
func (c ServiceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Version is an immutable, ordered service list.
type Version struct {
	Number    uint64          `json:"version"`
	Services  []ServiceConfig `json:"services"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (v *Version) clone() *Version {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Services = append([]ServiceConfig(nil), v.Services...)
	return &cp
}

// Store persists configuration generations.
type Store interface {
	SaveServiceConfig(ctx context.Context, gen Generation, v *Version) error
	LoadServiceConfig(ctx context.Context, gen Generation) (*Version, error)
	DeleteServiceConfig(ctx context.Context, gen Generation) error
	// PromoteServiceConfig stores v as the active generation and removes the
	// pending one in a single write. Either both happen or neither does.
	PromoteServiceConfig(ctx context.Context, v *Version) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists every generation change to store.
func WithStore(store Store) Option {
	return func(r *Registry) {
		r.store = store
	}
}

// Registry holds active and pending service generations.
// Readers take a pointer snapshot; writers swap pointers under writeMu.
type Registry struct {
	active  atomic.Pointer[Version]
	pending atomic.Pointer[Version]

	writeMu sync.Mutex
	nextNum uint64
	store   Store
}

// New creates a registry whose active generation is initial.
func New(initial []ServiceConfig, opts ...Option) (*Registry, error) {
	r := &Registry{}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	services, err := normalize(initial)
	if err != nil {
		return nil, err
	}
	r.nextNum = 1
	r.active.Store(&Version{Number: r.nextNum, Services: services, UpdatedAt: time.Now().UTC()})
	return r, nil
}

// Load replaces both generations with what store holds, keeping the current
// active generation when nothing was persisted yet.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	active, err := r.store.LoadServiceConfig(ctx, GenerationActive)
	if err != nil {
		return fmt.Errorf("load active service config: %w", err)
	}
	if active != nil {
		if _, err := normalize(active.Services); err != nil {
			return fmt.Errorf("stored active service config: %w", err)
		}
		r.active.Store(active)
		r.bump(active.Number)
	} else if err := r.store.SaveServiceConfig(ctx, GenerationActive, r.active.Load()); err != nil {
		return fmt.Errorf("save active service config: %w", err)
	}

	pending, err := r.store.LoadServiceConfig(ctx, GenerationPending)
	if err != nil {
		return fmt.Errorf("load pending service config: %w", err)
	}
	if pending != nil {
		r.pending.Store(pending)
		r.bump(pending.Number)
	}
	return nil
}

func (r *Registry) bump(n uint64) {
	if n > r.nextNum {
		r.nextNum = n
	}
}

// GetActive returns a copy of the active generation.
func (r *Registry) GetActive() *Version {
	return r.active.Load().clone()
}

// GetPending returns a copy of the pending generation, nil when none.
func (r *Registry) GetPending() *Version {
	return r.pending.Load().clone()
}

// SetPending validates services and stages them as the pending generation.
// Active configuration is never touched.
func (r *Registry) SetPending(ctx context.Context, services []ServiceConfig) (*Version, error) {
	normalized, err := normalize(services)
	if err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.nextNum++
	v := &Version{Number: r.nextNum, Services: normalized, UpdatedAt: time.Now().UTC()}
	if r.store != nil {
		if err := r.store.SaveServiceConfig(ctx, GenerationPending, v); err != nil {
			return nil, fmt.Errorf("save pending service config: %w", err)
		}
	}
	r.pending.Store(v)
	return v.clone(), nil
}

// ApplyPending promotes pending to active in one swap.
func (r *Registry) ApplyPending(ctx context.Context) (*Version, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	pending := r.pending.Load()
	if pending == nil {
		return nil, ErrNoPending
	}
	if r.store != nil {
		if err := r.store.PromoteServiceConfig(ctx, pending); err != nil {
			return nil, fmt.Errorf("promote pending service config: %w", err)
		}
	}
	r.active.Store(pending)
	r.pending.Store(nil)
	return pending.clone(), nil
}

// DiscardPending drops the pending generation. It is a no-op when none exists.
func (r *Registry) DiscardPending(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteServiceConfig(ctx, GenerationPending); err != nil {
			return fmt.Errorf("delete pending service config: %w", err)
		}
	}
	r.pending.Store(nil)
	return nil
}

// GetTimeout returns the active timeout for service.
func (r *Registry) GetTimeout(service string) (time.Duration, error) {
	for _, svc := range r.active.Load().Services {
		if svc.Name == service {
			return svc.Timeout(), nil
		}
	}
	return 0, fmt.Errorf("%w: %q is not active", ErrUnknownService, service)
}

// GetOrder returns the active service names in execution order.
func (r *Registry) GetOrder() []string {
	services := r.active.Load().Services
	names := make([]string, 0, len(services))
	for _, svc := range services {
		names = append(names, svc.Name)
	}
	return names
}

// Snapshot captures the active generation as a saga plan.
func (r *Registry) Snapshot() []txlog.PlannedStep {
	services := r.active.Load().Services
	plan := make([]txlog.PlannedStep, 0, len(services))
	for _, svc := range services {
		plan = append(plan, txlog.PlannedStep{
			Service: svc.Name,
			Order:   svc.Order,
			Timeout: svc.Timeout(),
		})
	}
	return plan
}

// normalize validates services and returns them sorted by execution order.
func normalize(services []ServiceConfig) ([]ServiceConfig, error) {
	if err := Validate(services); err != nil {
		return nil, err
	}
	out := make([]ServiceConfig, len(services))
	for i, svc := range services {
		kind, _ := ParseKind(svc.Name)
		svc.Name = kind.String()
		out[i] = svc
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Order < out[j].Order
	})
	return out, nil
}
