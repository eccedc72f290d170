// Package session tracks live workflow instances: registration, lookup,
// capacity limits, and garbage collection of finished instances.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aromcp/workflow-server/pkg/workflow/engine"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

// Defaults for instance housekeeping.
const (
	DefaultMaxInstances = 100
	DefaultRetention    = 30 * time.Minute
	DefaultGCInterval   = time.Minute
)

// Config configures a Manager.
type Config struct {
	Logger       *slog.Logger
	Metrics      *Metrics
	MaxInstances int
	// Retention keeps finished instances queryable for a grace period
	// before the collector drops them.
	Retention  time.Duration
	GCInterval time.Duration
}

// Summary is the monitoring view of one instance.
type Summary struct {
	ID        string          `json:"workflow_id"`
	Name      string          `json:"name"`
	Status    engine.Status   `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Stats     engine.Counters `json:"stats"`
}

// Manager owns the instance table. All methods are safe for concurrent
// use; a background collector evicts finished instances after the
// retention window.
type Manager struct {
	logger     *slog.Logger
	metrics    *Metrics
	maxCount   int
	retention  time.Duration
	gcInterval time.Duration

	mu        sync.RWMutex
	instances map[string]*engine.Instance
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewManager builds a Manager and starts its collector.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = DefaultMaxInstances
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultGCInterval
	}
	m := &Manager{
		logger:     cfg.Logger.With("component", "session"),
		metrics:    cfg.Metrics,
		maxCount:   cfg.MaxInstances,
		retention:  cfg.Retention,
		gcInterval: cfg.GCInterval,
		instances:  map[string]*engine.Instance{},
		done:       make(chan struct{}),
	}
	m.wg.Add(1)
	go m.collect()
	return m
}

// Close stops the collector.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
}

// Track registers a freshly started instance, enforcing the capacity cap.
func (m *Manager) Track(in *engine.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := 0
	for _, existing := range m.instances {
		if !existing.Status().Terminal() {
			live++
		}
	}
	if live >= m.maxCount {
		return wferrors.Newf(wferrors.KindValidation,
			"workflow limit reached (%d running instances)", m.maxCount)
	}
	m.instances[in.ID] = in
	if m.metrics != nil {
		m.metrics.workflowStarted(in.Def.Name)
		m.metrics.setActive(m.activeLocked())
	}
	m.logger.Info("instance tracked", "instance", in.ID, "workflow", in.Def.Name)
	return nil
}

// Get looks an instance up by id.
func (m *Manager) Get(id string) (*engine.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.instances[id]
	if !ok {
		return nil, wferrors.Newf(wferrors.KindValidation, "unknown workflow_id %q", id)
	}
	return in, nil
}

// Remove drops an instance immediately (explicit stop).
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; ok {
		delete(m.instances, id)
		if m.metrics != nil {
			m.metrics.setActive(m.activeLocked())
		}
	}
}

// List returns monitoring summaries for every tracked instance.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.instances))
	for _, in := range m.instances {
		out = append(out, Summarize(in))
	}
	return out
}

// Count returns the number of tracked instances.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// Summarize builds the monitoring view of an instance.
func Summarize(in *engine.Instance) Summary {
	return Summary{
		ID:        in.ID,
		Name:      in.Def.Name,
		Status:    in.Status(),
		StartedAt: in.StartedAt(),
		UpdatedAt: in.UpdatedAt(),
		Stats:     in.Stats(),
	}
}

func (m *Manager) activeLocked() int {
	live := 0
	for _, in := range m.instances {
		if !in.Status().Terminal() {
			live++
		}
	}
	return live
}

func (m *Manager) collect() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep drops finished instances whose retention window has elapsed.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, in := range m.instances {
		status := in.Status()
		if !status.Terminal() {
			continue
		}
		if now.Sub(in.UpdatedAt()) < m.retention {
			continue
		}
		delete(m.instances, id)
		if m.metrics != nil {
			m.metrics.workflowFinished(in.Def.Name, string(status))
		}
		m.logger.Info("instance swept", "instance", id, "status", status)
	}
	if m.metrics != nil {
		m.metrics.setActive(m.activeLocked())
	}
}
