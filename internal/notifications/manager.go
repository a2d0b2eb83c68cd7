package notifications

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/systmms/credrotate/internal/logging"
	"github.com/systmms/credrotate/internal/metrics"
)

const (
	// DefaultQueueSize is the maximum number of events that can be queued.
	DefaultQueueSize = 100

	drainTimeout = 5 * time.Second
)

// Manager coordinates notification delivery across multiple providers.
// It uses an async bounded queue to prevent blocking rotation operations.
type Manager struct {
	providers []Provider
	queue     chan Event
	wg        sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	done      chan struct{}

	clock   clock.PassiveClock
	logger  *logging.Logger
	metrics *metrics.Recorder

	droppedCount int64
	droppedMu    sync.Mutex
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	QueueSize int
	Clock     clock.PassiveClock
	Logger    *logging.Logger
	Metrics   *metrics.Recorder
}

// NewManager creates a new notification manager. A zero QueueSize uses
// DefaultQueueSize.
func NewManager(opts ManagerOptions) *Manager {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	m := &Manager{
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if m.clock == nil {
		m.clock = clock.RealClock{}
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	m.logger = m.logger.Component("notifications")
	return m
}

// RegisterProvider adds a notification provider to the manager.
func (m *Manager) RegisterProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Providers returns a copy of the registered providers.
func (m *Manager) Providers() []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	providers := make([]Provider, len(m.providers))
	copy(providers, m.providers)
	return providers
}

// Start begins the background delivery goroutine. Events sent before Start
// are discarded.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop shuts the manager down after delivering what is already queued.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// Notify implements Notifier.
func (m *Manager) Notify(_ context.Context, kind EventType, credentialID string, detail map[string]string) {
	m.Send(Event{
		Type:         kind,
		CredentialID: credentialID,
		Detail:       detail,
		Timestamp:    m.clock.Now().UTC(),
	})
}

// Send queues an event. It never blocks: when the queue is full the event
// is dropped and counted.
func (m *Manager) Send(event Event) {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return
	}

	select {
	case m.queue <- event:
	default:
		m.droppedMu.Lock()
		m.droppedCount++
		m.droppedMu.Unlock()
		m.metrics.NotificationDropped()
		m.logger.Warn("notification queue full, dropped %s for %s", event.Type, event.CredentialID)
	}
}

// DroppedCount returns the number of events that were dropped due to queue overflow.
func (m *Manager) DroppedCount() int64 {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	return m.droppedCount
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.drainQueue()
			return
		case <-m.done:
			m.drainQueue()
			return
		case event := <-m.queue:
			m.dispatchEvent(ctx, event)
		}
	}
}

func (m *Manager) drainQueue() {
	for {
		select {
		case event := <-m.queue:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			m.dispatchEvent(drainCtx, event)
			cancel()
		default:
			return
		}
	}
}

func (m *Manager) dispatchEvent(ctx context.Context, event Event) {
	for _, provider := range m.Providers() {
		if !provider.SupportsEvent(event.Type) {
			continue
		}
		if err := provider.Send(ctx, event); err != nil {
			m.logger.Warn("%s: deliver %s for %s: %s", provider.Name(), event.Type, event.CredentialID, redactedError(provider, err))
		}
	}
}
