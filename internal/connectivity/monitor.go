package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/olivetrack/fieldsync/internal/events"
)

// Monitor is the process-wide connectivity poller. Components subscribe to
// events.TopicConnectivity on the injected bus instead of polling on their
// own, so the whole process shares one staleness window.
type Monitor struct {
	checker  Checker
	bus      *events.Bus
	interval time.Duration
	log      zerolog.Logger

	mu        sync.RWMutex
	online    bool
	lastCheck time.Time
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMonitor creates a Monitor polling checker every interval.
func NewMonitor(checker Checker, bus *events.Bus, interval time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		checker:  checker,
		bus:      bus,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling. The first check runs immediately so subscribers see
// a state before the first tick. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx, stopCh)
}

// Stop halts polling and waits for the loop to exit. The monitor can be
// started again afterwards.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh := m.stopCh
	m.mu.Unlock()

	close(stopCh)
	m.wg.Wait()
}

// Online returns the last observed state without probing.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Checker adapts the monitor's cached state to the Checker interface so
// request paths read the shared snapshot instead of probing per call.
func (m *Monitor) Checker() Checker {
	return snapshot{m}
}

type snapshot struct{ m *Monitor }

func (s snapshot) Online(context.Context) bool {
	return s.m.Online()
}

// Check probes immediately, updates the cached state and publishes a
// transition event if the state changed. Used for manual "am I online"
// refreshes from the UI.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.checker.Online(ctx)
	m.update(online)
	return online
}

func (m *Monitor) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) update(online bool) {
	m.mu.Lock()
	changed := online != m.online
	wasFirst := m.lastCheck.IsZero()
	m.online = online
	m.lastCheck = time.Now()
	m.mu.Unlock()

	if changed || wasFirst {
		m.log.Info().Bool("online", online).Msg("connectivity changed")
		m.bus.Publish(events.TopicConnectivity, map[string]interface{}{
			"online": online,
		})
	}
}
