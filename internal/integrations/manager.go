package integrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corvid-labs/corvid/internal/backoff"
	"github.com/corvid-labs/corvid/internal/corviderr"
	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/pkg/models"
)

// connectAttempts bounds initial connection retries per integration.
// Retryable failures back off between attempts; config and validation
// errors fail immediately.
const connectAttempts = 5

// ConnectPolicy is the backoff schedule for integration connects.
func ConnectPolicy() backoff.Policy {
	return backoff.Policy{
		Initial: 2 * time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Manager owns the platform integrations for a run: registration, the
// connect/disconnect lifecycle, and the merged observation feed. One
// platform failing to connect does not stop the others.
type Manager struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	policy  backoff.Policy

	mu           sync.RWMutex
	integrations map[models.Platform]Integration
	order        []models.Platform

	events    chan models.Message
	forwarded sync.WaitGroup
	closeOnce sync.Once
}

// NewManager creates an empty manager. Integrations are added with
// Register before ConnectAll.
func NewManager(logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:       logger.With("component", "integrations"),
		metrics:      metrics,
		policy:       ConnectPolicy(),
		integrations: make(map[models.Platform]Integration),
		events:       make(chan models.Message, 256),
	}
}

// Register adds an integration. Each platform may be registered once.
func (m *Manager) Register(integ Integration) error {
	if integ == nil {
		return corviderr.ErrConfig("nil integration", nil)
	}
	platform := integ.Platform()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.integrations[platform]; dup {
		return corviderr.ErrConfig(fmt.Sprintf("integration for %s already registered", platform), nil)
	}
	m.integrations[platform] = integ
	m.order = append(m.order, platform)
	return nil
}

// Get returns the integration for a platform.
func (m *Manager) Get(platform models.Platform) (Integration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	integ, ok := m.integrations[platform]
	return integ, ok
}

// All returns the integrations in registration order.
func (m *Manager) All() []Integration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Integration, 0, len(m.order))
	for _, platform := range m.order {
		out = append(out, m.integrations[platform])
	}
	return out
}

// Events returns the merged observation feed across all connected
// integrations. It closes after DisconnectAll completes.
func (m *Manager) Events() <-chan models.Message {
	return m.events
}

// ConnectAll connects every registered integration, retrying retryable
// failures with backoff. Integrations that stay down are reported in the
// joined error; the rest keep running. Callers check ConnectedCount to
// decide whether a partial bring-up is acceptable.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, integ := range m.All() {
		if err := m.connectWithRetry(ctx, integ); err != nil {
			m.logger.Error("integration unavailable",
				"platform", integ.Platform(),
				"error", err)
			if m.metrics != nil {
				m.metrics.RecordError("integrations", string(corviderr.ErrCodeConnection))
			}
			errs = append(errs, fmt.Errorf("%s: %w", integ.Platform(), err))
			continue
		}
		m.forward(integ)
	}
	return errors.Join(errs...)
}

func (m *Manager) connectWithRetry(ctx context.Context, integ Integration) error {
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			if err := m.policy.Sleep(ctx, attempt); err != nil {
				return err
			}
		}

		lastErr = integ.Connect(ctx)
		if lastErr == nil {
			return nil
		}

		var cerr *corviderr.Error
		if errors.As(lastErr, &cerr) && !cerr.IsRetryable() {
			return lastErr
		}
		m.logger.Warn("integration connect failed",
			"platform", integ.Platform(),
			"attempt", attempt+1,
			"error", lastErr)
	}
	return lastErr
}

// forward pumps one integration's feed into the merged channel until
// the integration closes it on disconnect.
func (m *Manager) forward(integ Integration) {
	m.forwarded.Add(1)
	go func() {
		defer m.forwarded.Done()
		for msg := range integ.Events() {
			m.events <- msg
		}
	}()
}

// DisconnectAll disconnects every integration and closes the merged
// feed once all per-platform feeds have drained.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, integ := range m.All() {
		if err := integ.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", integ.Platform(), err))
		}
	}

	m.forwarded.Wait()
	m.closeOnce.Do(func() { close(m.events) })
	return errors.Join(errs...)
}

// TestAll probes every registered integration.
func (m *Manager) TestAll(ctx context.Context) map[models.Platform]ConnectionTestResult {
	out := make(map[models.Platform]ConnectionTestResult)
	for _, integ := range m.All() {
		out[integ.Platform()] = integ.TestConnection(ctx)
	}
	return out
}

// Statuses returns per-platform connection status in registration order.
func (m *Manager) Statuses() []Status {
	all := m.All()
	statuses := make([]Status, 0, len(all))
	for _, integ := range all {
		statuses = append(statuses, integ.Status())
	}
	return statuses
}

// ConnectedCount reports how many integrations are currently connected.
func (m *Manager) ConnectedCount() int {
	count := 0
	for _, integ := range m.All() {
		if integ.Status().State == StateConnected {
			count++
		}
	}
	return count
}
