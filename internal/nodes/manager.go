// Package nodes decides which subtrees of the world state the model sees
// in full versus as a summary. Every addressable subtree is a node with a
// dotted path; at most MaxExpanded nodes are expanded at a time, pinned
// nodes are exempt from eviction, and auto-collapses are recorded as
// system events the model sees on the next cycle.
package nodes

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/corvid-labs/corvid/internal/observability"
	"github.com/corvid-labs/corvid/pkg/models"
)

const systemEventCap = 20

// Well-known system node paths.
const (
	PathRateLimits    = "system.rate_limits"
	PathNotifications = "system.notifications"
	PathActionHistory = "system.action_history"
)

// ChannelPath returns the node path for a channel.
func ChannelPath(platform models.Platform, channelID string) string {
	return "channels." + string(platform) + "." + channelID
}

// UserPath returns the node path for a user.
func UserPath(platform models.Platform, userID string) string {
	return "users." + string(platform) + "." + userID
}

// ThreadPath returns the node path for a thread.
func ThreadPath(rootID string) string {
	return "threads." + rootID
}

// ManagerConfig configures the node manager.
type ManagerConfig struct {
	// MaxExpanded bounds how many nodes may be expanded at once.
	MaxExpanded int

	// DefaultPinned nodes are pinned and expanded at startup.
	DefaultPinned []string
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxExpanded:   10,
		DefaultPinned: []string{PathRateLimits, PathNotifications},
	}
}

// SystemEvent records a node transition the model should know about, such
// as an auto-collapse that removed detail it was relying on.
type SystemEvent struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	NodePath string    `json:"node_path"`
	Detail   string    `json:"detail,omitempty"`
}

// ExpansionStatus is the capacity view returned to the model.
type ExpansionStatus struct {
	Expanded []string `json:"expanded"`
	Pinned   []string `json:"pinned"`
	Capacity int      `json:"capacity"`
}

// Manager tracks node expansion state.
type Manager struct {
	mu      sync.RWMutex
	config  ManagerConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	nodes  map[string]*models.NodeMetadata
	events []SystemEvent
}

// NewManager creates a manager with the default pins applied.
func NewManager(config ManagerConfig, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if config.MaxExpanded <= 0 {
		config.MaxExpanded = DefaultManagerConfig().MaxExpanded
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		config:  config,
		logger:  logger.With("component", "nodes.manager"),
		metrics: metrics,
		nodes:   make(map[string]*models.NodeMetadata),
	}
	for _, path := range config.DefaultPinned {
		node := m.ensureLocked(path)
		node.IsPinned = true
		node.IsExpanded = true
		node.LastExpanded = time.Now()
	}
	return m
}

// ensureLocked returns the node, registering it if unknown (must be
// called with lock held).
func (m *Manager) ensureLocked(path string) *models.NodeMetadata {
	node, ok := m.nodes[path]
	if !ok {
		node = &models.NodeMetadata{NodePath: path}
		m.nodes[path] = node
	}
	return node
}

// Ensure registers a node path if it is not yet known.
func (m *Manager) Ensure(path string) {
	if path == "" {
		return
	}
	m.mu.Lock()
	m.ensureLocked(path)
	m.mu.Unlock()
}

// Expand marks a node expanded. When the expanded set would exceed
// capacity, the least-recently-expanded unpinned node is auto-collapsed
// and returned. Expanding an already-expanded node is a no-op.
func (m *Manager) Expand(path string) (evicted string) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.ensureLocked(path)
	if node.IsExpanded {
		return ""
	}
	node.IsExpanded = true
	node.LastExpanded = now
	m.nodeEvent("expand")

	if m.expandedCountLocked() <= m.config.MaxExpanded {
		return ""
	}

	victim := m.lruUnpinnedLocked(path)
	if victim == nil {
		// Everything else is pinned; tolerate the overflow rather than
		// collapse the node that was just asked for.
		m.logger.Warn("expanded set over capacity, all other nodes pinned",
			"path", path, "capacity", m.config.MaxExpanded)
		return ""
	}

	victim.IsExpanded = false
	m.nodeEvent("auto_collapse")
	m.recordEventLocked(SystemEvent{
		At:       now,
		Kind:     "auto_collapse",
		NodePath: victim.NodePath,
		Detail:   "evicted to expand " + path,
	})
	m.logger.Debug("auto-collapsed node",
		"evicted", victim.NodePath, "expanded", path)
	return victim.NodePath
}

// lruUnpinnedLocked finds the least-recently-expanded unpinned expanded
// node, excluding the one just expanded (must be called with lock held).
func (m *Manager) lruUnpinnedLocked(exclude string) *models.NodeMetadata {
	var victim *models.NodeMetadata
	for _, node := range m.nodes {
		if !node.IsExpanded || node.IsPinned || node.NodePath == exclude {
			continue
		}
		if victim == nil ||
			node.LastExpanded.Before(victim.LastExpanded) ||
			(node.LastExpanded.Equal(victim.LastExpanded) && node.NodePath < victim.NodePath) {
			victim = node
		}
	}
	return victim
}

func (m *Manager) expandedCountLocked() int {
	n := 0
	for _, node := range m.nodes {
		if node.IsExpanded {
			n++
		}
	}
	return n
}

// Collapse force-collapses a node, pinned or not. It reports whether the
// node was expanded.
func (m *Manager) Collapse(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[path]
	if !ok || !node.IsExpanded {
		return false
	}
	node.IsExpanded = false
	m.nodeEvent("collapse")
	return true
}

// Pin marks a node exempt from auto-collapse.
func (m *Manager) Pin(path string) {
	m.mu.Lock()
	m.ensureLocked(path).IsPinned = true
	m.mu.Unlock()
	m.nodeEvent("pin")
}

// Unpin clears the pin, making the node evictable again.
func (m *Manager) Unpin(path string) {
	m.mu.Lock()
	if node, ok := m.nodes[path]; ok {
		node.IsPinned = false
	}
	m.mu.Unlock()
	m.nodeEvent("unpin")
}

// RefreshSummary clears the node's fingerprint so the next payload build
// regenerates its summary.
func (m *Manager) RefreshSummary(path string) {
	now := time.Now()

	m.mu.Lock()
	node := m.ensureLocked(path)
	node.Fingerprint = ""
	m.recordEventLocked(SystemEvent{
		At:       now,
		Kind:     "summary_refresh",
		NodePath: path,
	})
	m.mu.Unlock()
	m.nodeEvent("summary_refresh")
}

// IsDataChanged reports whether data differs from the node's last
// summarized fingerprint. Unknown nodes and cleared fingerprints always
// read as changed.
func (m *Manager) IsDataChanged(path string, data any) bool {
	current := Fingerprint(data)

	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.nodes[path]
	if !ok || node.Fingerprint == "" {
		return true
	}
	return node.Fingerprint != current
}

// UpdateSummary stores a freshly generated summary and the fingerprint
// of the data it describes.
func (m *Manager) UpdateSummary(path, summary, fingerprint string) {
	m.mu.Lock()
	node := m.ensureLocked(path)
	node.Summary = summary
	node.Fingerprint = fingerprint
	node.LastSummary = time.Now()
	m.mu.Unlock()
}

// Node returns a copy of the node's metadata.
func (m *Manager) Node(path string) (models.NodeMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[path]
	if !ok {
		return models.NodeMetadata{}, false
	}
	return *node, true
}

// All returns copies of every known node, sorted by path.
func (m *Manager) All() []models.NodeMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.NodeMetadata, 0, len(m.nodes))
	for _, node := range m.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodePath < out[j].NodePath })
	return out
}

// Status returns the expansion status shown to the model.
func (m *Manager) Status() ExpansionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := ExpansionStatus{
		Expanded: []string{},
		Pinned:   []string{},
		Capacity: m.config.MaxExpanded,
	}
	for _, node := range m.nodes {
		if node.IsExpanded {
			status.Expanded = append(status.Expanded, node.NodePath)
		}
		if node.IsPinned {
			status.Pinned = append(status.Pinned, node.NodePath)
		}
	}
	sort.Strings(status.Expanded)
	sort.Strings(status.Pinned)
	return status
}

// SystemEvents returns the recent node transitions, oldest first.
func (m *Manager) SystemEvents() []SystemEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SystemEvent{}, m.events...)
}

// Pins returns the current pinned paths, sorted, for persistence.
func (m *Manager) Pins() []string {
	return m.Status().Pinned
}

// RestorePins pins the given paths, used to restore persisted pins at
// startup. Existing pins are kept.
func (m *Manager) RestorePins(paths []string) {
	m.mu.Lock()
	for _, path := range paths {
		if path == "" {
			continue
		}
		node := m.ensureLocked(path)
		node.IsPinned = true
	}
	m.mu.Unlock()
}

// recordEventLocked appends to the bounded event ring (must be called
// with lock held).
func (m *Manager) recordEventLocked(ev SystemEvent) {
	m.events = append(m.events, ev)
	if over := len(m.events) - systemEventCap; over > 0 {
		m.events = append([]SystemEvent{}, m.events[over:]...)
	}
}

func (m *Manager) nodeEvent(kind string) {
	if m.metrics != nil {
		m.metrics.NodeEvent(kind)
	}
}
