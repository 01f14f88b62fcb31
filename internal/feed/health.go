package feed

import (
	"sync"
	"time"
)

// HealthConfig holds tunable parameters for the HealthMonitor.
type HealthConfig struct {
	// StaleThreshold is the maximum age of the last event for an asset
	// before its data is considered stale.
	StaleThreshold time.Duration

	// CoolOff is the span of continuous fresh data required after a
	// recovery before Fresh returns true again.
	CoolOff time.Duration
}

// DefaultHealthConfig returns production-tuned defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		StaleThreshold: time.Second,
		CoolOff:        2 * time.Second,
	}
}

// ConnectionHealth is the slice of the Manager the monitor needs.
// Satisfied by *Manager.
type ConnectionHealth interface {
	Healthy() bool
}

type assetHealth struct {
	lastEvent   time.Time
	recoveredAt time.Time
	healthy     bool
}

// HealthMonitor tracks per-asset data freshness on top of the Manager's
// heartbeat health. Pricing call sites check Fresh before trusting a
// computed fill: a stale book prices trades against liquidity that may no
// longer exist.
type HealthMonitor struct {
	cfg  HealthConfig
	conn ConnectionHealth

	mu     sync.RWMutex
	assets map[string]*assetHealth

	nowFunc func() time.Time // injectable clock for testing
}

// NewHealthMonitor creates a HealthMonitor. Register OnEvent on the
// Manager to feed it.
func NewHealthMonitor(cfg HealthConfig, conn ConnectionHealth) *HealthMonitor {
	return &HealthMonitor{
		cfg:     cfg,
		conn:    conn,
		assets:  make(map[string]*assetHealth),
		nowFunc: time.Now,
	}
}

// OnEvent records arrival times for every asset an event touches.
func (h *HealthMonitor) OnEvent(ev Event) {
	for _, id := range eventAssetIDs(ev) {
		h.record(id)
	}
}

func (h *HealthMonitor) record(assetID string) {
	now := h.nowFunc()

	h.mu.Lock()
	st, ok := h.assets[assetID]
	if !ok {
		st = &assetHealth{}
		h.assets[assetID] = st
	}
	wasHealthy := st.healthy
	st.lastEvent = now
	st.healthy = true
	if !wasHealthy {
		st.recoveredAt = now
	}
	h.mu.Unlock()
}

// MarkStale forces an asset into an unhealthy state, e.g. after a detected
// book desync. The next event starts the cool-off clock.
func (h *HealthMonitor) MarkStale(assetID string) {
	h.mu.Lock()
	if st, ok := h.assets[assetID]; ok {
		st.healthy = false
	}
	h.mu.Unlock()
}

// Fresh reports whether the asset's data is trustworthy: the connection is
// heartbeat-healthy, the last event is within StaleThreshold, and the
// cool-off since the last recovery has elapsed.
func (h *HealthMonitor) Fresh(assetID string) bool {
	if !h.conn.Healthy() {
		return false
	}

	now := h.nowFunc()

	h.mu.RLock()
	st, ok := h.assets[assetID]
	h.mu.RUnlock()

	if !ok || !st.healthy {
		return false
	}
	if now.Sub(st.lastEvent) > h.cfg.StaleThreshold {
		return false
	}
	if !st.recoveredAt.IsZero() && now.Sub(st.recoveredAt) < h.cfg.CoolOff {
		return false
	}
	return true
}

// Forget drops all health state for an asset. Call alongside clearing its
// book once no consumer needs it.
func (h *HealthMonitor) Forget(assetID string) {
	h.mu.Lock()
	delete(h.assets, assetID)
	h.mu.Unlock()
}

// eventAssetIDs returns the asset ids an event carries data for.
func eventAssetIDs(ev Event) []string {
	switch e := ev.(type) {
	case BookEvent:
		return []string{e.AssetID}
	case PriceChangeEvent:
		ids := make([]string, 0, len(e.Changes))
		seen := make(map[string]struct{}, len(e.Changes))
		for _, c := range e.Changes {
			if _, ok := seen[c.AssetID]; ok {
				continue
			}
			seen[c.AssetID] = struct{}{}
			ids = append(ids, c.AssetID)
		}
		return ids
	case LastTradeEvent:
		return []string{e.AssetID}
	case TickSizeEvent:
		return []string{e.AssetID}
	default:
		return nil
	}
}
