package waconsole

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// ParseBroadcastStats decodes a broadcast stats object.
func ParseBroadcastStats(r gjson.Result) BroadcastStats {
	if s := r.Get("stats"); s.IsObject() {
		merged := ParseBroadcastStats(s)
		if merged.BroadcastID == "" {
			merged.BroadcastID = firstString(r, "broadcastId", "broadcast_id", "id", "_id")
		}
		if merged.Status == "" {
			merged.Status = firstString(r, "status")
		}
		return merged
	}
	return BroadcastStats{
		BroadcastID: firstString(r, "broadcastId", "broadcast_id", "broadcast.id", "id", "_id"),
		Status:      firstString(r, "status", "broadcast.status"),
		Total:       int(firstInt(r, "total", "totalRecipients", "recipients")),
		Sent:        int(firstInt(r, "sent", "sentCount")),
		Delivered:   int(firstInt(r, "delivered", "deliveredCount")),
		Read:        int(firstInt(r, "read", "readCount")),
		Failed:      int(firstInt(r, "failed", "failedCount")),
		UpdatedAt:   firstTime(r, "updatedAt", "timestamp"),
	}
}

func firstInt(r gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.JSON {
			if n := v.Int(); n > 0 {
				return n
			}
		}
	}
	return 0
}

// merge folds next into s. Counters never decrease; status and time follow
// the newer report.
func (s *BroadcastStats) merge(next BroadcastStats) {
	s.Total = max(s.Total, next.Total)
	s.Sent = max(s.Sent, next.Sent)
	s.Delivered = max(s.Delivered, next.Delivered)
	s.Read = max(s.Read, next.Read)
	s.Failed = max(s.Failed, next.Failed)
	if next.Status != "" && !next.UpdatedAt.Before(s.UpdatedAt) {
		s.Status = next.Status
	}
	if next.UpdatedAt.After(s.UpdatedAt) {
		s.UpdatedAt = next.UpdatedAt
	}
}

// ============================================================================
// BroadcastMonitor
// ============================================================================

// BroadcastMonitor tracks live delivery counters of broadcast campaigns from
// broadcast_stats_updated frames.
type BroadcastMonitor struct {
	bus      *EventBus
	id       ListenerID
	log      zerolog.Logger
	onUpdate func(BroadcastStats)

	mu    sync.RWMutex
	stats map[string]BroadcastStats
}

// NewBroadcastMonitor subscribes to bus. onUpdate, if non-nil, receives the
// merged stats after each frame.
func NewBroadcastMonitor(bus *EventBus, onUpdate func(BroadcastStats)) *BroadcastMonitor {
	m := &BroadcastMonitor{
		bus:      bus,
		log:      log.Logger.With().Str("component", "broadcast").Logger(),
		onUpdate: onUpdate,
		stats:    make(map[string]BroadcastStats),
	}
	m.id = bus.OnFrame(EventBroadcastStatsUpdated, m.handle)
	return m
}

func (m *BroadcastMonitor) handle(f Frame) {
	next := ParseBroadcastStats(f.payload("data", "stats"))
	if next.BroadcastID == "" {
		next.BroadcastID = firstString(f.payload(), "broadcastId", "broadcast_id")
	}
	if next.BroadcastID == "" {
		m.log.Debug().Msg("broadcast stats frame without broadcast id")
		return
	}
	merged := m.Seed(next)
	if m.onUpdate != nil {
		m.onUpdate(merged)
	}
}

// Seed merges stats obtained elsewhere, typically from GetBroadcastStats,
// and returns the result.
func (m *BroadcastMonitor) Seed(s BroadcastStats) BroadcastStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.stats[s.BroadcastID]
	if !ok {
		cur = BroadcastStats{BroadcastID: s.BroadcastID}
	}
	cur.merge(s)
	m.stats[s.BroadcastID] = cur
	return cur
}

// Stats returns the counters of one broadcast.
func (m *BroadcastMonitor) Stats(broadcastID string) (BroadcastStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[broadcastID]
	return s, ok
}

// All returns every tracked broadcast ordered by id.
func (m *BroadcastMonitor) All() []BroadcastStats {
	m.mu.RLock()
	out := make([]BroadcastStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BroadcastID < out[j].BroadcastID })
	return out
}

// Close unsubscribes from the bus.
func (m *BroadcastMonitor) Close() {
	m.bus.Off(EventBroadcastStatsUpdated, m.id)
}
