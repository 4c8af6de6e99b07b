// Package statslog serializes the allocator's statistics counters
// (spec.md section 6) into a loggable snapshot: JSON by default, optionally
// zstd-compressed for log-shipping. This is the concrete "logging of
// statistics" external collaborator spec.md leaves at the interface level.
//
// Grounded on the teacher's monitoring.go MetricsCollector: one struct of
// atomically-updated counters, snapshotted on demand rather than streamed.
package statslog

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/abiolaogu/smalloc/pkg/smalloc"
)

// BucketSnapshot mirrors one bucket's counters from pool.Stats at the
// instant FromAllocator read them.
type BucketSnapshot struct {
	Index     int    `json:"index"`
	SlotSize  uint64 `json:"slot_size"`
	CacheHit  uint64 `json:"cache_hit"`
	Hit       uint64 `json:"hit"`
	Miss      uint64 `json:"miss"`
	Free      uint64 `json:"free"`
}

// Snapshot is one point-in-time statistics dump for one allocator handle.
type Snapshot struct {
	AllocatorID string            `json:"allocator_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Attempts    uint64            `json:"alloc_attempts"`
	FromArena   uint64            `json:"alloc_from_arena"`
	ToFallback  uint64            `json:"alloc_to_fallback"`
	BySize      uint64            `json:"routed_by_size"`
	BySaturation uint64           `json:"routed_by_saturation"`
	Buckets     []BucketSnapshot  `json:"buckets"`
}

// FromAllocator builds a Snapshot from a's current counters. Reading
// atomics this way across buckets is not a consistent point-in-time view
// (the same relaxed-ordering tradeoff spec.md section 5 makes for the
// counters themselves), which is the correct tradeoff for statistics that
// exist for observability, not correctness.
func FromAllocator(a *smalloc.Allocator) *Snapshot {
	stats := a.Stats()
	buckets := make([]BucketSnapshot, len(stats))
	for i, s := range stats {
		buckets[i] = BucketSnapshot{
			Index:    i,
			SlotSize: uint64(a.SlotSize(i)),
			CacheHit: s.CacheHit.Load(),
			Hit:      s.Hit.Load(),
			Miss:     s.Miss.Load(),
			Free:     s.Free.Load(),
		}
	}
	g := a.GlobalStats()
	return &Snapshot{
		AllocatorID:  a.ID(),
		Timestamp:    time.Now().UTC(),
		Attempts:     g.Attempts.Load(),
		FromArena:    g.FromArena.Load(),
		ToFallback:   g.ToFallback.Load(),
		BySize:       g.BySize.Load(),
		BySaturation: g.BySaturation.Load(),
		Buckets:      buckets,
	}
}

// Encode serializes the snapshot to JSON.
func Encode(s *Snapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// EncodeCompressed serializes the snapshot to JSON and then zstd-compresses
// it, for the /stats.zst log-shipping endpoint cmd/statsserver exposes.
func EncodeCompressed(s *Snapshot) ([]byte, error) {
	raw, err := Encode(s)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

// Decode parses a JSON snapshot previously produced by Encode, used by
// tests and by operators inspecting a logged snapshot offline.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(bytes.TrimSpace(data), &s); err != nil {
		return nil, err
	}
	return &s, nil
}
