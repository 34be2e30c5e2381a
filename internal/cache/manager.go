package cache

import (
	"context"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/tracing"
)

// MetricsRecorder is the subset of metrics the Cache Manager emits through;
// satisfied structurally by *metrics.Registry so this package never imports
// it back.
type MetricsRecorder interface {
	CacheHit(tier string)
	CacheMiss()
	CacheWriteOK()
	CacheWriteError()
}

type noopMetrics struct{}

func (noopMetrics) CacheHit(string)    {}
func (noopMetrics) CacheMiss()         {}
func (noopMetrics) CacheWriteOK()      {}
func (noopMetrics) CacheWriteError()   {}

// writeTask is a detached L2 write, queued so Manager.Store never blocks the
// caller on L2 latency.
type writeTask struct {
	key   string
	entry Entry
	ttl   time.Duration
}

// defaultWriteQueueSize bounds the outstanding L2 write queue; per the
// fire-and-forget design note, once full the oldest queued write is dropped
// rather than letting the queue grow unbounded under a slow L2.
const defaultWriteQueueSize = 1024

// Manager composes L1 and L2 behind a single lookup/store interface,
// handling write-through (L2 hit → L1 insert, before returning) and the
// detached background L2 write.
type Manager struct {
	l1      *MemoryCache
	l2      *RemoteCache // nil when L2 is disabled
	metrics MetricsRecorder

	writeQueue chan writeTask
	done       chan struct{}
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*Manager)

// WithMetrics attaches a MetricsRecorder; omit to record nothing.
func WithMetrics(m MetricsRecorder) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager builds a Manager over l1 (required) and l2 (nil disables L2).
// The returned Manager owns a background goroutine draining queued L2
// writes; call Close to stop it.
func NewManager(l1 *MemoryCache, l2 *RemoteCache, opts ...ManagerOption) *Manager {
	m := &Manager{
		l1:         l1,
		l2:         l2,
		metrics:    noopMetrics{},
		writeQueue: make(chan writeTask, defaultWriteQueueSize),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if l2 != nil {
		go m.drainWrites()
	}
	return m
}

// Lookup consults L1 first, then L2 if enabled. On an L2 hit, the entry is
// handed to L1 (write-through) before returning; since L1 applies writes
// asynchronously, later lookups become L1 hits once the write is admitted.
func (m *Manager) Lookup(ctx context.Context, key string) (Entry, Tier) {
	ctx, span := tracing.StartSpan(ctx, "cache", "cache_lookup")
	defer span.End()

	_, l1span := tracing.StartSpan(ctx, "cache", "l1_get")
	entry, ok := m.l1.Get(ctx, key)
	l1span.End()
	if ok {
		m.metrics.CacheHit(string(TierL1))
		return entry, TierL1
	}

	if m.l2 != nil {
		_, l2span := tracing.StartSpan(ctx, "cache", "l2_get")
		entry, ok := m.l2.Get(ctx, key)
		l2span.End()
		if ok {
			m.l1.Put(ctx, key, entry, 0)
			m.metrics.CacheHit(string(TierL2))
			return entry, TierL2
		}
	}

	m.metrics.CacheMiss()
	return Entry{}, TierNone
}

// Store writes entry to L1 synchronously (cheap, in-process) and schedules
// the L2 write as a detached background task; it never blocks on L2
// latency. If the write queue is full, the oldest queued write is dropped
// to make room — a slow L2 degrades cache freshness, not request latency.
func (m *Manager) Store(ctx context.Context, key string, entry Entry, ttl time.Duration) {
	_, span := tracing.StartSpan(ctx, "cache", "cache_write")
	defer span.End()

	m.l1.Put(ctx, key, entry, ttl)

	if m.l2 == nil {
		return
	}

	task := writeTask{key: key, entry: entry, ttl: ttl}
	select {
	case m.writeQueue <- task:
	default:
		select {
		case <-m.writeQueue:
		default:
		}
		select {
		case m.writeQueue <- task:
		default:
		}
	}
}

func (m *Manager) drainWrites() {
	for {
		select {
		case task := <-m.writeQueue:
			ctx, cancel := context.WithTimeout(context.Background(), defaultL2Deadline*4)
			m.l2.Put(ctx, task.key, task.entry, task.ttl)
			cancel()
			if m.l2.Healthy() {
				m.metrics.CacheWriteOK()
			} else {
				m.metrics.CacheWriteError()
			}
		case <-m.done:
			return
		}
	}
}

// L2Healthy reports the last observed L2 health, or true when L2 is
// disabled (there is nothing to be unhealthy about).
func (m *Manager) L2Healthy() bool {
	if m.l2 == nil {
		return true
	}
	return m.l2.Healthy()
}

// Close stops the background L2 write drainer and releases both tiers.
func (m *Manager) Close() error {
	close(m.done)
	if err := m.l1.Close(); err != nil {
		return err
	}
	if m.l2 != nil {
		return m.l2.Close()
	}
	return nil
}
