// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
//
// When a ClickHouse DSN is configured, batches are also inserted into a
// requests table for analytics; otherwise entries are only written via
// slog. A ClickHouse outage degrades to slog-only — it never blocks or
// drops requests on the proxy hot path, only on the background flush.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

type RequestLog struct {
	ID           uuid.UUID
	Provider     string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Cached       bool
	CreatedAt    time.Time
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	chConn  driver.Conn // ClickHouse connection; nil when no DSN is configured
}

// New builds a Logger that always writes to slogger (or a default JSON
// stdout logger when nil). If clickhouseDSN is non-empty, batches are also
// inserted into ClickHouse; a failed connection attempt is logged and the
// logger falls back to slog-only rather than failing startup.
func New(ctx context.Context, slogger *slog.Logger, clickhouseDSN string) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	if clickhouseDSN != "" {
		conn, err := connectClickHouse(ctx, clickhouseDSN)
		if err != nil {
			slogger.WarnContext(ctx, "clickhouse_connect_failed",
				slog.String("error", err.Error()))
		} else {
			l.chConn = conn
		}
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func connectClickHouse(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return conn, nil
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.chConn != nil {
		return l.chConn.Close()
	}
	return nil
}

// insertClickHouse batch-inserts entries into the requests table. Any
// failure is logged and swallowed — ClickHouse is an analytics sink, never
// a dependency of the request path.
func (l *Logger) insertClickHouse(ctx context.Context, entries []RequestLog) {
	batch, err := l.chConn.PrepareBatch(ctx, "INSERT INTO requests "+
		"(id, provider, model, input_tokens, output_tokens, latency_ms, status, cached, created_at)")
	if err != nil {
		l.log.WarnContext(ctx, "clickhouse_prepare_failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		if err := batch.Append(
			e.ID, e.Provider, e.Model, e.InputTokens, e.OutputTokens,
			e.LatencyMs, e.Status, e.Cached, normalizeTime(e.CreatedAt),
		); err != nil {
			l.log.WarnContext(ctx, "clickhouse_append_failed", slog.String("error", err.Error()))
			return
		}
	}
	if err := batch.Send(); err != nil {
		l.log.WarnContext(ctx, "clickhouse_send_failed", slog.String("error", err.Error()))
	}
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.ID.String()),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.Uint64("input_tokens", uint64(e.InputTokens)),
				slog.Uint64("output_tokens", uint64(e.OutputTokens)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("status", uint64(e.Status)),
				slog.Bool("cached", e.Cached),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		if l.chConn != nil {
			l.insertClickHouse(ctx, batch)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
