package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/SkynetNext/game-gateway/internal/logger"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AccessLogEntry is one dispatcher decision, for batched structured logging
// through the zap logger.
type AccessLogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	TraceID     string    `json:"trace_id,omitempty"`
	SpanID      string    `json:"span_id,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnID      uint64    `json:"conn_id,omitempty"`
	MessageType int32     `json:"message_type,omitempty"`
	Pool        string    `json:"pool,omitempty"`
	Endpoint    string    `json:"endpoint,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	Status      string    `json:"status"` // forwarded, auth, system, dropped_draining, dropped_auth, dropped_rate, dropped_route, error
	BytesIn     int64     `json:"bytes_in,omitempty"`
	BytesOut    int64     `json:"bytes_out,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// AccessLogger batches entries and flushes them on a size or time trigger.
type AccessLogger struct {
	logChan       chan *AccessLogEntry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

var (
	globalAccessLogger *AccessLogger
	once               sync.Once
)

// InitAccessLogger initializes the process-wide access logger.
func InitAccessLogger(batchSize int, flushInterval time.Duration) {
	once.Do(func() {
		globalAccessLogger = &AccessLogger{
			logChan:       make(chan *AccessLogEntry, batchSize*2),
			batchSize:     batchSize,
			flushInterval: flushInterval,
			stopChan:      make(chan struct{}),
		}
		globalAccessLogger.start()
	})
}

// LogAccess records an entry. Non-blocking: a full buffer drops the entry
// rather than stall the dispatcher.
func LogAccess(ctx context.Context, entry *AccessLogEntry) {
	if globalAccessLogger == nil {
		logAccessDirect(ctx, entry)
		return
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		entry.TraceID = span.SpanContext().TraceID().String()
		entry.SpanID = span.SpanContext().SpanID().String()
	}
	entry.Timestamp = time.Now()

	select {
	case globalAccessLogger.logChan <- entry:
	default:
		logger.L.Warn("access log buffer full, dropping entry", zap.Uint64("conn_id", entry.ConnID))
	}
}

func logAccessDirect(ctx context.Context, entry *AccessLogEntry) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		entry.TraceID = span.SpanContext().TraceID().String()
		entry.SpanID = span.SpanContext().SpanID().String()
	}
	logger.L.Info("access_log", fieldsFor(entry)...)
}

func (al *AccessLogger) start() {
	al.wg.Add(1)
	go al.processBatches()
}

func (al *AccessLogger) processBatches() {
	defer al.wg.Done()

	batch := make([]*AccessLogEntry, 0, al.batchSize)
	ticker := time.NewTicker(al.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-al.stopChan:
			for {
				select {
				case entry := <-al.logChan:
					batch = append(batch, entry)
				default:
					if len(batch) > 0 {
						al.flushBatch(batch)
					}
					return
				}
			}
		case entry := <-al.logChan:
			batch = append(batch, entry)
			if len(batch) >= al.batchSize {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// flushBatch logs each entry individually. In production this would instead
// ship the batch to Kafka/ELK.
func (al *AccessLogger) flushBatch(batch []*AccessLogEntry) {
	for _, entry := range batch {
		logger.L.Info("access_log", fieldsFor(entry)...)
	}
}

func fieldsFor(entry *AccessLogEntry) []zap.Field {
	fields := []zap.Field{
		zap.String("remote_addr", entry.RemoteAddr),
		zap.Int64("duration_ms", entry.DurationMs),
		zap.String("status", entry.Status),
	}
	if entry.TraceID != "" {
		fields = append(fields, zap.String("trace_id", entry.TraceID))
	}
	if entry.SpanID != "" {
		fields = append(fields, zap.String("span_id", entry.SpanID))
	}
	if entry.ConnID != 0 {
		fields = append(fields, zap.Uint64("conn_id", entry.ConnID))
	}
	if entry.MessageType != 0 {
		fields = append(fields, zap.Int32("message_type", entry.MessageType))
	}
	if entry.Pool != "" {
		fields = append(fields, zap.String("pool", entry.Pool))
	}
	if entry.Endpoint != "" {
		fields = append(fields, zap.String("endpoint", entry.Endpoint))
	}
	if entry.BytesIn > 0 {
		fields = append(fields, zap.Int64("bytes_in", entry.BytesIn))
	}
	if entry.BytesOut > 0 {
		fields = append(fields, zap.Int64("bytes_out", entry.BytesOut))
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}
	return fields
}

// ShutdownAccessLogger drains and stops the global access logger. A later
// InitAccessLogger starts a fresh one.
func ShutdownAccessLogger() {
	if globalAccessLogger != nil {
		close(globalAccessLogger.stopChan)
		globalAccessLogger.wg.Wait()
		globalAccessLogger = nil
		once = sync.Once{}
	}
}
