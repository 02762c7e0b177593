package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/relaybot/router/internal/config"
)

// NewSink builds the sink selected by cfg. rdb may be nil unless the
// redis sink is selected.
func NewSink(cfg config.AuditConfig, rdb *redis.Client, logger *zap.Logger) (Sink, error) {
	switch cfg.Sink {
	case "file":
		return NewFileSink(cfg.File), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("audit: redis sink requires a redis client")
		}
		return NewRedisSink(rdb, cfg.RedisStream), nil
	case "log":
		return NewLogSink(logger), nil
	default:
		return nil, fmt.Errorf("audit: unknown sink %q", cfg.Sink)
	}
}

// FileSink appends records as JSON lines to a size-rotated file.
type FileSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewFileSink opens a rotating JSONL sink.
func NewFileSink(cfg config.AuditFileConfig) *FileSink {
	return &FileSink{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}
}

// Write marshals the batch into one buffer so a batch is a single
// write call against the file.
func (s *FileSink) Write(_ context.Context, batch []Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode audit record: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}

// RedisSink appends records to a redis stream so replicas share one
// replayable audit log.
type RedisSink struct {
	client *redis.Client
	stream string
}

// NewRedisSink writes to the named stream.
func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

func (s *RedisSink) Write(ctx context.Context, batch []Record) error {
	pipe := s.client.Pipeline()
	for _, rec := range batch {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode audit record: %w", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]interface{}{
				"seq":    rec.Seq,
				"record": data,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append audit stream: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error { return nil }

// LogSink emits records through the structured logger. Useful in
// development and as a last-resort default.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink writes records at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, batch []Record) error {
	for _, rec := range batch {
		s.logger.Info("audit",
			zap.Uint64("seq", rec.Seq),
			zap.String("event_id", rec.EventID),
			zap.String("correlation_id", rec.CorrelationID),
			zap.String("community_id", rec.CommunityID),
			zap.String("route_id", rec.RouteID),
			zap.String("module", rec.Module),
			zap.String("decision", string(rec.Decision)),
			zap.String("detail", rec.Detail),
			zap.String("target", rec.Target),
			zap.String("outcome", rec.Outcome),
		)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
