package rdbms

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/beads-health/resourcestore/internal/telemetry"
)

var rdbmsTracer = otel.Tracer(telemetry.InstrumentationName + "/rdbms")

var rdbmsMetrics struct {
	retryCount metric.Int64Counter
}

func init() {
	m := otel.Meter(telemetry.InstrumentationName + "/rdbms")
	rdbmsMetrics.retryCount, _ = m.Int64Counter("resourcestore.db.retry_count",
		metric.WithDescription("SQL operations retried due to transient errors"),
		metric.WithUnit("{retry}"),
	)
}

// Store is the generic database/sql-backed implementation shared by the
// sqlitestore and doltstore backends.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	readOnly bool
	log      *slog.Logger
}

// Open wraps an already-configured *sql.DB with the given dialect,
// running idempotent schema creation unless readOnly is set.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, readOnly bool, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if !readOnly {
		if err := dialect.CreateSchema(db); err != nil {
			return nil, fmt.Errorf("rdbms: create schema: %w", err)
		}
	}
	return &Store{db: db, dialect: dialect, readOnly: readOnly, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) spanAttrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.system", s.dialect.Name()),
		attribute.Bool("db.readonly", s.readOnly),
	}
}

func spanSQL(q string) string {
	q = strings.TrimSpace(q)
	if len(q) > 300 {
		return q[:300] + "…"
	}
	return q
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// withRetry runs op, retrying transient errors (per the dialect) with
// exponential backoff. PreconditionFailed-equivalent and other permanent
// errors must be returned wrapped in backoff.Permanent by op itself if op
// distinguishes them; withRetry only classifies raw driver errors.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	attempts := 0
	bo := backoff.NewExponentialBackOff()
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if perm, ok := err.(*backoff.PermanentError); ok {
			return perm
		}
		if s.dialect.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
	if attempts > 1 {
		rdbmsMetrics.retryCount.Add(ctx, int64(attempts-1))
	}
	return err
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	ctx, span := rdbmsTracer.Start(ctx, "rdbms."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(s.spanAttrs(),
			attribute.String("db.operation", op),
			attribute.String("db.statement", spanSQL(query)),
		)...),
	)
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	endSpan(span, err)
	return result, err
}

func (s *Store) queryRow(ctx context.Context, op string, scan func(*sql.Row) error, query string, args ...any) error {
	ctx, span := rdbmsTracer.Start(ctx, "rdbms."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(s.spanAttrs(),
			attribute.String("db.operation", op),
			attribute.String("db.statement", spanSQL(query)),
		)...),
	)
	err := s.withRetry(ctx, func() error {
		return scan(s.db.QueryRowContext(ctx, query, args...))
	})
	endSpan(span, err)
	return err
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	ctx, span := rdbmsTracer.Start(ctx, "rdbms."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(s.spanAttrs(),
			attribute.String("db.operation", op),
			attribute.String("db.statement", spanSQL(query)),
		)...),
	)
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	endSpan(span, err)
	return rows, err
}

// beginTx starts a transaction. Neither the transaction nor the statements
// issued on it are retried or traced: exec/query/queryRow, the only paths
// through withRetry, always run against s.db.
func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}
