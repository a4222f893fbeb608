package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog records one invalidation event, for audit trail and later
// debugging of why a key disappeared from cache.
type AuditLog struct {
	ID          int64
	Pattern     string
	Keys        []string
	TriggeredBy string
	Timestamp   time.Time
	RequestID   string
	Latency     time.Duration
}

// AuditLogger persists AuditLog entries to Postgres via pgx, replacing the
// teacher's encore.dev/storage/sqldb-backed AuditLogger with a pool opened
// directly against pgx/v5 — the same design (append-only log, JSONB key
// list, indexed by timestamp/pattern/triggered_by/request_id) adapted to run
// outside an Encore service.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger wraps an existing pgxpool.Pool and ensures the audit
// schema exists.
func NewAuditLogger(ctx context.Context, pool *pgxpool.Pool) (*AuditLogger, error) {
	l := &AuditLogger{pool: pool}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("invalidation: initializing audit schema: %w", err)
	}
	return l, nil
}

func (l *AuditLogger) ensureSchema(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS invalidation_audit (
			id BIGSERIAL PRIMARY KEY,
			pattern TEXT NOT NULL,
			keys JSONB,
			triggered_by TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			request_id TEXT NOT NULL,
			latency_ms BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_timestamp
		ON invalidation_audit(timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_pattern
		ON invalidation_audit(pattern);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_triggered_by
		ON invalidation_audit(triggered_by);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_request_id
		ON invalidation_audit(request_id);
	`
	_, err := l.pool.Exec(ctx, query)
	return err
}

// Insert adds one audit log entry.
func (l *AuditLogger) Insert(ctx context.Context, log AuditLog) error {
	keysJSON, err := json.Marshal(log.Keys)
	if err != nil {
		return fmt.Errorf("invalidation: marshaling keys: %w", err)
	}

	const query = `
		INSERT INTO invalidation_audit
		(pattern, keys, triggered_by, timestamp, request_id, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = l.pool.Exec(ctx, query,
		log.Pattern, keysJSON, log.TriggeredBy, log.Timestamp, log.RequestID,
		log.Latency.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("invalidation: inserting audit log: %w", err)
	}
	return nil
}

// GetRecent retrieves recent audit logs, most recent first, optionally
// filtered to patterns containing patternFilter.
func (l *AuditLogger) GetRecent(ctx context.Context, limit, offset int, patternFilter string) ([]AuditLog, error) {
	var (
		query string
		args  []any
	)
	if patternFilter != "" {
		query = `
			SELECT id, pattern, keys, triggered_by, timestamp, request_id, latency_ms
			FROM invalidation_audit
			WHERE pattern LIKE $1
			ORDER BY timestamp DESC
			LIMIT $2 OFFSET $3
		`
		args = []any{"%" + patternFilter + "%", limit, offset}
	} else {
		query = `
			SELECT id, pattern, keys, triggered_by, timestamp, request_id, latency_ms
			FROM invalidation_audit
			ORDER BY timestamp DESC
			LIMIT $1 OFFSET $2
		`
		args = []any{limit, offset}
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("invalidation: querying audit logs: %w", err)
	}
	defer rows.Close()

	return scanAuditLogs(rows, limit)
}

// GetByRequestID retrieves every audit entry correlated to requestID.
func (l *AuditLogger) GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error) {
	const query = `
		SELECT id, pattern, keys, triggered_by, timestamp, request_id, latency_ms
		FROM invalidation_audit
		WHERE request_id = $1
		ORDER BY timestamp DESC
	`
	rows, err := l.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("invalidation: querying audit logs by request id: %w", err)
	}
	defer rows.Close()

	return scanAuditLogs(rows, 0)
}

func scanAuditLogs(rows pgx.Rows, sizeHint int) ([]AuditLog, error) {
	logs := make([]AuditLog, 0, sizeHint)
	for rows.Next() {
		var (
			log        AuditLog
			keysJSON   []byte
			latencyMs  int64
		)
		if err := rows.Scan(&log.ID, &log.Pattern, &keysJSON, &log.TriggeredBy,
			&log.Timestamp, &log.RequestID, &latencyMs); err != nil {
			return nil, fmt.Errorf("invalidation: scanning audit log: %w", err)
		}
		log.Latency = time.Duration(latencyMs) * time.Millisecond
		if len(keysJSON) > 0 {
			if err := json.Unmarshal(keysJSON, &log.Keys); err != nil {
				log.Keys = nil
			}
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invalidation: iterating audit logs: %w", err)
	}
	return logs, nil
}

// AuditStats aggregates invalidation activity since a given time.
type AuditStats struct {
	TotalInvalidations  int64
	BySource            map[string]int64
	AvgLatency          time.Duration
	MostFrequentPattern string
}

// GetStats computes aggregate invalidation statistics since the given time.
func (l *AuditLogger) GetStats(ctx context.Context, since time.Time) (*AuditStats, error) {
	stats := &AuditStats{BySource: make(map[string]int64)}

	var avgLatencyMs float64
	err := l.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(AVG(latency_ms), 0)
		FROM invalidation_audit
		WHERE timestamp >= $1
	`, since).Scan(&stats.TotalInvalidations, &avgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("invalidation: computing totals: %w", err)
	}
	stats.AvgLatency = time.Duration(avgLatencyMs) * time.Millisecond

	rows, err := l.pool.Query(ctx, `
		SELECT triggered_by, COUNT(*)
		FROM invalidation_audit
		WHERE timestamp >= $1
		GROUP BY triggered_by
	`, since)
	if err != nil {
		return nil, fmt.Errorf("invalidation: computing source breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			continue
		}
		stats.BySource[source] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invalidation: iterating source breakdown: %w", err)
	}

	err = l.pool.QueryRow(ctx, `
		SELECT pattern
		FROM invalidation_audit
		WHERE timestamp >= $1
		GROUP BY pattern
		ORDER BY COUNT(*) DESC
		LIMIT 1
	`, since).Scan(&stats.MostFrequentPattern)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("invalidation: computing most frequent pattern: %w", err)
	}

	return stats, nil
}

// Cleanup deletes audit entries older than olderThan, returning the number
// of rows removed. Intended to run on a periodic schedule so the table
// doesn't grow unbounded.
func (l *AuditLogger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := l.pool.Exec(ctx, `DELETE FROM invalidation_audit WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("invalidation: cleaning up audit logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
