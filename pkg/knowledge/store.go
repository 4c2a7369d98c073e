// Package knowledge implements the Knowledge Base of SPEC_FULL §4.5: an
// embedded SQLite store (github.com/mattn/go-sqlite3, queried through
// github.com/jmoiron/sqlx, schema-managed by github.com/pressly/goose/v3)
// recording every fix attempt, discovered vulnerability, and per-strategy
// success statistic. Grounded on original_source integrations/knowledge_base.py.
package knowledge

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the single-writer, multi-reader handle onto the knowledge
// base file. database/sql's SetMaxOpenConns(1) on the write handle
// enforces single-writer serialization at the driver level; a second,
// read-only handle serves concurrent readers without blocking on it.
//
// A Store is never nil after Open: on any failure to open or migrate
// it falls back to degraded mode (Degraded()==true),
// in which writes are refused with ErrStateCorrupted and reads return
// zero-valued statistics, per spec.md §4.5's "KB opens in read-only
// degraded mode and emits a warning" contract.
type Store struct {
	write *sqlx.DB
	read  *sqlx.DB
	log   *logrus.Logger

	degraded bool
}

// Open opens (creating if absent) the SQLite database at path and runs
// any pending migrations. The returned *Store is always usable; a
// non-nil error means it is running in degraded mode.
func Open(path string, log *logrus.Logger) (*Store, error) {
	s := &Store{log: log}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return s.degrade(aerrors.Wrap(aerrors.ErrStateCorrupted, "create knowledge base directory: "+err.Error()))
		}
	}

	writeDSN := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	write, err := sqlx.Open("sqlite3", writeDSN)
	if err != nil {
		return s.degrade(aerrors.Wrap(aerrors.ErrStateCorrupted, "open knowledge base: "+err.Error()))
	}
	write.SetMaxOpenConns(1)

	if err := write.Ping(); err != nil {
		return s.degrade(aerrors.Wrap(aerrors.ErrStateCorrupted, "ping knowledge base: "+err.Error()))
	}

	if err := migrate(write.DB); err != nil {
		return s.degrade(aerrors.Wrap(aerrors.ErrStateCorrupted, "migrate knowledge base: "+err.Error()))
	}

	readDSN := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", path)
	read, err := sqlx.Open("sqlite3", readDSN)
	if err != nil {
		return s.degrade(aerrors.Wrap(aerrors.ErrStateCorrupted, "open read handle: "+err.Error()))
	}

	s.write = write
	s.read = read
	return s, nil
}

func (s *Store) degrade(err error) (*Store, error) {
	s.degraded = true
	s.log.WithError(err).Warn("knowledge base unavailable, running in degraded mode")
	return s, err
}

// Degraded reports whether the store is running without a usable
// database file. Callers (the orchestrator's adaptive retry pacing) fall
// back to a default multiplier when this is true.
func (s *Store) Degraded() bool { return s.degraded }

// Close releases both database handles.
func (s *Store) Close() error {
	if s.degraded {
		return nil
	}
	if err := s.write.Close(); err != nil {
		return err
	}
	return s.read.Close()
}

func migrate(db *sql.DB) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	goose.SetBaseFS(migrationsFS)
	return goose.Up(db, "migrations")
}

// FixRecord is the input to RecordFix, mirroring knowledge_base.py's
// record_fix(event, strategy, result, error_message, duration, retries).
type FixRecord struct {
	Event           types.SecurityEvent
	Strategy        types.FixStrategy
	Result          types.AttemptResult
	ErrorMessage    string
	DurationSeconds float64
	RetryCount      int
}

// RecordFix inserts one fixes row and transactionally upserts the
// matching strategies accumulator, returning the new fix id.
func (s *Store) RecordFix(ctx context.Context, r FixRecord) (int64, error) {
	if s.degraded {
		return 0, aerrors.Wrap(aerrors.ErrStateCorrupted, "knowledge base is in degraded mode")
	}

	metadata, err := json.Marshal(r.Event.Details)
	if err != nil {
		metadata = []byte("{}")
	}

	tx, err := s.write.BeginTxx(ctx, nil)
	if err != nil {
		return 0, aerrors.Wrap(err, "begin record fix transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO fixes (
			event_signature, event_source, event_type, severity,
			strategy_description, confidence, result, error_message,
			duration_seconds, retry_count, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		types.Signature(r.Event), string(r.Event.Source), r.Event.EventType, string(r.Event.Severity),
		r.Strategy.Description, r.Strategy.Confidence, string(r.Result), nullableString(r.ErrorMessage),
		r.DurationSeconds, r.RetryCount, string(metadata),
	)
	if err != nil {
		return 0, aerrors.Wrap(err, "insert fix")
	}
	fixID, err := res.LastInsertId()
	if err != nil {
		return 0, aerrors.Wrap(err, "read fix id")
	}

	if err := upsertStrategy(ctx, tx, r.Strategy.Description, r.Event.EventType,
		r.Result == types.ResultSuccess, r.Strategy.Confidence, r.DurationSeconds); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, aerrors.Wrap(err, "commit record fix transaction")
	}

	s.log.WithFields(logrus.Fields{"fix_id": fixID, "result": r.Result}).Info("recorded fix")
	return fixID, nil
}

// upsertStrategy mirrors knowledge_base.py's _update_strategy_stats: read
// the existing row (if any), recompute the running mean confidence over
// the new attempt count, and write success/failure/avg/duration back.
func upsertStrategy(ctx context.Context, tx *sqlx.Tx, name, eventType string, success bool, confidence, duration float64) error {
	var row struct {
		ID            int64   `db:"id"`
		SuccessCount  int     `db:"success_count"`
		FailureCount  int     `db:"failure_count"`
		AvgConfidence float64 `db:"avg_confidence"`
		TotalDuration float64 `db:"total_duration_seconds"`
	}
	err := tx.GetContext(ctx, &row, `
		SELECT id, success_count, failure_count, avg_confidence, total_duration_seconds
		FROM strategies WHERE strategy_name = ? AND event_type = ?`, name, eventType)

	switch {
	case err == sql.ErrNoRows:
		successCount, failureCount := 0, 0
		if success {
			successCount = 1
		} else {
			failureCount = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategies (strategy_name, event_type, success_count, failure_count,
				avg_confidence, total_duration_seconds, last_used)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			name, eventType, successCount, failureCount, confidence, duration)
		return aerrors.Wrap(err, "insert strategy")
	case err != nil:
		return aerrors.Wrap(err, "read strategy")
	}

	newSuccess, newFailure := row.SuccessCount, row.FailureCount
	if success {
		newSuccess++
	} else {
		newFailure++
	}
	totalAttempts := newSuccess + newFailure
	newAvgConfidence := ((row.AvgConfidence * float64(totalAttempts-1)) + confidence) / float64(totalAttempts)
	newDuration := row.TotalDuration + duration

	_, err = tx.ExecContext(ctx, `
		UPDATE strategies
		SET success_count = ?, failure_count = ?, avg_confidence = ?,
			total_duration_seconds = ?, last_used = CURRENT_TIMESTAMP
		WHERE id = ?`, newSuccess, newFailure, newAvgConfidence, newDuration, row.ID)
	return aerrors.Wrap(err, "update strategy")
}

// VulnerabilityRecord is the input to RecordVulnerability.
type VulnerabilityRecord struct {
	Source       string
	CVE          string
	Severity     string
	Package      string
	Version      string
	FixedVersion string
}

// RecordVulnerability inserts a discovered vulnerability, optionally
// linked to the fix that resolved it.
func (s *Store) RecordVulnerability(ctx context.Context, v VulnerabilityRecord, fixID *int64) (int64, error) {
	if s.degraded {
		return 0, aerrors.Wrap(aerrors.ErrStateCorrupted, "knowledge base is in degraded mode")
	}

	metadata, _ := json.Marshal(v)
	res, err := s.write.ExecContext(ctx, `
		INSERT INTO vulnerabilities (source, cve_id, severity, package, version, fixed_version, status, fix_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, 'open', ?, ?)`,
		v.Source, nullableString(v.CVE), v.Severity, v.Package, v.Version, v.FixedVersion, nullableInt64(fixID), string(metadata))
	if err != nil {
		return 0, aerrors.Wrap(err, "insert vulnerability")
	}
	return res.LastInsertId()
}

// SuccessRate is the result of GetSuccessRate.
type SuccessRate struct {
	Success     int
	Failure     int
	Partial     int
	Total       int
	SuccessRate float64
}

// GetSuccessRate groups fixes within the trailing `days` window by
// result, optionally filtered to one signature and/or source.
func (s *Store) GetSuccessRate(ctx context.Context, signature, source string, days int) (SuccessRate, error) {
	var stats SuccessRate
	if s.degraded {
		return stats, nil
	}

	since := time.Now().AddDate(0, 0, -days)
	query := "SELECT result, COUNT(*) AS n FROM fixes WHERE timestamp >= ?"
	args := []any{since.UTC().Format(time.RFC3339)}

	if signature != "" {
		query += " AND event_signature = ?"
		args = append(args, signature)
	}
	if source != "" {
		query += " AND event_source = ?"
		args = append(args, source)
	}
	query += " GROUP BY result"

	rows, err := s.read.QueryxContext(ctx, query, args...)
	if err != nil {
		return stats, aerrors.Wrap(err, "query success rate")
	}
	defer rows.Close()

	for rows.Next() {
		var result string
		var n int
		if err := rows.Scan(&result, &n); err != nil {
			return stats, aerrors.Wrap(err, "scan success rate row")
		}
		switch types.AttemptResult(result) {
		case types.ResultSuccess:
			stats.Success = n
		case types.ResultFailure:
			stats.Failure = n
		case types.ResultPartial:
			stats.Partial = n
		}
		stats.Total += n
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Success) / float64(stats.Total)
	}
	return stats, nil
}

// StrategyStat is one row of GetBestStrategies.
type StrategyStat struct {
	Name          string
	SuccessCount  int
	FailureCount  int
	AvgConfidence float64
	AvgDuration   float64
	LastUsed      sql.NullTime
	SuccessRate   float64
}

// GetBestStrategies returns up to limit strategies for eventType with at
// least 3 combined attempts, ranked by success rate then average
// confidence, mirroring knowledge_base.py's get_best_strategies.
func (s *Store) GetBestStrategies(ctx context.Context, eventType string, limit int) ([]StrategyStat, error) {
	if s.degraded {
		return nil, nil
	}

	rows, err := s.read.QueryxContext(ctx, `
		SELECT
			strategy_name, success_count, failure_count, avg_confidence,
			total_duration_seconds, last_used,
			(CAST(success_count AS REAL) / (success_count + failure_count)) AS success_rate
		FROM strategies
		WHERE event_type = ? AND (success_count + failure_count) >= 3
		ORDER BY success_rate DESC, avg_confidence DESC
		LIMIT ?`, eventType, limit)
	if err != nil {
		return nil, aerrors.Wrap(err, "query best strategies")
	}
	defer rows.Close()

	var out []StrategyStat
	for rows.Next() {
		var name string
		var successCount, failureCount int
		var avgConfidence, totalDuration, successRate float64
		var lastUsed sql.NullTime
		if err := rows.Scan(&name, &successCount, &failureCount, &avgConfidence, &totalDuration, &lastUsed, &successRate); err != nil {
			return nil, aerrors.Wrap(err, "scan best strategy row")
		}
		attempts := successCount + failureCount
		avgDuration := 0.0
		if attempts > 0 {
			avgDuration = totalDuration / float64(attempts)
		}
		out = append(out, StrategyStat{
			Name: name, SuccessCount: successCount, FailureCount: failureCount,
			AvgConfidence: avgConfidence, AvgDuration: avgDuration, LastUsed: lastUsed, SuccessRate: successRate,
		})
	}
	return out, nil
}

// LearningSummary is the aggregated view returned by Summary, for
// dashboards and the planner's context.
type LearningSummary struct {
	PeriodDays           int
	TotalFixes           int
	SuccessStats         SuccessRate
	TopStrategies        []StrategyStat
	TotalVulnerabilities int
}

// Summary aggregates total fixes, success stats, top strategies, and
// vulnerability count over the trailing `days` window.
func (s *Store) Summary(ctx context.Context, days int) (LearningSummary, error) {
	var out LearningSummary
	out.PeriodDays = days
	if s.degraded {
		return out, nil
	}

	since := time.Now().AddDate(0, 0, -days).UTC().Format(time.RFC3339)

	if err := s.read.GetContext(ctx, &out.TotalFixes, "SELECT COUNT(*) FROM fixes WHERE timestamp >= ?", since); err != nil {
		return out, aerrors.Wrap(err, "count fixes")
	}

	successStats, err := s.GetSuccessRate(ctx, "", "", days)
	if err != nil {
		return out, err
	}
	out.SuccessStats = successStats

	rows, err := s.read.QueryxContext(ctx, `
		SELECT strategy_name, success_count, failure_count
		FROM strategies
		ORDER BY (success_count + failure_count) DESC
		LIMIT 5`)
	if err != nil {
		return out, aerrors.Wrap(err, "query top strategies")
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var successCount, failureCount int
		if err := rows.Scan(&name, &successCount, &failureCount); err != nil {
			return out, aerrors.Wrap(err, "scan top strategy row")
		}
		rate := 0.0
		if successCount+failureCount > 0 {
			rate = float64(successCount) / float64(successCount+failureCount)
		}
		out.TopStrategies = append(out.TopStrategies, StrategyStat{
			Name: name, SuccessCount: successCount, FailureCount: failureCount, SuccessRate: rate,
		})
	}

	if err := s.read.GetContext(ctx, &out.TotalVulnerabilities,
		"SELECT COUNT(*) FROM vulnerabilities WHERE timestamp >= ?", since); err != nil {
		return out, aerrors.Wrap(err, "count vulnerabilities")
	}

	return out, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
