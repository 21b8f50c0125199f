// Package ledger persists verification verdicts to Postgres so a fleet of
// runs can be audited after the fact. The ledger is append-only: verdicts
// are recorded, never updated.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/torus-labs/runproof/internal/forensic"
	"github.com/torus-labs/runproof/internal/replay"
	"github.com/torus-labs/runproof/internal/sentinel"
)

// ErrNotFound is returned when no ledger rows match a lookup.
var ErrNotFound = errors.New("ledger: not found")

// Check names the kind of verification a ledger row records.
type Check string

const (
	CheckReplay   Check = "replay"
	CheckForensic Check = "forensic"
	CheckSentinel Check = "sentinel"
)

// Record is one persisted verdict. Report carries the full JSON document of
// the underlying report; ReportSHA256 fingerprints it so a row can be matched
// against report files on disk.
type Record struct {
	ID           string          `json:"id"`
	Check        Check           `json:"check"`
	Target       string          `json:"target"`
	Verdict      string          `json:"verdict"`
	ReportSHA256 string          `json:"report_sha256"`
	Report       json.RawMessage `json:"report"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store writes and reads verdict rows.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

const schemaDDL = `CREATE TABLE IF NOT EXISTS verification_verdicts (
	verdict_id    TEXT PRIMARY KEY,
	check_kind    TEXT NOT NULL,
	target        TEXT NOT NULL,
	verdict       TEXT NOT NULL,
	report_sha256 TEXT NOT NULL,
	report        JSONB NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS verification_verdicts_target_idx
	ON verification_verdicts (target, recorded_at DESC)`

// EnsureSchema creates the verdict table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("verdict store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure verdict schema: %w", err)
	}
	return nil
}

// RecordReplay persists a replay report and returns the new row id.
func (s *Store) RecordReplay(ctx context.Context, r replay.Report) (string, error) {
	hash, err := r.Hash()
	if err != nil {
		return "", fmt.Errorf("hash report: %w", err)
	}
	return s.insert(ctx, CheckReplay, r.Target, string(r.Verdict), hash, r)
}

// RecordForensic persists a forensic delta. The verdict is IDENTICAL or
// DIFFERS; the target column records both run paths.
func (s *Store) RecordForensic(ctx context.Context, d forensic.Delta) (string, error) {
	hash, err := d.Hash()
	if err != nil {
		return "", fmt.Errorf("hash delta: %w", err)
	}
	verdict := "DIFFERS"
	if d.Identical {
		verdict = "IDENTICAL"
	}
	return s.insert(ctx, CheckForensic, d.RunA+" <> "+d.RunB, verdict, hash, d)
}

// RecordSentinel persists a non-determinism report.
func (s *Store) RecordSentinel(ctx context.Context, r sentinel.Report) (string, error) {
	hash, err := r.Hash()
	if err != nil {
		return "", fmt.Errorf("hash report: %w", err)
	}
	verdict := "UNSTABLE"
	if r.Stable {
		verdict = "STABLE"
	}
	return s.insert(ctx, CheckSentinel, r.Target, verdict, hash, r)
}

func (s *Store) insert(ctx context.Context, check Check, target, verdict, reportSHA string, report any) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("verdict store not initialized")
	}
	if strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("target is required")
	}
	blob, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO verification_verdicts (
			verdict_id,
			check_kind,
			target,
			verdict,
			report_sha256,
			report,
			recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id,
		string(check),
		strings.TrimSpace(target),
		verdict,
		reportSHA,
		blob,
		time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert verdict: %w", err)
	}
	return id, nil
}

// Filter narrows a ledger listing.
type Filter struct {
	Target string
	Check  Check
	Limit  int
}

// ListVerdicts returns verdict rows matching the filter, newest first.
func (s *Store) ListVerdicts(ctx context.Context, filter Filter) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("verdict store not initialized")
	}
	query, args, err := buildListQuery(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var check string
		if err := rows.Scan(&rec.ID, &check, &rec.Target, &rec.Verdict, &rec.ReportSHA256, &rec.Report, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		rec.Check = Check(check)
		rec.RecordedAt = rec.RecordedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	return records, nil
}

// GetVerdict returns one verdict row by id.
func (s *Store) GetVerdict(ctx context.Context, id string) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, fmt.Errorf("verdict store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, fmt.Errorf("verdict id is required")
	}
	var rec Record
	var check string
	row := s.db.QueryRowContext(
		ctx,
		`SELECT verdict_id, check_kind, target, verdict, report_sha256, report, recorded_at
		 FROM verification_verdicts
		 WHERE verdict_id = $1`,
		id,
	)
	if err := row.Scan(&rec.ID, &check, &rec.Target, &rec.Verdict, &rec.ReportSHA256, &rec.Report, &rec.RecordedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Check = Check(check)
	rec.RecordedAt = rec.RecordedAt.UTC()
	return rec, nil
}

func buildListQuery(filter Filter) (string, []any, error) {
	if strings.TrimSpace(filter.Target) == "" && filter.Check == "" {
		return "", nil, fmt.Errorf("target or check filter is required")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if strings.TrimSpace(filter.Target) != "" {
		args = append(args, strings.TrimSpace(filter.Target))
		clauses = append(clauses, fmt.Sprintf("target = $%d", len(args)))
	}
	if filter.Check != "" {
		args = append(args, string(filter.Check))
		clauses = append(clauses, fmt.Sprintf("check_kind = $%d", len(args)))
	}

	query := `SELECT verdict_id, check_kind, target, verdict, report_sha256, report, recorded_at
		FROM verification_verdicts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY recorded_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args, nil
}
