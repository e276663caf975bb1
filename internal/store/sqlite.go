package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conveyorhq/conveyor/internal/job"
	"github.com/conveyorhq/conveyor/internal/xerr"
)

// SQLite is the durable Store backend.
type SQLite struct {
	db  *DB
	now func() time.Time
}

func NewSQLite(db *DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

// SetClock overrides the time source, for lease-expiry tests.
func (s *SQLite) SetClock(now func() time.Time) { s.now = now }

func (s *SQLite) Close() error { return s.db.Close() }

// Fixed-width fractional seconds, so the lexical ordering SQLite
// applies to expires_at and updated_at matches chronological order.
// RFC3339Nano trims trailing zeros and breaks that within a second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *SQLite) Create(ctx context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return xerr.New(xerr.CodeInvalidArguments, "job id is required")
	}
	status := j.Status
	if status == "" {
		status = job.StatusPending
	}
	now := s.now().UTC()
	created := j.CreatedAt.UTC()
	if created.IsZero() {
		created = now
	}
	payload := marshalOr(j.Payload, "{}")
	contextJSON := marshalOr(j.Context, "{}")
	_, err := s.db.SQLDB().ExecContext(ctx,
		`INSERT INTO jobs (id, automation_type, payload, status, context, attempts, cancel_requested, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.AutomationType, payload, string(status), contextJSON,
		j.Attempts, boolToInt(j.CancelRequested),
		created.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		if isUniqueViolation(err) {
			return xerr.Newf(xerr.CodeConflict, "job %s already exists", j.ID)
		}
		return xerr.Wrap(xerr.CodeStorage, err, "create job")
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.getJob(ctx, s.db.SQLDB(), id)
	if err != nil {
		return nil, err
	}
	steps, err := s.getSteps(ctx, s.db.SQLDB(), id)
	if err != nil {
		return nil, err
	}
	j.Steps = steps
	return j, nil
}

func (s *SQLite) TryAcquire(ctx context.Context, id, workerToken string, ttl time.Duration) (*job.Job, error) {
	now := s.now().UTC()
	var result *job.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		var token, expires string
		err = tx.QueryRowContext(ctx, `SELECT token, expires_at FROM leases WHERE job_id = ?`, id).Scan(&token, &expires)
		switch {
		case err == nil:
			exp, _ := time.Parse(timeLayout, expires)
			if now.Before(exp) && token != workerToken {
				return xerr.Newf(xerr.CodeConflict, "job %s is owned by another worker", id)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE leases SET token = ?, expires_at = ? WHERE job_id = ?`,
				workerToken, now.Add(ttl).Format(timeLayout), id); err != nil {
				return xerr.Wrap(xerr.CodeStorage, err, "update lease")
			}
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `INSERT INTO leases (job_id, token, expires_at) VALUES (?, ?, ?)`,
				id, workerToken, now.Add(ttl).Format(timeLayout)); err != nil {
				return xerr.Wrap(xerr.CodeStorage, err, "insert lease")
			}
		default:
			return xerr.Wrap(xerr.CodeStorage, err, "read lease")
		}
		steps, err := s.getSteps(ctx, tx, id)
		if err != nil {
			return err
		}
		j.Steps = steps
		result = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLite) Renew(ctx context.Context, id, workerToken string, ttl time.Duration) error {
	now := s.now().UTC()
	res, err := s.db.SQLDB().ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE job_id = ? AND token = ? AND expires_at > ?`,
		now.Add(ttl).Format(timeLayout), id, workerToken, now.Format(timeLayout))
	if err != nil {
		return xerr.Wrap(xerr.CodeStorage, err, "renew lease")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerr.Newf(xerr.CodeLeaseExpired, "job %s: lease not held by this worker", id)
	}
	return nil
}

func (s *SQLite) Release(ctx context.Context, id, workerToken string) error {
	_, err := s.db.SQLDB().ExecContext(ctx, `DELETE FROM leases WHERE job_id = ? AND token = ?`, id, workerToken)
	if err != nil {
		return xerr.Wrap(xerr.CodeStorage, err, "release lease")
	}
	return nil
}

func (s *SQLite) AppendStep(ctx context.Context, id, workerToken string, step job.Step, contextUpdates map[string]any) error {
	now := s.now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.ownedJob(ctx, tx, id, workerToken)
		if err != nil {
			return err
		}
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE job_id = ?`, id).Scan(&count); err != nil {
			return xerr.Wrap(xerr.CodeStorage, err, "count steps")
		}
		if step.Index != count {
			return xerr.Newf(xerr.CodeConflict, "job %s: step index %d, expected %d", id, step.Index, count)
		}
		for key := range contextUpdates {
			if _, exists := j.Context[key]; exists {
				return xerr.Newf(xerr.CodeConflict, "job %s: context key %q already set", id, key)
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO steps (job_id, idx, kind, tool, args, raw_output, parsed, outcome, error, error_code, duration_ns, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, step.Index, string(step.Kind), step.Tool, marshalOr(step.Args, "{}"),
			nullableString(string(step.RawOutput)), nullableString(marshalOr(step.Parsed, "")),
			string(step.Outcome), step.Error, step.ErrorCode,
			step.Duration.Nanoseconds(), step.StartedAt.UTC().Format(timeLayout))
		if err != nil {
			return xerr.Wrap(xerr.CodeStorage, err, "insert step")
		}
		if j.Context == nil {
			j.Context = make(map[string]any, len(contextUpdates))
		}
		for k, v := range contextUpdates {
			j.Context[k] = v
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET context = ?, attempts = ?, updated_at = ? WHERE id = ?`,
			marshalOr(j.Context, "{}"), count+1, now.Format(timeLayout), id)
		if err != nil {
			return xerr.Wrap(xerr.CodeStorage, err, "update job context")
		}
		return nil
	})
}

func (s *SQLite) UpdateStatus(ctx context.Context, id, workerToken string, next job.Status) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.ownedJob(ctx, tx, id, workerToken)
		if err != nil {
			return err
		}
		return s.transition(ctx, tx, j, next, nil)
	})
}

func (s *SQLite) MarkSucceeded(ctx context.Context, id, workerToken string, result map[string]any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.ownedJob(ctx, tx, id, workerToken)
		if err != nil {
			return err
		}
		extra := map[string]any{"result": marshalOr(result, "{}"), "last_error": "", "last_error_code": ""}
		if err := s.transition(ctx, tx, j, job.StatusSucceeded, extra); err != nil {
			return err
		}
		return s.dropLease(ctx, tx, id)
	})
}

func (s *SQLite) MarkFailed(ctx context.Context, id, workerToken string, code xerr.Code, message string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.ownedJob(ctx, tx, id, workerToken)
		if err != nil {
			return err
		}
		extra := map[string]any{"last_error": message, "last_error_code": string(code)}
		if err := s.transition(ctx, tx, j, job.StatusFailed, extra); err != nil {
			return err
		}
		return s.dropLease(ctx, tx, id)
	})
}

func (s *SQLite) MarkCancelled(ctx context.Context, id, workerToken string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.ownedJob(ctx, tx, id, workerToken)
		if err != nil {
			return err
		}
		if err := s.transition(ctx, tx, j, job.StatusCancelled, nil); err != nil {
			return err
		}
		return s.dropLease(ctx, tx, id)
	})
}

func (s *SQLite) RequestCancel(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if j.Status.IsTerminal() {
			return xerr.Newf(xerr.CodeConflict, "job %s already %s", id, j.Status)
		}
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
			s.now().UTC().Format(timeLayout), id)
		if err != nil {
			return xerr.Wrap(xerr.CodeStorage, err, "request cancel")
		}
		return nil
	})
}

func (s *SQLite) ListByStatus(ctx context.Context, status job.Status, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.SQLDB().QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, xerr.Wrap(xerr.CodeStorage, err, "list jobs")
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerr.Wrap(xerr.CodeStorage, err, "scan job id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, xerr.Wrap(xerr.CodeStorage, err, "list jobs")
	}
	out := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *SQLite) ExpiredLeases(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.SQLDB().QueryContext(ctx,
		`SELECT l.job_id FROM leases l JOIN jobs j ON j.id = l.job_id
		 WHERE l.expires_at <= ? AND j.status NOT IN ('succeeded', 'failed', 'cancelled')
		 ORDER BY l.job_id`,
		now.UTC().Format(timeLayout))
	if err != nil {
		return nil, xerr.Wrap(xerr.CodeStorage, err, "list expired leases")
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerr.Wrap(xerr.CodeStorage, err, "scan lease")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM jobs
			 WHERE status IN ('succeeded', 'failed', 'cancelled') AND updated_at < ?
			 ORDER BY id`,
			cutoff.UTC().Format(timeLayout))
		if err != nil {
			return xerr.Wrap(xerr.CodeStorage, err, "list prunable jobs")
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return xerr.Wrap(xerr.CodeStorage, err, "scan prunable job")
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return xerr.Wrap(xerr.CodeStorage, err, "iterate prunable jobs")
		}
		// Close the cursor before issuing deletes on the same tx.
		_ = rows.Close()
		for _, id := range ids {
			for _, q := range []string{
				`DELETE FROM steps WHERE job_id = ?`,
				`DELETE FROM leases WHERE job_id = ?`,
				`DELETE FROM jobs WHERE id = ?`,
			} {
				if _, err := tx.ExecContext(ctx, q, id); err != nil {
					return xerr.Wrap(xerr.CodeStorage, err, "prune job")
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// -- internals --

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.SQLDB().BeginTx(ctx, nil)
	if err != nil {
		return xerr.Wrap(xerr.CodeStorage, err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerr.Wrap(xerr.CodeStorage, err, "commit tx")
	}
	return nil
}

func (s *SQLite) getJob(ctx context.Context, q querier, id string) (*job.Job, error) {
	var j job.Job
	var payload, contextJSON, status, createdAt, updatedAt string
	var result sql.NullString
	var cancelRequested int
	err := q.QueryRowContext(ctx,
		`SELECT id, automation_type, payload, status, context, result, last_error, last_error_code,
		        attempts, cancel_requested, created_at, updated_at
		 FROM jobs WHERE id = ?`, id).
		Scan(&j.ID, &j.AutomationType, &payload, &status, &contextJSON, &result,
			&j.LastError, &j.LastErrorCode, &j.Attempts, &cancelRequested, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerr.Newf(xerr.CodeNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, xerr.Wrap(xerr.CodeStorage, err, "read job")
	}
	j.Status = job.Status(status)
	j.CancelRequested = cancelRequested != 0
	_ = json.Unmarshal([]byte(payload), &j.Payload)
	_ = json.Unmarshal([]byte(contextJSON), &j.Context)
	if result.Valid && result.String != "" {
		_ = json.Unmarshal([]byte(result.String), &j.Result)
	}
	j.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	j.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &j, nil
}

func (s *SQLite) getSteps(ctx context.Context, q querier, id string) ([]job.Step, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT idx, kind, tool, args, raw_output, parsed, outcome, error, error_code, duration_ns, started_at
		 FROM steps WHERE job_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, xerr.Wrap(xerr.CodeStorage, err, "read steps")
	}
	defer func() { _ = rows.Close() }()
	var steps []job.Step
	for rows.Next() {
		var st job.Step
		var kind, outcome, args, startedAt string
		var rawOutput, parsed sql.NullString
		var durationNS int64
		if err := rows.Scan(&st.Index, &kind, &st.Tool, &args, &rawOutput, &parsed,
			&outcome, &st.Error, &st.ErrorCode, &durationNS, &startedAt); err != nil {
			return nil, xerr.Wrap(xerr.CodeStorage, err, "scan step")
		}
		st.Kind = job.StepKind(kind)
		st.Outcome = job.Outcome(outcome)
		_ = json.Unmarshal([]byte(args), &st.Args)
		if rawOutput.Valid && rawOutput.String != "" {
			st.RawOutput = json.RawMessage(rawOutput.String)
		}
		if parsed.Valid && parsed.String != "" {
			_ = json.Unmarshal([]byte(parsed.String), &st.Parsed)
		}
		st.Duration = time.Duration(durationNS)
		st.StartedAt, _ = time.Parse(timeLayout, startedAt)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ownedJob loads the job inside the transaction and verifies the
// caller's lease is live.
func (s *SQLite) ownedJob(ctx context.Context, tx *sql.Tx, id, workerToken string) (*job.Job, error) {
	j, err := s.getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	var token, expires string
	err = tx.QueryRowContext(ctx, `SELECT token, expires_at FROM leases WHERE job_id = ?`, id).Scan(&token, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerr.Newf(xerr.CodeLeaseExpired, "job %s: lease not held by this worker", id)
	}
	if err != nil {
		return nil, xerr.Wrap(xerr.CodeStorage, err, "read lease")
	}
	exp, _ := time.Parse(timeLayout, expires)
	if token != workerToken || !s.now().UTC().Before(exp) {
		return nil, xerr.Newf(xerr.CodeLeaseExpired, "job %s: lease not held by this worker", id)
	}
	return j, nil
}

// transition validates and applies a status change, plus any extra
// column writes, in the caller's transaction.
func (s *SQLite) transition(ctx context.Context, tx *sql.Tx, j *job.Job, next job.Status, extra map[string]any) error {
	if !job.CanTransition(j.Status, next) {
		return xerr.Newf(xerr.CodeInvalidTransition, "job %s: %s -> %s is not a legal transition", j.ID, j.Status, next)
	}
	query := `UPDATE jobs SET status = ?, updated_at = ?`
	args := []any{string(next), s.now().UTC().Format(timeLayout)}
	for _, col := range []string{"result", "last_error", "last_error_code"} {
		if v, ok := extra[col]; ok {
			query += fmt.Sprintf(", %s = ?", col)
			args = append(args, v)
		}
	}
	query += ` WHERE id = ?`
	args = append(args, j.ID)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return xerr.Wrap(xerr.CodeStorage, err, "update status")
	}
	j.Status = next
	return nil
}

func (s *SQLite) dropLease(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE job_id = ?`, id); err != nil {
		return xerr.Wrap(xerr.CodeStorage, err, "drop lease")
	}
	return nil
}

func marshalOr(m map[string]any, fallback string) string {
	if m == nil {
		return fallback
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fallback
	}
	return string(b)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

var _ Store = (*SQLite)(nil)
