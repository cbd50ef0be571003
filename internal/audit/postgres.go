// Package audit persists terminated agent sessions to PostgreSQL.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/bull/clinical-rag-agent/internal/agent"
	"github.com/bull/clinical-rag-agent/internal/config"
	"github.com/bull/clinical-rag-agent/internal/domain"
)

// Schema is applied on Open. Steps are denormalised so tool failure rates
// can be queried without decoding the session document.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
    id             UUID PRIMARY KEY,
    patient_id     TEXT NOT NULL,
    question       TEXT NOT NULL,
    status         TEXT NOT NULL,
    failure_reason TEXT NOT NULL DEFAULT '',
    step_count     INTEGER NOT NULL,
    caveats        INTEGER NOT NULL,
    citations      INTEGER NOT NULL,
    started_at     TIMESTAMPTZ NOT NULL,
    finished_at    TIMESTAMPTZ NOT NULL,
    data           JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_sessions_patient_idx ON agent_sessions (patient_id, finished_at DESC);
CREATE TABLE IF NOT EXISTS agent_steps (
    session_id UUID NOT NULL REFERENCES agent_sessions (id) ON DELETE CASCADE,
    idx        INTEGER NOT NULL,
    tool       TEXT NOT NULL,
    status     TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    latency_ms BIGINT NOT NULL DEFAULT 0,
    attempts   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, idx)
);`

// Store writes sessions with lib/pq.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ agent.Recorder = (*Store)(nil)

// Open connects, pings and applies the schema.
func Open(ctx context.Context, cfg config.PostgresConfig, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying audit schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "audit")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type sessionRow struct {
	ID            string
	PatientID     string
	Question      string
	Status        string
	FailureReason string
	StepCount     int
	Caveats       int
	Citations     int
	StartedAt     time.Time
	FinishedAt    time.Time
	Data          []byte
}

type stepRow struct {
	Index     int
	Tool      string
	Status    string
	Reason    string
	LatencyMS int64
	Attempts  int
}

func rowsFor(sess *agent.Session) (sessionRow, []stepRow, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return sessionRow{}, nil, fmt.Errorf("marshaling session: %w", err)
	}
	finished := sess.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	row := sessionRow{
		ID:            sess.ID,
		PatientID:     sess.Request.PatientID,
		Question:      sess.Request.Question,
		Status:        string(sess.Status),
		FailureReason: sess.FailureReason,
		StepCount:     sess.StepCount,
		Caveats:       len(sess.Caveats),
		StartedAt:     sess.StartedAt.UTC(),
		FinishedAt:    finished.UTC(),
		Data:          data,
	}
	if sess.Answer != nil {
		row.Citations = len(sess.Answer.Citations)
	}

	steps := make([]stepRow, 0, len(sess.Steps))
	for _, st := range sess.Steps {
		r := stepRow{Index: st.Index, Tool: st.Tool}
		switch {
		case st.Rejected != "":
			r.Status, r.Reason = "rejected", st.Rejected
		case st.Output != nil:
			r.Status = string(st.Output.Status)
			r.Reason = st.Output.Reason
			r.LatencyMS = st.Output.Latency.Milliseconds()
			r.Attempts = st.Output.Attempts
		default:
			r.Status = "pending"
		}
		steps = append(steps, r)
	}
	return row, steps, nil
}

// Record upserts the session and replaces its steps in one transaction.
func (s *Store) Record(ctx context.Context, sess *agent.Session) error {
	row, steps, err := rowsFor(sess)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_sessions
			    (id, patient_id, question, status, failure_reason, step_count, caveats, citations, started_at, finished_at, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
			    status = EXCLUDED.status,
			    failure_reason = EXCLUDED.failure_reason,
			    step_count = EXCLUDED.step_count,
			    caveats = EXCLUDED.caveats,
			    citations = EXCLUDED.citations,
			    finished_at = EXCLUDED.finished_at,
			    data = EXCLUDED.data`,
			row.ID, row.PatientID, row.Question, row.Status, row.FailureReason,
			row.StepCount, row.Caveats, row.Citations, row.StartedAt, row.FinishedAt, row.Data,
		)
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_steps WHERE session_id = $1`, row.ID); err != nil {
			return fmt.Errorf("clearing steps: %w", err)
		}
		for _, st := range steps {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO agent_steps (session_id, idx, tool, status, reason, latency_ms, attempts)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				row.ID, st.Index, st.Tool, st.Status, st.Reason, st.LatencyMS, st.Attempts,
			)
			if err != nil {
				return fmt.Errorf("inserting step %d: %w", st.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("session recorded", "session_id", row.ID, "status", row.Status, "steps", len(steps))
	return nil
}

// Get loads a recorded session.
func (s *Store) Get(ctx context.Context, id string) (*agent.Session, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM agent_sessions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrNotFound, "audit.get", id, "no recorded session")
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	var sess agent.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling session %s: %w", id, err)
	}
	return &sess, nil
}

// Summary is one line of a patient's session history.
type Summary struct {
	ID         string    `json:"id"`
	Question   string    `json:"clinical_question"`
	Status     string    `json:"status"`
	StepCount  int       `json:"step_count"`
	FinishedAt time.Time `json:"finished_at"`
}

// ListByPatient returns the latest sessions for a patient, newest first.
func (s *Store) ListByPatient(ctx context.Context, patientID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, question, status, step_count, finished_at FROM agent_sessions
		 WHERE patient_id = $1 ORDER BY finished_at DESC LIMIT $2`,
		patientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Question, &sum.Status, &sum.StepCount, &sum.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
