package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists finalized recovery sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store. The schema
// lives in migrations/002_create_recovery_sessions.sql.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, sess Session) error {
	contextJSON, err := json.Marshal(sess.Context)
	if err != nil {
		return fmt.Errorf("marshal operation context: %w", err)
	}
	actionsJSON, err := json.Marshal(sess.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	var outcomeJSON []byte
	if sess.Outcome != nil {
		outcomeJSON, err = json.Marshal(sess.Outcome)
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
	}

	var completedAt sql.NullTime
	if sess.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *sess.CompletedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recovery_sessions
			(id, error_class, strategy, status, attempts, max_attempts,
			 operation_context, actions, outcome,
			 compute_units, fees_spent, network_requests,
			 started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			actions = EXCLUDED.actions,
			outcome = EXCLUDED.outcome,
			compute_units = EXCLUDED.compute_units,
			fees_spent = EXCLUDED.fees_spent,
			network_requests = EXCLUDED.network_requests,
			completed_at = EXCLUDED.completed_at
	`,
		sess.ID,
		sess.ErrorClass.String(),
		sess.Strategy.String(),
		sess.Status.String(),
		sess.Attempts,
		sess.MaxAttempts,
		contextJSON,
		actionsJSON,
		outcomeJSON,
		int64(sess.Resources.ComputeUnits), //nolint:gosec // bounded by attempt budgets
		int64(sess.Resources.FeesSpent),    //nolint:gosec // bounded by attempt budgets
		int64(sess.Resources.NetworkRequests),
		sess.StartedAt,
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("record recovery session: %w", err)
	}
	return nil
}

// ListRecent returns finalized sessions, most recent first.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, error_class, strategy, status, attempts, max_attempts,
		       operation_context, actions, outcome,
		       compute_units, fees_spent, network_requests,
		       started_at, completed_at
		FROM recovery_sessions
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recovery sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Session
	for rows.Next() {
		var (
			sess                       Session
			errClass, strategy, status string
			contextJSON, actionsJSON   []byte
			outcomeJSON                []byte
			compute, fees, requests    int64
			startedAt                  time.Time
			completedAt                sql.NullTime
		)
		if err := rows.Scan(&sess.ID, &errClass, &strategy, &status,
			&sess.Attempts, &sess.MaxAttempts,
			&contextJSON, &actionsJSON, &outcomeJSON,
			&compute, &fees, &requests,
			&startedAt, &completedAt); err != nil {
			continue
		}
		sess.ErrorClass = parseErrorClass(errClass)
		sess.Strategy = parseStrategy(strategy)
		sess.Status = parseStatus(status)
		sess.StartedAt = startedAt
		if completedAt.Valid {
			t := completedAt.Time
			sess.CompletedAt = &t
		}
		sess.Resources = ResourceUsage{
			ComputeUnits:    uint64(compute),  //nolint:gosec // stored non-negative
			FeesSpent:       uint64(fees),     //nolint:gosec // stored non-negative
			NetworkRequests: uint32(requests), //nolint:gosec // stored non-negative
		}
		_ = json.Unmarshal(contextJSON, &sess.Context)
		_ = json.Unmarshal(actionsJSON, &sess.Actions)
		if len(outcomeJSON) > 0 {
			var o Outcome
			if json.Unmarshal(outcomeJSON, &o) == nil {
				sess.Outcome = &o
			}
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func parseErrorClass(s string) ErrorClass {
	for c := ErrClassTransactionFailed; c <= ErrClassSystemOverload; c++ {
		if c.String() == s {
			return c
		}
	}
	return ErrClassTransactionFailed
}

func parseStrategy(s string) Strategy {
	for st := StrategyExponentialBackoff; st <= StrategyGracefulDegradation; st++ {
		if st.String() == s {
			return st
		}
	}
	return StrategyExponentialBackoff
}

func parseStatus(s string) Status {
	for st := StatusInProgress; st <= StatusCancelled; st++ {
		if st.String() == s {
			return st
		}
	}
	return StatusInProgress
}
