package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists fraud assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store. The schema
// lives in migrations/001_create_fraud_assessments.sql.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_assessments
			(id, user_hash, source_chain, dest_chain, risk_score, recommendation, pattern_count, factors, analyzed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID,
		int64(a.UserHash),
		int64(a.SourceChain),
		int64(a.DestChain),
		int(a.RiskScore),
		string(a.Recommendation),
		int(a.PatternCount),
		factorsJSON,
		a.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("record fraud assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userHash uint32, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_hash, source_chain, dest_chain, risk_score, recommendation, pattern_count, factors, analyzed_at
		FROM fraud_assessments
		WHERE user_hash = $1
		ORDER BY analyzed_at DESC
		LIMIT $2
	`, int64(userHash), limit)
	if err != nil {
		return nil, fmt.Errorf("list fraud assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var (
			a           Assessment
			user        int64
			src, dst    int64
			score, pats int
			rec         string
			factorsJSON []byte
			analyzedAt  time.Time
		)
		if err := rows.Scan(&a.ID, &user, &src, &dst, &score, &rec, &pats, &factorsJSON, &analyzedAt); err != nil {
			continue
		}
		a.UserHash = uint32(user)
		a.SourceChain = uint64(src)
		a.DestChain = uint64(dst)
		a.RiskScore = uint16(score)
		a.Recommendation = Recommendation(rec)
		a.PatternCount = uint16(pats)
		a.AnalyzedAt = analyzedAt
		a.Factors = make(map[string]uint16)
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		result = append(result, &a)
	}
	return result, rows.Err()
}
