package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/convergehq/converge/pkg/model"
)

// Embedding is a stored intent vector produced by a named model.
type Embedding struct {
	IntentID  string    `json:"intent_id"`
	Model     string    `json:"model"`
	Vector    []float64 `json:"vector"`
	Dim       int       `json:"dim"`
	Checksum  string    `json:"checksum"`
	CreatedAt string    `json:"created_at"`
}

// PutEmbedding upserts the vector for (intent, model).
func (s *Store) PutEmbedding(ctx context.Context, e Embedding) error {
	vec, err := json.Marshal(e.Vector)
	if err != nil {
		return fmt.Errorf("encode embedding %s: %w", e.IntentID, err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO intent_embeddings (intent_id, model, vector, dim, checksum, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(intent_id, model) DO UPDATE SET
		   vector = excluded.vector,
		   dim = excluded.dim,
		   checksum = excluded.checksum,
		   created_at = excluded.created_at`,
		e.IntentID, e.Model, string(vec), e.Dim, e.Checksum, model.NowISO())
	if err != nil {
		return fmt.Errorf("put embedding %s: %w", e.IntentID, err)
	}
	return nil
}

// GetEmbedding loads the vector for (intent, model).
func (s *Store) GetEmbedding(ctx context.Context, intentID, modelName string) (Embedding, bool, error) {
	var e Embedding
	var raw string
	err := s.queryRow(ctx,
		`SELECT intent_id, model, vector, dim, checksum, created_at
		 FROM intent_embeddings WHERE intent_id = ? AND model = ?`,
		intentID, modelName).Scan(&e.IntentID, &e.Model, &raw, &e.Dim, &e.Checksum, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return Embedding{}, false, nil
	}
	if err != nil {
		return Embedding{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &e.Vector); err != nil {
		return Embedding{}, false, fmt.Errorf("decode embedding %s: %w", intentID, err)
	}
	return e, true, nil
}

// ListEmbeddings returns all vectors for a model, for pairwise scans.
func (s *Store) ListEmbeddings(ctx context.Context, modelName string, limit int) ([]Embedding, error) {
	rows, err := s.query(ctx,
		`SELECT intent_id, model, vector, dim, checksum, created_at
		 FROM intent_embeddings WHERE model = ? ORDER BY intent_id LIMIT ?`,
		modelName, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()
	var out []Embedding
	for rows.Next() {
		var e Embedding
		var raw string
		if err := rows.Scan(&e.IntentID, &e.Model, &raw, &e.Dim, &e.Checksum, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Vector); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEmbedding removes the vector for (intent, model). Reports
// whether a row existed.
func (s *Store) DeleteEmbedding(ctx context.Context, intentID, modelName string) (bool, error) {
	res, err := s.exec(ctx,
		`DELETE FROM intent_embeddings WHERE intent_id = ? AND model = ?`,
		intentID, modelName)
	if err != nil {
		return false, fmt.Errorf("delete embedding %s: %w", intentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EmbeddingCoverage aggregates how much of the intent set is indexed.
type EmbeddingCoverage struct {
	TotalIntents int     `json:"total_intents"`
	Indexed      int     `json:"indexed"`
	NotIndexed   int     `json:"not_indexed"`
	IndexedPct   float64 `json:"indexed_pct"`
	LastModel    string  `json:"last_model,omitempty"`
	LastIndexed  string  `json:"last_indexed_at,omitempty"`
}

// GetEmbeddingCoverage counts intents with a stored vector, optionally
// scoped to a tenant or a model.
func (s *Store) GetEmbeddingCoverage(ctx context.Context, tenantID, modelName string) (EmbeddingCoverage, error) {
	var cov EmbeddingCoverage

	totalQ := `SELECT COUNT(*) FROM intents`
	var totalArgs []any
	if tenantID != "" {
		totalQ += ` WHERE tenant_id = ?`
		totalArgs = append(totalArgs, tenantID)
	}
	if err := s.queryRow(ctx, totalQ, totalArgs...).Scan(&cov.TotalIntents); err != nil {
		return EmbeddingCoverage{}, fmt.Errorf("count intents: %w", err)
	}

	indexedQ := `SELECT COUNT(DISTINCT e.intent_id) FROM intent_embeddings e`
	var clauses []string
	var args []any
	if tenantID != "" {
		clauses = append(clauses, "e.intent_id IN (SELECT id FROM intents WHERE tenant_id = ?)")
		args = append(args, tenantID)
	}
	if modelName != "" {
		clauses = append(clauses, "e.model = ?")
		args = append(args, modelName)
	}
	indexedQ, args = buildFilter(indexedQ, clauses, args)
	if err := s.queryRow(ctx, indexedQ, args...).Scan(&cov.Indexed); err != nil {
		return EmbeddingCoverage{}, fmt.Errorf("count indexed intents: %w", err)
	}

	cov.NotIndexed = cov.TotalIntents - cov.Indexed
	if cov.TotalIntents > 0 {
		cov.IndexedPct = float64(cov.Indexed) / float64(cov.TotalIntents) * 100
	}

	err := s.queryRow(ctx,
		`SELECT model, created_at FROM intent_embeddings ORDER BY created_at DESC LIMIT 1`,
	).Scan(&cov.LastModel, &cov.LastIndexed)
	if err != nil && err != sql.ErrNoRows {
		return EmbeddingCoverage{}, err
	}
	return cov, nil
}

// CommitLink ties an intent to an observed commit in a given role.
type CommitLink struct {
	IntentID  string `json:"intent_id"`
	Repo      string `json:"repo"`
	SHA       string `json:"sha"`
	Role      string `json:"role"` // head / base / merge
	CreatedAt string `json:"created_at"`
}

// LinkCommit records an intent↔commit association. Idempotent.
func (s *Store) LinkCommit(ctx context.Context, l CommitLink) error {
	q := s.dialect.InsertOrIgnore("intent_commit_links",
		[]string{"intent_id", "repo", "sha", "role", "created_at"})
	_, err := s.exec(ctx, q, l.IntentID, l.Repo, l.SHA, l.Role, model.NowISO())
	if err != nil {
		return fmt.Errorf("link commit %s: %w", l.SHA, err)
	}
	return nil
}

// UnlinkCommit removes an intent↔commit association.
func (s *Store) UnlinkCommit(ctx context.Context, intentID, sha, role string) error {
	_, err := s.exec(ctx,
		`DELETE FROM intent_commit_links WHERE intent_id = ? AND sha = ? AND role = ?`,
		intentID, sha, role)
	return err
}

// ListCommitLinks returns all commit links for an intent.
func (s *Store) ListCommitLinks(ctx context.Context, intentID string) ([]CommitLink, error) {
	rows, err := s.query(ctx,
		`SELECT intent_id, repo, sha, role, created_at FROM intent_commit_links
		 WHERE intent_id = ? ORDER BY created_at`, intentID)
	if err != nil {
		return nil, fmt.Errorf("list commit links: %w", err)
	}
	defer rows.Close()
	var out []CommitLink
	for rows.Next() {
		var l CommitLink
		if err := rows.Scan(&l.IntentID, &l.Repo, &l.SHA, &l.Role, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// FindIntentsByCommit returns intents linked to a commit sha.
func (s *Store) FindIntentsByCommit(ctx context.Context, sha string) ([]string, error) {
	rows, err := s.query(ctx,
		`SELECT DISTINCT intent_id FROM intent_commit_links WHERE sha = ?`, sha)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
