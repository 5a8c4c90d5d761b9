package enroll

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"

	"smartattend/internal/embedding"
	"smartattend/internal/identity"
)

// Embedding is one enrolled face vector with provenance. Rows are
// append-only: re-enrollment supersedes, it never mutates.
type Embedding struct {
	ID         int64
	PublicID   string
	StudentID  int64
	Vector     embedding.Vector
	Lighting   string
	Primary    bool
	CapturedAt time.Time
	CreatedAt  time.Time
}

// Repository persists enrolled embeddings in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertBatch writes one enrollment's embeddings in a single
// transaction so a student never ends up partially enrolled.
func (r *Repository) InsertBatch(ctx context.Context, embeddings []Embedding) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range embeddings {
		e := &embeddings[i]
		if e.PublicID == "" {
			e.PublicID = uuid.NewString()
		}
		if e.CapturedAt.IsZero() {
			e.CapturedAt = time.Now().UTC()
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO enrolled_embeddings (public_id, student_id, vector, lighting, is_primary, captured_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id, created_at
		`, e.PublicID, e.StudentID, embedding.Encode(e.Vector), e.Lighting, e.Primary, e.CapturedAt).
			Scan(&e.ID, &e.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CountForStudent reports how many embeddings a student has enrolled.
func (r *Repository) CountForStudent(ctx context.Context, studentID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrolled_embeddings WHERE student_id = $1`, studentID).Scan(&n)
	return n, err
}

// SearchNearest implements identity.Source: cosine similarity of the
// probe against every embedding owned by the student, best first. The
// enrolled set per student is small (single digits), so scoring in
// process is cheaper than a round trip to a vector index.
func (r *Repository) SearchNearest(ctx context.Context, ownerID int64, probe embedding.Vector) ([]identity.Candidate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, vector FROM enrolled_embeddings WHERE student_id = $1`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.Candidate
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := embedding.Decode(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, identity.Candidate{
			EmbeddingID: id,
			Similarity:  embedding.Cosine(probe, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}
