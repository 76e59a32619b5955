package vecindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"docchat/internal/logging"
)

// ErrIndexConsistency indicates an internal invariant violation, such
// as a vector whose dimensionality disagrees with the indexed set. It
// must never be reachable in correct operation.
var ErrIndexConsistency = errors.New("vector index consistency violation")

// Entry is one chunk to be indexed for a document.
type Entry struct {
	Ordinal int
	Text    string
	Vector  []float32
}

// Result is one query hit.
type Result struct {
	DocumentID string
	Ordinal    int
	Text       string
	Score      float64
}

// Stats describes the index contents for the admin view.
type Stats struct {
	TotalChunks int    `json:"total_chunks"`
	Descriptor  string `json:"storage_descriptor"`
}

// Index persists (vector, chunk text, document id, ordinal) tuples in a
// SQLite database and answers top-k cosine similarity queries. It has
// an explicit lifecycle: opened at startup with Open, closed with
// Close, and injected into the orchestrators as a dependency.
type Index struct {
	db     *sql.DB
	path   string
	logger *logging.Logger
}

// Open opens (creating if needed) the index database at path.
func Open(path string, logger *logging.Logger) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping index database: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS chunks (
			document_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding BLOB NOT NULL,
			PRIMARY KEY (document_id, ordinal)
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index schema: %w", err)
	}

	return &Index{db: db, path: path, logger: logger}, nil
}

// Close closes the index database.
func (ix *Index) Close() error {
	if ix.db != nil {
		return ix.db.Close()
	}
	return nil
}

// Upsert atomically replaces all entries for documentID with the given
// set. A concurrent reader observes either the fully-old or the
// fully-new set, never a mix.
func (ix *Index) Upsert(ctx context.Context, documentID string, entries []Entry) error {
	if documentID == "" {
		return fmt.Errorf("upsert requires a document id")
	}

	dim := 0
	for i, e := range entries {
		if e.Ordinal != i {
			return fmt.Errorf("%w: non-contiguous ordinal %d at position %d", ErrIndexConsistency, e.Ordinal, i)
		}
		if dim == 0 {
			dim = len(e.Vector)
		} else if len(e.Vector) != dim {
			return fmt.Errorf("%w: vector dimension %d differs from %d at ordinal %d", ErrIndexConsistency, len(e.Vector), dim, e.Ordinal)
		}
	}
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	// The delete takes the write lock first, so the dimension read below
	// sees every committed upsert and two racing first writes cannot
	// both pass the check.
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to clear existing chunks: %w", err)
	}

	if dim > 0 {
		indexDim, err := dimension(ctx, tx)
		if err != nil {
			return err
		}
		if indexDim > 0 && indexDim != dim {
			return fmt.Errorf("%w: vector dimension %d differs from indexed dimension %d", ErrIndexConsistency, dim, indexDim)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (document_id, ordinal, text, embedding) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, documentID, e.Ordinal, e.Text, encodeVector(e.Vector)); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", e.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}

	ix.logger.WithFields(map[string]interface{}{
		"document_id": documentID,
		"chunks":      len(entries),
	}).Debug("document chunks replaced")
	return nil
}

// Delete removes all entries for documentID. Deleting an absent
// document is a no-op.
func (ix *Index) Delete(ctx context.Context, documentID string) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// Query returns up to k entries nearest to vector by cosine
// similarity, ranked by descending score with ties broken by lower
// ordinal then lower document id. A non-nil documentIDs slice restricts
// the search to those documents.
func (ix *Index) Query(ctx context.Context, vector []float32, k int, documentIDs []string) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}

	query := `SELECT document_id, ordinal, text, embedding FROM chunks`
	var args []interface{}
	if documentIDs != nil {
		if len(documentIDs) == 0 {
			return nil, nil
		}
		placeholders := strings.Repeat("?,", len(documentIDs))
		query += ` WHERE document_id IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, id := range documentIDs {
			args = append(args, id)
		}
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var scored []Result
	for rows.Next() {
		var r Result
		var blob []byte
		if err := rows.Scan(&r.DocumentID, &r.Ordinal, &r.Text, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexConsistency, err)
		}
		if len(vec) != len(vector) {
			return nil, fmt.Errorf("%w: query dimension %d differs from indexed dimension %d", ErrIndexConsistency, len(vector), len(vec))
		}
		r.Score = cosineSimilarity(vector, vec)
		scored = append(scored, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Ordinal != scored[j].Ordinal {
			return scored[i].Ordinal < scored[j].Ordinal
		}
		return scored[i].DocumentID < scored[j].DocumentID
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Stats returns the total indexed chunk count and a storage descriptor.
func (ix *Index) Stats(ctx context.Context) (Stats, error) {
	var total int
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&total); err != nil {
		return Stats{}, fmt.Errorf("failed to count chunks: %w", err)
	}
	return Stats{TotalChunks: total, Descriptor: "sqlite:" + ix.path}, nil
}

// dimension returns the dimensionality of the indexed vectors, or 0
// for an empty index. It runs on the upsert transaction so the answer
// reflects the write lock's view.
func dimension(ctx context.Context, tx *sql.Tx) (int, error) {
	var blobLen sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT LENGTH(embedding) FROM chunks LIMIT 1`).Scan(&blobLen)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read index dimension: %w", err)
	}
	return int(blobLen.Int64) / 4, nil
}
