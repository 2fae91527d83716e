package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/arvhq/arv/internal/arverr"
	"github.com/arvhq/arv/internal/domain"
)

// defaultMaxConns mirrors the teacher's single-writer/multi-reader sqlite
// pool sizing.
const defaultMaxConns = 25

const defaultConnMaxLifetime = 10 * time.Minute

// IndexConfig configures the derived SQLite index.
type IndexConfig struct {
	// DatabaseFileName is the full path to the sqlite file.
	DatabaseFileName string
}

// Index is a rebuildable, read-optimized projection of the FileStore. It
// exists purely to answer the retrieval orderings §4.3 requires (issues
// and opinions by insertion time, reviews by (turn, submitted_at)); the
// JSON files written by FileStore remain the sole source of truth, and
// Rebuild can always reconstruct this index from them after data loss.
type Index struct {
	db *sql.DB

	// seq is a process-wide monotonic insertion counter, since SQLite
	// ROWID ordering is not guaranteed stable across upserts.
	seq int64
}

// OpenIndex opens (creating and migrating if needed) the derived index.
func OpenIndex(cfg IndexConfig) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabaseFileName), 0o700); err != nil {
		return nil, arverr.Wrap(arverr.KindStorage, err, "create index dir")
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		cfg.DatabaseFileName,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, arverr.Wrap(arverr.KindStorage, err, "open index")
	}

	db.SetMaxOpenConns(defaultMaxConns)
	db.SetMaxIdleConns(defaultMaxConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	if err := migrateIndex(db); err != nil {
		db.Close()
		return nil, arverr.Wrap(arverr.KindStorage, err, "migrate index")
	}

	idx := &Index{db: db}
	if err := idx.loadSeqWatermark(); err != nil {
		db.Close()
		return nil, err
	}

	return idx, nil
}

// loadSeqWatermark resumes the in-memory seq counter from the highest
// value already persisted, so a restart never reissues a seq that would
// collide with (and thus misorder) entries recorded before the restart.
func (idx *Index) loadSeqWatermark() error {
	var maxIssueSeq, maxOpinionSeq sql.NullInt64

	if err := idx.db.QueryRow(`SELECT MAX(seq) FROM issues`).Scan(&maxIssueSeq); err != nil {
		return arverr.Wrap(arverr.KindStorage, err, "load issue seq watermark")
	}
	if err := idx.db.QueryRow(`SELECT MAX(seq) FROM opinions`).Scan(&maxOpinionSeq); err != nil {
		return arverr.Wrap(arverr.KindStorage, err, "load opinion seq watermark")
	}

	if maxIssueSeq.Int64 > idx.seq {
		idx.seq = maxIssueSeq.Int64
	}
	if maxOpinionSeq.Int64 > idx.seq {
		idx.seq = maxOpinionSeq.Int64
	}

	return nil
}

func migrateIndex(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}

	src, err := httpfs.New(http.FS(sqlSchemas), "migrations")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("migrations", src, "sqlite", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

// Close releases the index's database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// RecordIssue registers (or re-registers) an issue's insertion order.
// Calling this more than once for the same issue ID is a no-op on seq (the
// insertion position is fixed at first observation, matching I7's
// once-assigned display number).
func (idx *Index) RecordIssue(ctx context.Context, sessionID string, issue *domain.Issue) error {
	var existingSeq sql.NullInt64
	row := idx.db.QueryRowContext(ctx,
		`SELECT seq FROM issues WHERE session_id = ? AND issue_id = ?`,
		sessionID, issue.ID)
	_ = row.Scan(&existingSeq)

	seq := existingSeq.Int64
	if !existingSeq.Valid {
		idx.seq++
		seq = idx.seq
	}

	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO issues (session_id, issue_id, seq, created_at, display_number)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, issue_id) DO UPDATE SET
			display_number = excluded.display_number`,
		sessionID, issue.ID, seq, issue.CreatedAt.Format(time.RFC3339Nano),
		issue.DisplayNumber,
	)
	if err != nil {
		return arverr.Wrap(arverr.KindStorage, err, "record issue")
	}

	return nil
}

// IssueIDsByInsertionOrder returns issue IDs for a session in insertion
// order.
func (idx *Index) IssueIDsByInsertionOrder(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT issue_id FROM issues WHERE session_id = ? ORDER BY seq ASC`,
		sessionID)
	if err != nil {
		return nil, arverr.Wrap(arverr.KindStorage, err, "query issues")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// RecordOpinion registers an opinion's insertion order within its issue.
func (idx *Index) RecordOpinion(ctx context.Context, sessionID, issueID string, op *domain.Opinion) error {
	idx.seq++

	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO opinions (session_id, issue_id, opinion_id, seq, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, issue_id, opinion_id) DO NOTHING`,
		sessionID, issueID, op.ID, idx.seq, op.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return arverr.Wrap(arverr.KindStorage, err, "record opinion")
	}

	return nil
}

// OpinionIDsByInsertionOrder returns opinion IDs for an issue in insertion
// order.
func (idx *Index) OpinionIDsByInsertionOrder(ctx context.Context, sessionID, issueID string) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT opinion_id FROM opinions
		WHERE session_id = ? AND issue_id = ?
		ORDER BY seq ASC`, sessionID, issueID)
	if err != nil {
		return nil, arverr.Wrap(arverr.KindStorage, err, "query opinions")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// RecordReview upserts a review's ordering key.
func (idx *Index) RecordReview(ctx context.Context, sessionID string, review domain.Review) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO reviews (session_id, model_id, turn, submitted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, model_id, turn) DO UPDATE SET
			submitted_at = excluded.submitted_at`,
		sessionID, review.ModelID, review.Turn,
		review.SubmittedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return arverr.Wrap(arverr.KindStorage, err, "record review")
	}

	return nil
}

// ReviewKeysOrdered returns (model_id, turn) pairs for a session ordered by
// (turn, submitted_at), per §4.3.
func (idx *Index) ReviewKeysOrdered(ctx context.Context, sessionID string) ([][2]string, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT model_id, turn FROM reviews
		WHERE session_id = ?
		ORDER BY turn ASC, submitted_at ASC`, sessionID)
	if err != nil {
		return nil, arverr.Wrap(arverr.KindStorage, err, "query reviews")
	}
	defer rows.Close()

	var keys [][2]string
	for rows.Next() {
		var modelID string
		var turn int
		if err := rows.Scan(&modelID, &turn); err != nil {
			return nil, err
		}
		keys = append(keys, [2]string{modelID, fmt.Sprint(turn)})
	}

	return keys, rows.Err()
}

// Rebuild repopulates the index from the authoritative FileStore, for
// recovery after the index file is lost or corrupted.
func (idx *Index) Rebuild(ctx context.Context, fs *FileStore) error {
	sessions, err := fs.ListSessions()
	if err != nil {
		return err
	}

	for _, s := range sessions {
		issues, err := fs.ListIssues(s.ID)
		if err != nil {
			return err
		}
		for _, issue := range issues {
			if err := idx.RecordIssue(ctx, s.ID, issue); err != nil {
				return err
			}
			for i := range issue.Opinions {
				if err := idx.RecordOpinion(ctx, s.ID, issue.ID, &issue.Opinions[i]); err != nil {
					return err
				}
			}
		}

		reviews, err := fs.ListReviews(s.ID)
		if err != nil {
			return err
		}
		for _, r := range reviews {
			if err := idx.RecordReview(ctx, s.ID, r); err != nil {
				return err
			}
		}
	}

	return nil
}
