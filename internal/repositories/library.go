package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
)

const idChunk = 500

const libraryColumns = `id, title, artist, album, play_count, last_played_at, date_added, updated_at`

// LibraryRepository is the record store the analysis engine reads from.
//
// Records are soft deleted; every query excludes deleted rows.
type LibraryRepository struct {
	db *sql.DB
}

// NewLibraryRepository creates a new LibraryRepository with the given database connection
func NewLibraryRepository(db *sql.DB) *LibraryRepository {
	return &LibraryRepository{db: db}
}

// Create inserts a record, generating an ID when none is set.
func (r *LibraryRepository) Create(ctx context.Context, record *models.Record) error {
	return r.insert(ctx, r.db, record)
}

// Import inserts records in one transaction and returns how many were written.
func (r *LibraryRepository) Import(ctx context.Context, records []models.Record) (int, error) {
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		for i := range records {
			if err := r.insert(ctx, tx, &records[i]); err != nil {
				return fmt.Errorf("record %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (r *LibraryRepository) insert(ctx context.Context, q queryer, record *models.Record) error {
	if record.ID == "" {
		record.ID = shared.GenerateID()
	}
	if err := record.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if record.DateAdded.IsZero() {
		record.DateAdded = now
	}
	record.UpdatedAt = now

	query := `
		INSERT INTO library_tracks (id, title, artist, album, play_count, last_played_at, date_added, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		record.ID,
		record.Title,
		record.Artist,
		record.Album,
		record.PlayCount,
		utcPtr(record.LastPlayedAt),
		record.DateAdded.UTC(),
		record.UpdatedAt,
	)
	return wrap(err, "failed to insert record")
}

// Get retrieves an active record by ID.
func (r *LibraryRepository) Get(ctx context.Context, id string) (*models.Record, error) {
	query := `SELECT ` + libraryColumns + ` FROM library_tracks WHERE id = ? AND deleted_at IS NULL`

	record, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", shared.ErrRecordNotFound, id)
	}
	return record, err
}

// GetByIDs returns the active records among ids, keyed by ID. Missing or deleted ids are absent from the map.
func (r *LibraryRepository) GetByIDs(ctx context.Context, ids []string) (map[string]models.Record, error) {
	found := make(map[string]models.Record, len(ids))
	for _, part := range chunk(ids, idChunk) {
		query := `SELECT ` + libraryColumns + ` FROM library_tracks WHERE deleted_at IS NULL AND id IN (` + placeholders(len(part)) + `)`

		records, err := r.query(ctx, query, toArgs(part)...)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			found[rec.ID] = rec
		}
	}
	return found, nil
}

func searchClause(search string) (string, []any) {
	if search == "" {
		return "", nil
	}
	like := "%" + search + "%"
	return " AND (title LIKE ? OR artist LIKE ? OR album LIKE ?)", []any{like, like, like}
}

// Count returns the number of active records matching search.
func (r *LibraryRepository) Count(ctx context.Context, search string) (int, error) {
	clause, args := searchClause(search)

	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM library_tracks WHERE deleted_at IS NULL`+clause, args...).Scan(&n)
	if err != nil {
		return 0, wrap(err, "failed to count records")
	}
	return n, nil
}

// LastModified returns the most recent insert, update or deletion time, or nil for an empty library.
func (r *LibraryRepository) LastModified(ctx context.Context) (*time.Time, error) {
	var raw sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM library_tracks`).Scan(&raw)
	if err != nil {
		return nil, wrap(err, "failed to read library checkpoint")
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}

	t, err := shared.ParseTimestamp(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Snapshot captures the active record count and last modification time.
func (r *LibraryRepository) Snapshot(ctx context.Context) (models.LibrarySnapshot, error) {
	count, err := r.Count(ctx, "")
	if err != nil {
		return models.LibrarySnapshot{}, err
	}
	modified, err := r.LastModified(ctx)
	if err != nil {
		return models.LibrarySnapshot{}, err
	}
	return models.LibrarySnapshot{TrackCount: count, LastModified: modified}, nil
}

// ListBatch returns one page of active records matching search in stable insertion order.
func (r *LibraryRepository) ListBatch(ctx context.Context, search string, offset, limit int) ([]models.Record, error) {
	clause, args := searchClause(search)
	query := `SELECT ` + libraryColumns + ` FROM library_tracks WHERE deleted_at IS NULL` + clause +
		` ORDER BY date_added ASC, id ASC LIMIT ? OFFSET ?`

	return r.query(ctx, query, append(args, limit, offset)...)
}

// Delete soft-deletes records and returns the ids that were active before the call.
func (r *LibraryRepository) Delete(ctx context.Context, ids []string) ([]string, error) {
	var deleted []string
	now := time.Now().UTC()

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, part := range chunk(ids, idChunk) {
			rows, err := tx.QueryContext(ctx,
				`SELECT id FROM library_tracks WHERE deleted_at IS NULL AND id IN (`+placeholders(len(part))+`)`,
				toArgs(part)...)
			if err != nil {
				return wrap(err, "failed to query records")
			}

			var active []string
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return wrap(err, "failed to scan record id")
				}
				active = append(active, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return wrap(err, "row iteration error")
			}
			if len(active) == 0 {
				continue
			}

			_, err = tx.ExecContext(ctx,
				`UPDATE library_tracks SET deleted_at = ?, updated_at = ? WHERE id IN (`+placeholders(len(active))+`)`,
				toArgs(active, now, now)...)
			if err != nil {
				return wrap(err, "failed to delete records")
			}
			deleted = append(deleted, active...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (r *LibraryRepository) query(ctx context.Context, query string, args ...any) ([]models.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "failed to query records")
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap(err, "row iteration error")
	}

	return records, nil
}

// scanner is satisfied by [sql.Row] and [sql.Rows].
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.Record, error) {
	var (
		rec        models.Record
		lastPlayed sql.NullTime
	)

	err := s.Scan(&rec.ID, &rec.Title, &rec.Artist, &rec.Album, &rec.PlayCount, &lastPlayed, &rec.DateAdded, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, wrap(err, "failed to scan record")
	}

	rec.LastPlayedAt = timePtr(lastPlayed)
	rec.DateAdded = rec.DateAdded.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
