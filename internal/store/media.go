package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const mediaColumns = `id, inode, device_id, original_filepath, original_filename,
	file_size, status, llm_guess, tmdb_id, media_type, processed_data,
	new_filepath, error_message, retry_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMediaFile(r rowScanner) (*MediaFile, error) {
	var (
		mf                 MediaFile
		status             string
		llmGuess, procData sql.NullString
		tmdbID             sql.NullInt64
		mediaType          sql.NullString
		newPath, errMsg    sql.NullString
		created, updated   string
	)
	err := r.Scan(&mf.ID, &mf.Inode, &mf.DeviceID, &mf.OriginalFilepath,
		&mf.OriginalFilename, &mf.FileSize, &status, &llmGuess, &tmdbID,
		&mediaType, &procData, &newPath, &errMsg, &mf.RetryCount,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	mf.Status = Status(status)
	if llmGuess.Valid {
		mf.LLMGuess = json.RawMessage(llmGuess.String)
	}
	if tmdbID.Valid {
		mf.TMDBID = &tmdbID.Int64
	}
	if mediaType.Valid {
		mf.MediaType = &mediaType.String
	}
	if procData.Valid {
		mf.ProcessedData = json.RawMessage(procData.String)
	}
	if newPath.Valid {
		mf.NewFilepath = &newPath.String
	}
	if errMsg.Valid {
		mf.ErrorMessage = &errMsg.String
	}
	mf.CreatedAt = parseTime(created)
	mf.UpdatedAt = parseTime(updated)
	return &mf, nil
}

// Insert records a newly discovered file as PENDING. ErrDuplicate is
// returned when (inode, device_id) is already known.
func (s *Store) Insert(ctx context.Context, mf *MediaFile) error {
	if mf.Status == "" {
		mf.Status = StatusPending
	}
	now := s.now()
	mf.CreatedAt = now.UTC()
	mf.UpdatedAt = now.UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mediafile (inode, device_id, original_filepath,
			original_filename, file_size, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		mf.Inode, mf.DeviceID, mf.OriginalFilepath, mf.OriginalFilename,
		mf.FileSize, string(mf.Status), formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert media file: %w", err)
	}
	mf.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert media file: %w", err)
	}
	return nil
}

// GetByID fetches one row, ErrNotFound when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*MediaFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM mediafile WHERE id = ?`, id)
	mf, err := scanMediaFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get media file %d: %w", id, err)
	}
	return mf, nil
}

// ExistsByInode reports whether (inode, device) is already recorded.
func (s *Store) ExistsByInode(ctx context.Context, inode, deviceID uint64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM mediafile WHERE inode = ? AND device_id = ?`,
		inode, deviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup inode: %w", err)
	}
	return true, nil
}

// Delete removes one row, ErrNotFound when absent.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mediafile WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete media file %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFilter narrows and orders List/Count results.
type ListFilter struct {
	Statuses  []Status
	Search    []string // tokens; AND across, each against filename OR filepath
	SortField string   // created_at, updated_at, original_filename, status
	SortDesc  bool
	Skip      int
	Limit     int
}

var sortColumns = map[string]string{
	"created_at":        "created_at",
	"updated_at":        "updated_at",
	"original_filename": "original_filename",
	"status":            "status",
}

// ValidSortField reports whether the list API may sort by field.
func ValidSortField(field string) bool {
	_, ok := sortColumns[field]
	return ok
}

func (f *ListFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	for _, tok := range f.Search {
		pat := "%" + strings.ToLower(tok) + "%"
		conds = append(conds,
			"(lower(original_filename) LIKE ? OR lower(original_filepath) LIKE ?)")
		args = append(args, pat, pat)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns a page of rows.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*MediaFile, error) {
	where, args := f.where()

	col, ok := sortColumns[f.SortField]
	if !ok {
		col = "created_at"
		f.SortDesc = true
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	// Secondary id ordering keeps pagination stable across equal keys.
	q := `SELECT ` + mediaColumns + ` FROM mediafile` + where +
		fmt.Sprintf(" ORDER BY %s %s, id %s LIMIT ? OFFSET ?", col, dir, dir)
	args = append(args, f.Limit, f.Skip)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list media files: %w", err)
	}
	defer rows.Close()

	var out []*MediaFile
	for rows.Next() {
		mf, err := scanMediaFile(rows)
		if err != nil {
			return nil, fmt.Errorf("list media files: %w", err)
		}
		out = append(out, mf)
	}
	return out, rows.Err()
}

// Count returns the total row count matching the filter.
func (s *Store) Count(ctx context.Context, f ListFilter) (int64, error) {
	where, args := f.where()
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mediafile`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count media files: %w", err)
	}
	return n, nil
}

// CountByStatus groups the table by status. Empty table yields an empty map.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM mediafile GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// DistinctFilenames returns distinct original filenames with the given
// case-insensitive prefix, up to limit.
func (s *Store) DistinctFilenames(ctx context.Context, prefix string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT original_filename FROM mediafile
		WHERE lower(original_filename) LIKE ? LIMIT ?`,
		strings.ToLower(prefix)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("suggest filenames: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Update mutates one row. Nil pointer fields stay untouched; ClearError
// nulls error_message; IncrementRetry bumps retry_count. updated_at is
// always refreshed.
type Update struct {
	Status         *Status
	ErrorMessage   *string
	ClearError     bool
	LLMGuess       json.RawMessage
	TMDBID         *int64
	MediaType      *string
	ProcessedData  json.RawMessage
	NewFilepath    *string
	IncrementRetry bool
}

// UpdateMediaFile applies u to row id. ErrNotFound when the row is gone.
func (s *Store) UpdateMediaFile(ctx context.Context, id int64, u Update) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(s.now())}

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	switch {
	case u.ClearError:
		sets = append(sets, "error_message = NULL")
	case u.ErrorMessage != nil:
		sets = append(sets, "error_message = ?")
		args = append(args, *u.ErrorMessage)
	}
	if u.LLMGuess != nil {
		sets = append(sets, "llm_guess = ?")
		args = append(args, string(u.LLMGuess))
	}
	if u.TMDBID != nil {
		sets = append(sets, "tmdb_id = ?")
		args = append(args, *u.TMDBID)
	}
	if u.MediaType != nil {
		sets = append(sets, "media_type = ?")
		args = append(args, *u.MediaType)
	}
	if u.ProcessedData != nil {
		sets = append(sets, "processed_data = ?")
		args = append(args, string(u.ProcessedData))
	}
	if u.NewFilepath != nil {
		sets = append(sets, "new_filepath = ?")
		args = append(args, *u.NewFilepath)
	}
	if u.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE mediafile SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update media file %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimPending atomically flips up to n PENDING rows to QUEUED and returns
// their ids in insertion order. The claim mutex plus the transaction make
// concurrent claims yield disjoint sets.
func (s *Store) ClaimPending(ctx context.Context, n int) ([]int64, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM mediafile WHERE status = ? ORDER BY id LIMIT ?`,
		string(StatusPending), n)
	if err != nil {
		return nil, fmt.Errorf("claim: select: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	ph := make([]string, len(ids))
	args := []any{string(StatusQueued), formatTime(s.now())}
	for i, id := range ids {
		ph[i] = "?"
		args = append(args, id)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE mediafile SET status = ?, updated_at = ? WHERE id IN (`+
			strings.Join(ph, ", ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("claim: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim: commit: %w", err)
	}
	return ids, nil
}

// ResetStale flips QUEUED and PROCESSING rows back to PENDING. Run at
// startup: the in-memory queue did not survive, so those rows are orphans.
func (s *Store) ResetStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mediafile SET status = ?, updated_at = ? WHERE status IN (?, ?)`,
		string(StatusPending), formatTime(s.now()),
		string(StatusQueued), string(StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("reset stale rows: %w", err)
	}
	return res.RowsAffected()
}
