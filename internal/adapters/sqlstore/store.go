package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/juergmar/FileDownloadBackend/internal/core/ports"
	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"
)

const (
	DriverDuckDB = "duckdb"
	DriverSQLite = "sqlite"
)

var (
	_ ports.Store      = (*Store)(nil)
	_ ports.JobStore   = (*Store)(nil)
	_ ports.EventStore = (*Store)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists snapshots and events through database/sql.
type Store struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// Open connects to the database file at path with the named driver and
// applies pending migrations.
func Open(ctx context.Context, driver, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	var dsn string
	switch driver {
	case DriverDuckDB:
		dsn = path
	case DriverSQLite:
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	// One connection serialises writers so a lost race surfaces as a
	// version mismatch rather than a driver-level transaction conflict.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, q: db}, nil
}

func (s *Store) Jobs() ports.JobStore     { return s }
func (s *Store) Events() ports.EventStore { return s }

func (s *Store) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

func (s *Store) InTx(ctx context.Context, fn func(tx ports.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit()
}

const jobColumns = `id, owner_id, file_type, status, version, created_at, completed_at, last_accessed,
	failure_reason, file_name, content_type, file_size, file_data`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		j                         domain.Job
		id, fileType, status      string
		createdAt                 int64
		completedAt, lastAccessed sql.NullInt64
		reason, name, contentType sql.NullString
		size                      sql.NullInt64
		data                      []byte
	)
	if err := row.Scan(&id, &j.OwnerID, &fileType, &status, &j.Version, &createdAt, &completedAt, &lastAccessed,
		&reason, &name, &contentType, &size, &data); err != nil {
		return domain.Job{}, err
	}

	j.ID = domain.JobID(id)
	j.Type = domain.FileType(fileType)
	j.Status = domain.JobStatus(status)
	j.CreatedAt = fromNanos(createdAt)
	j.CompletedAt = nullTime(completedAt)
	j.LastAccessed = nullTime(lastAccessed)
	if reason.Valid {
		r := reason.String
		j.FailureReason = &r
	}
	if name.Valid {
		j.Artifact = &domain.Artifact{
			Name:        name.String,
			ContentType: contentType.String,
			SizeBytes:   size.Int64,
			Payload:     append([]byte(nil), data...),
		}
	}
	return j, nil
}

// jobArgs returns the mutable columns of job in jobColumns order, starting
// at status.
func jobArgs(job domain.Job) []any {
	var (
		name, contentType any
		size, data        any
		reason            any
	)
	if job.Artifact != nil {
		name, contentType = job.Artifact.Name, job.Artifact.ContentType
		size, data = job.Artifact.SizeBytes, job.Artifact.Payload
	}
	if job.FailureReason != nil {
		reason = *job.FailureReason
	}
	return []any{
		string(job.Status), job.Version, toNanos(job.CreatedAt), timeArg(job.CompletedAt), timeArg(job.LastAccessed),
		reason, name, contentType, size, data,
	}
}

func (s *Store) Insert(ctx context.Context, job domain.Job) error {
	args := append([]any{string(job.ID), job.OwnerID, string(job.Type)}, jobArgs(job)...)
	_, err := s.q.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

const updateJob = `UPDATE jobs SET status = ?, version = ?, completed_at = ?,
	failure_reason = ?, file_name = ?, content_type = ?, file_size = ?, file_data = ?`

// updateArgs mirrors updateJob's column list. Identity, created_at and
// last_accessed are never rewritten.
func updateArgs(job domain.Job, version int64) []any {
	a := jobArgs(job)
	return append([]any{a[0], version, a[3]}, a[5:]...)
}

func (s *Store) CompareAndSwap(ctx context.Context, job domain.Job, expectedVersion int64) error {
	args := append(updateArgs(job, expectedVersion+1), string(job.ID), expectedVersion)
	res, err := s.q.ExecContext(ctx, updateJob+` WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current int64
	err = s.q.QueryRowContext(ctx, `SELECT version FROM jobs WHERE id = ?`, string(job.ID)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s at version %d, expected %d", domain.ErrVersionConflict, job.ID, current, expectedVersion)
}

func (s *Store) Save(ctx context.Context, job domain.Job) error {
	return s.InTx(ctx, func(tx ports.Store) error {
		t := tx.(*Store)
		var current int64
		err := t.q.QueryRowContext(ctx, `SELECT version FROM jobs WHERE id = ?`, string(job.ID)).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return t.Insert(ctx, job)
		}
		if err != nil {
			return err
		}
		args := append(updateArgs(job, max(current, job.Version)+1), string(job.ID))
		if _, err := t.q.ExecContext(ctx, updateJob+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("save job %s: %w", job.ID, err)
		}
		return nil
	})
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string, page, size int) ([]domain.Job, int, error) {
	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE owner_id = ?`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count owner jobs: %w", err)
	}
	if size <= 0 || page*size >= total {
		return []domain.Job{}, total, nil
	}
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		ownerID, size, page*size)
	if err != nil {
		return nil, 0, fmt.Errorf("list owner jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *Store) FindActive(ctx context.Context, ownerID string, fileType domain.FileType) ([]domain.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = ? AND file_type = ? AND status IN (?, ?) ORDER BY created_at DESC`,
		ownerID, string(fileType), string(domain.JobStatusPending), string(domain.JobStatusInProgress))
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *Store) FindStale(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?) AND COALESCE(last_accessed, created_at) < ? ORDER BY created_at DESC`,
		string(domain.JobStatusPending), string(domain.JobStatusInProgress), toNanos(cutoff))
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) Touch(ctx context.Context, id domain.JobID, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE jobs SET last_accessed = ? WHERE id = ?`, toNanos(at), string(id))
	if err != nil {
		return fmt.Errorf("touch job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
