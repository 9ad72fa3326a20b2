package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"gridoc/internal/domain"
	"gridoc/internal/query"
)

const uniqueViolation = "23505"

// PostgresOptions describes how to reach the metadata database.
type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
	ConnectDelay    time.Duration
}

// Connect opens the database, retrying while it is still starting up.
func Connect(ctx context.Context, opt PostgresOptions, logger *zap.Logger) (*sqlx.DB, error) {
	attempts := opt.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		db  *sqlx.DB
		err error
	)
	for i := 0; i < attempts; i++ {
		db, err = sqlx.ConnectContext(ctx, "postgres", opt.DSN)
		if err == nil {
			break
		}

		logger.Warn("connect to database",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "connect to database")
		case <-time.After(opt.ConnectDelay):
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connect to database after %d attempts", attempts)
	}

	if opt.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opt.MaxOpenConns)
	}
	if opt.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opt.MaxIdleConns)
	}
	if opt.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opt.ConnMaxLifetime)
	}
	return db, nil
}

// PostgresRevisionRepository stores metadata in the revisions table.
type PostgresRevisionRepository struct {
	db *sqlx.DB
}

func NewPostgresRevisionRepository(db *sqlx.DB) *PostgresRevisionRepository {
	return &PostgresRevisionRepository{db: db}
}

const revisionColumns = `id, file_id, version, filename, content_type, length, checksum, uploaded_at`

func (r *PostgresRevisionRepository) Insert(ctx context.Context, rev *domain.Revision) error {
	query := `
        INSERT INTO revisions (` + revisionColumns + `)
        VALUES (:id, :file_id, :version, :filename, :content_type, :length, :checksum, :uploaded_at)`

	_, err := r.db.NamedExecContext(ctx, query, rev)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return duplicateVersion(rev)
		}
		return domain.StorageError(err, "insert revision")
	}
	return nil
}

func (r *PostgresRevisionRepository) FindMatching(ctx context.Context, q query.Query) ([]domain.Revision, error) {
	stmt, args := buildSelect(q)

	revisions := []domain.Revision{}
	if err := r.db.SelectContext(ctx, &revisions, stmt, args...); err != nil {
		return nil, domain.StorageError(err, "find revisions")
	}
	for i := range revisions {
		revisions[i].UploadedAt = revisions[i].UploadedAt.UTC()
	}
	return revisions, nil
}

func (r *PostgresRevisionRepository) DeleteByID(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM revisions WHERE id = $1`, id)
	if err != nil {
		return domain.StorageError(err, "delete revision")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.StorageError(err, "delete revision")
	}
	if n == 0 {
		return revisionNotFound(id)
	}
	return nil
}

func (r *PostgresRevisionRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRevisionRepository) Close() error {
	return r.db.Close()
}

var sortColumns = map[query.Field]string{
	query.FieldUploadedAt:  "uploaded_at",
	query.FieldVersion:     "version",
	query.FieldFilename:    "filename",
	query.FieldLength:      "length",
	query.FieldContentType: "content_type",
}

// buildSelect renders q as a single SELECT with positional arguments.
func buildSelect(q query.Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	f := q.Filter
	if f.Filename != nil {
		add("filename = $%d", *f.Filename)
	}
	if f.FilenameRegex != nil {
		add("filename ~ $%d", f.FilenameRegex.String())
	}
	if len(f.ContentTypes) > 0 {
		add("content_type = ANY($%d)", pq.Array(f.ContentTypes))
	}
	if len(f.Versions) > 0 {
		versions := make([]int64, len(f.Versions))
		for i, v := range f.Versions {
			versions[i] = int64(v)
		}
		add("version = ANY($%d)", pq.Array(versions))
	}
	if f.VersionGte != nil {
		add("version >= $%d", *f.VersionGte)
	}
	if f.VersionLte != nil {
		add("version <= $%d", *f.VersionLte)
	}
	if len(f.FileIDs) == 1 {
		add("file_id = $%d", f.FileIDs[0])
	} else if len(f.FileIDs) > 1 {
		ids := make([]string, len(f.FileIDs))
		for i, id := range f.FileIDs {
			ids[i] = id.String()
		}
		add("file_id = ANY($%d::uuid[])", pq.Array(ids))
	}
	if f.LengthGte != nil {
		add("length >= $%d", *f.LengthGte)
	}
	if f.LengthLte != nil {
		add("length <= $%d", *f.LengthLte)
	}
	if f.UploadedAfter != nil {
		add("uploaded_at >= $%d", *f.UploadedAfter)
	}
	if f.UploadedBefore != nil {
		add("uploaded_at <= $%d", *f.UploadedBefore)
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + revisionColumns + " FROM revisions")
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}

	order := make([]string, 0, len(q.Sort)+2)
	for _, key := range q.Sort {
		col := sortColumns[key.Field]
		if col == "" {
			continue
		}
		if key.Desc {
			col += " DESC"
		}
		order = append(order, col)
	}
	order = append(order, "file_id", "version DESC")
	sb.WriteString(" ORDER BY " + strings.Join(order, ", "))

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}
	return sb.String(), args
}
