package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"

	"gridoc/internal/domain"
	"gridoc/internal/query"
)

// Key layout
//
//	rev:<id>                     Revision (JSON)
//	ver:<fileId>:<version %010d> revision id (16 bytes)
//
// The ver: index enforces one record per (fileId, version) and lets a
// per-file lookup scan a single prefix instead of every record.
const (
	prefixRevision = "rev:"
	prefixVersion  = "ver:"
)

func keyRevision(id uuid.UUID) []byte {
	return []byte(prefixRevision + id.String())
}

func keyVersion(fileID uuid.UUID, version int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", prefixVersion, fileID, version))
}

func keyVersionPrefix(fileID uuid.UUID) []byte {
	return []byte(prefixVersion + fileID.String() + ":")
}

// BadgerOptions configures the embedded metadata store.
type BadgerOptions struct {
	Dir      string
	InMemory bool
}

// BadgerRevisionRepository stores metadata in an embedded BadgerDB.
type BadgerRevisionRepository struct {
	db     *badger.DB
	logger *zap.Logger
}

func NewBadgerRevisionRepository(opt BadgerOptions, logger *zap.Logger) (*BadgerRevisionRepository, error) {
	var opts badger.Options
	if opt.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opt.Dir == "" {
			return nil, errors.New("badger dir is required")
		}
		opts = badger.DefaultOptions(opt.Dir)
	}
	opts = opts.
		WithLogger(nil).
		WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %q", opt.Dir)
	}

	logger.Info("opened badger metadata store",
		zap.String("dir", opt.Dir),
		zap.Bool("in_memory", opt.InMemory),
	)
	return &BadgerRevisionRepository{db: db, logger: logger}, nil
}

func (r *BadgerRevisionRepository) Insert(ctx context.Context, rev *domain.Revision) error {
	if err := ctx.Err(); err != nil {
		return domain.StorageError(err, "insert revision")
	}

	val, err := json.Marshal(rev)
	if err != nil {
		return domain.StorageError(err, "encode revision")
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(keyRevision(rev.ID)); err == nil {
			return domain.Conflictf("revision %s already exists", rev.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrap(err, "get revision")
		}

		vkey := keyVersion(rev.FileID, rev.Version)
		if _, err := txn.Get(vkey); err == nil {
			return duplicateVersion(rev)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return errors.Wrap(err, "get version index")
		}

		if err := txn.Set(keyRevision(rev.ID), val); err != nil {
			return errors.Wrap(err, "set revision")
		}
		return errors.Wrap(txn.Set(vkey, rev.ID[:]), "set version index")
	})
	if errors.Is(err, badger.ErrConflict) {
		// another transaction touched the same keys; let the caller retry
		return duplicateVersion(rev)
	}
	return domain.StorageError(err, "insert revision")
}

func (r *BadgerRevisionRepository) FindMatching(ctx context.Context, q query.Query) ([]domain.Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.StorageError(err, "find revisions")
	}

	var candidates []domain.Revision
	err := r.db.View(func(txn *badger.Txn) error {
		if len(q.Filter.FileIDs) == 0 {
			return scanRevisions(txn, &candidates)
		}
		for _, fileID := range q.Filter.FileIDs {
			if err := scanFile(txn, fileID, &candidates); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, domain.StorageError(err, "find revisions")
	}

	return query.Apply(q, candidates), nil
}

func scanRevisions(txn *badger.Txn, out *[]domain.Revision) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixRevision)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		rev, err := decodeRevision(it.Item())
		if err != nil {
			return err
		}
		*out = append(*out, rev)
	}
	return nil
}

func scanFile(txn *badger.Txn, fileID uuid.UUID, out *[]domain.Revision) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = keyVersionPrefix(fileID)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return errors.Wrap(err, "read version index")
		}
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return errors.Wrapf(err, "corrupt version index %q", it.Item().Key())
		}
		item, err := txn.Get(keyRevision(id))
		if err != nil {
			return errors.Wrapf(err, "get revision %s", id)
		}
		rev, err := decodeRevision(item)
		if err != nil {
			return err
		}
		*out = append(*out, rev)
	}
	return nil
}

func decodeRevision(item *badger.Item) (domain.Revision, error) {
	var rev domain.Revision
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rev)
	})
	if err != nil {
		return domain.Revision{}, errors.Wrapf(err, "decode revision %q", item.Key())
	}
	return rev, nil
}

func (r *BadgerRevisionRepository) DeleteByID(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return domain.StorageError(err, "delete revision")
	}

	err := r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyRevision(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return revisionNotFound(id)
		}
		if err != nil {
			return errors.Wrap(err, "get revision")
		}
		rev, err := decodeRevision(item)
		if err != nil {
			return err
		}

		if err := txn.Delete(keyVersion(rev.FileID, rev.Version)); err != nil {
			return errors.Wrap(err, "delete version index")
		}
		return errors.Wrap(txn.Delete(keyRevision(id)), "delete revision")
	})
	return domain.StorageError(err, "delete revision")
}

func (r *BadgerRevisionRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.db.IsClosed() {
		return errors.New("badger is closed")
	}
	return nil
}

func (r *BadgerRevisionRepository) Close() error {
	return errors.Wrap(r.db.Close(), "close badger")
}
