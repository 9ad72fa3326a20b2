// Package gridfs stores revision bytes in MongoDB GridFS buckets.
package gridfs

import (
	"context"
	"io"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"gridoc/internal/content"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultBucketName = "uploads"
)

// Config describes the GridFS bucket to use.
type Config struct {
	URI            string `mapstructure:"URI"`
	Database       string `mapstructure:"Database"`
	Bucket         string `mapstructure:"Bucket"`
	ChunkSizeBytes int32  `mapstructure:"ChunkSizeBytes"`
}

// Store is a content.Store backed by a GridFS bucket.
type Store struct {
	cli    *mongo.Client
	bucket *gridfs.Bucket
	logger *zap.Logger
}

var _ content.Store = (*Store)(nil)

// New connects to MongoDB, pings the primary and opens the bucket.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, errors.New("mongo uri and database are required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = defaultBucketName
	}

	logger.Info("try to connect to mongodb",
		zap.String("db", cfg.Database),
		zap.String("bucket", cfg.Bucket),
	)

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(defaultTimeout).
		SetServerSelectionTimeout(defaultTimeout).
		SetRetryReads(true).
		SetRetryWrites(true)

	cli, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, errors.Wrap(err, "connect db")
	}
	if err := cli.Ping(ctx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping db")
	}

	bucketOpts := options.GridFSBucket().SetName(cfg.Bucket)
	if cfg.ChunkSizeBytes > 0 {
		bucketOpts.SetChunkSizeBytes(cfg.ChunkSizeBytes)
	}
	bucket, err := gridfs.NewBucket(cli.Database(cfg.Database), bucketOpts)
	if err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, errors.Wrap(err, "open gridfs bucket")
	}

	return &Store{cli: cli, bucket: bucket, logger: logger}, nil
}

// Create opens an upload stream. GridFS writes each chunk document as the
// buffer fills and only inserts the files document on Commit.
func (s *Store) Create(ctx context.Context, id uuid.UUID, info content.BlobInfo) (content.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := options.GridFSUpload().SetMetadata(bson.D{
		{Key: "contentType", Value: info.ContentType},
	})
	stream, err := s.bucket.OpenUploadStreamWithID(id.String(), info.Filename, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open upload stream")
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetWriteDeadline(deadline); err != nil {
			_ = stream.Abort()
			return nil, errors.Wrap(err, "set write deadline")
		}
	}

	return &writer{stream: stream}, nil
}

func (s *Store) Open(ctx context.Context, id uuid.UUID) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := s.bucket.OpenDownloadStream(id.String())
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, content.ErrContentNotFound
		}
		return nil, errors.Wrap(err, "open download stream")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	return stream, nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.bucket.Delete(id.String()); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return content.ErrContentNotFound
		}
		return errors.Wrap(err, "delete gridfs file")
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.cli.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return errors.Wrap(s.cli.Disconnect(ctx), "disconnect mongo")
}

type writer struct {
	stream    *gridfs.UploadStream
	committed bool
	closed    bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, content.ErrWriterClosed
	}
	return w.stream.Write(p)
}

func (w *writer) Commit() error {
	if w.closed {
		return content.ErrWriterClosed
	}
	w.closed = true
	if err := w.stream.Close(); err != nil {
		return errors.Wrap(err, "finalize gridfs file")
	}
	w.committed = true
	return nil
}

// Abort removes the chunks written so far.
func (w *writer) Abort() error {
	if w.committed {
		return nil
	}
	w.closed = true
	if err := w.stream.Abort(); err != nil && !errors.Is(err, gridfs.ErrStreamClosed) {
		return errors.Wrap(err, "abort gridfs upload")
	}
	return nil
}
