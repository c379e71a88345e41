package media

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoOptions configures the GridFS backend.
type MongoOptions struct {
	URI      string
	Database string
	Bucket   string
}

// GridFS stores media in a MongoDB GridFS bucket, keyed by path.
type GridFS struct {
	client     *mongo.Client
	bucket     *gridfs.Bucket
	publicBase string
}

type fileMetadata struct {
	ContentType string `bson:"content_type"`
}

// DialGridFS connects to MongoDB and opens the bucket.
func DialGridFS(ctx context.Context, opts MongoOptions, publicBase string) (*GridFS, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect error: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}
	bucketOpts := options.GridFSBucket()
	if opts.Bucket != "" {
		bucketOpts.SetName(opts.Bucket)
	}
	bucket, err := gridfs.NewBucket(client.Database(opts.Database), bucketOpts)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("gridfs bucket: %w", err)
	}
	return &GridFS{client: client, bucket: bucket, publicBase: publicBase}, nil
}

func (g *GridFS) Upload(ctx context.Context, p string, r io.Reader, contentType string) (string, error) {
	p, err := Clean(p)
	if err != nil {
		return "", err
	}
	uploadOpts := options.GridFSUpload().SetMetadata(fileMetadata{ContentType: contentType})
	stream, err := g.bucket.OpenUploadStream(p, uploadOpts)
	if err != nil {
		return "", fmt.Errorf("gridfs open upload: %w", err)
	}
	if _, err := io.Copy(stream, r); err != nil {
		_ = stream.Abort()
		return "", fmt.Errorf("gridfs copy: %w", err)
	}
	if err := stream.Close(); err != nil {
		return "", fmt.Errorf("gridfs close upload: %w", err)
	}
	return publicURL(g.publicBase, p), nil
}

// Open returns the newest revision stored under p.
func (g *GridFS) Open(ctx context.Context, p string) (*Object, error) {
	p, err := Clean(p)
	if err != nil {
		return nil, err
	}
	stream, err := g.bucket.OpenDownloadStreamByName(p)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gridfs open download: %w", err)
	}

	file := stream.GetFile()
	obj := &Object{ReadCloser: stream, ContentType: "application/octet-stream", Size: file.Length}
	if len(file.Metadata) > 0 {
		var meta fileMetadata
		if err := bson.Unmarshal(file.Metadata, &meta); err == nil && meta.ContentType != "" {
			obj.ContentType = meta.ContentType
		}
	}
	return obj, nil
}

// Close disconnects from MongoDB.
func (g *GridFS) Close(ctx context.Context) error {
	return g.client.Disconnect(ctx)
}
