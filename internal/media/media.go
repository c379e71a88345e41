// Package media stores inbound WhatsApp media and serves it back by path.
package media

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"strings"
)

// ErrNotFound is returned by Open for unknown paths.
var ErrNotFound = errors.New("media: not found")

// ErrBadPath is returned for paths that escape the storage root.
var ErrBadPath = errors.New("media: invalid path")

// Object is an open stored file. The caller must Close it.
type Object struct {
	io.ReadCloser
	ContentType string
	Size        int64
}

// Storage uploads blobs and returns the URL they are publicly served at.
type Storage interface {
	Upload(ctx context.Context, p string, r io.Reader, contentType string) (string, error)
	Open(ctx context.Context, p string) (*Object, error)
}

// Clean normalises a storage path and rejects traversal.
func Clean(p string) (string, error) {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" || p == "." || strings.HasPrefix(p, "..") {
		return "", ErrBadPath
	}
	return p, nil
}

// Extension returns a file extension for contentType, or "".
func Extension(contentType string) string {
	ct, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch ct {
	case "image/jpeg":
		return ".jpg"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	}
	exts, err := mime.ExtensionsByType(ct)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

func publicURL(base, p string) string {
	return strings.TrimRight(base, "/") + "/" + p
}
