package transfer

import (
	"context"
	"errors"
	"io"
	"os"
)

// Source yields file bytes by offset. ReadChunk may return fewer than size
// bytes; an empty read before the manifest size is reached fails the attempt.
type Source interface {
	ReadChunk(ctx context.Context, offset int64, size int) ([]byte, error)
}

type SourceFunc func(ctx context.Context, offset int64, size int) ([]byte, error)

func (f SourceFunc) ReadChunk(ctx context.Context, offset int64, size int) ([]byte, error) {
	return f(ctx, offset, size)
}

// ReaderAtSource adapts any io.ReaderAt.
type ReaderAtSource struct {
	R io.ReaderAt
}

func (s ReaderAtSource) ReadChunk(ctx context.Context, offset int64, size int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := s.R.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return buf[:n], err
}

// FileSource reads from a file staged on local disk.
type FileSource struct {
	ReaderAtSource
	f *os.File
}

func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{ReaderAtSource: ReaderAtSource{R: f}, f: f}, nil
}

func (s *FileSource) Close() error { return s.f.Close() }

// SourceResolver finds a source for a manifest, typically after a restart.
type SourceResolver func(FileManifest) (Source, bool)

// InboxResolver resolves manifests to files staged under
// <dir>/<session>/<device>/<filename>, the same layout the engine writes.
// Each resolved file stays open for the life of the process.
func InboxResolver(dir string) SourceResolver {
	return func(m FileManifest) (Source, bool) {
		if dir == "" {
			return nil, false
		}
		path := SessionPath(dir, m.SessionID, m.DeviceID, m.Filename)
		src, err := NewFileSource(path)
		if err != nil {
			return nil, false
		}
		return src, true
	}
}
