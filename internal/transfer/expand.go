package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

func normalizeCompression(c string) string {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case "gzip", "gz":
		return "gzip"
	case "lz4":
		return "lz4"
	case "zstd", "zst":
		return "zstd"
	case "", "none":
		return ""
	default:
		return strings.ToLower(c)
	}
}

// NewCompressor wraps w with the named codec. Close flushes the codec but not w.
func NewCompressor(w io.Writer, compression string) (io.WriteCloser, error) {
	switch normalizeCompression(compression) {
	case "gzip":
		return gzip.NewWriter(w), nil
	case "lz4":
		return lz4.NewWriter(w), nil
	case "zstd":
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedArchive, compression)
	}
}

func newDecompressor(r io.Reader, compression string) (io.ReadCloser, error) {
	switch normalizeCompression(compression) {
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case "lz4":
		return io.NopCloser(lz4.NewReader(r)), nil
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedArchive, compression)
	}
}

// expandedPath strips the codec extension, or appends ".expanded" when the
// name carries none.
func expandedPath(path, compression string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case normalizeCompression(compression) == "gzip" && ext == ".gz",
		normalizeCompression(compression) == "lz4" && ext == ".lz4",
		normalizeCompression(compression) == "zstd" && (ext == ".zst" || ext == ".zstd"):
		return strings.TrimSuffix(path, filepath.Ext(path))
	}
	return path + ".expanded"
}

// expandArtifact decompresses a verified artifact next to it. The
// compressed original is kept.
func expandArtifact(path, compression string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dec, err := newDecompressor(in, compression)
	if err != nil {
		return "", err
	}
	defer dec.Close()

	dst := expandedPath(path, compression)
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, dec); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("expand %s: %w", compression, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return dst, nil
}
