package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrTooLarge is returned by SaveUpload when the content exceeds the limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// SaveUpload writes r to dir under the base name of name and returns the
// path written. Directory parts of name are ignored. A maxBytes of zero
// means no limit. Nothing is left behind on failure.
func SaveUpload(dir, name string, r io.Reader, maxBytes int64) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	if base == "/" || base == "." || base == "" {
		return "", fmt.Errorf("invalid upload name %q", name)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	path := filepath.Join(dir, base)
	f, err := os.CreateTemp(dir, "."+base+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}

	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return path, nil
}
