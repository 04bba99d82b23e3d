package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FS stores objects as files under a root directory. Multipart parts are
// staged as sibling files suffixed with the part offset and concatenated on
// completion.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("objectstore: root directory required")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create root: %w", err)
	}
	return &FS{root: trimmed}, nil
}

func (f *FS) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *FS) partDir(key string) string {
	return f.path(key) + ".parts"
}

func (f *FS) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	target := f.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("objectstore: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return 0, fmt.Errorf("objectstore: temp file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("objectstore: write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("objectstore: commit %s: %w", key, err)
	}
	return n, nil
}

func (f *FS) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	file, err := os.Open(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

func (f *FS) Head(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

func (f *FS) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FS) PutPart(ctx context.Context, key string, offset int64, r io.Reader) (int64, error) {
	dir := f.partDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("objectstore: mkdir parts: %w", err)
	}
	part := filepath.Join(dir, fmt.Sprintf("%020d", offset))
	file, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("objectstore: create part: %w", err)
	}
	n, err := io.Copy(file, r)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(part)
		return 0, fmt.Errorf("objectstore: write part %s@%d: %w", key, offset, err)
	}
	return n, nil
}

func (f *FS) CompleteMultipart(ctx context.Context, key string) (int64, error) {
	dir := f.partDir(key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("objectstore: no parts uploaded for %s", key)
		}
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return 0, fmt.Errorf("objectstore: no parts uploaded for %s", key)
	}
	sort.Strings(names)

	target := f.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(target)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, name := range names {
		// Offsets are zero-padded so lexical order is numeric order.
		if _, err := strconv.ParseInt(name, 10, 64); err != nil {
			continue
		}
		part, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			_ = out.Close()
			return 0, err
		}
		n, err := io.Copy(out, part)
		_ = part.Close()
		if err != nil {
			_ = out.Close()
			return 0, fmt.Errorf("objectstore: assemble %s: %w", key, err)
		}
		total += n
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	_ = os.RemoveAll(dir)
	return total, nil
}

func (f *FS) AbortMultipart(ctx context.Context, key string) error {
	return os.RemoveAll(f.partDir(key))
}
