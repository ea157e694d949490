package changes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/aristath/buildgraph/internal/history"
)

// Snapshotter captures the state of a set of paths.
type Snapshotter interface {
	Snapshot(ctx context.Context, paths []string) (history.FileSnapshot, error)
}

// FileTreeSnapshotter hashes regular files with xxhash. Directories are walked
// recursively; paths that do not exist are left out of the snapshot. Keys are
// slash-separated paths relative to Root.
type FileTreeSnapshotter struct {
	Root string
}

var _ Snapshotter = FileTreeSnapshotter{}

func (s FileTreeSnapshotter) Snapshot(ctx context.Context, paths []string) (history.FileSnapshot, error) {
	snap := make(history.FileSnapshot)
	for _, p := range paths {
		if err := s.add(ctx, snap, filepath.Clean(p)); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func (s FileTreeSnapshotter) abs(rel string) string {
	if filepath.IsAbs(rel) || s.Root == "" {
		return rel
	}
	return filepath.Join(s.Root, rel)
}

func (s FileTreeSnapshotter) add(ctx context.Context, snap history.FileSnapshot, rel string) error {
	info, err := os.Stat(s.abs(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}

	if !info.IsDir() {
		return s.addFile(ctx, snap, rel, info)
	}

	return filepath.WalkDir(s.abs(rel), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", path, err)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		sub, err := filepath.Rel(s.abs(rel), path)
		if err != nil {
			return err
		}
		return s.addFile(ctx, snap, filepath.Join(rel, sub), info)
	})
}

func (s FileTreeSnapshotter) addFile(ctx context.Context, snap history.FileSnapshot, rel string, info fs.FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(s.abs(rel))
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash %s: %w", rel, err)
	}
	snap[filepath.ToSlash(rel)] = history.FileEntry{
		Hash: h.Sum64(),
		Size: info.Size(),
		Mode: uint32(info.Mode().Perm()),
	}
	return nil
}
