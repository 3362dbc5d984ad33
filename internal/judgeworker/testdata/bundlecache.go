package testdata

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	appErr "github.com/FouGuai/fuzoj-judge-worker/pkg/errors"
)

// BundleCache snapshots a problem's synced data directory into a single
// zstd-compressed tar on disk, so a worker that evicted (or never had) the
// directory can restore it in one read instead of re-downloading every file
// over the web API one at a time. Sync is still the source of truth: it
// restores a bundle only when the directory is missing, and then checks the
// restored files one by one in the same call, exactly as it checks a
// directory it downloaded itself.
type BundleCache struct {
	rootDir string

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewBundleCache roots the cache at rootDir, created lazily on first use.
func NewBundleCache(rootDir string) *BundleCache {
	return &BundleCache{rootDir: rootDir, locks: make(map[int64]*sync.Mutex)}
}

func (c *BundleCache) problemLock(problemID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[problemID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[problemID] = l
	}
	return l
}

func (c *BundleCache) bundlePath(problemID int64) string {
	return filepath.Join(c.rootDir, fmt.Sprintf("%d.tar.zst", problemID))
}

// Save snapshots dataDir into the cache, overwriting any previous bundle for
// problemID.
func (c *BundleCache) Save(_ context.Context, problemID int64, dataDir string) error {
	lock := c.problemLock(problemID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(c.rootDir, 0755); err != nil {
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "create bundle cache dir failed")
	}

	tmpPath := c.bundlePath(problemID) + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "create bundle temp file failed")
	}

	zw, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "create zstd writer failed")
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})

	closeErr := tw.Close()
	zstdErr := zw.Close()
	outErr := out.Close()

	if walkErr != nil || closeErr != nil || zstdErr != nil || outErr != nil {
		os.Remove(tmpPath)
		return appErr.Wrapf(errors.Join(walkErr, closeErr, zstdErr, outErr), appErr.TestdataSyncFailure, "write bundle for problem %d failed", problemID)
	}
	if err := os.Rename(tmpPath, c.bundlePath(problemID)); err != nil {
		os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "finalize bundle for problem %d failed", problemID)
	}
	return nil
}

// Restore extracts a cached bundle into dataDir, if one exists. It reports
// false (no error) when no bundle is cached, so the caller falls back to a
// full per-file Sync.
func (c *BundleCache) Restore(_ context.Context, problemID int64, dataDir string) (bool, error) {
	lock := c.problemLock(problemID)
	lock.Lock()
	defer lock.Unlock()

	path := c.bundlePath(problemID)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, appErr.Wrapf(err, appErr.TestdataSyncFailure, "open bundle for problem %d failed", problemID)
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.TestdataSyncFailure, "create zstd reader failed")
	}
	defer zr.Close()

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return false, appErr.Wrapf(err, appErr.TestdataSyncFailure, "create data dir failed")
	}

	tr := tar.NewReader(zr)
	cleanRoot := filepath.Clean(dataDir) + string(filepath.Separator)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, appErr.Wrapf(err, appErr.TestdataSyncFailure, "read bundle entry failed")
		}
		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return false, appErr.Newf(appErr.TestdataSyncFailure, "refusing path-traversing bundle entry %q", hdr.Name)
		}
		target := filepath.Join(dataDir, cleanName)
		if !strings.HasPrefix(target, cleanRoot) {
			return false, appErr.Newf(appErr.TestdataSyncFailure, "bundle entry escapes data dir: %q", hdr.Name)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return false, appErr.Wrapf(err, appErr.TestdataSyncFailure, "create parent dir failed")
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode))
		if err != nil {
			return false, appErr.Wrapf(err, appErr.TestdataSyncFailure, "create extracted file failed")
		}
		_, copyErr := io.Copy(out, tr)
		closeErr := out.Close()
		if copyErr != nil {
			return false, appErr.Wrapf(copyErr, appErr.TestdataSyncFailure, "write extracted file failed")
		}
		if closeErr != nil {
			return false, appErr.Wrapf(closeErr, appErr.TestdataSyncFailure, "close extracted file failed")
		}
	}
	return true, nil
}
