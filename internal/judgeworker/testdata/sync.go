// Package testdata implements C6: keeping a problem's local testdata
// directory in sync with the server's canonical file list via per-file
// downloads and ".lock" sidecar timestamps. A local snapshot (BundleCache)
// may first restore a missing directory; the per-file check still runs on
// what it restored.
package testdata

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	appErr "github.com/FouGuai/fuzoj-judge-worker/pkg/errors"

	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/model"
)

const lockSuffix = ".lock"

// FileLister is the subset of webapi.Client that Sync needs to fetch the
// canonical file list.
type FileLister interface {
	GetFileList(ctx context.Context, problemID int64) ([]model.ProblemFile, error)
}

// FileDownloader is the subset of webapi.Client that Sync needs to fetch an
// individual file's bytes.
type FileDownloader interface {
	DownloadFile(ctx context.Context, problemID int64, filename string) (io.ReadCloser, error)
}

// Synchronizer is C6. A process-wide mutex per problem_id serializes all
// syncs of the same problem's directory, since a worker may run several
// submissions against the same problem concurrently.
type Synchronizer struct {
	lister     FileLister
	downloader FileDownloader
	bundles    *BundleCache

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New constructs C6 over a webapi client (which satisfies both FileLister
// and FileDownloader). bundles may be nil to disable the local bundle cache.
func New(lister FileLister, downloader FileDownloader, bundles *BundleCache) *Synchronizer {
	return &Synchronizer{
		lister:     lister,
		downloader: downloader,
		bundles:    bundles,
		locks:      make(map[int64]*sync.Mutex),
	}
}

func (s *Synchronizer) problemLock(problemID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[problemID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[problemID] = l
	}
	return l
}

// Sync brings dataDir up to date with problemID's canonical server file
// list: stale local files are removed, and any file whose lock sidecar is
// missing or older than the server's last_modified_time is re-downloaded.
func (s *Synchronizer) Sync(ctx context.Context, problemID int64, dataDir string) error {
	lock := s.problemLock(problemID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(dataDir); os.IsNotExist(err) && s.bundles != nil {
		if _, restoreErr := s.bundles.Restore(ctx, problemID, dataDir); restoreErr != nil {
			return restoreErr
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "create data dir failed")
	}

	files, err := s.lister.GetFileList(ctx, problemID)
	if err != nil {
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "fetch file list failed")
	}

	wanted := make(map[string]model.ProblemFile, len(files))
	for _, f := range files {
		wanted[f.Name] = f
	}

	if err := s.removeStale(dataDir, wanted); err != nil {
		return err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		fresh, err := s.isFresh(dataDir, f)
		if err != nil {
			return err
		}
		if fresh {
			continue
		}
		if err := s.downloadOne(ctx, problemID, dataDir, f); err != nil {
			return err
		}
	}

	if s.bundles != nil {
		if err := s.bundles.Save(ctx, problemID, dataDir); err != nil {
			return err
		}
	}
	return nil
}

// removeStale deletes every regular file (and its lock sidecar) not present
// in the server's file list. Lock sidecars for files still wanted are left
// alone; an orphaned lock sidecar (no matching data file in `wanted`) is
// removed as well.
func (s *Synchronizer) removeStale(dataDir string, wanted map[string]model.ProblemFile) error {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "list data dir failed")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		baseName := strings.TrimSuffix(name, lockSuffix)
		if _, ok := wanted[baseName]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dataDir, name)); err != nil && !os.IsNotExist(err) {
			return appErr.Wrapf(err, appErr.TestdataSyncFailure, "remove stale file %s failed", name)
		}
	}
	return nil
}

// isFresh reports whether the local copy of f already has a lock sidecar
// timestamp at least as new as the server's last_modified_time, and the
// data file itself still exists.
func (s *Synchronizer) isFresh(dataDir string, f model.ProblemFile) (bool, error) {
	dataPath := filepath.Join(dataDir, f.Name)
	if _, err := os.Stat(dataPath); err != nil {
		return false, nil
	}
	lockPath := dataPath + lockSuffix
	raw, err := os.ReadFile(lockPath)
	if err != nil {
		return false, nil
	}
	synced, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return false, nil
	}
	return synced >= f.LastModifiedTime, nil
}

// downloadOne fetches f atomically (temp file + rename) and stamps its lock
// sidecar with the download's wall-clock time on success: the server's
// last_modified_time can only move forward relative to "now", so a wall
// clock stamp is always at least as fresh as what was just downloaded.
func (s *Synchronizer) downloadOne(ctx context.Context, problemID int64, dataDir string, f model.ProblemFile) error {
	body, err := s.downloader.DownloadFile(ctx, problemID, f.Name)
	if err != nil {
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "download %s failed", f.Name)
	}
	defer body.Close()

	dataPath := filepath.Join(dataDir, f.Name)
	if strings.Contains(filepath.Clean(f.Name), "..") {
		return appErr.Newf(appErr.TestdataSyncFailure, "refusing path-traversing filename %q", f.Name)
	}

	tmpPath := dataPath + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "create temp file for %s failed", f.Name)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "write %s failed", f.Name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "close %s failed", f.Name)
	}
	if err := os.Rename(tmpPath, dataPath); err != nil {
		os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "finalize %s failed", f.Name)
	}

	stamp := fmt.Sprintf("%d", time.Now().Unix())
	if err := os.WriteFile(dataPath+lockSuffix, []byte(stamp), 0644); err != nil {
		return appErr.Wrapf(err, appErr.TestdataSyncFailure, "write lock sidecar for %s failed", f.Name)
	}
	return nil
}
