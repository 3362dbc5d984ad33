package testdata

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/model"
)

type fakeServer struct {
	files     []model.ProblemFile
	content   map[string][]byte
	downloads int
}

func (f *fakeServer) GetFileList(_ context.Context, _ int64) ([]model.ProblemFile, error) {
	return f.files, nil
}

func (f *fakeServer) DownloadFile(_ context.Context, _ int64, filename string) (io.ReadCloser, error) {
	f.downloads++
	return io.NopCloser(strings.NewReader(string(f.content[filename]))), nil
}

func TestSyncDownloadsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	server := &fakeServer{
		files: []model.ProblemFile{
			{Name: "1.in", Size: 3, LastModifiedTime: 100},
			{Name: "1.out", Size: 3, LastModifiedTime: 100},
		},
		content: map[string][]byte{"1.in": []byte("abc"), "1.out": []byte("xyz")},
	}
	s := New(server, server, nil)

	if err := s.Sync(context.Background(), 1, dir); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if server.downloads != 2 {
		t.Fatalf("downloads = %d, want 2", server.downloads)
	}
	got, err := os.ReadFile(filepath.Join(dir, "1.in"))
	if err != nil || string(got) != "abc" {
		t.Fatalf("1.in content = %q, err %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "1.in.lock")); err != nil {
		t.Fatalf("expected lock sidecar: %v", err)
	}
}

func TestSyncIdempotent(t *testing.T) {
	dir := t.TempDir()
	server := &fakeServer{
		files:   []model.ProblemFile{{Name: "1.in", Size: 3, LastModifiedTime: 100}},
		content: map[string][]byte{"1.in": []byte("abc")},
	}
	s := New(server, server, nil)

	if err := s.Sync(context.Background(), 1, dir); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := s.Sync(context.Background(), 1, dir); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if server.downloads != 1 {
		t.Fatalf("downloads = %d, want 1 (second sync should be a no-op)", server.downloads)
	}
}

func TestSyncRemovesStaleFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "old.in"), []byte("stale"), 0644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "old.in.lock"), []byte("1"), 0644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}
	server := &fakeServer{
		files:   []model.ProblemFile{{Name: "1.in", Size: 3, LastModifiedTime: 100}},
		content: map[string][]byte{"1.in": []byte("abc")},
	}
	s := New(server, server, nil)

	if err := s.Sync(context.Background(), 1, dir); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.in")); !os.IsNotExist(err) {
		t.Fatalf("expected old.in to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.in.lock")); !os.IsNotExist(err) {
		t.Fatalf("expected old.in.lock to be removed, stat err = %v", err)
	}
}

func TestSyncRedownloadsWhenServerUpdated(t *testing.T) {
	dir := t.TempDir()
	server := &fakeServer{
		files:   []model.ProblemFile{{Name: "1.in", Size: 3, LastModifiedTime: time.Now().Add(-time.Hour).Unix()}},
		content: map[string][]byte{"1.in": []byte("v1")},
	}
	s := New(server, server, nil)
	if err := s.Sync(context.Background(), 1, dir); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	// The server's last_modified_time advances past the moment of the first
	// sync, simulating a file changed after it was last pulled.
	server.files[0].LastModifiedTime = time.Now().Add(time.Hour).Unix()
	server.content["1.in"] = []byte("v2")
	if err := s.Sync(context.Background(), 1, dir); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if server.downloads != 2 {
		t.Fatalf("downloads = %d, want 2 (server update should trigger re-download)", server.downloads)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "1.in"))
	if string(got) != "v2" {
		t.Fatalf("content = %q, want v2", got)
	}
}
