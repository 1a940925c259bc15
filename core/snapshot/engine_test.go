package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gpu-standby-orchestrator/core/models"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Put(ctx context.Context, key string, r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = buf
	return nil
}

func (m *memStore) Get(ctx context.Context, key string, w io.Writer) error {
	m.mu.Lock()
	buf, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return os.ErrNotExist
	}
	_, err := w.Write(buf)
	return err
}

func (m *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *memStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "mem://" + key, nil
}

func (m *memStore) blobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.data {
		if bytes.Contains([]byte(k), []byte("/blobs/")) {
			n++
		}
	}
	return n
}

// fakeHost is an in-memory remote filesystem keyed by relative path, the
// same shape core/sync's tests use for its fakeTransport.
type fakeHost struct {
	files map[string]fakeFile
}

type fakeFile struct {
	content []byte
	mtime   int64
}

func newFakeHost(files map[string]fakeFile) *fakeHost {
	if files == nil {
		files = map[string]fakeFile{}
	}
	return &fakeHost{files: files}
}

// fakeTransport simulates named remote hosts so CreateFull/CreateIncremental
// /Restore/Validate can be tested without a real SSH server.
type fakeTransport struct {
	hosts map[string]*fakeHost
}

func (f *fakeTransport) hostFor(addr string) *fakeHost {
	name := strings.SplitN(addr, ":", 2)[0]
	return f.hosts[name]
}

func (f *fakeTransport) ExecuteCommand(ctx context.Context, host string, command string) (string, error) {
	h := f.hostFor(host)
	if h == nil {
		return "", fmt.Errorf("unknown host %s", host)
	}

	if strings.HasPrefix(command, "cd ") && strings.Contains(command, "find .") {
		var sb strings.Builder
		for rel, ff := range h.files {
			fmt.Fprintf(&sb, "%s\t%d\t%d.0\n", rel, len(ff.content), ff.mtime)
		}
		return sb.String(), nil
	}

	if strings.HasPrefix(command, "touch -d ") {
		return "", nil
	}

	return "", nil
}

func (f *fakeTransport) FetchFile(ctx context.Context, host string, remotePath string, localPath string) error {
	h := f.hostFor(host)
	if h == nil {
		return fmt.Errorf("unknown host %s", host)
	}
	rel := lastSegments(remotePath)
	ff, ok := h.files[rel]
	if !ok {
		return fmt.Errorf("no such remote file %s", remotePath)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, ff.content, 0o644)
}

func (f *fakeTransport) CopyFile(ctx context.Context, host string, localPath string, remotePath string) error {
	h := f.hostFor(host)
	if h == nil {
		return fmt.Errorf("unknown host %s", host)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	rel := lastSegments(remotePath)
	h.files[rel] = fakeFile{content: data, mtime: 1000}
	return nil
}

// lastSegments strips the leading workspace prefix used by joinRemotePath,
// recovering the relative path the test seeded files under (mirrors
// core/sync's test helper of the same name).
func lastSegments(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "workspace" {
			return strings.Join(parts[i+1:], "/")
		}
	}
	return path
}

func sourceEndpoint() models.SSHEndpoint { return models.SSHEndpoint{Host: "source-host", Port: 22} }
func targetEndpoint() models.SSHEndpoint { return models.SSHEndpoint{Host: "target-host", Port: 22} }

func TestCreateFullAndRestore(t *testing.T) {
	tr := &fakeTransport{hosts: map[string]*fakeHost{
		"source-host": newFakeHost(map[string]fakeFile{
			"a.txt":        {content: []byte("hello world"), mtime: 100},
			"nested/b.txt": {content: []byte("nested content"), mtime: 100},
		}),
		"target-host": newFakeHost(nil),
	}}

	store := newMemStore()
	eng := NewEngine(store, tr, t.TempDir())
	ctx := context.Background()

	snap, err := eng.CreateFull(ctx, "instance-1", sourceEndpoint(), "/remote/workspace")
	if err != nil {
		t.Fatalf("CreateFull: %v", err)
	}
	if snap.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2", snap.FileCount)
	}

	if err := eng.Restore(ctx, snap.SnapshotID, targetEndpoint(), "/remote/workspace"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	dst := tr.hosts["target-host"]
	if string(dst.files["a.txt"].content) != "hello world" {
		t.Errorf("a.txt = %q", dst.files["a.txt"].content)
	}
	if string(dst.files["nested/b.txt"].content) != "nested content" {
		t.Errorf("nested/b.txt = %q", dst.files["nested/b.txt"].content)
	}

	if err := eng.Validate(ctx, snap.SnapshotID, targetEndpoint(), "/remote/workspace"); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestCreateIncrementalUploadsOnlyChangedFiles(t *testing.T) {
	source := newFakeHost(map[string]fakeFile{
		"a.txt": {content: []byte("version one"), mtime: 100},
		"b.txt": {content: []byte("unchanged"), mtime: 100},
		"c.txt": {content: []byte("also unchanged"), mtime: 100},
	})
	tr := &fakeTransport{hosts: map[string]*fakeHost{
		"source-host": source,
		"target-host": newFakeHost(nil),
	}}

	store := newMemStore()
	eng := NewEngine(store, tr, t.TempDir())
	ctx := context.Background()

	base, err := eng.CreateFull(ctx, "instance-1", sourceEndpoint(), "/remote/workspace")
	if err != nil {
		t.Fatalf("CreateFull: %v", err)
	}
	baseBlobCount := store.blobCount()
	if baseBlobCount != 3 {
		t.Fatalf("base blob count = %d, want 3", baseBlobCount)
	}

	// Mutate a.txt only, with a later mtime so (size, mtime) differs.
	source.files["a.txt"] = fakeFile{content: []byte("version two, longer"), mtime: 200}

	inc, err := eng.CreateIncremental(ctx, "instance-1", sourceEndpoint(), "/remote/workspace", base.SnapshotID)
	if err != nil {
		t.Fatalf("CreateIncremental: %v", err)
	}
	if inc.FileCount != 3 {
		t.Errorf("incremental FileCount = %d, want 3", inc.FileCount)
	}

	afterBlobCount := store.blobCount()
	if afterBlobCount != baseBlobCount+1 {
		t.Errorf("expected exactly 1 new blob, base=%d after=%d", baseBlobCount, afterBlobCount)
	}

	if err := eng.Restore(ctx, inc.SnapshotID, targetEndpoint(), "/remote/workspace"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	dst := tr.hosts["target-host"]
	if string(dst.files["a.txt"].content) != "version two, longer" {
		t.Errorf("a.txt = %q, want updated content", dst.files["a.txt"].content)
	}
	if string(dst.files["b.txt"].content) != "unchanged" {
		t.Errorf("b.txt = %q, want unchanged content restored from base", dst.files["b.txt"].content)
	}

	if err := eng.Validate(ctx, inc.SnapshotID, targetEndpoint(), "/remote/workspace"); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateDetectsSizeMismatch(t *testing.T) {
	tr := &fakeTransport{hosts: map[string]*fakeHost{
		"source-host": newFakeHost(map[string]fakeFile{
			"a.txt": {content: []byte("content"), mtime: 100},
		}),
		"target-host": newFakeHost(nil),
	}}

	store := newMemStore()
	eng := NewEngine(store, tr, t.TempDir())
	ctx := context.Background()

	snap, err := eng.CreateFull(ctx, "instance-1", sourceEndpoint(), "/remote/workspace")
	if err != nil {
		t.Fatalf("CreateFull: %v", err)
	}

	if err := eng.Restore(ctx, snap.SnapshotID, targetEndpoint(), "/remote/workspace"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	dst := tr.hosts["target-host"]
	dst.files["a.txt"] = fakeFile{content: []byte("trun"), mtime: 100}

	if err := eng.Validate(ctx, snap.SnapshotID, targetEndpoint(), "/remote/workspace"); err == nil {
		t.Error("expected Validate to detect size mismatch")
	}
}
