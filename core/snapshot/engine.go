// Package snapshot implements the content-addressed SnapshotEngine (spec
// §4.3): create_full, create_incremental, restore, and validate over a
// workspace that lives on a remote GPU instance or CPU mirror, reached over
// SSH. Blobs pass through a transient local scratch stage only long enough
// to compress or decompress them, mirroring SyncService's own
// fetch-then-clean discipline — the workspace itself is never read from or
// written to as a local path.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gpu-standby-orchestrator/core/adapters"
	"gpu-standby-orchestrator/core/models"
)

// transport is the slice of *executor.SSHClient the engine needs, narrowed
// so tests can substitute a fake without a live SSH server (mirrors
// core/sync's transport interface).
type transport interface {
	ExecuteCommand(ctx context.Context, host string, command string) (string, error)
	FetchFile(ctx context.Context, host string, remotePath string, localPath string) error
	CopyFile(ctx context.Context, host string, localPath string, remotePath string) error
}

// Engine implements create_full, create_incremental, restore, and
// validate against a single ObjectStore bucket.
type Engine struct {
	store adapters.ObjectStore
	ssh   transport

	// scratchRoot is where blobs are staged transiently on local disk while
	// being fetched/compressed or decompressed/pushed.
	scratchRoot string

	// transferConcurrency bounds parallel blob uploads/downloads within a
	// single create/restore call.
	transferConcurrency int
}

// NewEngine wires a SnapshotEngine onto the given ObjectStore and SSH
// transport (satisfied by *executor.SSHClient), staging transient blobs
// under scratchRoot.
func NewEngine(store adapters.ObjectStore, ssh transport, scratchRoot string) *Engine {
	return &Engine{store: store, ssh: ssh, scratchRoot: scratchRoot, transferConcurrency: 8}
}

// CreateFull walks workspacePath on host over SSH and uploads every file as
// a new base snapshot.
func (e *Engine) CreateFull(ctx context.Context, sourceInstanceID string, host models.SSHEndpoint, workspacePath string) (*models.Snapshot, error) {
	addr := hostAddr(host)
	files, err := e.listWorkspace(ctx, addr, workspacePath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list workspace %s on %s: %w", workspacePath, addr, err)
	}

	snapshotID := uuid.New().String()
	stageDir := filepath.Join(e.scratchRoot, "create-"+snapshotID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: stage dir %s: %w", stageDir, err)
	}
	defer e.cleanStage(stageDir)

	entries := make(map[string]models.FileEntry, len(files))
	var totalUncompressed, totalStored int64
	var mu sync.Mutex

	err = e.forEachParallel(files, func(f workspaceFile) error {
		stored, err := e.uploadFile(ctx, snapshotID, addr, workspacePath, stageDir, f)
		if err != nil {
			return err
		}

		mu.Lock()
		entries[f.RelPath] = stored.entry
		totalUncompressed += f.Size
		totalStored += stored.compressedBytes
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	manifest := &models.Manifest{
		SnapshotID:    snapshotID,
		ParentID:      nil,
		Kind:          models.SnapshotBase,
		CreatedAt:     time.Now().Unix(),
		WorkspacePath: workspacePath,
		Codec:         codecName,
		Files:         entries,
	}

	if err := saveManifest(ctx, e.store, manifest); err != nil {
		return nil, err
	}

	log.Printf("snapshot: created base %s from %s on %s (%d files, %d bytes stored)", snapshotID, workspacePath, addr, len(files), totalStored)

	return &models.Snapshot{
		SnapshotID:             snapshotID,
		Kind:                   models.SnapshotBase,
		CreatedAt:              time.Unix(manifest.CreatedAt, 0),
		SourceInstanceID:       sourceInstanceID,
		WorkspacePath:          workspacePath,
		CompressionCodec:       codecName,
		TotalBytesUncompressed: totalUncompressed,
		TotalBytesStored:       totalStored,
		FileCount:              len(files),
	}, nil
}

// CreateIncremental diffs host's workspacePath against baseSnapshotID's
// manifest and uploads blobs only for files whose (size, mtime) changed,
// per spec §4.3's minimality requirement. The new manifest lists every file
// currently present, so it alone fully describes the restore.
func (e *Engine) CreateIncremental(ctx context.Context, sourceInstanceID string, host models.SSHEndpoint, workspacePath, baseSnapshotID string) (*models.Snapshot, error) {
	base, err := loadManifest(ctx, e.store, baseSnapshotID)
	if err != nil {
		return nil, err
	}

	addr := hostAddr(host)
	files, err := e.listWorkspace(ctx, addr, workspacePath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list workspace %s on %s: %w", workspacePath, addr, err)
	}

	snapshotID := uuid.New().String()
	stageDir := filepath.Join(e.scratchRoot, "create-"+snapshotID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: stage dir %s: %w", stageDir, err)
	}
	defer e.cleanStage(stageDir)

	entries := make(map[string]models.FileEntry, len(files))
	var totalUncompressed, totalStored int64
	var changed int
	var mu sync.Mutex

	err = e.forEachParallel(files, func(f workspaceFile) error {
		if prior, ok := base.Files[f.RelPath]; ok && prior.Size == f.Size && prior.Mtime == f.Mtime {
			mu.Lock()
			entries[f.RelPath] = prior
			totalUncompressed += f.Size
			mu.Unlock()
			return nil
		}

		stored, err := e.uploadFile(ctx, snapshotID, addr, workspacePath, stageDir, f)
		if err != nil {
			return err
		}

		mu.Lock()
		entries[f.RelPath] = stored.entry
		totalUncompressed += f.Size
		totalStored += stored.compressedBytes
		changed++
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	parentID := baseSnapshotID
	manifest := &models.Manifest{
		SnapshotID:    snapshotID,
		ParentID:      &parentID,
		Kind:          models.SnapshotIncremental,
		CreatedAt:     time.Now().Unix(),
		WorkspacePath: workspacePath,
		Codec:         codecName,
		Files:         entries,
	}

	if err := saveManifest(ctx, e.store, manifest); err != nil {
		return nil, err
	}

	log.Printf("snapshot: created incremental %s (parent %s) from %s on %s: %d of %d files changed, %d bytes stored",
		snapshotID, baseSnapshotID, workspacePath, addr, changed, len(files), totalStored)

	return &models.Snapshot{
		SnapshotID:             snapshotID,
		Kind:                   models.SnapshotIncremental,
		ParentID:               baseSnapshotID,
		CreatedAt:              time.Unix(manifest.CreatedAt, 0),
		SourceInstanceID:       sourceInstanceID,
		WorkspacePath:          workspacePath,
		CompressionCodec:       codecName,
		TotalBytesUncompressed: totalUncompressed,
		TotalBytesStored:       totalStored,
		FileCount:              len(files),
	}, nil
}

// Restore reconstructs snapshotID's files under targetPath on host over
// SSH. It is all-or-nothing from the caller's perspective: any single file
// failure aborts the whole restore (spec §4.3 failure semantics).
func (e *Engine) Restore(ctx context.Context, snapshotID string, host models.SSHEndpoint, targetPath string) error {
	manifest, err := loadManifest(ctx, e.store, snapshotID)
	if err != nil {
		return err
	}

	// Build the probe order (newest to oldest) used to locate which
	// ancestor snapshot actually holds an unchanged file's physical blob,
	// since create_incremental only uploads changed files into its own
	// directory (spec §6 layout keys blobs under their owning snapshot).
	ancestry, err := e.ancestryNewestFirst(ctx, manifest)
	if err != nil {
		return err
	}

	stageDir := filepath.Join(e.scratchRoot, "restore-"+snapshotID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return fmt.Errorf("snapshot: stage dir %s: %w", stageDir, err)
	}
	defer e.cleanStage(stageDir)

	addr := hostAddr(host)

	type job struct {
		relPath string
		entry   models.FileEntry
	}
	var jobs []job
	for relPath, entry := range manifest.Files {
		jobs = append(jobs, job{relPath, entry})
	}

	return e.forEachJobParallel(len(jobs), func(i int) error {
		j := jobs[i]
		owner, err := e.locateBlobOwner(ctx, ancestry, j.relPath)
		if err != nil {
			return fmt.Errorf("snapshot: locate blob for %s: %w", j.relPath, err)
		}

		localPath := filepath.Join(stageDir, filepath.FromSlash(j.relPath))
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return fmt.Errorf("snapshot: stage mkdir for %s: %w", localPath, err)
		}

		out, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("snapshot: stage create %s: %w", localPath, err)
		}

		var compressed bytes.Buffer
		if err := e.store.Get(ctx, blobKey(owner, j.relPath), &compressed); err != nil {
			out.Close()
			return fmt.Errorf("snapshot: fetch blob %s from %s: %w", j.relPath, owner, err)
		}

		if err := decompressFrom(out, &compressed); err != nil {
			out.Close()
			return fmt.Errorf("snapshot: decompress %s: %w", j.relPath, err)
		}
		out.Close()

		if err := os.Chtimes(localPath, time.Unix(j.entry.Mtime, 0), time.Unix(j.entry.Mtime, 0)); err != nil {
			log.Printf("snapshot: stage chtimes %s: %v (non-fatal)", localPath, err)
		}

		remotePath := joinRemotePath(targetPath, j.relPath)
		if err := e.ssh.CopyFile(ctx, addr, localPath, remotePath); err != nil {
			return fmt.Errorf("snapshot: push restored %s to %s: %w", j.relPath, addr, err)
		}
		os.Remove(localPath)

		touchCmd := fmt.Sprintf("touch -d @%d %q", j.entry.Mtime, remotePath)
		if _, err := e.ssh.ExecuteCommand(ctx, addr, touchCmd); err != nil {
			log.Printf("snapshot: set remote mtime for %s: %v (non-fatal)", j.relPath, err)
		}

		return nil
	})
}

// Validate re-lists targetPath on host over SSH and confirms every
// manifest entry exists with matching size. A mismatch marks the restore
// failed even if bytes physically arrived for most files.
func (e *Engine) Validate(ctx context.Context, snapshotID string, host models.SSHEndpoint, targetPath string) error {
	manifest, err := loadManifest(ctx, e.store, snapshotID)
	if err != nil {
		return err
	}

	addr := hostAddr(host)
	files, err := e.listWorkspace(ctx, addr, targetPath)
	if err != nil {
		return fmt.Errorf("snapshot: list target %s on %s: %w", targetPath, addr, err)
	}

	sizes := make(map[string]int64, len(files))
	for _, f := range files {
		sizes[f.RelPath] = f.Size
	}

	for relPath, entry := range manifest.Files {
		size, ok := sizes[relPath]
		if !ok {
			return fmt.Errorf("snapshot: validate %s: missing", relPath)
		}
		if size != entry.Size {
			return fmt.Errorf("snapshot: validate %s: size mismatch, want %d got %d", relPath, entry.Size, size)
		}
	}

	return nil
}

type blobUpload struct {
	entry           models.FileEntry
	compressedBytes int64
}

// uploadFile fetches one remote file into stageDir, compresses the staged
// copy, uploads it to the object store, then removes the staged copy —
// bytes sit on local disk only for the duration of one file's transfer.
func (e *Engine) uploadFile(ctx context.Context, snapshotID, addr, workspacePath, stageDir string, f workspaceFile) (blobUpload, error) {
	localPath := filepath.Join(stageDir, filepath.FromSlash(f.RelPath))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return blobUpload{}, fmt.Errorf("stage mkdir for %s: %w", f.RelPath, err)
	}

	if err := e.ssh.FetchFile(ctx, addr, joinRemotePath(workspacePath, f.RelPath), localPath); err != nil {
		return blobUpload{}, fmt.Errorf("fetch %s from %s: %w", f.RelPath, addr, err)
	}
	defer os.Remove(localPath)

	raw, err := os.ReadFile(localPath)
	if err != nil {
		return blobUpload{}, fmt.Errorf("read staged %s: %w", f.RelPath, err)
	}

	var compressed bytes.Buffer
	n, err := compressTo(&compressed, bytes.NewReader(raw))
	if err != nil {
		return blobUpload{}, fmt.Errorf("compress %s: %w", f.RelPath, err)
	}

	key := blobKey(snapshotID, f.RelPath)
	if err := e.store.Put(ctx, key, bytes.NewReader(compressed.Bytes())); err != nil {
		return blobUpload{}, fmt.Errorf("upload %s: %w", f.RelPath, err)
	}

	return blobUpload{
		entry: models.FileEntry{
			Size:  f.Size,
			Mtime: f.Mtime,
			Blob:  hashContent(raw),
		},
		compressedBytes: n,
	}, nil
}

// ancestryNewestFirst returns [snapshotID, parent, grandparent, ..., base].
func (e *Engine) ancestryNewestFirst(ctx context.Context, m *models.Manifest) ([]string, error) {
	chain := []string{m.SnapshotID}
	cur := m
	for cur.ParentID != nil {
		parent, err := loadManifest(ctx, e.store, *cur.ParentID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent.SnapshotID)
		cur = parent
	}
	return chain, nil
}

func (e *Engine) locateBlobOwner(ctx context.Context, ancestryNewestFirst []string, relPath string) (string, error) {
	for _, snapshotID := range ancestryNewestFirst {
		ok, err := e.store.Exists(ctx, blobKey(snapshotID, relPath))
		if err != nil {
			return "", err
		}
		if ok {
			return snapshotID, nil
		}
	}
	return "", fmt.Errorf("blob for %s not found in any ancestor", relPath)
}

type workspaceFile struct {
	RelPath string
	Size    int64
	Mtime   int64
}

// listWorkspace runs a find over SSH producing "relpath\tsize\tmtime"
// lines, relative to workspace (mirrors core/sync's listRemote).
func (e *Engine) listWorkspace(ctx context.Context, addr, workspace string) ([]workspaceFile, error) {
	cmd := fmt.Sprintf(`cd %q && find . -type f -printf '%%P\t%%s\t%%T@\n'`, workspace)
	out, err := e.ssh.ExecuteCommand(ctx, addr, cmd)
	if err != nil {
		return nil, err
	}

	var files []workspaceFile
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		mtimeFloat, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			continue
		}
		files = append(files, workspaceFile{
			RelPath: filepath.ToSlash(parts[0]),
			Size:    size,
			Mtime:   int64(mtimeFloat),
		})
	}
	return files, nil
}

func hostAddr(ep models.SSHEndpoint) string {
	return fmt.Sprintf("%s:%d", ep.Host, ep.Port)
}

func joinRemotePath(workspace, relPath string) string {
	return strings.TrimRight(workspace, "/") + "/" + relPath
}

// cleanStage removes a per-call scratch directory. Failure to clean logs a
// warning but never aborts the call (mirrors core/sync's cleanScratch).
func (e *Engine) cleanStage(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("snapshot: clean stage %s: %v (non-fatal)", dir, err)
	}
}

// forEachParallel runs fn over every file with bounded concurrency, then
// returns the first error encountered, if any.
func (e *Engine) forEachParallel(files []workspaceFile, fn func(workspaceFile) error) error {
	return e.forEachJobParallel(len(files), func(i int) error {
		return fn(files[i])
	})
}

func (e *Engine) forEachJobParallel(n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}

	concurrency := e.transferConcurrency
	if concurrency > n {
		concurrency = n
	}

	sem := make(chan struct{}, concurrency)
	errCh := make(chan error, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			errCh <- fn(i)
		}(i)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
