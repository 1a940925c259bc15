// Package sync implements the two-hop delta-replication SyncService (spec
// §4.5): source GpuInstance -> control-node scratch -> sink CpuMirror.
package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gpu-standby-orchestrator/core/executor"
	"gpu-standby-orchestrator/core/models"
	"gpu-standby-orchestrator/core/repository"
)

// DefaultExcludes is the deny list applied to every sync cycle (spec
// §4.5): version control, caches, virtualenvs, temp files.
var DefaultExcludes = []string{".git", "__pycache__", "node_modules", ".venv", "venv", "tmp", ".cache"}

type remoteFile struct {
	relPath string
	size    int64
	mtime   int64
}

// transport is the slice of *executor.SSHClient the sync cycle needs,
// narrowed so tests can substitute a fake without a live SSH server.
type transport interface {
	ExecuteCommand(ctx context.Context, host string, command string) (string, error)
	FetchFile(ctx context.Context, host string, remotePath string, localPath string) error
	CopyFile(ctx context.Context, host string, localPath string, remotePath string) error
}

// Service binds one GpuInstance (source) to one CpuMirror (sink) and
// maintains sink.workspace approximately equal to source.workspace.
type Service struct {
	ssh         transport
	scratchRoot string
	excludes    []string
	assocRepo   *repository.AssociationRepository
}

// NewService wires a SyncService against a shared SSH client and a local
// scratch root the control node can write to. An empty excludes list falls
// back to DefaultExcludes.
func NewService(ssh *executor.SSHClient, scratchRoot string, excludes []string, assocRepo *repository.AssociationRepository) *Service {
	return newService(ssh, scratchRoot, excludes, assocRepo)
}

func newService(ssh transport, scratchRoot string, excludes []string, assocRepo *repository.AssociationRepository) *Service {
	if len(excludes) == 0 {
		excludes = DefaultExcludes
	}
	return &Service{
		ssh:         ssh,
		scratchRoot: scratchRoot,
		excludes:    excludes,
		assocRepo:   assocRepo,
	}
}

// Sync runs one delta-replication cycle for the given association. Failure
// is logged and left for the next scheduled cycle; sync has no
// partial-commit semantics, so a sink that's halfway synced is acceptable.
func (s *Service) Sync(ctx context.Context, assoc *models.StandbyAssociation) error {
	if assoc.GpuInstance == nil || assoc.CpuMirror == nil {
		return fmt.Errorf("sync: association %s missing gpu instance or cpu mirror", assoc.AssociationID)
	}

	scratchDir := filepath.Join(s.scratchRoot, assoc.AssociationID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return fmt.Errorf("sync: mkdir scratch %s: %w", scratchDir, err)
	}
	defer s.cleanScratch(scratchDir)

	sourceHost := endpointAddr(assoc.GpuInstance.SSHEndpoint)
	sinkHost := endpointAddr(assoc.CpuMirror.SSHEndpoint)

	sourceFiles, err := s.listRemote(ctx, sourceHost, assoc.GpuInstance.WorkspacePath)
	if err != nil {
		s.recordFailure(assoc.AssociationID)
		return fmt.Errorf("sync: list source %s: %w", sourceHost, err)
	}

	sinkFiles, err := s.listRemote(ctx, sinkHost, assoc.CpuMirror.WorkspacePath)
	if err != nil {
		s.recordFailure(assoc.AssociationID)
		return fmt.Errorf("sync: list sink %s: %w", sinkHost, err)
	}

	sinkIndex := make(map[string]remoteFile, len(sinkFiles))
	for _, f := range sinkFiles {
		sinkIndex[f.relPath] = f
	}

	sourceIndex := make(map[string]bool, len(sourceFiles))

	var changed int
	for _, f := range sourceFiles {
		if s.excluded(f.relPath) {
			continue
		}
		sourceIndex[f.relPath] = true

		if existing, ok := sinkIndex[f.relPath]; ok && existing.size == f.size && existing.mtime == f.mtime {
			continue
		}

		localPath := filepath.Join(scratchDir, filepath.FromSlash(f.relPath))
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			s.recordFailure(assoc.AssociationID)
			return fmt.Errorf("sync: mkdir scratch for %s: %w", f.relPath, err)
		}
		if err := s.ssh.FetchFile(ctx, sourceHost, joinRemote(assoc.GpuInstance.WorkspacePath, f.relPath), localPath); err != nil {
			s.recordFailure(assoc.AssociationID)
			return fmt.Errorf("sync: fetch %s from source: %w", f.relPath, err)
		}

		remotePath := joinRemote(assoc.CpuMirror.WorkspacePath, f.relPath)
		if err := s.ssh.CopyFile(ctx, sinkHost, localPath, remotePath); err != nil {
			s.recordFailure(assoc.AssociationID)
			return fmt.Errorf("sync: push %s to sink: %w", f.relPath, err)
		}
		if err := s.touchRemoteMtime(ctx, sinkHost, remotePath, f.mtime); err != nil {
			log.Printf("sync: set mtime for %s on sink: %v (non-fatal)", f.relPath, err)
		}
		changed++
	}

	var deleted int
	for relPath := range sinkIndex {
		if sourceIndex[relPath] {
			continue
		}
		if _, err := s.ssh.ExecuteCommand(ctx, sinkHost, fmt.Sprintf("rm -f %q", joinRemote(assoc.CpuMirror.WorkspacePath, relPath))); err != nil {
			log.Printf("sync: delete extra %s on sink: %v (non-fatal)", relPath, err)
			continue
		}
		deleted++
	}

	log.Printf("sync: association %s cycle complete: %d changed, %d deleted, %d total source files",
		assoc.AssociationID, changed, deleted, len(sourceFiles))

	now := time.Now()
	assoc.LastSyncAt = &now
	assoc.SyncCount++
	if s.assocRepo != nil {
		if err := s.assocRepo.RecordSync(assoc.AssociationID, now); err != nil {
			log.Printf("sync: record sync bookkeeping for %s: %v", assoc.AssociationID, err)
		}
	}

	return nil
}

func (s *Service) recordFailure(associationID string) {
	if s.assocRepo == nil {
		return
	}
	if err := s.assocRepo.RecordSyncFailure(associationID); err != nil {
		log.Printf("sync: record failure for %s: %v", associationID, err)
	}
}

// cleanScratch removes the per-association scratch directory. Failure to
// clean logs a warning but never aborts the cycle (spec §4.5).
func (s *Service) cleanScratch(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("sync: clean scratch %s: %v (non-fatal)", dir, err)
	}
}

func (s *Service) excluded(relPath string) bool {
	for _, part := range strings.Split(relPath, "/") {
		for _, ex := range s.excludes {
			if part == ex {
				return true
			}
		}
	}
	return false
}

// listRemote runs a find over SSH producing "relpath\tsize\tmtime" lines,
// relative to workspace.
func (s *Service) listRemote(ctx context.Context, host, workspace string) ([]remoteFile, error) {
	cmd := fmt.Sprintf(`cd %q && find . -type f -printf '%%P\t%%s\t%%T@\n'`, workspace)
	out, err := s.ssh.ExecuteCommand(ctx, host, cmd)
	if err != nil {
		return nil, err
	}

	var files []remoteFile
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
		files = append(files, remoteFile{
			relPath: filepath.ToSlash(parts[0]),
			size:    size,
			mtime:   int64(mtimeFloat),
		})
	}
	return files, nil
}

func (s *Service) touchRemoteMtime(ctx context.Context, host, remotePath string, mtime int64) error {
	cmd := fmt.Sprintf("touch -d @%d %q", mtime, remotePath)
	_, err := s.ssh.ExecuteCommand(ctx, host, cmd)
	return err
}

func joinRemote(workspace, relPath string) string {
	return strings.TrimRight(workspace, "/") + "/" + relPath
}

func endpointAddr(ep models.SSHEndpoint) string {
	return fmt.Sprintf("%s:%d", ep.Host, ep.Port)
}
