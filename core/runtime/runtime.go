// Package runtime wires every subsystem of the orchestrator into one
// explicit object graph (spec §9 Design Notes flags the "global service
// singleton" anti-pattern; this names and groups the teacher's own
// construct-everything-in-main convention instead of introducing a new
// one).
package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gpu-standby-orchestrator/api/endpoint"
	"gpu-standby-orchestrator/config"
	"gpu-standby-orchestrator/core/executor"
	"gpu-standby-orchestrator/core/hibernation"
	"gpu-standby-orchestrator/core/objectstore"
	"gpu-standby-orchestrator/core/provisioner"
	"gpu-standby-orchestrator/core/region"
	"gpu-standby-orchestrator/core/repository"
	"gpu-standby-orchestrator/core/snapshot"
	"gpu-standby-orchestrator/core/standby"
	syncsvc "gpu-standby-orchestrator/core/sync"
	cpuaws "gpu-standby-orchestrator/providers/cpu/aws"
	gpuaws "gpu-standby-orchestrator/providers/gpu/aws"
	"gpu-standby-orchestrator/providers/ipgeo"
)

// Runtime holds every constructed subsystem for the lifetime of the
// process. main wires it once at startup and hands it to the HTTP server
// and signal-handling shutdown path; nothing here is a package-level
// global.
type Runtime struct {
	Config *config.Config

	DB *repository.DB

	AssociationRepo  *repository.AssociationRepository
	SnapshotRepo     *repository.SnapshotRepository
	HibernationRepo  *repository.HibernationRepository
	OfferHistoryRepo *repository.OfferHistoryRepository

	ObjectStore *objectstore.S3Store
	Resolver    *region.Resolver
	Engine      *snapshot.Engine
	Provisioner *provisioner.Provisioner
	SyncService *syncsvc.Service
	Hibernation *hibernation.Controller
	Standby     *standby.Manager

	Publisher           *endpoint.Publisher
	AssociationHandlers *endpoint.AssociationHandlers

	GpuProvider *gpuaws.Client
	CpuProvider *cpuaws.Client
}

// New constructs every subsystem from cfg. Errors here are all fatal at
// startup: a bad DSN, an unreachable AWS region, or a malformed static
// region table means the orchestrator cannot run at all.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	db, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("runtime: open database: %w", err)
	}

	assocRepo := repository.NewAssociationRepository(db)
	snapshotRepo := repository.NewSnapshotRepository(db)
	hibernationRepo := repository.NewHibernationRepository(db)
	offerHistoryRepo := repository.NewOfferHistoryRepository(db)

	store, err := objectstore.NewS3Store(ctx, cfg.SnapshotBucket)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("runtime: open object store: %w", err)
	}

	var ipGeoClient *ipgeo.Client
	if cfg.IPGeoEndpoint != "" {
		ipGeoClient = ipgeo.NewClient(cfg.IPGeoEndpoint)
	}
	var resolver *region.Resolver
	if ipGeoClient != nil {
		resolver, err = region.NewResolver(ipGeoClient)
	} else {
		resolver, err = region.NewResolver(nil)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("runtime: build region resolver: %w", err)
	}

	gpuClient, err := gpuaws.NewClient(ctx, cfg.GPURegions, cfg.SSHKeyName)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("runtime: build gpu provider: %w", err)
	}
	cpuClient := cpuaws.NewClient(cfg.AWSRegion, cfg.CPUAmiID, cfg.SSHKeyName)

	var sshClient *executor.SSHClient
	if cfg.SSHPrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.SSHPrivateKeyPath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("runtime: read ssh private key: %w", err)
		}
		sshClient, err = executor.NewSSHClient(key, cfg.SSHUser)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("runtime: build ssh client: %w", err)
		}
	}

	// Snapshot blobs stream through SSH on the actual remote host, so the
	// engine needs sshClient wired in before it can do any work.
	engine := snapshot.NewEngine(store, sshClient, os.TempDir())

	prov := provisioner.NewProvisioner(gpuClient, sshClient, offerHistoryRepo)
	syncSvc := syncsvc.NewService(sshClient, os.TempDir(), cfg.ExcludePatterns, assocRepo)
	hibernationCtrl := hibernation.NewController(engine, gpuClient, cpuClient, hibernationRepo).
		WithWindows(
			time.Duration(cfg.IdleWindowSeconds)*time.Second,
			time.Duration(cfg.CleanupWindowSeconds)*time.Second,
		).
		WithUtilizationFloor(cfg.IdleUtilizationThreshold)
	publisher := endpoint.NewPublisher()

	standbyMgr := standby.NewManager(
		prov,
		resolver,
		engine,
		syncSvc,
		gpuClient,
		cpuClient,
		sshClient,
		assocRepo,
		publisher,
		standby.Params{
			SyncInterval:    time.Duration(cfg.SyncIntervalSeconds) * time.Second,
			HealthInterval:  time.Duration(cfg.HealthCheckIntervalSeconds) * time.Second,
			HealthThreshold: cfg.HealthFailureThreshold,

			CpuMachineType:  cfg.CPUMachineType,
			CpuZoneOverride: cfg.CPUZoneOverride,
			CpuDiskGB:       cfg.CPUDiskGB,
			CpuUseSpot:      cfg.CPUUseSpot,
			SSHUser:         cfg.SSHUser,

			ProvisionMaxRounds:     cfg.ProvisionMaxRounds,
			ProvisionBatchSize:     cfg.ProvisionBatchSize,
			ProvisionRoundDeadline: time.Duration(cfg.ProvisionRoundDeadlineSeconds) * time.Second,
		},
	)

	assocHandlers := endpoint.NewAssociationHandlers(standbyMgr, hibernationCtrl)

	return &Runtime{
		Config:              cfg,
		DB:                  db,
		AssociationRepo:     assocRepo,
		SnapshotRepo:        snapshotRepo,
		HibernationRepo:     hibernationRepo,
		OfferHistoryRepo:    offerHistoryRepo,
		ObjectStore:         store,
		Resolver:            resolver,
		Engine:              engine,
		Provisioner:         prov,
		SyncService:         syncSvc,
		Hibernation:         hibernationCtrl,
		Standby:             standbyMgr,
		Publisher:           publisher,
		AssociationHandlers: assocHandlers,
		GpuProvider:         gpuClient,
		CpuProvider:         cpuClient,
	}, nil
}

// RunCleanupSweep runs one SweepCleanup pass over every association
// currently under standby management, releasing any CpuMirror whose
// cleanup window has elapsed unwoken (spec §4.7). Callers drive this on a
// ticker; it is safe to call concurrently with Heartbeat/Hibernate since
// SweepCleanup touches only the hibernation event record and the CpuMirror,
// never the controller's idle trackers.
func (rt *Runtime) RunCleanupSweep(ctx context.Context) {
	for _, assoc := range rt.Standby.ListAssociations() {
		if err := rt.Hibernation.SweepCleanup(ctx, assoc); err != nil {
			log.Printf("runtime: cleanup sweep for %s: %v", assoc.AssociationID, err)
		}
	}
}

// Close releases everything holding an open connection or file handle.
func (rt *Runtime) Close() error {
	return rt.DB.Close()
}
