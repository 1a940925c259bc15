// Package hibernation implements the HibernationController (spec §4.7):
// detects sustained GPU idle from in-VM heartbeats, snapshots and destroys
// the instance, and later releases the CPU mirror once the cleanup window
// elapses with no wake.
package hibernation

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"gpu-standby-orchestrator/core/adapters"
	"gpu-standby-orchestrator/core/models"
	"gpu-standby-orchestrator/core/repository"
	"gpu-standby-orchestrator/core/snapshot"
)

const (
	defaultIdleWindow       = 3 * time.Minute
	defaultCleanupWindow    = 30 * time.Minute
	defaultUtilizationFloor = 5.0 // percent
)

type idleTracker struct {
	belowFloorSince *time.Time
	hibernated      bool
}

// eventRepo is the narrow slice of HibernationRepository the controller
// needs, narrowed so tests can substitute an in-memory fake.
type eventRepo interface {
	CreateEvent(e *models.HibernationEvent) error
	RecordMirrorReleased(eventID string, at sql.NullTime) error
	RecordWoken(eventID string, at sql.NullTime) error
	LatestForAssociation(associationID string) (*models.HibernationEvent, error)
}

// Controller drives idle-triggered hibernation for every association it is
// told about via Heartbeat.
type Controller struct {
	engine  *snapshot.Engine
	gpu     adapters.GpuProvider
	cpu     adapters.CpuProvider
	hibRepo eventRepo

	idleWindow       time.Duration
	cleanupWindow    time.Duration
	utilizationFloor float64

	mu       sync.Mutex
	trackers map[string]*idleTracker
}

// NewController wires a HibernationController against the SnapshotEngine
// and provider adapters it needs to snapshot, destroy, and later release
// instances.
func NewController(engine *snapshot.Engine, gpu adapters.GpuProvider, cpu adapters.CpuProvider, hibRepo *repository.HibernationRepository) *Controller {
	return newController(engine, gpu, cpu, hibRepo)
}

func newController(engine *snapshot.Engine, gpu adapters.GpuProvider, cpu adapters.CpuProvider, hibRepo eventRepo) *Controller {
	return &Controller{
		engine:           engine,
		gpu:              gpu,
		cpu:              cpu,
		hibRepo:          hibRepo,
		idleWindow:       defaultIdleWindow,
		cleanupWindow:    defaultCleanupWindow,
		utilizationFloor: defaultUtilizationFloor,
		trackers:         make(map[string]*idleTracker),
	}
}

// WithWindows overrides the idle and cleanup windows (spec defaults: 3min
// idle, 30min cleanup).
func (c *Controller) WithWindows(idleWindow, cleanupWindow time.Duration) *Controller {
	c.idleWindow = idleWindow
	c.cleanupWindow = cleanupWindow
	return c
}

// WithUtilizationFloor overrides the utilization percentage below which a
// heartbeat counts toward the idle window (spec default: 5%).
func (c *Controller) WithUtilizationFloor(floor float64) *Controller {
	c.utilizationFloor = floor
	return c
}

// Heartbeat records one utilization sample from the in-VM agent. Once
// utilization has stayed below the floor for idleWindow continuously, it
// triggers hibernation.
func (c *Controller) Heartbeat(ctx context.Context, assoc *models.StandbyAssociation, utilizationPercent float64) error {
	c.mu.Lock()
	tr, ok := c.trackers[assoc.AssociationID]
	if !ok {
		tr = &idleTracker{}
		c.trackers[assoc.AssociationID] = tr
	}

	if utilizationPercent >= c.utilizationFloor {
		tr.belowFloorSince = nil
		c.mu.Unlock()
		return nil
	}

	now := time.Now()
	if tr.belowFloorSince == nil {
		tr.belowFloorSince = &now
		c.mu.Unlock()
		return nil
	}

	idleFor := now.Sub(*tr.belowFloorSince)
	alreadyHibernated := tr.hibernated
	c.mu.Unlock()

	if alreadyHibernated || idleFor < c.idleWindow {
		return nil
	}

	return c.Hibernate(ctx, assoc)
}

// Hibernate snapshots the instance's workspace (incremental against the
// association's latest chain) and destroys the GpuInstance, recording a
// HibernationEvent.
func (c *Controller) Hibernate(ctx context.Context, assoc *models.StandbyAssociation) error {
	if assoc.GpuInstance == nil {
		return fmt.Errorf("hibernation: association %s has no gpu instance", assoc.AssociationID)
	}

	var snap *models.Snapshot
	var err error
	if assoc.ActiveSnapshotChainID != "" {
		snap, err = c.engine.CreateIncremental(ctx, assoc.GpuInstance.InstanceID, assoc.GpuInstance.SSHEndpoint, assoc.GpuInstance.WorkspacePath, assoc.ActiveSnapshotChainID)
	} else {
		snap, err = c.engine.CreateFull(ctx, assoc.GpuInstance.InstanceID, assoc.GpuInstance.SSHEndpoint, assoc.GpuInstance.WorkspacePath)
	}
	if err != nil {
		return fmt.Errorf("hibernation: snapshot association %s: %w", assoc.AssociationID, err)
	}

	if err := c.gpu.DestroyInstance(ctx, assoc.GpuInstance.ProviderInstanceID); err != nil {
		log.Printf("hibernation: destroy instance %s: %v", assoc.GpuInstance.ProviderInstanceID, err)
	}

	event := &models.HibernationEvent{
		AssociationID: assoc.AssociationID,
		InstanceID:    assoc.GpuInstance.InstanceID,
		SnapshotID:    snap.SnapshotID,
		HibernatedAt:  time.Now(),
	}
	if err := c.hibRepo.CreateEvent(event); err != nil {
		log.Printf("hibernation: record event for %s: %v", assoc.AssociationID, err)
	}

	c.mu.Lock()
	if tr, ok := c.trackers[assoc.AssociationID]; ok {
		tr.hibernated = true
	}
	c.mu.Unlock()

	log.Printf("hibernation: association %s hibernated, snapshot %s", assoc.AssociationID, snap.SnapshotID)
	return nil
}

// Wake restores an association's latest hibernation snapshot onto a
// freshly provisioned instance's workspace and clears the hibernated
// tracker state. Acquiring the replacement GpuInstance is the caller's
// responsibility (the HTTP wake handler takes the target endpoint from its
// request); Wake only handles the data side.
func (c *Controller) Wake(ctx context.Context, associationID string, target models.SSHEndpoint, targetWorkspacePath string) error {
	event, err := c.hibRepo.LatestForAssociation(associationID)
	if err != nil {
		return fmt.Errorf("hibernation: lookup latest event for %s: %w", associationID, err)
	}
	if event == nil || event.WokenAt != nil {
		return fmt.Errorf("hibernation: association %s has no pending hibernation to wake", associationID)
	}

	if err := c.engine.Restore(ctx, event.SnapshotID, target, targetWorkspacePath); err != nil {
		return fmt.Errorf("hibernation: restore snapshot %s: %w", event.SnapshotID, err)
	}
	if err := c.engine.Validate(ctx, event.SnapshotID, target, targetWorkspacePath); err != nil {
		return fmt.Errorf("hibernation: validate restored workspace for %s: %w", associationID, err)
	}

	now := sql.NullTime{Time: time.Now(), Valid: true}
	if err := c.hibRepo.RecordWoken(event.EventID, now); err != nil {
		log.Printf("hibernation: record woken for %s: %v", associationID, err)
	}

	c.mu.Lock()
	if tr, ok := c.trackers[associationID]; ok {
		tr.hibernated = false
		tr.belowFloorSince = nil
	}
	c.mu.Unlock()

	return nil
}

// SweepCleanup releases the CpuMirror for every hibernation event older
// than cleanupWindow that hasn't been woken, keeping only the snapshot
// behind. Callers run this on a periodic tick; it intentionally takes the
// association directly rather than scanning the repository itself, since
// only StandbyManager knows which associations are currently hibernating.
func (c *Controller) SweepCleanup(ctx context.Context, assoc *models.StandbyAssociation) error {
	event, err := c.hibRepo.LatestForAssociation(assoc.AssociationID)
	if err != nil {
		return err
	}
	if event == nil || event.WokenAt != nil || event.MirrorReleasedAt != nil {
		return nil
	}
	if time.Since(event.HibernatedAt) < c.cleanupWindow {
		return nil
	}
	if assoc.CpuMirror == nil {
		return nil
	}

	if err := c.cpu.DestroyInstance(ctx, assoc.CpuMirror.ProviderInstanceID); err != nil {
		return fmt.Errorf("hibernation: release mirror for %s: %w", assoc.AssociationID, err)
	}

	if err := c.hibRepo.RecordMirrorReleased(event.EventID, sql.NullTime{Time: time.Now(), Valid: true}); err != nil {
		log.Printf("hibernation: record mirror released for %s: %v", assoc.AssociationID, err)
	}

	log.Printf("hibernation: released cpu mirror for association %s after cleanup window", assoc.AssociationID)
	return nil
}
