// Package standby implements StandbyManager (spec §4.8): the failover state
// machine that owns a StandbyAssociation through PROVISIONING, SYNCING,
// FAILOVER_ACTIVE, RECOVERING, and back.
package standby

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gpu-standby-orchestrator/core/adapters"
	orcherrors "gpu-standby-orchestrator/core/errors"
	"gpu-standby-orchestrator/core/health"
	"gpu-standby-orchestrator/core/models"
	"gpu-standby-orchestrator/core/provisioner"
	"gpu-standby-orchestrator/core/region"
	"gpu-standby-orchestrator/core/repository"
	"gpu-standby-orchestrator/core/snapshot"
	syncsvc "gpu-standby-orchestrator/core/sync"
)

const defaultWorkspacePath = "/home/ubuntu/workspace"

// sshClient is the slice of *executor.SSHClient the manager needs: a
// reachability check when provisioning a mirror, and a command probe for
// the health monitors it builds.
type sshClient interface {
	TestConnection(ctx context.Context, host string) error
	ExecuteCommand(ctx context.Context, host string, command string) (string, error)
}

// associationStore is the slice of AssociationRepository the state machine
// needs, narrowed so tests can substitute an in-memory fake instead of a
// live Postgres connection.
type associationStore interface {
	CreateAssociation(a *models.StandbyAssociation) error
	UpdateState(id string, state models.AssociationState) error
	SetCpuMirror(id, cpuMirrorID string) error
	SetGpuInstance(id, gpuInstanceID string) error
	RecordFailover(id, terminalSnapshotID string, dataAgeUnknown bool) error
	RecordRecovery(id string) error
}

// Params configures a Manager with spec-default tunables (spec §6).
type Params struct {
	SyncInterval    time.Duration // default 30s
	HealthInterval  time.Duration
	HealthThreshold int

	CpuMachineType  string
	CpuZoneOverride string // skip RegionResolver and pin every mirror to this zone when set
	CpuDiskGB       int
	CpuUseSpot      bool
	CpuWorkspacePath string // mirror and recovered-GPU workspace root, default /home/ubuntu/workspace
	SSHUser          string
	SSHPublicKey     string

	MaxProvisionRetries int // bounded retries before PROVISIONING surfaces an error state
	MaxRecoveryRounds   int

	// ProvisionMaxRounds/ProvisionBatchSize/ProvisionRoundDeadline feed the
	// recovery-path Provisioner.Acquire call directly (spec §6).
	ProvisionMaxRounds     int
	ProvisionBatchSize     int
	ProvisionRoundDeadline time.Duration
}

func (p Params) withDefaults() Params {
	if p.SyncInterval == 0 {
		p.SyncInterval = 30 * time.Second
	}
	if p.HealthInterval == 0 {
		p.HealthInterval = 10 * time.Second
	}
	if p.HealthThreshold == 0 {
		p.HealthThreshold = 3
	}
	if p.CpuMachineType == "" {
		p.CpuMachineType = "t3.large"
	}
	if p.CpuDiskGB == 0 {
		p.CpuDiskGB = 100
	}
	if p.CpuWorkspacePath == "" {
		p.CpuWorkspacePath = defaultWorkspacePath
	}
	if p.SSHUser == "" {
		p.SSHUser = "ubuntu"
	}
	if p.MaxProvisionRetries == 0 {
		p.MaxProvisionRetries = 3
	}
	if p.MaxRecoveryRounds == 0 {
		p.MaxRecoveryRounds = 3
	}
	if p.ProvisionMaxRounds == 0 {
		p.ProvisionMaxRounds = 3
	}
	if p.ProvisionBatchSize == 0 {
		p.ProvisionBatchSize = 5
	}
	if p.ProvisionRoundDeadline == 0 {
		p.ProvisionRoundDeadline = 90 * time.Second
	}
	return p
}

// associationRuntime holds the live goroutines backing one association,
// plus the lock that serializes its state transitions (spec §4.8: "exactly
// one state transition may be in flight per association at a time").
type associationRuntime struct {
	mu           sync.Mutex
	assoc        *models.StandbyAssociation
	cancelSync   context.CancelFunc
	cancelHealth context.CancelFunc
}

// Manager drives the failover state machine for every StandbyAssociation it
// is asked to manage.
type Manager struct {
	provisioner  *provisioner.Provisioner
	resolver     *region.Resolver
	engine       *snapshot.Engine
	syncSvc      *syncsvc.Service
	gpuHealth    *health.Monitor // probes the active GpuInstance
	mirrorHealth *health.Monitor // probes the CpuMirror once it becomes the active endpoint
	gpu          adapters.GpuProvider
	cpu          adapters.CpuProvider
	ssh          sshClient
	assocRepo    associationStore
	publisher    adapters.EndpointPublisher

	params Params

	mu       sync.Mutex
	runtimes map[string]*associationRuntime
}

// NewManager wires a StandbyManager against every subsystem the state
// machine drives. It builds its own GpuInstance and CpuMirror health
// monitors from gpu/cpu/ssh, since health.Monitor is meant to watch one
// instance kind at a time (spec §4.6) and FAILOVER_ACTIVE switches which
// kind is live.
func NewManager(
	prov *provisioner.Provisioner,
	resolver *region.Resolver,
	engine *snapshot.Engine,
	syncSvc *syncsvc.Service,
	gpu adapters.GpuProvider,
	cpu adapters.CpuProvider,
	ssh sshClient,
	assocRepo *repository.AssociationRepository,
	publisher adapters.EndpointPublisher,
	params Params,
) *Manager {
	return newManager(prov, resolver, engine, syncSvc, gpu, cpu, ssh, assocRepo, publisher, params)
}

func newManager(
	prov *provisioner.Provisioner,
	resolver *region.Resolver,
	engine *snapshot.Engine,
	syncSvc *syncsvc.Service,
	gpu adapters.GpuProvider,
	cpu adapters.CpuProvider,
	ssh sshClient,
	assocRepo associationStore,
	publisher adapters.EndpointPublisher,
	params Params,
) *Manager {
	params = params.withDefaults()
	return &Manager{
		provisioner:  prov,
		resolver:     resolver,
		engine:       engine,
		syncSvc:      syncSvc,
		gpuHealth:    health.NewMonitor(gpu, ssh).WithInterval(params.HealthInterval, params.HealthThreshold),
		mirrorHealth: health.NewMonitor(cpu, ssh).WithInterval(params.HealthInterval, params.HealthThreshold),
		gpu:          gpu,
		cpu:          cpu,
		ssh:          ssh,
		assocRepo:    assocRepo,
		publisher:    publisher,
		params:       params,
		runtimes:     make(map[string]*associationRuntime),
	}
}

// Enable arms standby for a GpuInstance: provisions a CpuMirror in the
// resolved zone, waits for it to become reachable, then starts sync and
// health supervision (PROVISIONING -> SYNCING).
func (m *Manager) Enable(ctx context.Context, gpuInstance *models.GpuInstance, autoFailover, autoRecovery bool) (*models.StandbyAssociation, error) {
	if gpuInstance.WorkspacePath == "" {
		gpuInstance.WorkspacePath = defaultWorkspacePath
	}

	assoc := &models.StandbyAssociation{
		GpuInstance:  gpuInstance,
		State:        models.StateProvisioning,
		AutoFailover: autoFailover,
		AutoRecovery: autoRecovery,
	}

	if err := m.assocRepo.CreateAssociation(assoc); err != nil {
		return nil, orcherrors.New("standby.enable", "", orcherrors.ErrConfiguration, err)
	}

	rt := &associationRuntime{assoc: assoc}
	m.mu.Lock()
	m.runtimes[assoc.AssociationID] = rt
	m.mu.Unlock()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := m.provisionMirror(ctx, rt); err != nil {
		return assoc, err
	}

	m.armSyncing(assoc, rt, assoc.GpuInstance, models.AssociationState(""))
	return assoc, nil
}

// provisionMirror resolves the CPU zone, requests a mirror, and waits for
// it to come up over SSH, with the spec's 1s/2s/4s backoff ceiling.
func (m *Manager) provisionMirror(ctx context.Context, rt *associationRuntime) error {
	assoc := rt.assoc
	gi := assoc.GpuInstance

	zone := m.params.CpuZoneOverride
	if zone == "" {
		zone = m.resolver.Resolve(gi.Geolocation, gi.PublicIP).Zone
	}

	var instanceID string
	var err error
	backoff := time.Second
	for attempt := 0; attempt < m.params.MaxProvisionRetries; attempt++ {
		instanceID, err = m.cpu.CreateInstance(ctx, zone, m.params.CpuMachineType, m.params.CpuUseSpot, m.params.CpuDiskGB, m.params.SSHPublicKey)
		if err == nil {
			break
		}
		log.Printf("standby: cpu mirror provision attempt %d failed for association %s: %v", attempt, assoc.AssociationID, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < 4*time.Second {
			backoff *= 2
		}
	}
	if err != nil {
		log.Printf("standby: association %s stuck in PROVISIONING after %d attempts", assoc.AssociationID, m.params.MaxProvisionRetries)
		return orcherrors.New("standby.provision_mirror", assoc.AssociationID, orcherrors.ErrConfiguration, err)
	}

	mirror := &models.CpuMirror{
		MirrorID:           instanceID,
		ProviderInstanceID: instanceID,
		Zone:               zone,
		MachineType:        m.params.CpuMachineType,
		UseSpot:            m.params.CpuUseSpot,
		WorkspacePath:      m.params.CpuWorkspacePath,
		CreatedAt:          time.Now(),
	}

	if err := m.waitReachable(ctx, mirror); err != nil {
		return orcherrors.New("standby.provision_mirror", assoc.AssociationID, orcherrors.ErrConfiguration, err)
	}

	assoc.CpuMirror = mirror
	if err := m.assocRepo.SetCpuMirror(assoc.AssociationID, mirror.MirrorID); err != nil {
		log.Printf("standby: persist cpu mirror for %s: %v", assoc.AssociationID, err)
	}
	return nil
}

func (m *Manager) waitReachable(ctx context.Context, mirror *models.CpuMirror) error {
	status, err := m.cpu.GetInstance(ctx, mirror.ProviderInstanceID)
	if err != nil {
		return err
	}
	if status.SSHHost == "" {
		return fmt.Errorf("cpu mirror %s reported no SSH host", mirror.MirrorID)
	}
	mirror.SSHEndpoint = models.SSHEndpoint{Host: status.SSHHost, Port: status.SSHPort, User: m.params.SSHUser}

	addr := fmt.Sprintf("%s:%d", mirror.SSHEndpoint.Host, mirror.SSHEndpoint.Port)
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		if m.ssh == nil {
			return nil
		}
		if lastErr = m.ssh.TestConnection(ctx, addr); lastErr == nil {
			return nil
		}
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("cpu mirror %s never became reachable: %w", mirror.MirrorID, lastErr)
}

// armSyncing transitions an association into SYNCING and starts its sync
// and health-supervision goroutines against the given active GpuInstance.
// previousState is logged only; it doesn't gate the transition since this
// is called both from Enable (PROVISIONING->SYNCING) and from recovery
// (RECOVERING->SYNCING).
func (m *Manager) armSyncing(assoc *models.StandbyAssociation, rt *associationRuntime, active *models.GpuInstance, previousState models.AssociationState) {
	assoc.State = models.StateSyncing
	if err := m.assocRepo.UpdateState(assoc.AssociationID, models.StateSyncing); err != nil {
		log.Printf("standby: persist SYNCING for %s: %v", assoc.AssociationID, err)
	}

	syncCtx, cancelSync := context.WithCancel(context.Background())
	rt.cancelSync = cancelSync
	go m.runSyncLoop(syncCtx, assoc)

	healthCtx, cancelHealth := context.WithCancel(context.Background())
	rt.cancelHealth = cancelHealth
	go m.runHealthWatch(healthCtx, rt, active.InstanceID, active.SSHEndpoint, false)

	log.Printf("standby: association %s armed (SYNCING), previous state %q", assoc.AssociationID, previousState)
}

func (m *Manager) runSyncLoop(ctx context.Context, assoc *models.StandbyAssociation) {
	ticker := time.NewTicker(m.params.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.syncSvc.Sync(ctx, assoc); err != nil {
				log.Printf("standby: sync cycle failed for %s: %v", assoc.AssociationID, err)
			}
		}
	}
}

// runHealthWatch watches one endpoint (the active GpuInstance normally, or
// the CpuMirror once FAILOVER_ACTIVE makes it the live workspace) and
// routes GPU_DOWN events to the right handler.
func (m *Manager) runHealthWatch(ctx context.Context, rt *associationRuntime, instanceID string, endpoint models.SSHEndpoint, watchingMirror bool) {
	monitor := m.gpuHealth
	if watchingMirror {
		monitor = m.mirrorHealth
	}
	events := monitor.Watch(ctx, rt.assoc.AssociationID, instanceID, endpoint)
	for ev := range events {
		if watchingMirror {
			m.onMirrorDown(context.Background(), rt, ev)
		} else {
			m.onGpuDown(context.Background(), rt, ev)
		}
	}
}

// onGpuDown handles a GPU_DOWN event (spec §4.8 SYNCING -> FAILOVER_ACTIVE
// or DEGRADED). Events received outside SYNCING are logged and dropped —
// the state machine invariant requires idempotence here.
func (m *Manager) onGpuDown(ctx context.Context, rt *associationRuntime, ev health.Event) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	assoc := rt.assoc
	if assoc.State != models.StateSyncing {
		log.Printf("standby: dropping GPU_DOWN for %s, not in SYNCING (state=%s)", assoc.AssociationID, assoc.State)
		return
	}

	if !assoc.AutoFailover {
		assoc.State = models.StateDegraded
		if err := m.assocRepo.UpdateState(assoc.AssociationID, models.StateDegraded); err != nil {
			log.Printf("standby: persist DEGRADED for %s: %v", assoc.AssociationID, err)
		}
		log.Printf("standby: association %s DEGRADED, awaiting operator action", assoc.AssociationID)
		return
	}

	if err := m.failover(ctx, rt); err != nil {
		log.Printf("standby: failover for %s failed: %v", assoc.AssociationID, err)
	}
}

// onMirrorDown handles loss of the CpuMirror while it is the active
// endpoint (FAILOVER_ACTIVE). Per the CPU_MIRROR_DOWN open question, this
// is treated symmetrically to a GPU failure: reprovision the mirror from
// the terminal snapshot and re-publish.
func (m *Manager) onMirrorDown(ctx context.Context, rt *associationRuntime, ev health.Event) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	assoc := rt.assoc
	if assoc.State != models.StateFailoverActive {
		log.Printf("standby: dropping CPU_MIRROR_DOWN for %s, not in FAILOVER_ACTIVE (state=%s)", assoc.AssociationID, assoc.State)
		return
	}

	if err := m.handleMirrorDown(ctx, rt); err != nil {
		log.Printf("standby: mirror recovery for %s failed: %v", assoc.AssociationID, err)
	}
}

// failover runs the SYNCING -> FAILOVER_ACTIVE transition (spec §4.8):
// pause sync, finalize a terminal snapshot from the mirror's workspace,
// publish the mirror as the new endpoint, and optionally kick off recovery.
func (m *Manager) failover(ctx context.Context, rt *associationRuntime) error {
	assoc := rt.assoc

	if rt.cancelSync != nil {
		rt.cancelSync()
	}
	if rt.cancelHealth != nil {
		rt.cancelHealth()
	}

	dataAgeUnknown := assoc.LastSyncAt == nil

	var snap *models.Snapshot
	var err error
	if assoc.ActiveSnapshotChainID != "" {
		snap, err = m.engine.CreateIncremental(ctx, assoc.CpuMirror.MirrorID, assoc.CpuMirror.SSHEndpoint, assoc.CpuMirror.WorkspacePath, assoc.ActiveSnapshotChainID)
	} else {
		snap, err = m.engine.CreateFull(ctx, assoc.CpuMirror.MirrorID, assoc.CpuMirror.SSHEndpoint, assoc.CpuMirror.WorkspacePath)
	}
	if err != nil {
		return orcherrors.New("standby.failover", assoc.AssociationID, orcherrors.ErrSyncFailure, err)
	}
	assoc.ActiveSnapshotChainID = snap.SnapshotID
	assoc.TerminalSnapshotID = snap.SnapshotID
	assoc.DataAgeUnknown = dataAgeUnknown

	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, assoc.AssociationID, assoc.CpuMirror.SSHEndpoint); err != nil {
			log.Printf("standby: publish failover endpoint for %s: %v", assoc.AssociationID, err)
		}
	}

	assoc.State = models.StateFailoverActive
	now := time.Now()
	assoc.FailoverAt = &now
	if err := m.assocRepo.RecordFailover(assoc.AssociationID, snap.SnapshotID, dataAgeUnknown); err != nil {
		log.Printf("standby: persist FAILOVER_ACTIVE for %s: %v", assoc.AssociationID, err)
	}

	log.Printf("standby: association %s failed over to cpu mirror, data_age_unknown=%v", assoc.AssociationID, dataAgeUnknown)

	// Watch the mirror itself now that it's the live endpoint, so a
	// preempted spot mirror is caught the same way a dead GPU would be.
	mirrorCtx, cancelMirrorWatch := context.WithCancel(context.Background())
	rt.cancelHealth = cancelMirrorWatch
	go m.runHealthWatch(mirrorCtx, rt, assoc.CpuMirror.MirrorID, assoc.CpuMirror.SSHEndpoint, true)

	if assoc.AutoRecovery {
		go func() {
			rt.mu.Lock()
			defer rt.mu.Unlock()
			if assoc.State != models.StateFailoverActive {
				return
			}
			if err := m.recover(context.Background(), rt); err != nil {
				log.Printf("standby: recovery for %s exhausted: %v", assoc.AssociationID, err)
			}
		}()
	}

	return nil
}

// recover runs FAILOVER_ACTIVE -> RECOVERING -> SYNCING(new GPU): acquire a
// replacement GpuInstance preferring the mirror's zone, restore and
// validate the terminal snapshot, then resume sync from the new source.
func (m *Manager) recover(ctx context.Context, rt *associationRuntime) error {
	assoc := rt.assoc
	assoc.State = models.StateRecovering
	if err := m.assocRepo.UpdateState(assoc.AssociationID, models.StateRecovering); err != nil {
		log.Printf("standby: persist RECOVERING for %s: %v", assoc.AssociationID, err)
	}

	var lastErr error
	for round := 0; round < m.params.MaxRecoveryRounds; round++ {
		newGpu, err := m.provisioner.Acquire(ctx, provisioner.AcquireParams{
			PreferredZones: []string{assoc.CpuMirror.Zone},
			MaxRounds:      m.params.ProvisionMaxRounds,
			BatchSize:      m.params.ProvisionBatchSize,
			RoundDeadline:  m.params.ProvisionRoundDeadline,
		})
		if err != nil {
			lastErr = err
			log.Printf("standby: recovery round %d acquire failed for %s: %v", round, assoc.AssociationID, err)
			continue
		}
		if newGpu.WorkspacePath == "" {
			newGpu.WorkspacePath = m.params.CpuWorkspacePath
		}

		if err := m.engine.Restore(ctx, assoc.TerminalSnapshotID, newGpu.SSHEndpoint, newGpu.WorkspacePath); err != nil {
			lastErr = err
			m.destroyFailedRecovery(ctx, newGpu)
			continue
		}
		if err := m.engine.Validate(ctx, assoc.TerminalSnapshotID, newGpu.SSHEndpoint, newGpu.WorkspacePath); err != nil {
			lastErr = err
			log.Printf("standby: recovery round %d validation failed for %s: %v", round, assoc.AssociationID, err)
			m.destroyFailedRecovery(ctx, newGpu)
			continue
		}

		assoc.GpuInstance = newGpu
		if err := m.assocRepo.SetGpuInstance(assoc.AssociationID, newGpu.InstanceID); err != nil {
			log.Printf("standby: persist recovered gpu instance for %s: %v", assoc.AssociationID, err)
		}
		if m.publisher != nil {
			if err := m.publisher.Publish(ctx, assoc.AssociationID, newGpu.SSHEndpoint); err != nil {
				log.Printf("standby: publish recovered endpoint for %s: %v", assoc.AssociationID, err)
			}
		}

		now := time.Now()
		assoc.RecoveredAt = &now
		if err := m.assocRepo.RecordRecovery(assoc.AssociationID); err != nil {
			log.Printf("standby: persist recovery for %s: %v", assoc.AssociationID, err)
		}

		if rt.cancelHealth != nil {
			rt.cancelHealth()
		}
		m.armSyncing(assoc, rt, newGpu, models.StateRecovering)
		return nil
	}

	return orcherrors.New("standby.recover", assoc.AssociationID, orcherrors.ErrConfiguration, lastErr)
}

func (m *Manager) destroyFailedRecovery(ctx context.Context, gi *models.GpuInstance) {
	if err := m.gpu.DestroyInstance(ctx, gi.ProviderInstanceID); err != nil {
		log.Printf("standby: destroy failed-recovery instance %s: %v", gi.ProviderInstanceID, err)
	}
}

// handleMirrorDown reprovisions the CpuMirror from the terminal snapshot
// while FAILOVER_ACTIVE, treating mirror loss symmetrically to a GPU
// failure (see DESIGN.md's Open Question decision).
func (m *Manager) handleMirrorDown(ctx context.Context, rt *associationRuntime) error {
	assoc := rt.assoc

	if rt.cancelHealth != nil {
		rt.cancelHealth()
	}

	if err := m.provisionMirror(ctx, rt); err != nil {
		return err
	}

	if err := m.engine.Restore(ctx, assoc.TerminalSnapshotID, assoc.CpuMirror.SSHEndpoint, assoc.CpuMirror.WorkspacePath); err != nil {
		return orcherrors.New("standby.handle_mirror_down", assoc.AssociationID, orcherrors.ErrRestoreValidationFailed, err)
	}

	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, assoc.AssociationID, assoc.CpuMirror.SSHEndpoint); err != nil {
			log.Printf("standby: publish re-provisioned mirror endpoint for %s: %v", assoc.AssociationID, err)
		}
	}

	mirrorCtx, cancelMirrorWatch := context.WithCancel(context.Background())
	rt.cancelHealth = cancelMirrorWatch
	go m.runHealthWatch(mirrorCtx, rt, assoc.CpuMirror.MirrorID, assoc.CpuMirror.SSHEndpoint, true)

	log.Printf("standby: association %s recovered a preempted cpu mirror", assoc.AssociationID)
	return nil
}

// Lookup returns the live association state for associationID, for HTTP
// handlers that need the full in-memory record (SSHEndpoint, WorkspacePath)
// rather than the repository's bare foreign-key view.
func (m *Manager) Lookup(associationID string) (*models.StandbyAssociation, bool) {
	m.mu.Lock()
	rt, ok := m.runtimes[associationID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return rt.assoc, true
}

// ListAssociations returns every association currently under management, in
// no particular order, for periodic scans (e.g. a hibernation cleanup
// sweep) that need to visit all of them.
func (m *Manager) ListAssociations() []*models.StandbyAssociation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.StandbyAssociation, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		out = append(out, rt.assoc)
	}
	return out
}

// Teardown moves any state to DISABLED: stops sync/health supervision and
// destroys the CpuMirror. Destroy is idempotent, so repeated Teardown calls
// are safe (spec §4.8).
func (m *Manager) Teardown(ctx context.Context, associationID string) error {
	m.mu.Lock()
	rt, ok := m.runtimes[associationID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("standby: unknown association %s", associationID)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.cancelSync != nil {
		rt.cancelSync()
		rt.cancelSync = nil
	}
	if rt.cancelHealth != nil {
		rt.cancelHealth()
		rt.cancelHealth = nil
	}

	assoc := rt.assoc
	if assoc.CpuMirror != nil {
		if err := m.cpu.DestroyInstance(ctx, assoc.CpuMirror.ProviderInstanceID); err != nil {
			log.Printf("standby: destroy cpu mirror for %s: %v (treating not-found as success)", associationID, err)
		}
	}

	assoc.State = models.StateDisabled
	if err := m.assocRepo.UpdateState(associationID, models.StateDisabled); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.runtimes, associationID)
	m.mu.Unlock()

	return nil
}
