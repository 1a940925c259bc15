package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gpu-standby-orchestrator/core/models"
)

// AssociationRepository handles database operations for standby associations.
type AssociationRepository struct {
	db *DB
}

// NewAssociationRepository creates a new association repository.
func NewAssociationRepository(db *DB) *AssociationRepository {
	return &AssociationRepository{db: db}
}

// CreateAssociation inserts a new standby association row.
func (r *AssociationRepository) CreateAssociation(a *models.StandbyAssociation) error {
	query := `
		INSERT INTO standby_associations (
			id, gpu_instance_id, cpu_mirror_id, state, active_snapshot_chain_id,
			auto_failover, auto_recovery, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	assocID := uuid.New()
	if a.AssociationID != "" {
		var err error
		assocID, err = uuid.Parse(a.AssociationID)
		if err != nil {
			return err
		}
	}

	var gpuInstanceID, cpuMirrorID string
	if a.GpuInstance != nil {
		gpuInstanceID = a.GpuInstance.InstanceID
	}
	if a.CpuMirror != nil {
		cpuMirrorID = a.CpuMirror.MirrorID
	}

	now := time.Now()
	_, err := r.db.Exec(query,
		assocID,
		gpuInstanceID,
		cpuMirrorID,
		a.State,
		a.ActiveSnapshotChainID,
		a.AutoFailover,
		a.AutoRecovery,
		now,
		now,
	)
	if err != nil {
		return err
	}

	a.AssociationID = assocID.String()
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

// GetAssociation retrieves an association by id, including its GPU instance
// and CPU mirror foreign-key ids scanned back onto bare GpuInstance.InstanceID
// and CpuMirror.MirrorID fields —
// callers needing the full nested records reload them from their own
// repositories.
func (r *AssociationRepository) GetAssociation(id string) (*models.StandbyAssociation, error) {
	query := `
		SELECT id, gpu_instance_id, cpu_mirror_id, state, last_sync_at, sync_count,
			consecutive_failures, active_snapshot_chain_id, terminal_snapshot_id,
			auto_failover, auto_recovery, failover_at, recovered_at, data_age_unknown,
			created_at, updated_at
		FROM standby_associations
		WHERE id = $1
	`

	var a models.StandbyAssociation
	var gpuInstanceID, cpuMirrorID sql.NullString
	var lastSyncAt, failoverAt, recoveredAt sql.NullTime
	var activeChainID, terminalSnapID sql.NullString

	err := r.db.QueryRow(query, id).Scan(
		&a.AssociationID,
		&gpuInstanceID,
		&cpuMirrorID,
		&a.State,
		&lastSyncAt,
		&a.SyncCount,
		&a.ConsecutiveFailures,
		&activeChainID,
		&terminalSnapID,
		&a.AutoFailover,
		&a.AutoRecovery,
		&failoverAt,
		&recoveredAt,
		&a.DataAgeUnknown,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if gpuInstanceID.Valid {
		a.GpuInstance = &models.GpuInstance{InstanceID: gpuInstanceID.String}
	}
	if cpuMirrorID.Valid {
		a.CpuMirror = &models.CpuMirror{MirrorID: cpuMirrorID.String}
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		a.LastSyncAt = &t
	}
	if failoverAt.Valid {
		t := failoverAt.Time
		a.FailoverAt = &t
	}
	if recoveredAt.Valid {
		t := recoveredAt.Time
		a.RecoveredAt = &t
	}
	a.ActiveSnapshotChainID = activeChainID.String
	a.TerminalSnapshotID = terminalSnapID.String

	return &a, nil
}

// SetCpuMirror attaches a newly-provisioned CpuMirror to an association
// once PROVISIONING succeeds.
func (r *AssociationRepository) SetCpuMirror(id, cpuMirrorID string) error {
	query := `UPDATE standby_associations SET cpu_mirror_id = $1, updated_at = $2 WHERE id = $3`
	_, err := r.db.Exec(query, cpuMirrorID, time.Now(), id)
	return err
}

// SetGpuInstance repoints an association at a newly-recovered GpuInstance
// once RECOVERING succeeds.
func (r *AssociationRepository) SetGpuInstance(id, gpuInstanceID string) error {
	query := `UPDATE standby_associations SET gpu_instance_id = $1, updated_at = $2 WHERE id = $3`
	_, err := r.db.Exec(query, gpuInstanceID, time.Now(), id)
	return err
}

// UpdateState transitions an association to a new state and stamps
// updated_at. Callers hold the StandbyManager's per-association lock, so
// this is a plain write rather than a compare-and-swap.
func (r *AssociationRepository) UpdateState(id string, state models.AssociationState) error {
	query := `UPDATE standby_associations SET state = $1, updated_at = $2 WHERE id = $3`
	_, err := r.db.Exec(query, state, time.Now(), id)
	return err
}

// RecordSync updates sync bookkeeping after SyncService completes a round.
func (r *AssociationRepository) RecordSync(id string, syncedAt time.Time) error {
	query := `
		UPDATE standby_associations
		SET last_sync_at = $1, sync_count = sync_count + 1, consecutive_failures = 0, updated_at = $2
		WHERE id = $3
	`
	_, err := r.db.Exec(query, syncedAt, time.Now(), id)
	return err
}

// RecordSyncFailure bumps the consecutive-failure counter.
func (r *AssociationRepository) RecordSyncFailure(id string) error {
	query := `
		UPDATE standby_associations
		SET consecutive_failures = consecutive_failures + 1, updated_at = $1
		WHERE id = $2
	`
	_, err := r.db.Exec(query, time.Now(), id)
	return err
}

// RecordFailover stamps the failover fields when an association enters
// FAILOVER_ACTIVE.
func (r *AssociationRepository) RecordFailover(id, terminalSnapshotID string, dataAgeUnknown bool) error {
	query := `
		UPDATE standby_associations
		SET state = $1, terminal_snapshot_id = $2, failover_at = $3, data_age_unknown = $4, updated_at = $3
		WHERE id = $5
	`
	_, err := r.db.Exec(query, models.StateFailoverActive, terminalSnapshotID, time.Now(), dataAgeUnknown, id)
	return err
}

// RecordRecovery stamps recovered_at and returns the association to SYNCING.
func (r *AssociationRepository) RecordRecovery(id string) error {
	query := `
		UPDATE standby_associations
		SET state = $1, recovered_at = $2, updated_at = $2
		WHERE id = $3
	`
	_, err := r.db.Exec(query, models.StateSyncing, time.Now(), id)
	return err
}

// ListActive returns every association not in DISABLED state.
func (r *AssociationRepository) ListActive() ([]models.StandbyAssociation, error) {
	query := `
		SELECT id, gpu_instance_id, cpu_mirror_id, state, last_sync_at, sync_count,
			consecutive_failures, active_snapshot_chain_id, terminal_snapshot_id,
			auto_failover, auto_recovery, failover_at, recovered_at, data_age_unknown,
			created_at, updated_at
		FROM standby_associations
		WHERE state != $1
		ORDER BY created_at
	`

	rows, err := r.db.Query(query, models.StateDisabled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StandbyAssociation
	for rows.Next() {
		var a models.StandbyAssociation
		var gpuInstanceID, cpuMirrorID sql.NullString
		var lastSyncAt, failoverAt, recoveredAt sql.NullTime
		var activeChainID, terminalSnapID sql.NullString

		err := rows.Scan(
			&a.AssociationID,
			&gpuInstanceID,
			&cpuMirrorID,
			&a.State,
			&lastSyncAt,
			&a.SyncCount,
			&a.ConsecutiveFailures,
			&activeChainID,
			&terminalSnapID,
			&a.AutoFailover,
			&a.AutoRecovery,
			&failoverAt,
			&recoveredAt,
			&a.DataAgeUnknown,
			&a.CreatedAt,
			&a.UpdatedAt,
		)
		if err != nil {
			continue
		}

		if gpuInstanceID.Valid {
			a.GpuInstance = &models.GpuInstance{InstanceID: gpuInstanceID.String}
		}
		if cpuMirrorID.Valid {
			a.CpuMirror = &models.CpuMirror{MirrorID: cpuMirrorID.String}
		}
		if lastSyncAt.Valid {
			t := lastSyncAt.Time
			a.LastSyncAt = &t
		}
		if failoverAt.Valid {
			t := failoverAt.Time
			a.FailoverAt = &t
		}
		if recoveredAt.Valid {
			t := recoveredAt.Time
			a.RecoveredAt = &t
		}
		a.ActiveSnapshotChainID = activeChainID.String
		a.TerminalSnapshotID = terminalSnapID.String

		out = append(out, a)
	}

	return out, nil
}

// DeleteAssociation removes an association row, used once a GpuInstance and
// its CpuMirror have both been torn down for good.
func (r *AssociationRepository) DeleteAssociation(id string) error {
	_, err := r.db.Exec(`DELETE FROM standby_associations WHERE id = $1`, id)
	return err
}

var errNotFound = fmt.Errorf("repository: not found")
