package repository

import (
	"database/sql"

	"github.com/google/uuid"

	"gpu-standby-orchestrator/core/models"
)

// HibernationRepository handles database operations for hibernation events
// (spec §4.7).
type HibernationRepository struct {
	db *DB
}

// NewHibernationRepository creates a new hibernation repository.
func NewHibernationRepository(db *DB) *HibernationRepository {
	return &HibernationRepository{db: db}
}

// CreateEvent records a hibernation (snapshot+destroy) as it happens.
func (r *HibernationRepository) CreateEvent(e *models.HibernationEvent) error {
	query := `
		INSERT INTO hibernation_events (
			id, association_id, instance_id, snapshot_id, hibernated_at
		) VALUES ($1, $2, $3, $4, $5)
	`

	eventID := uuid.New()
	if e.EventID != "" {
		var err error
		eventID, err = uuid.Parse(e.EventID)
		if err != nil {
			return err
		}
	}

	_, err := r.db.Exec(query, eventID, e.AssociationID, e.InstanceID, e.SnapshotID, e.HibernatedAt)
	if err != nil {
		return err
	}

	e.EventID = eventID.String()
	return nil
}

// RecordMirrorReleased stamps mirror_released_at once the CPU mirror backing
// a hibernated instance has been torn down in turn.
func (r *HibernationRepository) RecordMirrorReleased(eventID string, at sql.NullTime) error {
	_, err := r.db.Exec(
		`UPDATE hibernation_events SET mirror_released_at = $1 WHERE id = $2`,
		at, eventID,
	)
	return err
}

// RecordWoken stamps woken_at when wake() successfully restores an
// instance from its hibernation snapshot.
func (r *HibernationRepository) RecordWoken(eventID string, at sql.NullTime) error {
	_, err := r.db.Exec(
		`UPDATE hibernation_events SET woken_at = $1 WHERE id = $2`,
		at, eventID,
	)
	return err
}

// LatestForAssociation returns the most recent hibernation event for an
// association, or nil if it has never hibernated.
func (r *HibernationRepository) LatestForAssociation(associationID string) (*models.HibernationEvent, error) {
	query := `
		SELECT id, association_id, instance_id, snapshot_id, hibernated_at,
			mirror_released_at, woken_at
		FROM hibernation_events
		WHERE association_id = $1
		ORDER BY hibernated_at DESC
		LIMIT 1
	`

	var e models.HibernationEvent
	var mirrorReleasedAt, wokenAt sql.NullTime

	err := r.db.QueryRow(query, associationID).Scan(
		&e.EventID,
		&e.AssociationID,
		&e.InstanceID,
		&e.SnapshotID,
		&e.HibernatedAt,
		&mirrorReleasedAt,
		&wokenAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if mirrorReleasedAt.Valid {
		t := mirrorReleasedAt.Time
		e.MirrorReleasedAt = &t
	}
	if wokenAt.Valid {
		t := wokenAt.Time
		e.WokenAt = &t
	}

	return &e, nil
}
