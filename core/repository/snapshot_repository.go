package repository

import (
	"database/sql"
	"time"

	"gpu-standby-orchestrator/core/models"
)

// SnapshotRepository handles database operations for snapshot metadata. The
// manifest itself lives in object storage (spec §6); this table is the
// queryable index over it — chain lookups, garbage collection candidates,
// and the association's active-chain pointer all read from here rather than
// listing the bucket.
type SnapshotRepository struct {
	db *DB
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(db *DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// CreateSnapshot records a snapshot that SnapshotEngine has already written
// to object storage.
func (r *SnapshotRepository) CreateSnapshot(s *models.Snapshot) error {
	query := `
		INSERT INTO snapshots (
			id, kind, parent_id, source_instance_id, workspace_path, compression_codec,
			total_bytes_uncompressed, total_bytes_stored, file_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var parentID sql.NullString
	if s.ParentID != "" {
		parentID = sql.NullString{String: s.ParentID, Valid: true}
	}

	_, err := r.db.Exec(query,
		s.SnapshotID,
		s.Kind,
		parentID,
		s.SourceInstanceID,
		s.WorkspacePath,
		s.CompressionCodec,
		s.TotalBytesUncompressed,
		s.TotalBytesStored,
		s.FileCount,
		s.CreatedAt,
	)
	return err
}

// GetSnapshot retrieves one snapshot's metadata row.
func (r *SnapshotRepository) GetSnapshot(id string) (*models.Snapshot, error) {
	query := `
		SELECT id, kind, parent_id, source_instance_id, workspace_path, compression_codec,
			total_bytes_uncompressed, total_bytes_stored, file_count, created_at
		FROM snapshots
		WHERE id = $1
	`

	var s models.Snapshot
	var parentID sql.NullString

	err := r.db.QueryRow(query, id).Scan(
		&s.SnapshotID,
		&s.Kind,
		&parentID,
		&s.SourceInstanceID,
		&s.WorkspacePath,
		&s.CompressionCodec,
		&s.TotalBytesUncompressed,
		&s.TotalBytesStored,
		&s.FileCount,
		&s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}

	s.ParentID = parentID.String
	return &s, nil
}

// Chain walks a snapshot's ancestry back to its base and returns it
// base-first, for restore (spec §4.3: apply base then every incremental up
// to the target in order).
func (r *SnapshotRepository) Chain(snapshotID string) ([]models.Snapshot, error) {
	var chain []models.Snapshot

	cur := snapshotID
	for cur != "" {
		s, err := r.GetSnapshot(cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *s)
		cur = s.ParentID
	}

	// Reverse into base-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// ListByInstance returns every snapshot taken from a given source instance,
// newest first.
func (r *SnapshotRepository) ListByInstance(instanceID string) ([]models.Snapshot, error) {
	query := `
		SELECT id, kind, parent_id, source_instance_id, workspace_path, compression_codec,
			total_bytes_uncompressed, total_bytes_stored, file_count, created_at
		FROM snapshots
		WHERE source_instance_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		var s models.Snapshot
		var parentID sql.NullString
		err := rows.Scan(
			&s.SnapshotID,
			&s.Kind,
			&parentID,
			&s.SourceInstanceID,
			&s.WorkspacePath,
			&s.CompressionCodec,
			&s.TotalBytesUncompressed,
			&s.TotalBytesStored,
			&s.FileCount,
			&s.CreatedAt,
		)
		if err != nil {
			continue
		}
		s.ParentID = parentID.String
		out = append(out, s)
	}
	return out, nil
}

// DeleteSnapshot removes a snapshot's metadata row. Callers are responsible
// for deleting the underlying blobs from object storage first — deleting a
// snapshot that other chains still parent onto breaks restore.
func (r *SnapshotRepository) DeleteSnapshot(id string) error {
	_, err := r.db.Exec(`DELETE FROM snapshots WHERE id = $1`, id)
	return err
}

// OldestOlderThan returns snapshots of any kind older than the given time
// that no other snapshot names as its parent, for the retention sweep.
func (r *SnapshotRepository) OldestOlderThan(cutoff time.Time) ([]models.Snapshot, error) {
	query := `
		SELECT id, kind, parent_id, source_instance_id, workspace_path, compression_codec,
			total_bytes_uncompressed, total_bytes_stored, file_count, created_at
		FROM snapshots s
		WHERE s.created_at < $1
		AND NOT EXISTS (SELECT 1 FROM snapshots c WHERE c.parent_id = s.id)
		ORDER BY s.created_at ASC
	`

	rows, err := r.db.Query(query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		var s models.Snapshot
		var parentID sql.NullString
		if err := rows.Scan(
			&s.SnapshotID, &s.Kind, &parentID, &s.SourceInstanceID, &s.WorkspacePath,
			&s.CompressionCodec, &s.TotalBytesUncompressed, &s.TotalBytesStored,
			&s.FileCount, &s.CreatedAt,
		); err != nil {
			continue
		}
		s.ParentID = parentID.String
		out = append(out, s)
	}
	return out, nil
}
