package repository

import (
	"database/sql"
	"time"

	"gpu-standby-orchestrator/core/models"
)

// OfferHistoryRepository tracks per-host provisioning outcomes, feeding the
// Provisioner's local blacklist (spec §4.4: hosts that repeatedly fail to
// reach SSHable are filtered out of the next race even when the provider
// still advertises them).
type OfferHistoryRepository struct {
	db *DB
}

// NewOfferHistoryRepository creates a new offer history repository.
func NewOfferHistoryRepository(db *DB) *OfferHistoryRepository {
	return &OfferHistoryRepository{db: db}
}

// Get retrieves a host's history, returning a zero-value record (not an
// error) for a host never seen before.
func (r *OfferHistoryRepository) Get(hostID string) (*models.OfferHistory, error) {
	query := `
		SELECT host_id, success_count, failure_count, last_outcome_at, avg_time_to_ssh_ms, blacklisted
		FROM offer_history
		WHERE host_id = $1
	`

	var h models.OfferHistory
	var lastOutcomeAt sql.NullTime

	err := r.db.QueryRow(query, hostID).Scan(
		&h.HostID,
		&h.SuccessCount,
		&h.FailureCount,
		&lastOutcomeAt,
		&h.AvgTimeToSSHMs,
		&h.Blacklisted,
	)
	if err == sql.ErrNoRows {
		return &models.OfferHistory{HostID: hostID}, nil
	}
	if err != nil {
		return nil, err
	}

	if lastOutcomeAt.Valid {
		h.LastOutcomeAt = lastOutcomeAt.Time
	}
	return &h, nil
}

// RecordSuccess upserts a win: increments success_count and folds the new
// time-to-SSH sample into the rolling average.
func (r *OfferHistoryRepository) RecordSuccess(hostID string, timeToSSH time.Duration) error {
	existing, err := r.Get(hostID)
	if err != nil {
		return err
	}

	newAvg := timeToSSH.Milliseconds()
	if existing.SuccessCount > 0 {
		newAvg = (existing.AvgTimeToSSHMs*existing.SuccessCount + timeToSSH.Milliseconds()) / (existing.SuccessCount + 1)
	}

	query := `
		INSERT INTO offer_history (host_id, success_count, failure_count, last_outcome_at, avg_time_to_ssh_ms, blacklisted)
		VALUES ($1, 1, 0, $2, $3, false)
		ON CONFLICT (host_id) DO UPDATE SET
			success_count = offer_history.success_count + 1,
			last_outcome_at = $2,
			avg_time_to_ssh_ms = $3
	`
	_, err = r.db.Exec(query, hostID, time.Now(), newAvg)
	return err
}

// RecordFailure upserts a loss, and flips blacklisted once the failure
// count crosses threshold with no intervening success.
func (r *OfferHistoryRepository) RecordFailure(hostID string, blacklistThreshold int64) error {
	query := `
		INSERT INTO offer_history (host_id, success_count, failure_count, last_outcome_at, avg_time_to_ssh_ms, blacklisted)
		VALUES ($1, 0, 1, $2, 0, false)
		ON CONFLICT (host_id) DO UPDATE SET
			failure_count = offer_history.failure_count + 1,
			last_outcome_at = $2,
			blacklisted = (offer_history.failure_count + 1) >= $3 AND offer_history.success_count = 0
	`
	_, err := r.db.Exec(query, hostID, time.Now(), blacklistThreshold)
	return err
}

// Blacklisted returns the set of host ids currently flagged, for the
// Provisioner to filter out of SearchOffers results before launching a
// race round.
func (r *OfferHistoryRepository) Blacklisted() (map[string]bool, error) {
	rows, err := r.db.Query(`SELECT host_id FROM offer_history WHERE blacklisted = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var hostID string
		if err := rows.Scan(&hostID); err != nil {
			continue
		}
		out[hostID] = true
	}
	return out, nil
}
