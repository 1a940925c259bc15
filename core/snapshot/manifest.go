package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gpu-standby-orchestrator/core/adapters"
	"gpu-standby-orchestrator/core/models"
)

func manifestKey(snapshotID string) string {
	return fmt.Sprintf("snapshots/%s/manifest.json", snapshotID)
}

// blobKey mirrors the wire layout in spec §6:
// /snapshots/{snapshot_id}/blobs/{sha256(path)[0:2]}/{sha256(path)}
func blobKey(snapshotID, relPath string) string {
	h := sha256.Sum256([]byte(relPath))
	hexHash := hex.EncodeToString(h[:])
	return fmt.Sprintf("snapshots/%s/blobs/%s/%s", snapshotID, hexHash[:2], hexHash)
}

func hashContent(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func saveManifest(ctx context.Context, store adapters.ObjectStore, m *models.Manifest) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("snapshot: marshal manifest: %w", err)
	}
	return store.Put(ctx, manifestKey(m.SnapshotID), bytes.NewReader(buf))
}

func loadManifest(ctx context.Context, store adapters.ObjectStore, snapshotID string) (*models.Manifest, error) {
	var buf bytes.Buffer
	if err := store.Get(ctx, manifestKey(snapshotID), &buf); err != nil {
		return nil, fmt.Errorf("snapshot: fetch manifest %s: %w", snapshotID, err)
	}
	var m models.Manifest
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal manifest %s: %w", snapshotID, err)
	}
	return &m, nil
}
