// Package checkpoint persists per-source resume positions.
//
// A checkpoint is written only after the batch holding its record was
// acknowledged by the sink. Saves for one source must move forward: a save
// whose sequence number is below the stored one is rejected with
// core.ErrStaleCheckpoint. Sequence numbers, not byte offsets, order saves,
// because offsets legitimately fall back to zero after truncation or rotation.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

// Store is the durable source ID -> position mapping.
type Store interface {
	// Load returns the checkpoint for id. ok is false when none exists.
	// A row that cannot be trusted yields core.ErrCheckpointCorrupt.
	Load(ctx context.Context, id string) (cp core.Checkpoint, ok bool, err error)

	// Save durably records cp. It returns only after the write is persisted.
	Save(ctx context.Context, cp core.Checkpoint) error

	// Delete removes the checkpoint for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns every stored checkpoint.
	List(ctx context.Context) ([]core.Checkpoint, error)

	Close() error
}

// Open returns the store selected by driver.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "sqlite":
		return OpenSQLite(path)
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("%w: unknown checkpoint driver %q", core.ErrConfigInvalid, driver)
}

func validate(cp core.Checkpoint) error {
	if cp.SourceID == "" {
		return fmt.Errorf("checkpoint: empty source id")
	}
	if cp.Offset < 0 || cp.FileIndex < 0 {
		return fmt.Errorf("%w: %s has negative position", core.ErrCheckpointCorrupt, cp.SourceID)
	}
	return nil
}
