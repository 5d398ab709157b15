package model

import "time"

// Writer defines a generic interface for writing classification snapshots to a persistent store.
type Writer interface {
	// Write persists the snapshot of one classification context.
	Write(snapshot SnapshotData, timestamp string) error

	// GetInterval returns the configured snapshot interval for this writer.
	GetInterval() time.Duration
}
