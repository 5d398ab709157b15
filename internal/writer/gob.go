package writer

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"Go2NetDPI/internal/model"
)

// SummaryData is the per-context metadata written next to the verdicts.
type SummaryData struct {
	Context      int                   `json:"context"`
	TotalFlows   int                   `json:"total_flows"`
	Completed    int                   `json:"completed"`
	TotalBytes   uint64                `json:"total_bytes"`
	TotalPackets uint64                `json:"total_packets"`
	Protocols    []model.ProtocolCount `json:"protocols"`
	Timestamp    string                `json:"timestamp"`
}

// GobWriter writes snapshots to disk as gob-encoded verdict lists.
type GobWriter struct {
	rootPath string
	interval time.Duration
}

// NewGobWriter creates a writer storing snapshots below rootPath.
func NewGobWriter(rootPath string, interval time.Duration) *GobWriter {
	return &GobWriter{rootPath: rootPath, interval: interval}
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *GobWriter) GetInterval() time.Duration {
	return w.interval
}

// Write stores the verdicts of one context under <root>/<timestamp>/context_<n>/.
// Empty snapshots are skipped.
func (w *GobWriter) Write(snapshot model.SnapshotData, timestamp string) error {
	if len(snapshot.Verdicts) == 0 {
		return nil
	}

	dir := filepath.Join(w.rootPath, timestamp, fmt.Sprintf("context_%d", snapshot.Context))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	dataPath := filepath.Join(dir, "verdicts.dat")
	file, err := os.Create(dataPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", dataPath, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(snapshot.Verdicts); err != nil {
		return fmt.Errorf("failed to encode verdicts to gob for file '%s': %w", dataPath, err)
	}

	summary := SummaryData{
		Context:    snapshot.Context,
		TotalFlows: len(snapshot.Verdicts),
		Protocols:  model.CountProtocols(snapshot.Verdicts),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for _, v := range snapshot.Verdicts {
		summary.TotalBytes += v.ByteCount
		summary.TotalPackets += v.PacketCount
		if v.Completed {
			summary.Completed++
		}
	}

	summaryPath := filepath.Join(dir, "summary.json")
	summaryFile, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()

	encoder := json.NewEncoder(summaryFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}

// ReadGobSnapshot loads the verdicts written by GobWriter.
func ReadGobSnapshot(path string) ([]model.Verdict, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	var verdicts []model.Verdict
	if err := gob.NewDecoder(file).Decode(&verdicts); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot file '%s': %w", path, err)
	}
	return verdicts, nil
}
