// Package writer persists classification snapshots.
package writer

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"Go2NetDPI/internal/config"
	"Go2NetDPI/internal/model"
)

// FromConfig creates every enabled writer.
func FromConfig(defs []config.WriterDef, logger zerolog.Logger) ([]model.Writer, error) {
	var writers []model.Writer
	for i, def := range defs {
		if !def.Enabled {
			continue
		}
		interval, err := time.ParseDuration(def.SnapshotInterval)
		if err != nil {
			return nil, fmt.Errorf("writers[%d]: invalid snapshot interval: %w", i, err)
		}

		switch def.Type {
		case "gob":
			writers = append(writers, NewGobWriter(def.Gob.RootPath, interval))
		case "clickhouse":
			w, err := NewClickHouseWriter(def.ClickHouse, interval, logger)
			if err != nil {
				return nil, fmt.Errorf("writers[%d]: %w", i, err)
			}
			writers = append(writers, w)
		default:
			return nil, fmt.Errorf("writers[%d]: unknown writer type '%s'", i, def.Type)
		}
		logger.Info().Str("type", def.Type).Dur("interval", interval).Msg("Writer enabled")
	}
	return writers, nil
}
