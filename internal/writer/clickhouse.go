package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"

	"Go2NetDPI/internal/config"
	"Go2NetDPI/internal/model"
)

// CreateTableStatement creates the table the ClickHouse writer inserts into.
const CreateTableStatement = `
CREATE TABLE IF NOT EXISTS flow_verdicts (
    Timestamp   DateTime,
    Context     UInt16,
    LowerIP     String,
    UpperIP     String,
    LowerPort   UInt16,
    UpperPort   UInt16,
    Transport   UInt8,
    Protocol    UInt16,
    ProtocolName String,
    Completed   Bool,
    FirstSeen   DateTime64(6),
    LastSeen    DateTime64(6),
    ByteCount   UInt64,
    PacketCount UInt64,
    Engine      LowCardinality(String)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (ProtocolName, Timestamp);
`

// ClickHouseWriter inserts snapshots into the flow_verdicts table.
type ClickHouseWriter struct {
	conn     driver.Conn
	interval time.Duration
	logger   zerolog.Logger
}

// NewClickHouseWriter connects to ClickHouse and makes sure the table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig, interval time.Duration, logger zerolog.Logger) (*ClickHouseWriter, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), CreateTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	logger.Info().Str("host", cfg.Host).Msg("Connected to ClickHouse and ensured table exists")

	return &ClickHouseWriter{conn: conn, interval: interval, logger: logger}, nil
}

// Connect opens and pings a ClickHouse connection.
func Connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *ClickHouseWriter) GetInterval() time.Duration {
	return w.interval
}

// Write inserts every verdict of the snapshot in one batch.
func (w *ClickHouseWriter) Write(snapshot model.SnapshotData, timestamp string) error {
	if len(snapshot.Verdicts) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO flow_verdicts")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	snapshotTime, err := time.Parse("2006-01-02_15-04-05", timestamp)
	if err != nil {
		snapshotTime = time.Now()
	}

	for _, v := range snapshot.Verdicts {
		if err := batch.Append(verdictRow(snapshotTime, v)...); err != nil {
			return fmt.Errorf("failed to append verdict to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	w.logger.Debug().Int("context", snapshot.Context).Int("flows", len(snapshot.Verdicts)).Msg("Wrote verdicts to ClickHouse")
	return nil
}

// Close closes the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// verdictRow returns the column values of one verdict in table order.
func verdictRow(ts time.Time, v model.Verdict) []any {
	return []any{
		ts,
		uint16(v.Context),
		v.FiveTuple.LowerIP.String(),
		v.FiveTuple.UpperIP.String(),
		v.FiveTuple.LowerPort,
		v.FiveTuple.UpperPort,
		v.FiveTuple.Protocol,
		uint16(v.Protocol),
		v.ProtocolName(),
		v.Completed,
		v.FirstSeen,
		v.LastSeen,
		v.ByteCount,
		v.PacketCount,
		v.Engine,
	}
}
