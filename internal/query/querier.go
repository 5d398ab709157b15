// Package query reads persisted verdicts back from ClickHouse.
package query

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"Go2NetDPI/internal/config"
	"Go2NetDPI/internal/model"
	"Go2NetDPI/internal/writer"
)

// DefaultLimit caps the number of flows returned when no limit is given.
const DefaultLimit = 1000

// Filter narrows a flow query.
type Filter struct {
	Protocol string
	Until    time.Time
	Limit    int
}

// ClickHouseQuerier answers verdict queries from the flow_verdicts table.
type ClickHouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (*ClickHouseQuerier, error) {
	conn, err := writer.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &ClickHouseQuerier{conn: conn}, nil
}

// Close closes the connection.
func (q *ClickHouseQuerier) Close() error {
	return q.conn.Close()
}

// latestFlows selects the most recent snapshot row of every flow.
const latestFlows = `
	SELECT
		Context,
		LowerIP, UpperIP, LowerPort, UpperPort, Transport,
		argMax(Protocol, Timestamp) AS LatestProtocol,
		argMax(Completed, Timestamp) AS LatestCompleted,
		min(FirstSeen) AS First,
		max(LastSeen) AS Last,
		argMax(PacketCount, Timestamp) AS LatestPackets,
		argMax(ByteCount, Timestamp) AS LatestBytes,
		argMax(Engine, Timestamp) AS LatestEngine
	FROM flow_verdicts
`

// buildFlowsQuery returns the SQL and arguments for FlowsMatching.
func buildFlowsQuery(f Filter) (string, []any) {
	var qb strings.Builder
	qb.WriteString(latestFlows)

	var where []string
	var args []any
	if !f.Until.IsZero() {
		where = append(where, "Timestamp <= ?")
		args = append(args, f.Until)
	}
	if len(where) > 0 {
		qb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	qb.WriteString(" GROUP BY Context, LowerIP, UpperIP, LowerPort, UpperPort, Transport")

	if f.Protocol != "" {
		if id, ok := model.ParseProtocol(f.Protocol); ok {
			qb.WriteString(" HAVING LatestProtocol = ?")
			args = append(args, uint16(id))
		}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	qb.WriteString(" ORDER BY Last DESC LIMIT ?")
	args = append(args, limit)
	return qb.String(), args
}

// FlowsMatching returns the latest known verdict of every flow matching f.
func (q *ClickHouseQuerier) FlowsMatching(ctx context.Context, f Filter) ([]model.Verdict, error) {
	sql, args := buildFlowsQuery(f)
	rows, err := q.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var verdicts []model.Verdict
	for rows.Next() {
		var (
			v            model.Verdict
			contextID    uint16
			lower, upper string
			protocol     uint16
		)
		if err := rows.Scan(&contextID, &lower, &upper, &v.FiveTuple.LowerPort, &v.FiveTuple.UpperPort,
			&v.FiveTuple.Protocol, &protocol, &v.Completed, &v.FirstSeen, &v.LastSeen,
			&v.PacketCount, &v.ByteCount, &v.Engine); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		v.Context = int(contextID)
		v.FiveTuple.LowerIP = net.ParseIP(lower)
		v.FiveTuple.UpperIP = net.ParseIP(upper)
		v.Protocol = model.ProtocolID(protocol)
		verdicts = append(verdicts, v)
	}
	return verdicts, rows.Err()
}

// Flows returns the latest verdict of the most recently active flows.
func (q *ClickHouseQuerier) Flows(ctx context.Context) ([]model.Verdict, error) {
	return q.FlowsMatching(ctx, Filter{})
}

// ProtocolCounts returns flow, packet and byte totals per detected protocol,
// counting every flow once with its latest state.
func (q *ClickHouseQuerier) ProtocolCounts(ctx context.Context) ([]model.ProtocolCount, error) {
	const sql = `
		SELECT
			ProtocolName,
			COUNT(*) AS Flows,
			SUM(LatestPackets) AS TotalPackets,
			SUM(LatestBytes) AS TotalBytes
		FROM (
			SELECT
				argMax(ProtocolName, Timestamp) AS ProtocolName,
				argMax(PacketCount, Timestamp) AS LatestPackets,
				argMax(ByteCount, Timestamp) AS LatestBytes
			FROM flow_verdicts
			GROUP BY Context, LowerIP, UpperIP, LowerPort, UpperPort, Transport
		)
		GROUP BY ProtocolName
		ORDER BY Flows DESC
	`
	rows, err := q.conn.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var counts []model.ProtocolCount
	for rows.Next() {
		var pc model.ProtocolCount
		if err := rows.Scan(&pc.Protocol, &pc.Flows, &pc.PacketCount, &pc.ByteCount); err != nil {
			return nil, fmt.Errorf("failed to scan aggregation result: %w", err)
		}
		counts = append(counts, pc)
	}
	return counts, rows.Err()
}
