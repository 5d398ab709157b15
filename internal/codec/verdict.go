// Package codec converts verdicts to and from protobuf well-known types,
// the representation used on the NATS subject and by the HTTP API.
package codec

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"Go2NetDPI/internal/model"
)

// ErrMissingField is returned when a decoded struct lacks a required field.
var ErrMissingField = errors.New("missing field")

// VerdictToStruct encodes a verdict as a protobuf Struct.
func VerdictToStruct(v model.Verdict) (*structpb.Struct, error) {
	first, err := formatTime(v.FirstSeen)
	if err != nil {
		return nil, err
	}
	last, err := formatTime(v.LastSeen)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"context":     int64(v.Context),
		"lower_ip":    v.FiveTuple.LowerIP.String(),
		"upper_ip":    v.FiveTuple.UpperIP.String(),
		"lower_port":  uint64(v.FiveTuple.LowerPort),
		"upper_port":  uint64(v.FiveTuple.UpperPort),
		"transport":   uint64(v.FiveTuple.Protocol),
		"protocol":    v.ProtocolName(),
		"protocol_id": uint64(v.Protocol),
		"completed":   v.Completed,
		"first_seen":  first,
		"last_seen":   last,
		"packets":     v.PacketCount,
		"bytes":       v.ByteCount,
		"engine":      v.Engine,
	})
}

// VerdictFromStruct decodes a Struct produced by VerdictToStruct.
func VerdictFromStruct(s *structpb.Struct) (model.Verdict, error) {
	var v model.Verdict
	fields := s.GetFields()
	for _, name := range []string{"lower_ip", "upper_ip", "protocol_id", "first_seen"} {
		if _, ok := fields[name]; !ok {
			return v, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}

	num := func(name string) uint64 { return uint64(fields[name].GetNumberValue()) }

	v.Context = int(num("context"))
	v.FiveTuple.LowerIP = net.ParseIP(fields["lower_ip"].GetStringValue())
	v.FiveTuple.UpperIP = net.ParseIP(fields["upper_ip"].GetStringValue())
	v.FiveTuple.LowerPort = uint16(num("lower_port"))
	v.FiveTuple.UpperPort = uint16(num("upper_port"))
	v.FiveTuple.Protocol = uint8(num("transport"))
	v.Protocol = model.ProtocolID(num("protocol_id"))
	v.Completed = fields["completed"].GetBoolValue()
	v.PacketCount = num("packets")
	v.ByteCount = num("bytes")
	v.Engine = fields["engine"].GetStringValue()

	var err error
	if v.FirstSeen, err = parseTime(fields["first_seen"].GetStringValue()); err != nil {
		return v, fmt.Errorf("first_seen: %w", err)
	}
	if last, ok := fields["last_seen"]; ok {
		if v.LastSeen, err = parseTime(last.GetStringValue()); err != nil {
			return v, fmt.Errorf("last_seen: %w", err)
		}
	}
	return v, nil
}

// MarshalVerdicts encodes verdicts as a JSON array.
func MarshalVerdicts(verdicts []model.Verdict) ([]byte, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(verdicts))}
	for _, v := range verdicts {
		s, err := VerdictToStruct(v)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, structpb.NewStructValue(s))
	}
	return protojson.Marshal(list)
}

// formatTime renders t with the protobuf Timestamp JSON mapping.
func formatTime(t time.Time) (string, error) {
	ts := timestamppb.New(t)
	if err := ts.CheckValid(); err != nil {
		return "", fmt.Errorf("invalid timestamp: %w", err)
	}
	raw, err := protojson.Marshal(ts)
	if err != nil {
		return "", err
	}
	return strconv.Unquote(string(raw))
}

func parseTime(s string) (time.Time, error) {
	var ts timestamppb.Timestamp
	if err := protojson.Unmarshal([]byte(strconv.Quote(s)), &ts); err != nil {
		return time.Time{}, err
	}
	return ts.AsTime(), nil
}
