package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"Go2NetDPI/internal/config"
	"Go2NetDPI/internal/logging"
	"Go2NetDPI/internal/query"
)

func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' to query via HTTP API, 'direct' to query ClickHouse directly.")
	apiURL := flag.String("url", "http://localhost:8080", "Base URL of the API server.")
	configPath := flag.String("config", "configs/config.yaml", "Configuration holding the ClickHouse writer (direct mode).")
	protocol := flag.String("protocol", "", "Only return flows of this protocol (optional).")
	limit := flag.Int("limit", 20, "Maximum number of flows to return.")
	endTimeStr := flag.String("end", "", "End time in RFC3339 format (direct mode, optional).")
	flag.Parse()

	logging.Setup(logging.Options{App: "query", Level: "info"})
	log.Info().Str("mode", *mode).Msg("Running query")

	switch *mode {
	case "api":
		queryViaAPI(*apiURL, *protocol, *limit)
	case "direct":
		directQueryClickHouse(*configPath, *protocol, *limit, *endTimeStr)
	default:
		log.Fatal().Str("mode", *mode).Msg("Invalid mode. Use 'api' or 'direct'.")
	}
}

func queryViaAPI(base, protocol string, limit int) {
	params := url.Values{}
	if protocol != "" {
		params.Set("protocol", protocol)
	}
	params.Set("limit", strconv.Itoa(limit))

	for _, target := range []string{base + "/api/v1/protocols", base + "/api/v1/flows?" + params.Encode()} {
		body, err := get(target)
		if err != nil {
			log.Fatal().Err(err).Str("url", target).Msg("Request failed")
		}

		var prettyJSON bytes.Buffer
		if err := json.Indent(&prettyJSON, body, "", "  "); err != nil {
			log.Warn().Msg("Could not prettify JSON, printing raw response")
			fmt.Println(string(body))
			continue
		}
		fmt.Printf("--- %s\n%s\n", target, prettyJSON.String())
	}
}

func get(target string) ([]byte, error) {
	resp, err := http.Get(target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

func directQueryClickHouse(configPath, protocol string, limit int, endTimeStr string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	filter := query.Filter{Protocol: protocol, Limit: limit}
	if endTimeStr != "" {
		if filter.Until, err = time.Parse(time.RFC3339, endTimeStr); err != nil {
			log.Fatal().Err(err).Msg("Invalid end time format")
		}
	}

	var querier *query.ClickHouseQuerier
	for _, def := range cfg.Writers {
		if def.Type == "clickhouse" {
			if querier, err = query.NewClickHouseQuerier(def.ClickHouse); err != nil {
				log.Fatal().Err(err).Msg("Error connecting to ClickHouse")
			}
			break
		}
	}
	if querier == nil {
		log.Fatal().Msg("No ClickHouse writer found in config")
	}
	defer querier.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	counts, err := querier.ProtocolCounts(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Error executing aggregation")
	}
	fmt.Println("--- Protocol totals (Direct) ---")
	for _, c := range counts {
		fmt.Printf("%-12s flows=%d packets=%d bytes=%d\n", c.Protocol, c.Flows, c.PacketCount, c.ByteCount)
	}

	flows, err := querier.FlowsMatching(ctx, filter)
	if err != nil {
		log.Fatal().Err(err).Msg("Error executing flow query")
	}
	fmt.Println("--- Latest flows (Direct) ---")
	if len(flows) == 0 {
		log.Info().Msg("No data found for the specified criteria.")
	}
	for _, v := range flows {
		ft := v.FiveTuple
		fmt.Printf("%s:%d <-> %s:%d/%d %s packets=%d bytes=%d last=%s\n",
			ft.LowerIP, ft.LowerPort, ft.UpperIP, ft.UpperPort, ft.Protocol,
			v.ProtocolName(), v.PacketCount, v.ByteCount, v.LastSeen.Format(time.RFC3339))
	}
}
