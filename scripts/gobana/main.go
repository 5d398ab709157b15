package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"

	"Go2NetDPI/internal/logging"
	"Go2NetDPI/internal/model"
	"Go2NetDPI/internal/writer"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./scripts/gobana <verdicts.dat>")
		os.Exit(1)
	}
	logging.Setup(logging.Options{App: "gobana", Level: "info"})

	verdicts, err := writer.ReadGobSnapshot(os.Args[1])
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to read snapshot")
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOWER\tUPPER\tL4\tPROTOCOL\tDONE\tPACKETS\tBYTES\tFIRST SEEN")
	for _, v := range verdicts {
		ft := v.FiveTuple
		fmt.Fprintf(tw, "%s:%d\t%s:%d\t%d\t%s\t%t\t%d\t%d\t%s\n",
			ft.LowerIP, ft.LowerPort, ft.UpperIP, ft.UpperPort, ft.Protocol,
			v.ProtocolName(), v.Completed, v.PacketCount, v.ByteCount, v.FirstSeen.Format("15:04:05.000"))
	}
	tw.Flush()

	fmt.Printf("\n%d flows\n", len(verdicts))
	for _, c := range model.CountProtocols(verdicts) {
		fmt.Printf("  %-12s %d\n", c.Protocol, c.Flows)
	}
}
