// replay_sim rebuilds order books from a historical capture by replaying it
// through the engine, optionally paced to the original cadence.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"pulse-match/config"
	"pulse-match/matching"
	"pulse-match/replay"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: replay_sim <capture.pmf[.zst]> [--speed <x>] [--symbol <sym>] [--start-min <n>] [--end-min <n>] [--synth-execs]")
}

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return 2
	}
	path := os.Args[1]

	flags := flag.NewFlagSet("replay_sim", flag.ContinueOnError)
	speed := flags.Float64("speed", 0, "replay speed multiplier; 0 = as fast as possible")
	symbol := flags.String("symbol", "", "restrict replay to one symbol")
	startMin := flags.Uint64("start-min", 0, "skip events before this many minutes past the first event")
	endMin := flags.Uint64("end-min", 0, "stop after this many minutes past the first event")
	synth := flags.Bool("synth-execs", false, "synthesize aggressing IOC market orders from feed executes")
	if err := flags.Parse(os.Args[2:]); err != nil {
		usage()
		return 2
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	driverCfg := replay.DriverConfig{
		Speed:           *speed,
		Symbol:          *symbol,
		SynthesizeExecs: *synth,
	}
	if *startMin > 0 || *endMin > 0 {
		base, ok := firstEventTs(path)
		if !ok {
			fmt.Fprintf(os.Stderr, "Failed to read a base timestamp from: %s\n", path)
			return 3
		}
		if *startMin > 0 {
			driverCfg.StartNs = base + *startMin*60*1_000_000_000
		}
		if *endMin > 0 {
			driverCfg.EndNs = base + *endMin*60*1_000_000_000
		}
	}

	cfg := config.Load()
	engine, err := matching.NewMatchingEngine(cfg.MatchingConfig(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	engine.Start()
	defer engine.Shutdown()

	ingress, err := matching.NewIngressCoordinator(engine, cfg.Ingress.Producers, cfg.Ingress.MailboxCapacity, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ingress.Start()
	defer ingress.Stop()

	source := replay.NewFileSource()
	if err := source.Open(path); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open capture: %v\n", err)
		return 3
	}
	defer source.Close()

	driver := replay.NewDriver(ingress, driverCfg, logger)
	stats := driver.Run(source)
	if err := source.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Replay completed for: %s\n", path)
	fmt.Printf("Events:    %d\n", stats.EventsRead)
	fmt.Printf("Filtered:  %d\n", stats.EventsFiltered)
	fmt.Printf("Orders:    %d\n", stats.OrdersSubmitted)
	fmt.Printf("Symbols:   %d\n", stats.Symbols)
	fmt.Printf("Processed: %d\n", engine.ProcessedCount())
	fmt.Printf("Trades:    %d\n", engine.TradesCount())
	return 0
}

// firstEventTs pre-scans the capture for the first event timestamp, the
// base the minute-window flags are relative to.
func firstEventTs(path string) (uint64, bool) {
	src := replay.NewFileSource()
	if err := src.Open(path); err != nil {
		return 0, false
	}
	defer src.Close()
	var ev replay.FeedEvent
	for src.Next(&ev) {
		if ev.TsEventNs != 0 {
			return ev.TsEventNs, true
		}
	}
	return 0, false
}
