// backtest_sim replays a capture while a demo momentum strategy trades
// against the rebuilt books, then prints the run report.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"pulse-match/backtest"
	"pulse-match/config"
	"pulse-match/domain"
	"pulse-match/matching"
	"pulse-match/replay"
)

// momentumStrategy buys after two consecutive up prints and sells after two
// consecutive down prints, via market IOC orders.
type momentumStrategy struct {
	gw         backtest.Gateway
	lastPrices map[uint32][]int64
	fills      int
}

func (m *momentumStrategy) Initialize(ctx backtest.Context) {
	m.gw = ctx.Gateway
	m.lastPrices = make(map[uint32][]int64)
}

func (m *momentumStrategy) OnMarketEvent(ev backtest.StrategyMarketEvent) {
	if ev.Type != backtest.MarketExecute {
		return
	}
	v := append(m.lastPrices[ev.SymbolID], ev.PriceCents)
	if len(v) > 8 {
		v = v[len(v)-4:]
	}
	m.lastPrices[ev.SymbolID] = v
	if len(v) < 3 {
		return
	}
	p0, p1, p2 := v[len(v)-3], v[len(v)-2], v[len(v)-1]
	switch {
	case p0 < p1 && p1 < p2:
		m.gw.SubmitNewMarket(ev.SymbolID, domain.SideBuy, 100, domain.TIFIOC)
	case p0 > p1 && p1 > p2:
		m.gw.SubmitNewMarket(ev.SymbolID, domain.SideSell, 100, domain.TIFIOC)
	}
}

func (m *momentumStrategy) OnFill(domain.Trade) { m.fills++ }

func (m *momentumStrategy) OnEnd() {}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: backtest_sim <capture.pmf[.zst]> [--speed <x>] [--minute <offset>] [--synth-execs]")
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

	flags := flag.NewFlagSet("backtest_sim", flag.ContinueOnError)
	speed := flags.Float64("speed", 10.0, "replay speed multiplier; 0 = as fast as possible")
	minute := flags.Uint64("minute", 0, "run only the one-minute window at this offset")
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

	driverCfg := replay.DriverConfig{Speed: *speed, SynthesizeExecs: *synth}
	if *minute > 0 {
		base, ok := firstEventTs(path)
		if !ok {
			fmt.Fprintf(os.Stderr, "No base timestamp found in: %s\n", path)
			return 3
		}
		driverCfg.StartNs = base + *minute*60*1_000_000_000
		driverCfg.EndNs = driverCfg.StartNs + 60*1_000_000_000
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

	strat := &momentumStrategy{}
	bt := backtest.NewBacktester(engine, ingress, source, strat, driverCfg, logger)
	report := bt.Run()

	out, err := report.JSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("%s\n", out)
	fmt.Printf("Backtest completed. Processed=%d, Trades=%d\n",
		engine.ProcessedCount(), engine.TradesCount())
	return 0
}

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
