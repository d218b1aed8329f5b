package backtest

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulse-match/domain"
	"pulse-match/matching"
	"pulse-match/replay"
)

// Backtester replays a historical feed through the engine while a strategy
// watches: every event is applied to the books (rebuilding the venue's
// state), surfaced to the strategy, and trade rings are polled so fills
// reach OnFill between events. The strategy trades through the gateway into
// the same ingress stream, so its orders interleave with the replay exactly
// once each.
type Backtester struct {
	engine   *matching.MatchingEngine
	ingress  *matching.IngressCoordinator
	source   replay.FeedSource
	strategy Strategy
	cfg      replay.DriverConfig
	logger   *zap.Logger
}

// NewBacktester wires the run. SynthesizeExecs in cfg chooses whether feed
// Execute prints also hit the rebuilt book or only reach the strategy.
func NewBacktester(engine *matching.MatchingEngine, ingress *matching.IngressCoordinator,
	source replay.FeedSource, strategy Strategy, cfg replay.DriverConfig, logger *zap.Logger) *Backtester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backtester{
		engine:   engine,
		ingress:  ingress,
		source:   source,
		strategy: strategy,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run consumes the source to exhaustion and returns the run report. The
// engine and ingress must already be started; the caller owns their
// shutdown.
func (bt *Backtester) Run() *Report {
	runID := uuid.NewString()
	gw := NewGateway(bt.ingress)
	bt.strategy.Initialize(Context{RunID: runID, Speed: bt.cfg.Speed, Gateway: gw})

	report := newReport(runID)
	reg := replay.NewSymbolRegistry()
	readers := make([]func() (domain.Trade, bool), bt.engine.ShardCount())
	for s := range readers {
		r := bt.engine.TradeReaderForShard(s)
		readers[s] = func() (domain.Trade, bool) {
			var tr domain.Trade
			ok := r.TryDequeue(&tr)
			return tr, ok
		}
	}
	pollFills := func() {
		for _, next := range readers {
			for {
				tr, ok := next()
				if !ok {
					break
				}
				report.noteFill(&tr)
				bt.strategy.OnFill(tr)
			}
		}
	}

	var (
		ev       replay.FeedEvent
		pacer    tsPacer
		synthSeq uint64
	)
	started := time.Now()
	for bt.source.Next(&ev) {
		report.EventsRead++
		if bt.cfg.Symbol != "" && ev.Symbol != bt.cfg.Symbol {
			continue
		}
		if bt.cfg.StartNs != 0 && ev.TsEventNs < bt.cfg.StartNs {
			continue
		}
		if bt.cfg.EndNs != 0 && ev.TsEventNs > bt.cfg.EndNs {
			break
		}

		pacer.pace(ev.TsEventNs, bt.cfg.Speed)

		// Apply the event to the engine so the books track the venue.
		symbolID := reg.Resolve(ev.Symbol)
		if ord, ok := replay.OrderFromFeed(&ev, symbolID, bt.cfg.SynthesizeExecs, replaySynthIDBase+synthSeq); ok {
			if ord.ID >= replaySynthIDBase {
				synthSeq++
			}
			if bt.ingress.Submit(ord) {
				report.OrdersSubmitted++
			}
		}

		// Surface the event, then whatever fills it caused.
		if sme, ok := marketEventFromFeed(&ev, symbolID); ok {
			bt.strategy.OnMarketEvent(sme)
		}
		pollFills()
	}

	// Let in-flight orders finish, then drain the last fills. Strategy
	// orders count toward the barrier through the gateway's counter.
	deadline := time.Now().Add(drainTimeout)
	for bt.engine.ProcessedCount() < report.OrdersSubmitted+gw.Submitted() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	pollFills()

	bt.strategy.OnEnd()

	report.Symbols = reg.Len()
	report.StrategyOrders = gw.Submitted()
	report.WallClock = time.Since(started)
	report.OrdersProcessed = bt.engine.ProcessedCount()
	report.EngineTrades = bt.engine.TradesCount()
	bt.logger.Info("backtest finished",
		zap.String("run_id", runID),
		zap.Uint64("events", report.EventsRead),
		zap.Uint64("orders", report.OrdersSubmitted),
		zap.Uint64("fills", report.Fills),
		zap.Duration("wall_clock", report.WallClock))
	return report
}

// replaySynthIDBase mirrors the replay driver's synthetic id range.
const replaySynthIDBase uint64 = 1 << 62

const drainTimeout = 2 * time.Second

// tsPacer reproduces historical cadence scaled by speed, same discipline as
// the replay driver's pacer.
type tsPacer struct {
	initialized bool
	firstTs     uint64
	wallStart   time.Time
}

func (p *tsPacer) pace(tsNs uint64, speed float64) {
	if speed <= 0 {
		return
	}
	if !p.initialized {
		p.initialized = true
		p.firstTs = tsNs
		p.wallStart = time.Now()
		return
	}
	delta := time.Duration(float64(tsNs-p.firstTs) / speed)
	elapsed := time.Since(p.wallStart)
	if elapsed < delta {
		time.Sleep(delta - elapsed)
	}
}
