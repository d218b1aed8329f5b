package replay

import (
	"time"

	"go.uber.org/zap"

	"pulse-match/matching"
)

// synthIDBase puts synthesized aggressor ids far above venue order ids so
// they can never collide with a replayed id.
const synthIDBase uint64 = 1 << 62

// DriverConfig tunes one replay run.
type DriverConfig struct {
	// Speed scales historical cadence: 1.0 replays in real time, 10.0 ten
	// times faster, <= 0 replays as fast as the engine accepts.
	Speed float64
	// Symbol restricts the replay to one feed symbol when non-empty.
	Symbol string
	// StartNs/EndNs clip the run to a ts_event window when non-zero.
	StartNs uint64
	EndNs   uint64
	// SynthesizeExecs turns aggressing feed Execute actions into IOC market
	// orders so the prints hit the rebuilt book. Off, executes are ignored.
	SynthesizeExecs bool
}

// DriverStats summarizes one replay run.
type DriverStats struct {
	EventsRead      uint64
	EventsFiltered  uint64
	OrdersSubmitted uint64
	Symbols         int
}

// Driver replays a historical feed into the engine through the ingress
// coordinator, pacing by ts_event like the venue produced it.
type Driver struct {
	ingress *matching.IngressCoordinator
	reg     *SymbolRegistry
	cfg     DriverConfig
	logger  *zap.Logger

	synthSeq uint64
}

// NewDriver wires a driver in front of the ingress coordinator.
func NewDriver(ingress *matching.IngressCoordinator, cfg DriverConfig, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		ingress: ingress,
		reg:     NewSymbolRegistry(),
		cfg:     cfg,
		logger:  logger,
	}
}

// Registry exposes the symbol ids assigned during the run.
func (d *Driver) Registry() *SymbolRegistry {
	return d.reg
}

// Run consumes the source to exhaustion, mapping each event onto an Order
// and submitting it from this (single) decoder thread. Returns run stats;
// the source is left open for the caller to close.
func (d *Driver) Run(source FeedSource) DriverStats {
	var (
		stats DriverStats
		ev    FeedEvent
		pacer tsPacer
	)
	for source.Next(&ev) {
		stats.EventsRead++
		if d.cfg.Symbol != "" && ev.Symbol != d.cfg.Symbol {
			stats.EventsFiltered++
			continue
		}
		if d.cfg.StartNs != 0 && ev.TsEventNs < d.cfg.StartNs {
			stats.EventsFiltered++
			continue
		}
		if d.cfg.EndNs != 0 && ev.TsEventNs > d.cfg.EndNs {
			break
		}

		pacer.pace(ev.TsEventNs, d.cfg.Speed)

		symbolID := d.reg.Resolve(ev.Symbol)
		ord, ok := OrderFromFeed(&ev, symbolID, d.cfg.SynthesizeExecs, synthIDBase+d.synthSeq)
		if !ok {
			continue
		}
		if ord.ID >= synthIDBase {
			d.synthSeq++
		}
		if d.ingress.Submit(ord) {
			stats.OrdersSubmitted++
		}
	}
	stats.Symbols = d.reg.Len()
	d.logger.Info("replay finished",
		zap.Uint64("events", stats.EventsRead),
		zap.Uint64("filtered", stats.EventsFiltered),
		zap.Uint64("orders", stats.OrdersSubmitted),
		zap.Int("symbols", stats.Symbols))
	return stats
}

// tsPacer reproduces the historical cadence: each event is delayed until
// wall time has covered (ts - firstTs) / speed since the run began.
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
