// Package matching contains the sharded engine core: the per-shard matching
// worker, the lifecycle-owning MatchingEngine and the staged ingress that
// fans a single decoder stream out to the shard inboxes.
package matching

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"pulse-match/domain"
	"pulse-match/ring"
)

// EngineConfig sizes the engine. Ring capacity applies to every shard inbox
// and outbox and must be a power of two.
type EngineConfig struct {
	Shards            int
	RingCapacity      int
	MarketMaxLevels   int
	MarketMaxQty      int32
	MarketMaxNotional int64
	// PinFirstCPU pins shard i's worker to core PinFirstCPU+i when >= 0.
	// Best-effort: silently a no-op on platforms without affinity support.
	PinFirstCPU int
}

// Defaults for the market-order safety caps; overridable per deployment
// through config.Load.
const (
	DefaultMarketMaxLevels   = 32
	DefaultMarketMaxQty      = 1_000_000
	DefaultMarketMaxNotional = 10_000_000_000 // $100M in cents
)

// MatchingEngine owns the shards and their workers. It exposes the direct
// submission path used by tests and single-threaded drivers; concurrent
// feeds go through IngressCoordinator, which preserves the one-writer
// contract on every shard inbox.
type MatchingEngine struct {
	cfg    EngineConfig
	shards []*Shard

	running atomic.Bool

	enqueued  atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	executed  atomic.Uint64

	// controlMu serializes status-change writers so each shard's control
	// ring keeps a single producer. Cold path only.
	controlMu sync.Mutex

	logger *zap.Logger
}

// NewMatchingEngine constructs the engine and its shards. Construction fails
// fast on a non-positive shard count or a non-power-of-two ring capacity.
func NewMatchingEngine(cfg EngineConfig, logger *zap.Logger) (*MatchingEngine, error) {
	if cfg.Shards <= 0 {
		return nil, fmt.Errorf("matching: shard count must be positive, got %d", cfg.Shards)
	}
	if cfg.RingCapacity <= 0 || cfg.RingCapacity&(cfg.RingCapacity-1) != 0 {
		return nil, fmt.Errorf("matching: ring capacity must be a power of 2, got %d", cfg.RingCapacity)
	}
	if cfg.MarketMaxLevels <= 0 {
		cfg.MarketMaxLevels = DefaultMarketMaxLevels
	}
	if cfg.MarketMaxQty <= 0 {
		cfg.MarketMaxQty = DefaultMarketMaxQty
	}
	if cfg.MarketMaxNotional <= 0 {
		cfg.MarketMaxNotional = DefaultMarketMaxNotional
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &MatchingEngine{cfg: cfg, logger: logger}
	e.shards = make([]*Shard, cfg.Shards)
	for i := range e.shards {
		shardCfg := ShardConfig{
			RingCapacity:      cfg.RingCapacity,
			MarketMaxLevels:   cfg.MarketMaxLevels,
			MarketMaxQty:      cfg.MarketMaxQty,
			MarketMaxNotional: cfg.MarketMaxNotional,
			PinCPU:            -1,
		}
		if cfg.PinFirstCPU >= 0 {
			shardCfg.PinCPU = cfg.PinFirstCPU + i
		}
		e.shards[i] = newShard(i, shardCfg, &e.processed, &e.executed, logger)
	}
	return e, nil
}

// Start flips the running flag, launches every shard worker and spins until
// all of them report running. Idempotent.
func (e *MatchingEngine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.enqueued.Store(0)
	e.dropped.Store(0)
	e.processed.Store(0)
	e.executed.Store(0)

	for _, s := range e.shards {
		s.start()
	}
	var sp ring.Spinner
	for _, s := range e.shards {
		for !s.IsRunning() {
			sp.Pause()
		}
	}
	e.logger.Info("engine started",
		zap.Int("shards", e.cfg.Shards),
		zap.Int("ring_capacity", e.cfg.RingCapacity))
}

// Shutdown flips the running flag and joins every worker. Orders already
// sitting in shard inboxes are processed before the workers exit; orders
// submitted after the flip are counted as dropped.
func (e *MatchingEngine) Shutdown() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	for _, s := range e.shards {
		s.stop()
	}
	e.logger.Info("engine stopped",
		zap.Uint64("enqueued", e.EnqueuedCount()),
		zap.Uint64("dropped", e.DroppedCount()),
		zap.Uint64("processed", e.ProcessedCount()),
		zap.Uint64("trades", e.TradesCount()))
}

// Running reports whether the engine is between Start and Shutdown.
func (e *MatchingEngine) Running() bool {
	return e.running.Load()
}

// ShardOf maps a symbol to its owning shard. The mapping is deterministic
// and stable for the life of the engine.
func (e *MatchingEngine) ShardOf(symbolID uint32) int {
	return int(symbolID % uint32(len(e.shards)))
}

// Submit routes the order to its shard's inbox writer. Intended for tests
// and single-threaded drivers; the caller is responsible for being the only
// concurrent writer to the shards it touches.
func (e *MatchingEngine) Submit(ord domain.Order) bool {
	if !e.running.Load() {
		e.dropped.Add(1)
		return false
	}
	if e.shards[e.ShardOf(ord.SymbolID)].Writer().TryEnqueue(ord) {
		e.enqueued.Add(1)
		return true
	}
	e.dropped.Add(1)
	return false
}

// EnqueueToShard is the ingress producers' enqueue path: false on a full
// inbox or a stopped engine so the caller can spin or bail. The enqueued
// counter advances on success; callers that give up report the drop through
// NoteDropped.
func (e *MatchingEngine) EnqueueToShard(shard int, ord domain.Order) bool {
	if !e.running.Load() {
		return false
	}
	if e.shards[shard].Writer().TryEnqueue(ord) {
		e.enqueued.Add(1)
		return true
	}
	return false
}

// NoteDropped records an order abandoned by an ingress producer, e.g. in
// the shutdown window.
func (e *MatchingEngine) NoteDropped() {
	e.dropped.Add(1)
}

// SetTradingStatus updates the session state of one symbol on its owning
// shard. The change travels over the shard's control ring so the status map
// stays worker-owned; callers are serialized to preserve the ring's single
// producer. Safe while the engine runs, cold path only.
func (e *MatchingEngine) SetTradingStatus(symbolID uint32, status domain.TradingStatus) {
	s := e.shards[e.ShardOf(symbolID)]
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	var sp ring.Spinner
	for !s.control.TryEnqueue(statusChange{symbolID: symbolID, status: status}) {
		sp.Pause()
	}
}

// WriterForShard hands out the shard's inbox producer handle. One thread per
// shard writer: the caller owns the SPSC contract.
func (e *MatchingEngine) WriterForShard(shard int) ring.Writer[domain.Order] {
	return e.shards[shard].Writer()
}

// TradeReaderForShard hands out the shard's trade outbox consumer handle.
func (e *MatchingEngine) TradeReaderForShard(shard int) ring.Reader[domain.Trade] {
	return e.shards[shard].TradeReader()
}

// EventReaderForShard hands out the shard's event outbox consumer handle.
func (e *MatchingEngine) EventReaderForShard(shard int) ring.Reader[domain.Event] {
	return e.shards[shard].EventReader()
}

// ShardCount returns the number of shards.
func (e *MatchingEngine) ShardCount() int {
	return len(e.shards)
}

// EnqueuedCount returns orders accepted into shard inboxes since Start.
func (e *MatchingEngine) EnqueuedCount() uint64 {
	return e.enqueued.Load()
}

// DroppedCount returns orders refused or abandoned since Start.
func (e *MatchingEngine) DroppedCount() uint64 {
	return e.dropped.Load()
}

// ProcessedCount returns orders applied by shard workers since Start.
func (e *MatchingEngine) ProcessedCount() uint64 {
	return e.processed.Load()
}

// TradesCount returns matches executed since Start.
func (e *MatchingEngine) TradesCount() uint64 {
	return e.executed.Load()
}

// TradeDropCount sums trade records lost to outbox overflow across shards.
func (e *MatchingEngine) TradeDropCount() uint64 {
	var total uint64
	for _, s := range e.shards {
		total += s.TradeDropCount()
	}
	return total
}

// EventDropCount sums event records lost to outbox overflow across shards.
func (e *MatchingEngine) EventDropCount() uint64 {
	var total uint64
	for _, s := range e.shards {
		total += s.EventDropCount()
	}
	return total
}
