package matching

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"pulse-match/domain"
)

// waitForCondition polls until the condition holds or the timeout expires.
// More reliable than fixed sleeps: no false negatives on slow machines, no
// padded waits on fast ones.
func waitForCondition(condition func() bool, timeout, checkInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(checkInterval)
	}
	return false
}

func newTestEngine(t *testing.T, shards int) *MatchingEngine {
	t.Helper()
	engine, err := NewMatchingEngine(EngineConfig{
		Shards:       shards,
		RingCapacity: 1 << 10,
		PinFirstCPU:  -1,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMatchingEngine: %v", err)
	}
	return engine
}

func TestEngineConstructionErrors(t *testing.T) {
	if _, err := NewMatchingEngine(EngineConfig{Shards: 0, RingCapacity: 8}, nil); err == nil {
		t.Error("zero shards accepted")
	}
	if _, err := NewMatchingEngine(EngineConfig{Shards: 2, RingCapacity: 100}, nil); err == nil {
		t.Error("non-power-of-two ring capacity accepted")
	}
	if _, err := NewIngressCoordinator(nil, 1, 100, nil); err == nil {
		t.Error("non-power-of-two mailbox capacity accepted")
	}
}

func TestEngineLifecycle(t *testing.T) {
	engine := newTestEngine(t, 2)
	if engine.Running() {
		t.Fatal("running before Start")
	}
	engine.Start()
	engine.Start() // idempotent
	if !engine.Running() {
		t.Fatal("not running after Start")
	}
	engine.Shutdown()
	engine.Shutdown() // idempotent
	if engine.Running() {
		t.Fatal("running after Shutdown")
	}
}

func TestSubmitDroppedWhenStopped(t *testing.T) {
	engine := newTestEngine(t, 1)
	if engine.Submit(domain.Order{ID: 1, Op: domain.OpNew, Type: domain.OrderTypeLimit, PriceCents: 100, Qty: 1}) {
		t.Fatal("submit accepted on a stopped engine")
	}
	if engine.DroppedCount() != 1 {
		t.Fatalf("dropped = %d, want 1", engine.DroppedCount())
	}
}

func TestRoutingStability(t *testing.T) {
	engine := newTestEngine(t, 4)
	for sym := uint32(0); sym < 64; sym++ {
		if got := engine.ShardOf(sym); got != int(sym%4) {
			t.Fatalf("ShardOf(%d) = %d, want %d", sym, got, sym%4)
		}
	}
}

func TestEngineEndToEnd(t *testing.T) {
	engine := newTestEngine(t, 2)
	engine.Start()
	defer engine.Shutdown()

	// Symbols 0 and 1 land on different shards; each pair must cross.
	for sym := uint32(0); sym < 2; sym++ {
		base := uint64(sym) * 10
		engine.Submit(domain.Order{
			ID: base + 1, SymbolID: sym, Op: domain.OpNew, Side: domain.SideSell,
			Type: domain.OrderTypeLimit, TIF: domain.TIFDay, PriceCents: 10_000, Qty: 5,
		})
		engine.Submit(domain.Order{
			ID: base + 2, SymbolID: sym, Op: domain.OpNew, Side: domain.SideBuy,
			Type: domain.OrderTypeLimit, TIF: domain.TIFDay, PriceCents: 10_000, Qty: 5,
		})
	}

	if !waitForCondition(func() bool { return engine.ProcessedCount() == 4 }, 2*time.Second, time.Millisecond) {
		t.Fatalf("processed = %d, want 4", engine.ProcessedCount())
	}
	if engine.TradesCount() != 2 {
		t.Fatalf("trades = %d, want 2", engine.TradesCount())
	}
	for s := 0; s < 2; s++ {
		r := engine.TradeReaderForShard(s)
		var tr domain.Trade
		if !r.TryDequeue(&tr) {
			t.Fatalf("shard %d: no trade on outbox", s)
		}
		if int(tr.SymbolID%2) != s {
			t.Fatalf("shard %d: trade for symbol %d misrouted", s, tr.SymbolID)
		}
	}
	if engine.EnqueuedCount() != 4 {
		t.Fatalf("enqueued = %d, want 4", engine.EnqueuedCount())
	}
}

func TestInFlightProcessedBeforeShutdown(t *testing.T) {
	engine := newTestEngine(t, 1)
	engine.Start()
	const n = 500
	for i := 0; i < n; i++ {
		ord := domain.Order{
			ID: uint64(i + 1), Op: domain.OpNew, Side: domain.SideBuy,
			Type: domain.OrderTypeLimit, TIF: domain.TIFDay,
			PriceCents: 10_000 + int64(i%10), Qty: 1,
		}
		for !engine.Submit(ord) {
			time.Sleep(time.Microsecond)
		}
	}
	engine.Shutdown()
	if got := engine.ProcessedCount(); got != n {
		t.Fatalf("processed = %d, want %d: shutdown must drain the inbox", got, n)
	}
}

func TestSetTradingStatusGatesSymbol(t *testing.T) {
	engine := newTestEngine(t, 1)
	engine.Start()
	defer engine.Shutdown()

	engine.SetTradingStatus(0, domain.StatusHalted)
	engine.Submit(domain.Order{
		ID: 1, SymbolID: 0, Op: domain.OpNew, Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, TIF: domain.TIFDay, PriceCents: 100, Qty: 1,
	})
	if !waitForCondition(func() bool { return engine.ProcessedCount() == 1 }, 2*time.Second, time.Millisecond) {
		t.Fatal("halted order never processed")
	}

	r := engine.EventReaderForShard(0)
	var ev domain.Event
	if !waitForCondition(func() bool { return r.TryDequeue(&ev) }, 2*time.Second, time.Millisecond) {
		t.Fatal("no event emitted for halted submission")
	}
	if ev.Type != domain.EventReject || ev.OrderID != 1 {
		t.Fatalf("event = %+v, want Reject for id 1", ev)
	}

	// Reopen and verify an otherwise identical order now rests.
	engine.SetTradingStatus(0, domain.StatusOpen)
	engine.Submit(domain.Order{
		ID: 2, SymbolID: 0, Op: domain.OpNew, Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, TIF: domain.TIFDay, PriceCents: 100, Qty: 1,
	})
	if !waitForCondition(func() bool { return r.TryDequeue(&ev) }, 2*time.Second, time.Millisecond) {
		t.Fatal("no event after reopen")
	}
	if ev.Type != domain.EventAckNew || ev.OrderID != 2 {
		t.Fatalf("event = %+v, want AckNew for id 2", ev)
	}
}
