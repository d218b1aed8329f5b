package matching

import (
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"pulse-match/domain"
)

// newTestShard builds an unstarted shard; tests drive apply directly so
// every assertion runs synchronously on one goroutine.
func newTestShard() *Shard {
	var processed, executed atomic.Uint64
	return newShard(0, ShardConfig{
		RingCapacity:      1 << 10,
		MarketMaxLevels:   DefaultMarketMaxLevels,
		MarketMaxQty:      DefaultMarketMaxQty,
		MarketMaxNotional: DefaultMarketMaxNotional,
		PinCPU:            -1,
	}, &processed, &executed, zap.NewNop())
}

func (s *Shard) applyAll(orders ...domain.Order) {
	for i := range orders {
		s.apply(&orders[i])
	}
}

func drainTrades(s *Shard) []domain.Trade {
	r := s.TradeReader()
	var (
		out []domain.Trade
		tr  domain.Trade
	)
	for r.TryDequeue(&tr) {
		out = append(out, tr)
	}
	return out
}

func drainEvents(s *Shard) []domain.Event {
	r := s.EventReader()
	var (
		out []domain.Event
		ev  domain.Event
	)
	for r.TryDequeue(&ev) {
		out = append(out, ev)
	}
	return out
}

func eventsOfType(events []domain.Event, typ domain.EventType) []domain.Event {
	var out []domain.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func limitOrder(id uint64, side domain.Side, price int64, qty int32) domain.Order {
	return domain.Order{
		ID:         id,
		SymbolID:   0,
		Op:         domain.OpNew,
		Side:       side,
		Type:       domain.OrderTypeLimit,
		TIF:        domain.TIFDay,
		PriceCents: price,
		Qty:        qty,
	}
}

func TestSimpleCross(t *testing.T) {
	s := newTestShard()
	s.applyAll(
		limitOrder(1, domain.SideSell, 10_100, 5),
		limitOrder(2, domain.SideBuy, 10_100, 3),
	)

	trades := drainTrades(s)
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.PriceCents != 10_100 || tr.Qty != 3 || tr.BuyOrderID != 2 || tr.SellOrderID != 1 {
		t.Fatalf("trade = %+v", tr)
	}
	book := s.books[0]
	rest, ok := book.RestingByID(1)
	if !ok || rest.Qty != 2 {
		t.Fatalf("resting ask = %+v ok=%v, want id 1 qty 2", rest, ok)
	}
	if book.Contains(2) {
		t.Fatal("fully filled aggressor must not rest")
	}
}

func TestWalkTheBook(t *testing.T) {
	s := newTestShard()
	s.applyAll(
		limitOrder(1, domain.SideSell, 100, 2),
		limitOrder(2, domain.SideSell, 101, 4),
		limitOrder(3, domain.SideBuy, 101, 5),
	)

	trades := drainTrades(s)
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	if trades[0].PriceCents != 100 || trades[0].Qty != 2 || trades[0].BuyOrderID != 3 || trades[0].SellOrderID != 1 {
		t.Fatalf("first trade = %+v", trades[0])
	}
	if trades[1].PriceCents != 101 || trades[1].Qty != 3 || trades[1].BuyOrderID != 3 || trades[1].SellOrderID != 2 {
		t.Fatalf("second trade = %+v", trades[1])
	}
	book := s.books[0]
	rest, ok := book.RestingByID(2)
	if !ok || rest.Qty != 1 {
		t.Fatalf("resting ask = %+v ok=%v, want id 2 qty 1", rest, ok)
	}
	if book.Contains(3) {
		t.Fatal("aggressor fully filled, must not rest")
	}
	// No crossed book after the cycle.
	if bb, ok := book.BestBid(); ok {
		if ba, okA := book.BestAsk(); okA && bb >= ba {
			t.Fatalf("book crossed: %d >= %d", bb, ba)
		}
	}
}

func TestIOCDiscardsResidual(t *testing.T) {
	s := newTestShard()
	ioc := limitOrder(2, domain.SideBuy, 205, 5)
	ioc.TIF = domain.TIFIOC
	s.applyAll(limitOrder(1, domain.SideSell, 200, 1), ioc)

	trades := drainTrades(s)
	if len(trades) != 1 || trades[0].PriceCents != 200 || trades[0].Qty != 1 {
		t.Fatalf("trades = %+v, want one fill of 1@200", trades)
	}
	if s.books[0].Contains(2) {
		t.Fatal("IOC residual must not rest")
	}
	// Exec event carries the aggressor residual before the discard.
	execs := eventsOfType(drainEvents(s), domain.EventExec)
	if len(execs) != 1 || execs[0].Remaining != 4 || execs[0].Liquidity != domain.LiquidityTaker {
		t.Fatalf("execs = %+v", execs)
	}
}

func TestFOKRejectsWhenNotFullyMarketable(t *testing.T) {
	s := newTestShard()
	fok := limitOrder(2, domain.SideBuy, 50, 5)
	fok.TIF = domain.TIFFOK
	s.applyAll(limitOrder(1, domain.SideSell, 50, 2), fok)

	if trades := drainTrades(s); len(trades) != 0 {
		t.Fatalf("FOK reject produced trades: %+v", trades)
	}
	events := drainEvents(s)
	rejects := eventsOfType(events, domain.EventReject)
	if len(rejects) != 1 || rejects[0].OrderID != 2 {
		t.Fatalf("rejects = %+v, want exactly one for id 2", rejects)
	}
	if execs := eventsOfType(events, domain.EventExec); len(execs) != 0 {
		t.Fatalf("FOK reject produced execs: %+v", execs)
	}
	// The resting ask is untouched.
	if rest, ok := s.books[0].RestingByID(1); !ok || rest.Qty != 2 {
		t.Fatalf("resting ask disturbed: %+v ok=%v", rest, ok)
	}
}

func TestFOKFullFill(t *testing.T) {
	s := newTestShard()
	fok := limitOrder(3, domain.SideBuy, 51, 5)
	fok.TIF = domain.TIFFOK
	s.applyAll(
		limitOrder(1, domain.SideSell, 50, 2),
		limitOrder(2, domain.SideSell, 51, 3),
		fok,
	)

	trades := drainTrades(s)
	var matched int32
	for _, tr := range trades {
		matched += tr.Qty
	}
	if matched != 5 {
		t.Fatalf("matched = %d, want full fill of 5", matched)
	}
	if rejects := eventsOfType(drainEvents(s), domain.EventReject); len(rejects) != 0 {
		t.Fatalf("full-fill FOK rejected: %+v", rejects)
	}
	if s.books[0].Contains(3) {
		t.Fatal("FOK aggressor must not rest")
	}
}

func TestCancelByIDScenario(t *testing.T) {
	s := newTestShard()
	s.applyAll(limitOrder(1, domain.SideBuy, 99, 10))
	cancel := domain.Order{ID: 2, SymbolID: 0, Op: domain.OpCancel, TargetID: 1}
	s.apply(&cancel)

	if _, ok := s.books[0].BestBid(); ok {
		t.Fatal("best bid survives cancel")
	}
	events := drainEvents(s)
	acks := eventsOfType(events, domain.EventAckCancel)
	if len(acks) != 1 || acks[0].RelatedID != 1 {
		t.Fatalf("cancel acks = %+v", acks)
	}

	// Cancelling again is a silent no-op.
	again := domain.Order{ID: 3, SymbolID: 0, Op: domain.OpCancel, TargetID: 1}
	s.apply(&again)
	if extra := drainEvents(s); len(extra) != 0 {
		t.Fatalf("unknown-target cancel emitted events: %+v", extra)
	}
}

func TestReplacePriceMovesOrder(t *testing.T) {
	s := newTestShard()
	s.applyAll(limitOrder(1, domain.SideBuy, 99, 10))
	repl := domain.Order{ID: 2, SymbolID: 0, Op: domain.OpReplace, TargetID: 1, NewPriceCents: 100}
	s.apply(&repl)

	if trades := drainTrades(s); len(trades) != 0 {
		t.Fatalf("replace produced trades: %+v", trades)
	}
	book := s.books[0]
	if book.Contains(1) {
		t.Fatal("replaced order still resting")
	}
	rest, ok := book.RestingByID(2)
	if !ok || rest.PriceCents != 100 || rest.Qty != 10 {
		t.Fatalf("replacement = %+v ok=%v, want 10 @ 100", rest, ok)
	}
	if book.LevelCount(domain.SideBuy) != 1 {
		t.Fatal("old price level left behind")
	}
	acks := eventsOfType(drainEvents(s), domain.EventAckReplace)
	if len(acks) != 1 || acks[0].OrderID != 2 || acks[0].RelatedID != 1 {
		t.Fatalf("replace acks = %+v", acks)
	}
}

func TestReplaceKeepsUnchangedFields(t *testing.T) {
	s := newTestShard()
	s.applyAll(limitOrder(1, domain.SideSell, 200, 7))
	// NewQty=0 keeps quantity; NewPriceCents=0 keeps price.
	qtyOnly := domain.Order{ID: 2, SymbolID: 0, Op: domain.OpReplace, TargetID: 1, NewQty: 3}
	s.apply(&qtyOnly)
	rest, ok := s.books[0].RestingByID(2)
	if !ok || rest.PriceCents != 200 || rest.Qty != 3 || rest.Side != domain.SideSell {
		t.Fatalf("replacement = %+v ok=%v, want 3 @ 200 sell", rest, ok)
	}

	// Unknown target is a silent no-op.
	drainEvents(s)
	unknown := domain.Order{ID: 3, SymbolID: 0, Op: domain.OpReplace, TargetID: 42, NewQty: 1}
	s.apply(&unknown)
	if events := drainEvents(s); len(events) != 0 {
		t.Fatalf("unknown-target replace emitted events: %+v", events)
	}
}

func TestPostOnly(t *testing.T) {
	s := newTestShard()
	s.applyAll(limitOrder(1, domain.SideSell, 100, 5))

	crossing := limitOrder(2, domain.SideBuy, 100, 5)
	crossing.PostOnly = true
	s.apply(&crossing)
	events := drainEvents(s)
	if rejects := eventsOfType(events, domain.EventReject); len(rejects) != 1 || rejects[0].OrderID != 2 {
		t.Fatalf("crossing post-only rejects = %+v", rejects)
	}
	if execs := eventsOfType(events, domain.EventExec); len(execs) != 0 {
		t.Fatalf("post-only must never take: %+v", execs)
	}
	if s.books[0].Contains(2) {
		t.Fatal("rejected post-only must not rest")
	}

	passive := limitOrder(3, domain.SideBuy, 99, 5)
	passive.PostOnly = true
	s.apply(&passive)
	if !s.books[0].Contains(3) {
		t.Fatal("non-crossing post-only must rest")
	}
	if trades := drainTrades(s); len(trades) != 0 {
		t.Fatalf("post-only produced trades: %+v", trades)
	}
}

func TestMarketOrderNeverRests(t *testing.T) {
	s := newTestShard()
	s.applyAll(limitOrder(1, domain.SideSell, 100, 3))
	market := domain.Order{
		ID: 2, SymbolID: 0, Op: domain.OpNew, Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: 10,
	}
	s.apply(&market)

	trades := drainTrades(s)
	if len(trades) != 1 || trades[0].Qty != 3 || trades[0].PriceCents != 100 {
		t.Fatalf("trades = %+v", trades)
	}
	book := s.books[0]
	if book.Contains(2) {
		t.Fatal("market residual must be discarded, never rest")
	}
	if _, ok := book.BestAsk(); ok {
		t.Fatal("ask side should be swept empty")
	}
}

func TestMarketLevelCap(t *testing.T) {
	s := newTestShard()
	s.cfg.MarketMaxLevels = 2
	s.applyAll(
		limitOrder(1, domain.SideSell, 100, 1),
		limitOrder(2, domain.SideSell, 101, 1),
		limitOrder(3, domain.SideSell, 102, 1),
	)
	market := domain.Order{
		ID: 4, SymbolID: 0, Op: domain.OpNew, Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: 3,
	}
	s.apply(&market)

	if trades := drainTrades(s); len(trades) != 2 {
		t.Fatalf("level cap ignored: %d trades, want 2", len(trades))
	}
	if !s.books[0].Contains(3) {
		t.Fatal("third level should survive the capped sweep")
	}
}

func TestMarketQtyCap(t *testing.T) {
	s := newTestShard()
	s.cfg.MarketMaxQty = 4
	s.applyAll(limitOrder(1, domain.SideSell, 100, 10))
	market := domain.Order{
		ID: 2, SymbolID: 0, Op: domain.OpNew, Side: domain.SideSell,
		Type: domain.OrderTypeMarket, Qty: 100,
	}
	// Sell market against bids.
	s.applyAll(limitOrder(3, domain.SideBuy, 99, 10))
	s.apply(&market)

	trades := drainTrades(s)
	var matched int32
	for _, tr := range trades {
		matched += tr.Qty
	}
	if matched != 4 {
		t.Fatalf("matched = %d, want qty cap of 4", matched)
	}
}

func TestMarketNotionalCap(t *testing.T) {
	s := newTestShard()
	s.cfg.MarketMaxNotional = 250 // cents: fits 2 lots at 100, not 3
	s.applyAll(limitOrder(1, domain.SideSell, 100, 10))
	market := domain.Order{
		ID: 2, SymbolID: 0, Op: domain.OpNew, Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Qty: 10,
	}
	s.apply(&market)

	trades := drainTrades(s)
	if len(trades) != 1 || trades[0].Qty != 2 {
		t.Fatalf("trades = %+v, want one fill of 2 under the notional cap", trades)
	}
}

func TestSessionGate(t *testing.T) {
	s := newTestShard()
	s.applyAll(limitOrder(1, domain.SideBuy, 99, 10))
	s.status[0] = domain.StatusHalted
	drainEvents(s)

	// New and Replace reject while halted.
	s.applyAll(limitOrder(2, domain.SideBuy, 98, 1))
	repl := domain.Order{ID: 3, SymbolID: 0, Op: domain.OpReplace, TargetID: 1, NewQty: 5}
	s.apply(&repl)
	rejects := eventsOfType(drainEvents(s), domain.EventReject)
	if len(rejects) != 2 {
		t.Fatalf("rejects while halted = %d, want 2", len(rejects))
	}
	if rest, _ := s.books[0].RestingByID(1); rest.Qty != 10 {
		t.Fatal("replace applied during halt")
	}

	// Cancel still proceeds.
	cancel := domain.Order{ID: 4, SymbolID: 0, Op: domain.OpCancel, TargetID: 1}
	s.apply(&cancel)
	if s.books[0].Contains(1) {
		t.Fatal("cancel must work while halted")
	}

	// Reopen restores normal processing.
	s.status[0] = domain.StatusOpen
	s.applyAll(limitOrder(5, domain.SideBuy, 98, 1))
	if !s.books[0].Contains(5) {
		t.Fatal("order rejected after reopen")
	}
}

func TestConservationAndTradePriceRule(t *testing.T) {
	s := newTestShard()
	s.applyAll(
		limitOrder(1, domain.SideSell, 100, 4),
		limitOrder(2, domain.SideSell, 102, 4),
	)
	aggr := limitOrder(3, domain.SideBuy, 105, 10)
	s.apply(&aggr)

	trades := drainTrades(s)
	var matched int32
	for _, tr := range trades {
		matched += tr.Qty
		// Exec price equals the resting side's price, not the aggressor's.
		if tr.PriceCents != 100 && tr.PriceCents != 102 {
			t.Fatalf("trade at aggressor price: %+v", tr)
		}
	}
	if matched != 8 {
		t.Fatalf("matched = %d, want 8", matched)
	}
	rest, ok := s.books[0].RestingByID(3)
	if !ok || rest.Qty != aggr.Qty-matched {
		t.Fatalf("residual = %+v ok=%v, want qty %d", rest, ok, aggr.Qty-matched)
	}
	// Day residual posting acks.
	acks := eventsOfType(drainEvents(s), domain.EventAckNew)
	if len(acks) != 3 {
		t.Fatalf("AckNew events = %d, want 3 (two makers, one residual)", len(acks))
	}
}

func TestTradeIDsMonotonicPerShard(t *testing.T) {
	s := newTestShard()
	s.applyAll(
		limitOrder(1, domain.SideSell, 100, 1),
		limitOrder(2, domain.SideSell, 100, 1),
		limitOrder(3, domain.SideBuy, 100, 2),
	)
	trades := drainTrades(s)
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	if trades[0].TradeID+1 != trades[1].TradeID {
		t.Fatalf("trade ids not monotone: %d then %d", trades[0].TradeID, trades[1].TradeID)
	}
}
