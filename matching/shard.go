package matching

import (
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"pulse-match/domain"
	"pulse-match/orderbook"
	"pulse-match/ring"
)

// ShardConfig carries the per-shard tunables. Market-order safety caps
// short-circuit a sweep when books are thin so a single market order cannot
// run away across the whole ladder.
type ShardConfig struct {
	RingCapacity      int   // inbox and both outboxes; power of two
	MarketMaxLevels   int   // max distinct price levels a market order sweeps
	MarketMaxQty      int32 // max total quantity a market order fills
	MarketMaxNotional int64 // max total notional (cents) a market order fills
	PinCPU            int   // CPU core to pin the worker to; -1 disables
}

// statusChange is the control record that carries session-state updates to
// the worker, keeping the status map single-owner.
type statusChange struct {
	symbolID uint32
	status   domain.TradingStatus
}

const controlRingCapacity = 64

// Shard owns one partition of the symbol universe: an order inbox, the books
// and session states for its symbols, a trade outbox and an event outbox,
// all driven by a single worker goroutine.
//
// Lock-free design: books, locators, the symbol->book map and the status map
// are touched only by the worker. The rings are the only cross-thread state;
// the engine-shared counters are relaxed atomics.
type Shard struct {
	index int
	cfg   ShardConfig

	inbox   *ring.Ring[domain.Order]
	trades  *ring.Ring[domain.Trade]
	events  *ring.Ring[domain.Event]
	control *ring.Ring[statusChange]

	inboxReader  ring.Reader[domain.Order]
	inboxWriter  ring.Writer[domain.Order]
	tradesWriter ring.Writer[domain.Trade]
	eventsWriter ring.Writer[domain.Event]
	controlRead  ring.Reader[statusChange]

	books  map[uint32]*orderbook.Book
	status map[uint32]domain.TradingStatus

	tradeIDSeq uint64 // worker-owned monotone trade id generator

	// Engine-shared monotone counters.
	processed *atomic.Uint64
	executed  *atomic.Uint64

	// Outbox overflow policy: drop the record, count the drop.
	tradeDrops atomic.Uint64
	eventDrops atomic.Uint64

	running atomic.Bool
	done    chan struct{}

	logger *zap.Logger
}

func newShard(index int, cfg ShardConfig, processed, executed *atomic.Uint64, logger *zap.Logger) *Shard {
	s := &Shard{
		index:     index,
		cfg:       cfg,
		inbox:     ring.New[domain.Order](cfg.RingCapacity),
		trades:    ring.New[domain.Trade](cfg.RingCapacity),
		events:    ring.New[domain.Event](cfg.RingCapacity),
		control:   ring.New[statusChange](controlRingCapacity),
		books:     make(map[uint32]*orderbook.Book),
		status:    make(map[uint32]domain.TradingStatus),
		processed: processed,
		executed:  executed,
		logger:    logger,
	}
	s.inboxReader = s.inbox.Reader()
	s.inboxWriter = s.inbox.Writer()
	s.tradesWriter = s.trades.Writer()
	s.eventsWriter = s.events.Writer()
	s.controlRead = s.control.Reader()
	return s
}

// Writer returns the inbox producer handle. Exactly one thread may use it.
func (s *Shard) Writer() ring.Writer[domain.Order] {
	return s.inboxWriter
}

// TradeReader returns the trade outbox consumer handle. One reader only.
func (s *Shard) TradeReader() ring.Reader[domain.Trade] {
	return s.trades.Reader()
}

// EventReader returns the event outbox consumer handle. One reader only.
func (s *Shard) EventReader() ring.Reader[domain.Event] {
	return s.events.Reader()
}

// TradeDropCount returns trades discarded on outbox overflow.
func (s *Shard) TradeDropCount() uint64 {
	return s.tradeDrops.Load()
}

// EventDropCount returns events discarded on outbox overflow.
func (s *Shard) EventDropCount() uint64 {
	return s.eventDrops.Load()
}

// IsRunning reports whether the worker goroutine is live.
func (s *Shard) IsRunning() bool {
	return s.running.Load()
}

func (s *Shard) start() {
	if !s.running.CompareAndSwap(false, true) {
		return // already running
	}
	s.done = make(chan struct{})
	go s.runLoop()
}

// stop flips the running flag and joins the worker. Orders already in the
// inbox are drained and applied before the worker exits.
func (s *Shard) stop() {
	if !s.running.CompareAndSwap(true, false) {
		return // already stopped
	}
	<-s.done
}

func (s *Shard) runLoop() {
	// Pin the goroutine to an OS thread to reduce context switches; the CPU
	// pin on top is best-effort and a no-op where unsupported.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	if s.cfg.PinCPU >= 0 {
		if pinThread(s.cfg.PinCPU) {
			s.logger.Info("shard worker pinned",
				zap.Int("shard", s.index), zap.Int("cpu", s.cfg.PinCPU))
		}
	}

	var (
		ord domain.Order
		sp  ring.Spinner
	)
	for {
		if s.inboxReader.TryDequeue(&ord) {
			sp.Reset()
			// Drain control after the dequeue: a status change enqueued
			// before this order was submitted is then guaranteed visible.
			s.drainControl()
			s.apply(&ord)
			s.processed.Add(1)
			continue
		}
		s.drainControl()
		if !s.running.Load() {
			return // inbox empty and shutdown requested
		}
		sp.Pause()
	}
}

func (s *Shard) drainControl() {
	var ch statusChange
	for s.controlRead.TryDequeue(&ch) {
		s.status[ch.symbolID] = ch.status
	}
}

func (s *Shard) bookFor(symbolID uint32) *orderbook.Book {
	book, ok := s.books[symbolID]
	if !ok {
		book = orderbook.New(symbolID)
		s.books[symbolID] = book
	}
	return book
}

// apply dispatches one inbound record against its book. This is the whole
// hot path of the shard: session gate, then exactly one of cancel, replace,
// limit match, market match.
func (s *Shard) apply(ord *domain.Order) {
	book := s.bookFor(ord.SymbolID)

	// Session gate: while a symbol is Halted or Closed only Cancel proceeds.
	if st, ok := s.status[ord.SymbolID]; ok && st != domain.StatusOpen && ord.Op != domain.OpCancel {
		s.reject(ord)
		return
	}

	switch ord.Op {
	case domain.OpCancel:
		if book.CancelByID(ord.TargetID) {
			s.emitEvent(domain.Event{
				Type:      domain.EventAckCancel,
				OrderID:   ord.ID,
				RelatedID: ord.TargetID,
				SymbolID:  ord.SymbolID,
			})
		}
		// Unknown target: silent no-op.

	case domain.OpReplace:
		s.applyReplace(book, ord)

	case domain.OpNew:
		if ord.Type == domain.OrderTypeLimit {
			s.applyLimit(book, ord)
		} else {
			s.applyMarket(book, ord)
		}
	}
}

// applyReplace builds the replacement from the resting original, overriding
// price and quantity where the request carries them, then cancel+insert.
// Any replace loses time priority: the replacement joins the back of its
// level whether or not the price changed.
func (s *Shard) applyReplace(book *orderbook.Book, ord *domain.Order) {
	orig, ok := book.RestingByID(ord.TargetID)
	if !ok {
		return // unknown target: silent no-op
	}
	repl := orig
	repl.ID = ord.ID
	repl.Op = domain.OpNew
	if ord.NewQty > 0 {
		repl.Qty = ord.NewQty
	}
	if ord.NewPriceCents != 0 {
		repl.PriceCents = ord.NewPriceCents
	}
	if book.ReplaceByID(ord.TargetID, repl) {
		s.emitEvent(domain.Event{
			Type:       domain.EventAckReplace,
			OrderID:    repl.ID,
			RelatedID:  ord.TargetID,
			SymbolID:   repl.SymbolID,
			Side:       repl.Side,
			PriceCents: repl.PriceCents,
			Qty:        repl.Qty,
		})
	}
}

func (s *Shard) applyLimit(book *orderbook.Book, ord *domain.Order) {
	if ord.PostOnly && s.wouldCross(book, ord) {
		s.reject(ord)
		return
	}

	if ord.TIF == domain.TIFFOK && !ord.PostOnly {
		var avail int64
		if ord.Side == domain.SideBuy {
			avail = book.AvailableAskUpTo(ord.PriceCents)
		} else {
			avail = book.AvailableBidDownTo(ord.PriceCents)
		}
		if avail < int64(ord.Qty) {
			s.reject(ord)
			return
		}
	}

	remaining := s.matchLimit(book, ord)

	// Day posts the residual; IOC discards it; FOK never has one after the
	// feasibility check. A post-only order that got here does not cross, so
	// it rests in full whatever its TIF.
	if remaining > 0 && (ord.TIF == domain.TIFDay || ord.PostOnly) {
		resting := *ord
		resting.Qty = remaining
		book.Add(resting)
		s.emitEvent(domain.Event{
			Type:       domain.EventAckNew,
			OrderID:    ord.ID,
			SymbolID:   ord.SymbolID,
			Side:       ord.Side,
			PriceCents: ord.PriceCents,
			Qty:        remaining,
		})
	}
}

func (s *Shard) wouldCross(book *orderbook.Book, ord *domain.Order) bool {
	if ord.Side == domain.SideBuy {
		if best, ok := book.BestAsk(); ok {
			return ord.Marketable(best)
		}
	} else {
		if best, ok := book.BestBid(); ok {
			return ord.Marketable(best)
		}
	}
	return false
}

// matchLimit sweeps the opposing side while the order remains marketable.
// Fills execute at the resting side's price. Returns the unfilled residual.
func (s *Shard) matchLimit(book *orderbook.Book, ord *domain.Order) int32 {
	remaining := ord.Qty
	if ord.Side == domain.SideBuy {
		for remaining > 0 {
			ask := book.PeekBestAsk()
			if ask == nil || ask.PriceCents > ord.PriceCents {
				break
			}
			qty := min(remaining, ask.Qty)
			remaining -= qty
			s.execute(ord, ask, qty, remaining)
			book.FillBestAsk(qty)
		}
	} else {
		for remaining > 0 {
			bid := book.PeekBestBid()
			if bid == nil || bid.PriceCents < ord.PriceCents {
				break
			}
			qty := min(remaining, bid.Qty)
			remaining -= qty
			s.execute(ord, bid, qty, remaining)
			book.FillBestBid(qty)
		}
	}
	return remaining
}

// applyMarket sweeps without a price guard, bounded by the safety caps.
// Market orders never rest: any residual is discarded.
func (s *Shard) applyMarket(book *orderbook.Book, ord *domain.Order) {
	remaining := min(ord.Qty, s.cfg.MarketMaxQty)
	var (
		notional  int64
		levels    int
		lastPrice int64
		anyFill   bool
	)
	for remaining > 0 {
		var resting *domain.Order
		if ord.Side == domain.SideBuy {
			resting = book.PeekBestAsk()
		} else {
			resting = book.PeekBestBid()
		}
		if resting == nil {
			break
		}
		if !anyFill || resting.PriceCents != lastPrice {
			levels++
			if levels > s.cfg.MarketMaxLevels {
				break
			}
			lastPrice = resting.PriceCents
		}
		qty := min(remaining, resting.Qty)
		// Notional cap: shrink the fill to fit, stop when nothing fits.
		// Only meaningful at positive prices.
		if resting.PriceCents > 0 {
			if fits := (s.cfg.MarketMaxNotional - notional) / resting.PriceCents; int64(qty) > fits {
				qty = int32(fits)
			}
		}
		if qty <= 0 {
			break
		}
		notional += resting.PriceCents * int64(qty)
		remaining -= qty
		anyFill = true
		s.execute(ord, resting, qty, remaining)
		if ord.Side == domain.SideBuy {
			book.FillBestAsk(qty)
		} else {
			book.FillBestBid(qty)
		}
	}
}

// execute emits the Trade and the aggressor's Exec event for one fill.
func (s *Shard) execute(aggressor, resting *domain.Order, qty, remaining int32) {
	s.tradeIDSeq++
	trade := domain.Trade{
		TradeID:    s.tradeIDSeq,
		SymbolID:   aggressor.SymbolID,
		PriceCents: resting.PriceCents,
		Qty:        qty,
	}
	if aggressor.Side == domain.SideBuy {
		trade.BuyOrderID = aggressor.ID
		trade.SellOrderID = resting.ID
	} else {
		trade.BuyOrderID = resting.ID
		trade.SellOrderID = aggressor.ID
	}
	s.executed.Add(1)
	if !s.tradesWriter.TryEnqueue(trade) {
		s.tradeDrops.Add(1)
	}
	s.emitEvent(domain.Event{
		Type:       domain.EventExec,
		OrderID:    aggressor.ID,
		RelatedID:  resting.ID,
		SymbolID:   aggressor.SymbolID,
		Side:       aggressor.Side,
		PriceCents: resting.PriceCents,
		Qty:        qty,
		Remaining:  remaining,
		Liquidity:  domain.LiquidityTaker,
	})
}

func (s *Shard) reject(ord *domain.Order) {
	s.emitEvent(domain.Event{
		Type:       domain.EventReject,
		OrderID:    ord.ID,
		SymbolID:   ord.SymbolID,
		Side:       ord.Side,
		PriceCents: ord.PriceCents,
		Qty:        ord.Qty,
	})
}

func (s *Shard) emitEvent(ev domain.Event) {
	if !s.eventsWriter.TryEnqueue(ev) {
		s.eventDrops.Add(1)
	}
}
