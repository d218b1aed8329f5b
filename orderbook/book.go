// Package orderbook implements the per-symbol price-time priority book.
//
// Lock-free design: a Book is only ever touched by the matching goroutine of
// the shard that owns the symbol, so no synchronization appears anywhere in
// this package.
package orderbook

import (
	"container/list"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"

	"pulse-match/domain"
)

// Level holds all resting orders at one price as a FIFO queue.
// Volume tracks the sum of resting quantities so marketable-liquidity scans
// read one number per level instead of walking the queue.
type Level struct {
	Price  int64
	Orders *list.List // of *domain.Order, front = oldest
	Volume int64
}

// locator records where a resting order lives so cancel and replace run in
// O(1): the level pointer plus the order's stable list element.
type locator struct {
	level *Level
	elem  *list.Element
	price int64
	side  domain.Side
}

// Book is one symbol's order book: two price-ordered level trees and an
// id index over every resting order.
//
// The level trees iterate best-first, bids descending and asks ascending. A
// level is present in its tree iff its queue is non-empty, and the locator
// map is kept in exact agreement with the levels at every operation
// boundary.
type Book struct {
	symbolID uint32
	bids     *rbt.Tree[int64, *Level] // descending: Left() is best bid
	asks     *rbt.Tree[int64, *Level] // ascending: Left() is best ask
	locators map[uint64]locator
}

// New creates an empty book for a symbol.
func New(symbolID uint32) *Book {
	descending := func(a, b int64) int {
		if a > b {
			return -1
		} else if a < b {
			return 1
		}
		return 0
	}
	ascending := func(a, b int64) int {
		if a < b {
			return -1
		} else if a > b {
			return 1
		}
		return 0
	}
	return &Book{
		symbolID: symbolID,
		bids:     rbt.NewWith[int64, *Level](descending),
		asks:     rbt.NewWith[int64, *Level](ascending),
		locators: make(map[uint64]locator),
	}
}

// SymbolID returns the symbol this book belongs to.
func (b *Book) SymbolID() uint32 {
	return b.symbolID
}

func (b *Book) tree(side domain.Side) *rbt.Tree[int64, *Level] {
	if side == domain.SideBuy {
		return b.bids
	}
	return b.asks
}

// Add rests an order on its side at its price, appending to the level's FIFO
// queue and installing the id locator.
func (b *Book) Add(o domain.Order) {
	tree := b.tree(o.Side)
	level, found := tree.Get(o.PriceCents)
	if !found {
		level = &Level{Price: o.PriceCents, Orders: list.New()}
		tree.Put(o.PriceCents, level)
	}
	resting := new(domain.Order)
	*resting = o
	elem := level.Orders.PushBack(resting)
	level.Volume += int64(o.Qty)
	b.locators[o.ID] = locator{level: level, elem: elem, price: o.PriceCents, side: o.Side}
}

// AddBid rests a buy order.
func (b *Book) AddBid(o domain.Order) {
	o.Side = domain.SideBuy
	b.Add(o)
}

// AddAsk rests a sell order.
func (b *Book) AddAsk(o domain.Order) {
	o.Side = domain.SideSell
	b.Add(o)
}

// CancelByID removes a resting order in O(1). Returns false when no live
// order with that id is resting.
func (b *Book) CancelByID(id uint64) bool {
	loc, ok := b.locators[id]
	if !ok {
		return false
	}
	loc.level.Volume -= int64(loc.elem.Value.(*domain.Order).Qty)
	loc.level.Orders.Remove(loc.elem)
	delete(b.locators, id)
	if loc.level.Orders.Len() == 0 {
		b.tree(loc.side).Remove(loc.price)
	}
	return true
}

// ReplaceByID cancels oldID and, if it was live, rests replacement. The
// replacement is always a fresh insert: any replace loses time priority,
// price change or not.
func (b *Book) ReplaceByID(oldID uint64, replacement domain.Order) bool {
	if !b.CancelByID(oldID) {
		return false
	}
	b.Add(replacement)
	return true
}

// BestBid returns the highest resting buy price.
func (b *Book) BestBid() (int64, bool) {
	if b.bids.Empty() {
		return 0, false
	}
	return b.bids.Left().Key, true
}

// BestAsk returns the lowest resting sell price.
func (b *Book) BestAsk() (int64, bool) {
	if b.asks.Empty() {
		return 0, false
	}
	return b.asks.Left().Key, true
}

// PeekBestBid returns the oldest order at the best bid, nil when the bid
// side is empty. The pointer aliases book state; callers mutate it only
// through FillBestBid.
func (b *Book) PeekBestBid() *domain.Order {
	return peekBest(b.bids)
}

// PeekBestAsk is the ask-side dual of PeekBestBid.
func (b *Book) PeekBestAsk() *domain.Order {
	return peekBest(b.asks)
}

func peekBest(tree *rbt.Tree[int64, *Level]) *domain.Order {
	if tree.Empty() {
		return nil
	}
	level := tree.Left().Value
	front := level.Orders.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*domain.Order)
}

// FillBestBid consumes qty lots from the front order at the best bid,
// popping the order when it is exhausted and the level when it empties.
func (b *Book) FillBestBid(qty int32) {
	b.fillBest(b.bids, qty)
}

// FillBestAsk is the ask-side dual of FillBestBid.
func (b *Book) FillBestAsk(qty int32) {
	b.fillBest(b.asks, qty)
}

func (b *Book) fillBest(tree *rbt.Tree[int64, *Level], qty int32) {
	if tree.Empty() {
		return
	}
	node := tree.Left()
	level := node.Value
	front := level.Orders.Front()
	if front == nil {
		return
	}
	o := front.Value.(*domain.Order)
	if qty > o.Qty {
		qty = o.Qty
	}
	o.Qty -= qty
	level.Volume -= int64(qty)
	if o.Qty == 0 {
		level.Orders.Remove(front)
		delete(b.locators, o.ID)
		if level.Orders.Len() == 0 {
			tree.Remove(node.Key)
		}
	}
}

// PopBestBid removes the front order at the best bid outright.
func (b *Book) PopBestBid() {
	b.popBest(b.bids)
}

// PopBestAsk removes the front order at the best ask outright.
func (b *Book) PopBestAsk() {
	b.popBest(b.asks)
}

func (b *Book) popBest(tree *rbt.Tree[int64, *Level]) {
	if tree.Empty() {
		return
	}
	node := tree.Left()
	level := node.Value
	front := level.Orders.Front()
	if front == nil {
		return
	}
	o := front.Value.(*domain.Order)
	level.Orders.Remove(front)
	level.Volume -= int64(o.Qty)
	delete(b.locators, o.ID)
	if level.Orders.Len() == 0 {
		tree.Remove(node.Key)
	}
}

// AvailableAskUpTo sums resting sell quantity at prices <= maxPriceCents,
// the liquidity a buy limit at that price could take. Used for FOK
// feasibility checks.
func (b *Book) AvailableAskUpTo(maxPriceCents int64) int64 {
	var total int64
	it := b.asks.Iterator()
	for it.Next() {
		if it.Key() > maxPriceCents {
			break
		}
		total += it.Value().Volume
	}
	return total
}

// AvailableBidDownTo sums resting buy quantity at prices >= minPriceCents.
func (b *Book) AvailableBidDownTo(minPriceCents int64) int64 {
	var total int64
	it := b.bids.Iterator()
	for it.Next() {
		if it.Key() < minPriceCents {
			break
		}
		total += it.Value().Volume
	}
	return total
}

// RestingByID returns a copy of the resting order with this id.
func (b *Book) RestingByID(id uint64) (domain.Order, bool) {
	loc, ok := b.locators[id]
	if !ok {
		return domain.Order{}, false
	}
	return *loc.elem.Value.(*domain.Order), true
}

// Contains reports whether an order with this id is currently resting.
func (b *Book) Contains(id uint64) bool {
	_, ok := b.locators[id]
	return ok
}

// RestingCount returns the number of resting orders across both sides.
func (b *Book) RestingCount() int {
	return len(b.locators)
}

// LevelCount returns the number of occupied price levels on one side.
func (b *Book) LevelCount(side domain.Side) int {
	return b.tree(side).Size()
}

// LevelView is a read-only snapshot of one price level.
type LevelView struct {
	Price  int64
	Volume int64
	Orders int
}

// Depth returns up to maxLevels best-first level snapshots per side.
func (b *Book) Depth(maxLevels int) (bids, asks []LevelView) {
	return depth(b.bids, maxLevels), depth(b.asks, maxLevels)
}

func depth(tree *rbt.Tree[int64, *Level], maxLevels int) []LevelView {
	out := make([]LevelView, 0, maxLevels)
	it := tree.Iterator()
	for it.Next() && len(out) < maxLevels {
		lvl := it.Value()
		out = append(out, LevelView{Price: lvl.Price, Volume: lvl.Volume, Orders: lvl.Orders.Len()})
	}
	return out
}
