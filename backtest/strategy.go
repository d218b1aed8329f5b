// Package backtest runs a strategy against a historical feed replayed
// through the matching engine and reports what happened.
package backtest

import (
	"pulse-match/domain"
	"pulse-match/replay"
)

// MarketEventType mirrors the feed actions a strategy cares about.
type MarketEventType uint8

const (
	MarketAdd MarketEventType = iota
	MarketCancel
	MarketReplace
	MarketExecute
)

// StrategyMarketEvent is the normalized market-data view handed to a
// strategy: a feed event with its symbol resolved to the engine's numeric
// id.
type StrategyMarketEvent struct {
	Type       MarketEventType
	SymbolID   uint32
	TsEventNs  uint64
	OrderID    uint64
	Side       domain.Side
	PriceCents int64
	Qty        int32
}

// Context carries run metadata into Strategy.Initialize.
type Context struct {
	RunID   string
	Speed   float64
	Gateway Gateway
}

// Strategy is the user-code interface. Callbacks run on the backtester
// thread, never on a shard worker, so a panicking strategy cannot take a
// matching thread down.
type Strategy interface {
	Initialize(ctx Context)
	OnMarketEvent(ev StrategyMarketEvent)
	OnFill(tr domain.Trade)
	OnEnd()
}

func marketEventFromFeed(ev *replay.FeedEvent, symbolID uint32) (StrategyMarketEvent, bool) {
	sme := StrategyMarketEvent{
		SymbolID:   symbolID,
		TsEventNs:  ev.TsEventNs,
		OrderID:    ev.OrderID,
		PriceCents: ev.PriceCents,
		Qty:        ev.Qty,
	}
	if ev.Side == 'S' {
		sme.Side = domain.SideSell
	}
	switch ev.Action {
	case replay.ActionAdd:
		sme.Type = MarketAdd
	case replay.ActionCancel, replay.ActionDelete:
		sme.Type = MarketCancel
	case replay.ActionReplace:
		sme.Type = MarketReplace
	case replay.ActionExecute:
		sme.Type = MarketExecute
	default:
		return sme, false
	}
	return sme, true
}
