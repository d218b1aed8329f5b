// Package replay reads historical market-by-order captures and drives them
// through the engine at a configurable speed.
package replay

import "pulse-match/domain"

// FeedAction is the normalized action of one historical feed event.
type FeedAction uint8

const (
	ActionAdd FeedAction = iota
	ActionCancel
	ActionReplace
	ActionExecute
	ActionDelete
	ActionUnknown
)

func (a FeedAction) String() string {
	switch a {
	case ActionAdd:
		return "ADD"
	case ActionCancel:
		return "CANCEL"
	case ActionReplace:
		return "REPLACE"
	case ActionExecute:
		return "EXECUTE"
	case ActionDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// FeedEvent is one normalized record from a historical feed. Side is 'B',
// 'S' or ' ' when not applicable; ExecIsAggressor distinguishes the trade
// print from the resting fill on Execute actions.
type FeedEvent struct {
	Symbol          string
	TsEventNs       uint64
	Action          FeedAction
	OrderID         uint64
	Side            byte
	PriceCents      int64
	Qty             int32
	NewPriceCents   int64
	NewQty          int32
	ExecIsAggressor bool
}

// FeedSource is the input boundary: a historical (or synthetic) event
// stream. Next returns false on end of stream.
type FeedSource interface {
	Open(path string) error
	Next(out *FeedEvent) bool
	Close() error
}

// OrderFromFeed maps a feed event one-to-one onto an engine Order.
// Execute actions map to nothing unless synthesize is set, in which case an
// aggressing IOC market order with the given id reproduces the print
// against the book. The second return is false when the event carries no
// order for the engine.
func OrderFromFeed(ev *FeedEvent, symbolID uint32, synthesize bool, synthID uint64) (domain.Order, bool) {
	side := domain.SideBuy
	if ev.Side == 'S' {
		side = domain.SideSell
	}
	switch ev.Action {
	case ActionAdd:
		return domain.Order{
			ID:         ev.OrderID,
			SymbolID:   symbolID,
			Op:         domain.OpNew,
			Side:       side,
			Type:       domain.OrderTypeLimit,
			TIF:        domain.TIFDay,
			PriceCents: ev.PriceCents,
			Qty:        ev.Qty,
		}, true
	case ActionCancel, ActionDelete:
		return domain.Order{
			ID:       ev.OrderID,
			SymbolID: symbolID,
			Op:       domain.OpCancel,
			TargetID: ev.OrderID,
		}, true
	case ActionReplace:
		return domain.Order{
			ID:            ev.OrderID,
			SymbolID:      symbolID,
			Op:            domain.OpReplace,
			TargetID:      ev.OrderID,
			NewPriceCents: ev.NewPriceCents,
			NewQty:        ev.NewQty,
		}, true
	case ActionExecute:
		if !synthesize || !ev.ExecIsAggressor {
			return domain.Order{}, false
		}
		return domain.Order{
			ID:       synthID,
			SymbolID: symbolID,
			Op:       domain.OpNew,
			Side:     side,
			Type:     domain.OrderTypeMarket,
			TIF:      domain.TIFIOC,
			Qty:      ev.Qty,
		}, true
	default:
		return domain.Order{}, false
	}
}

// SymbolRegistry resolves feed symbol strings to dense numeric ids, first
// come first numbered, the way the routing layer expects them.
type SymbolRegistry struct {
	ids  map[string]uint32
	syms []string
}

// NewSymbolRegistry returns an empty registry.
func NewSymbolRegistry() *SymbolRegistry {
	return &SymbolRegistry{ids: make(map[string]uint32)}
}

// Resolve returns the id for a symbol, assigning the next one on first use.
func (r *SymbolRegistry) Resolve(symbol string) uint32 {
	if id, ok := r.ids[symbol]; ok {
		return id
	}
	id := uint32(len(r.syms))
	r.ids[symbol] = id
	r.syms = append(r.syms, symbol)
	return id
}

// Lookup returns the id for a symbol without assigning one.
func (r *SymbolRegistry) Lookup(symbol string) (uint32, bool) {
	id, ok := r.ids[symbol]
	return id, ok
}

// Symbol returns the string for an id.
func (r *SymbolRegistry) Symbol(id uint32) string {
	if int(id) >= len(r.syms) {
		return ""
	}
	return r.syms[id]
}

// Len returns the number of registered symbols.
func (r *SymbolRegistry) Len() int {
	return len(r.syms)
}
