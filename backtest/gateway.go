package backtest

import (
	"sync/atomic"

	"pulse-match/domain"
	"pulse-match/matching"
)

// Gateway is the only way a strategy touches the core: four entry points
// that synthesize Order records and push them through the ingress
// coordinator.
type Gateway interface {
	SubmitNewLimit(symbolID uint32, side domain.Side, priceCents int64, qty int32, tif domain.TIF, postOnly bool) uint64
	SubmitNewMarket(symbolID uint32, side domain.Side, qty int32, tif domain.TIF) uint64
	SubmitCancel(symbolID uint32, targetOrderID uint64) uint64
	SubmitReplace(symbolID uint32, targetOrderID uint64, newPriceCents int64, newQty int32) uint64
}

// gatewayIDBase starts strategy order ids in a high range so they never
// collide with decoder-assigned venue ids.
const gatewayIDBase uint64 = 1_000_000_000_000

// IDGenerator hands out monotonic order ids from a dedicated range.
// Uniqueness is guaranteed by the atomic counter; the base keeps the range
// disjoint from every other id producer in the process.
type IDGenerator struct {
	base    uint64
	counter atomic.Uint64
}

// NewIDGenerator creates a generator starting just above base.
func NewIDGenerator(base uint64) *IDGenerator {
	return &IDGenerator{base: base}
}

// Next returns the next unique id.
func (g *IDGenerator) Next() uint64 {
	return g.base + g.counter.Add(1)
}

// IngressGateway adapts strategy calls onto IngressCoordinator.Submit.
// It must only be called from the backtester's decoder thread: Submit's
// single-caller contract extends through the gateway.
type IngressGateway struct {
	ingress   *matching.IngressCoordinator
	idGen     *IDGenerator
	submitted atomic.Uint64
}

// NewGateway builds the ingress-backed gateway with a fresh high-range id
// generator. Each returned order id lets the strategy correlate later fills.
func NewGateway(ingress *matching.IngressCoordinator) *IngressGateway {
	return &IngressGateway{
		ingress: ingress,
		idGen:   NewIDGenerator(gatewayIDBase),
	}
}

// Submitted returns how many strategy orders the ingress accepted.
func (g *IngressGateway) Submitted() uint64 {
	return g.submitted.Load()
}

func (g *IngressGateway) submit(ord domain.Order) {
	if g.ingress.Submit(ord) {
		g.submitted.Add(1)
	}
}

func (g *IngressGateway) SubmitNewLimit(symbolID uint32, side domain.Side, priceCents int64, qty int32, tif domain.TIF, postOnly bool) uint64 {
	id := g.idGen.Next()
	g.submit(domain.Order{
		ID:         id,
		SymbolID:   symbolID,
		Op:         domain.OpNew,
		Side:       side,
		Type:       domain.OrderTypeLimit,
		TIF:        tif,
		PostOnly:   postOnly,
		PriceCents: priceCents,
		Qty:        qty,
	})
	return id
}

func (g *IngressGateway) SubmitNewMarket(symbolID uint32, side domain.Side, qty int32, tif domain.TIF) uint64 {
	id := g.idGen.Next()
	g.submit(domain.Order{
		ID:       id,
		SymbolID: symbolID,
		Op:       domain.OpNew,
		Side:     side,
		Type:     domain.OrderTypeMarket,
		TIF:      tif,
		Qty:      qty,
	})
	return id
}

func (g *IngressGateway) SubmitCancel(symbolID uint32, targetOrderID uint64) uint64 {
	id := g.idGen.Next()
	g.submit(domain.Order{
		ID:       id,
		SymbolID: symbolID,
		Op:       domain.OpCancel,
		TargetID: targetOrderID,
	})
	return id
}

func (g *IngressGateway) SubmitReplace(symbolID uint32, targetOrderID uint64, newPriceCents int64, newQty int32) uint64 {
	id := g.idGen.Next()
	g.submit(domain.Order{
		ID:            id,
		SymbolID:      symbolID,
		Op:            domain.OpReplace,
		TargetID:      targetOrderID,
		NewPriceCents: newPriceCents,
		NewQty:        newQty,
	})
	return id
}
