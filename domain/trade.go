package domain

// Trade represents a match between an aggressing and a resting order.
// Trade ids are assigned per shard from a local monotone generator; the
// record is copied by value into the shard's trade outbox ring and owned by
// the slot until the consumer dequeues it.
type Trade struct {
	TradeID     uint64
	BuyOrderID  uint64
	SellOrderID uint64
	PriceCents  int64 // always the resting (maker) side's price
	SymbolID    uint32
	Qty         int32
}

// Notional returns the trade value in cents.
func (t *Trade) Notional() int64 {
	return t.PriceCents * int64(t.Qty)
}
