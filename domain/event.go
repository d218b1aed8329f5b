package domain

// EventType discriminates execution events on the shard's event outbox.
type EventType uint8

const (
	EventAckNew EventType = iota
	EventAckCancel
	EventAckReplace
	EventReject
	EventExec
)

func (t EventType) String() string {
	switch t {
	case EventAckNew:
		return "ACK_NEW"
	case EventAckCancel:
		return "ACK_CANCEL"
	case EventAckReplace:
		return "ACK_REPLACE"
	case EventReject:
		return "REJECT"
	case EventExec:
		return "EXEC"
	default:
		return "UNKNOWN"
	}
}

// Liquidity tags which side of a fill an Exec event describes.
type Liquidity uint8

const (
	LiquidityNone Liquidity = iota
	LiquidityMaker
	LiquidityTaker
)

// Event is the execution report emitted by a shard. For Exec events Qty is
// the last fill quantity, Remaining the aggressor's residual and RelatedID
// the counterparty order; for cancel/replace acks RelatedID is the target.
type Event struct {
	OrderID    uint64
	RelatedID  uint64
	PriceCents int64
	SymbolID   uint32
	Qty        int32
	Remaining  int32
	Type       EventType
	Side       Side
	Liquidity  Liquidity
}
