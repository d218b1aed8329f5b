package backtest

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"

	"pulse-match/domain"
)

// Report summarizes one backtest run. All money is accumulated in integer
// cents; decimal formatting happens only here, far off the hot path.
type Report struct {
	RunID           string        `json:"run_id"`
	Symbols         int           `json:"symbols"`
	EventsRead      uint64        `json:"events_read"`
	OrdersSubmitted uint64        `json:"orders_submitted"`
	StrategyOrders  uint64        `json:"strategy_orders"`
	OrdersProcessed uint64        `json:"orders_processed"`
	EngineTrades    uint64        `json:"engine_trades"`
	Fills           uint64        `json:"fills"`
	FilledQty       int64         `json:"filled_qty"`
	NotionalCents   int64         `json:"notional_cents"`
	Notional        string        `json:"notional"`
	AvgFillPrice    string        `json:"avg_fill_price"`
	WallClock       time.Duration `json:"wall_clock_ns"`
}

func newReport(runID string) *Report {
	return &Report{RunID: runID}
}

func (r *Report) noteFill(tr *domain.Trade) {
	r.Fills++
	r.FilledQty += int64(tr.Qty)
	r.NotionalCents += tr.Notional()
}

// finalize renders the decimal money fields from the cent accumulators.
func (r *Report) finalize() {
	cents := decimal.NewFromInt(r.NotionalCents)
	r.Notional = cents.Div(decimal.NewFromInt(100)).StringFixed(2)
	if r.FilledQty > 0 {
		avg := cents.Div(decimal.NewFromInt(r.FilledQty)).Div(decimal.NewFromInt(100))
		r.AvgFillPrice = avg.StringFixed(4)
	} else {
		r.AvgFillPrice = "0.0000"
	}
}

// JSON renders the report for log shipping or the CLI summary line.
func (r *Report) JSON() ([]byte, error) {
	r.finalize()
	return sonnet.Marshal(r)
}
