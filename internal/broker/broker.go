package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicateOrder    = errors.New("duplicate client order id")
	ErrInvalidOrder      = errors.New("invalid order")
)

const (
	AssetEquity = "us_equity"
	AssetCrypto = "crypto"
	AssetOption = "us_option"

	SideBuy  = "buy"
	SideSell = "sell"

	TIFDay = "day"
	TIFGTC = "gtc"

	OptionMultiplier = 100
)

type Account struct {
	Cash        float64 `json:"cash"`
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
}

type Position struct {
	Symbol          string  `json:"symbol"`
	AssetClass      string  `json:"asset_class"`
	Qty             float64 `json:"qty"`
	AvgEntryPrice   float64 `json:"avg_entry_price"`
	CurrentPrice    float64 `json:"current_price"`
	MarketValue     float64 `json:"market_value"`
	UnrealizedPL    float64 `json:"unrealized_pl"`
	UnrealizedPLPct float64 `json:"unrealized_pl_pct"` // percent, e.g. 4.2
}

type Clock struct {
	IsOpen    bool      `json:"is_open"`
	Timestamp time.Time `json:"timestamp"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// OrderRequest sets exactly one of Notional or Qty.
type OrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	AssetClass    string  `json:"asset_class"`
	Side          string  `json:"side"`
	Notional      float64 `json:"notional,omitempty"`
	Qty           float64 `json:"qty,omitempty"`
	Type          string  `json:"type"`
	TimeInForce   string  `json:"time_in_force"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
}

type Order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	AssetClass    string    `json:"asset_class"`
	Side          string    `json:"side"`
	Qty           float64   `json:"qty"`
	FilledPrice   float64   `json:"filled_price"`
	Status        string    `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// Price is the best single number for marking a position.
func (q Quote) Price() float64 {
	if q.Last > 0 {
		return q.Last
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Ask
}

type CryptoSnapshot struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	PrevClose float64 `json:"prev_close"`
	ChangePct float64 `json:"change_pct"` // 24h, percent
}

type OptionContract struct {
	Symbol     string    `json:"symbol"`
	Underlying string    `json:"underlying"`
	Type       string    `json:"type"` // call | put
	Strike     float64   `json:"strike"`
	Expiration time.Time `json:"expiration"`
}

type OptionSnapshot struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Delta  float64 `json:"delta"`
	IV     float64 `json:"iv,omitempty"`
}

// Mid is the bid/ask midpoint, 0 when either side is missing.
func (s OptionSnapshot) Mid() float64 {
	if s.Bid <= 0 || s.Ask <= 0 {
		return 0
	}
	return (s.Bid + s.Ask) / 2
}

// Market is the read-only market data half of a broker.
type Market interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
	CryptoSnapshot(ctx context.Context, symbol string) (CryptoSnapshot, error)
	OptionExpirations(ctx context.Context, underlying string) ([]time.Time, error)
	OptionChain(ctx context.Context, underlying string, expiration time.Time) ([]OptionContract, error)
	OptionSnapshot(ctx context.Context, contract string) (OptionSnapshot, error)
}

// Broker is everything the engine needs from a brokerage.
type Broker interface {
	Market
	Account(ctx context.Context) (Account, error)
	Positions(ctx context.Context) ([]Position, error)
	Clock(ctx context.Context) (Clock, error)
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	ClosePosition(ctx context.Context, symbol string) (Order, error)
}
