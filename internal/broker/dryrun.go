package broker

import (
	"context"

	"github.com/google/uuid"

	"github.com/zivhm/MAHORAGA/internal/observ"
)

// DryRun reads through to the wrapped broker but only logs order activity.
type DryRun struct {
	Broker
}

func (d DryRun) CreateOrder(_ context.Context, req OrderRequest) (Order, error) {
	observ.Log("order_dry_run", map[string]any{
		"symbol":      req.Symbol,
		"side":        req.Side,
		"notional":    req.Notional,
		"qty":         req.Qty,
		"asset_class": req.AssetClass,
	})
	return Order{ID: uuid.NewString(), ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Side: req.Side, Qty: req.Qty, Status: "dry_run"}, nil
}

func (d DryRun) ClosePosition(_ context.Context, symbol string) (Order, error) {
	observ.Log("close_dry_run", map[string]any{"symbol": symbol})
	return Order{ID: uuid.NewString(), Symbol: symbol, Side: SideSell, Status: "dry_run"}, nil
}
