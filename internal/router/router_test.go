package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zivhm/MAHORAGA/internal/broker"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/options"
)

type fakeSelector struct {
	sel   *options.Selection
	err   error
	calls int
}

func (f *fakeSelector) Select(context.Context, string, bool, float64, float64, time.Time) (*options.Selection, error) {
	f.calls++
	return f.sel, f.err
}

func TestNotional(t *testing.T) {
	tests := []struct {
		name                           string
		cash, pct, capPct, conf, limit float64
		want                           float64
	}{
		{"basic", 10_000, 10, 20, 0.75, 5000, 750},
		{"pct capped", 10_000, 50, 20, 1.0, 5000, 2000},
		{"value capped", 100_000, 10, 20, 0.9, 5000, 5000},
		{"truncates cents", 1234.567, 10, 20, 0.777, 5000, 95.92},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Notional(tt.cash, tt.pct, tt.capPct, tt.conf, tt.limit))
		})
	}
}

func TestRoute_Equity(t *testing.T) {
	r := New(config.Default(), nil)
	p, err := r.Route(context.Background(), Input{Symbol: "NVDA", Bullish: true, Confidence: 0.75, Price: 100}, broker.Account{Cash: 10_000, Equity: 10_000}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, broker.AssetEquity, p.AssetClass)
	assert.Equal(t, 750.0, p.Request.Notional)
	assert.Equal(t, broker.TIFDay, p.Request.TimeInForce)
	assert.NotEmpty(t, p.Request.ClientOrderID)
}

func TestRoute_BelowMinimum(t *testing.T) {
	r := New(config.Default(), nil)
	_, err := r.Route(context.Background(), Input{Symbol: "NVDA", Confidence: 0.7}, broker.Account{Cash: 1000}, time.Now())
	assert.True(t, errors.Is(err, ErrBelowMinimum))
}

func TestRoute_CryptoUsesOwnCapAndGTC(t *testing.T) {
	r := New(config.Default(), nil)
	p, err := r.Route(context.Background(), Input{Symbol: "BTC/USD", IsCrypto: true, Confidence: 1}, broker.Account{Cash: 100_000}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, broker.AssetCrypto, p.AssetClass)
	assert.Equal(t, 1000.0, p.Notional)
	assert.Equal(t, broker.TIFGTC, p.Request.TimeInForce)
}

func TestRoute_Options(t *testing.T) {
	cfg := config.Default()
	cfg.Options.Enabled = true
	sel := &options.Selection{
		Contract: broker.OptionContract{Symbol: "NVDA250516C00105000", Underlying: "NVDA", Type: "call", Strike: 105},
		Mid:      2.05,
		Qty:      9,
	}
	fs := &fakeSelector{sel: sel}
	r := New(cfg, fs)
	acct := broker.Account{Cash: 100_000, Equity: 100_000}

	p, err := r.Route(context.Background(), Input{Symbol: "NVDA", Bullish: true, Confidence: 0.85, EntryQuality: "excellent", Price: 100}, acct, time.Now())
	require.NoError(t, err)
	assert.Equal(t, broker.AssetOption, p.AssetClass)
	assert.Equal(t, "NVDA", p.Underlying)
	assert.Equal(t, 9.0, p.Request.Qty)
	assert.Zero(t, p.Request.Notional)
	assert.Equal(t, 2.05, p.Request.LimitPrice)

	// not top quality: equity, selector untouched
	p, err = r.Route(context.Background(), Input{Symbol: "NVDA", Confidence: 0.85, EntryQuality: "good"}, acct, time.Now())
	require.NoError(t, err)
	assert.Equal(t, broker.AssetEquity, p.AssetClass)
	assert.Equal(t, 1, fs.calls)

	// below options threshold
	assert.False(t, r.OptionsEligible(Input{Symbol: "NVDA", Confidence: 0.79, EntryQuality: "excellent"}))
}

func TestRoute_OptionsFallBackToEquity(t *testing.T) {
	cfg := config.Default()
	cfg.Options.Enabled = true
	for _, fs := range []*fakeSelector{{}, {err: errors.New("chain unavailable")}} {
		r := New(cfg, fs)
		p, err := r.Route(context.Background(), Input{Symbol: "NVDA", Confidence: 0.9, EntryQuality: "excellent"}, broker.Account{Cash: 10_000, Equity: 10_000}, time.Now())
		require.NoError(t, err)
		assert.Equal(t, broker.AssetEquity, p.AssetClass)
		assert.Equal(t, 900.0, p.Notional)
	}
}

func TestRoute_OptionsUnaffordableRejects(t *testing.T) {
	cfg := config.Default()
	cfg.Options.Enabled = true
	fs := &fakeSelector{err: fmt.Errorf("NVDA: %w", options.ErrUnaffordable)}
	p, err := New(cfg, fs).Route(context.Background(), Input{Symbol: "NVDA", Confidence: 0.9, EntryQuality: "excellent", Price: 100}, broker.Account{Cash: 1_000, Equity: 1_000}, time.Now())
	assert.ErrorIs(t, err, options.ErrUnaffordable)
	assert.Nil(t, p)
}
