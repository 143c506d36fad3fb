package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"batchtrader/pkg/exchanges/common"
	"batchtrader/pkg/exchanges/kraken"
)

// krakenAssetCodes maps common asset names to Kraken's ledger codes.
var krakenAssetCodes = map[string]string{
	"EUR": "ZEUR",
	"USD": "ZUSD",
	"XBT": "XXBT",
	"ETH": "XETH",
}

// Kraken executes orders on the live venue through the REST client. Quote
// sized buys are converted to base volume against the latest streamed price
// just before placing.
type Kraken struct {
	client *kraken.Client
	prices PriceSource
}

// NewKraken wires the live adapter.
func NewKraken(client *kraken.Client, prices PriceSource) *Kraken {
	return &Kraken{client: client, prices: prices}
}

// PlaceMarketOrder places a market order and normalizes the result.
func (k *Kraken) PlaceMarketOrder(ctx context.Context, side common.Side, inst common.Instrument, size common.SizeSpec) (common.Fill, error) {
	volume := size.BaseAmount
	price, _, havePrice := k.prices.LatestPrice(inst.Symbol)
	if volume <= 0 {
		if !havePrice || price <= 0 {
			return common.Fill{}, fmt.Errorf("kraken venue: no price to size %s order: %w", inst.Symbol, common.ErrRejected)
		}
		volume = size.QuoteAmount / price
	}

	res, err := k.client.AddOrder(ctx, kraken.OrderRequest{
		Pair:   strings.ReplaceAll(inst.Symbol, "/", ""),
		Side:   strings.ToLower(string(side)),
		Volume: volume,
	})
	if err != nil {
		return common.Fill{}, classifyOrderError(err)
	}

	fill := common.Fill{
		Instrument: inst,
		Side:       side,
		Price:      res.Price,
		BaseAmount: res.Volume,
		Fee:        res.Fee,
		ExecutedAt: time.Now(),
	}
	if len(res.TxID) > 0 {
		fill.OrderID = res.TxID[0]
	}
	if res.Cost > 0 {
		fill.QuoteAmount = res.Cost
	} else if fill.Price > 0 {
		fill.QuoteAmount = fill.BaseAmount * fill.Price
	} else if havePrice {
		// Fill details were not available yet; estimate from the stream.
		fill.Price = price
		fill.QuoteAmount = fill.BaseAmount * price
	}
	return fill, nil
}

// classifyOrderError maps Kraken error strings onto the venue-neutral
// sentinels so callers can decide between retry and skip.
func classifyOrderError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Insufficient funds"):
		return fmt.Errorf("%s: %w", msg, common.ErrRejected)
	case strings.Contains(msg, "volume minimum not met"),
		strings.Contains(msg, "Order minimum not met"):
		return fmt.Errorf("%s: %w", msg, common.ErrBelowMinimum)
	case strings.Contains(msg, "Unknown asset pair"), strings.Contains(msg, "Invalid arguments"):
		return fmt.Errorf("%s: %w", msg, common.ErrRejected)
	default:
		return err
	}
}

// AvailableBalance returns the venue balance for one asset.
func (k *Kraken) AvailableBalance(ctx context.Context, asset string) (float64, error) {
	balances, err := k.client.Balance(ctx)
	if err != nil {
		return 0, err
	}
	code := asset
	if mapped, ok := krakenAssetCodes[asset]; ok {
		code = mapped
	}
	if v, ok := balances[code]; ok {
		return v, nil
	}
	if v, ok := balances[asset]; ok {
		return v, nil
	}
	return 0, nil
}

// ListInstruments returns the venue's tradable pairs as instruments.
func (k *Kraken) ListInstruments(ctx context.Context) ([]common.Instrument, error) {
	pairs, err := k.client.AssetPairs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]common.Instrument, 0, len(pairs))
	for _, p := range pairs {
		if p.WSName == "" {
			continue
		}
		parts := strings.SplitN(p.WSName, "/", 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, common.Instrument{Symbol: p.WSName, Base: parts[0], Quote: parts[1]})
	}
	return out, nil
}

var _ common.ExecutionVenue = (*Kraken)(nil)
var _ common.ExecutionVenue = (*Sim)(nil)
var _ common.ExecutionVenue = (*Retrying)(nil)

// Retrying decorates a venue with the bounded retry policy. Rejections and
// below-minimum errors pass straight through; only transient failures are
// retried.
type Retrying struct {
	inner  common.ExecutionVenue
	policy common.RetryPolicy
}

// NewRetrying wraps a venue with the given policy.
func NewRetrying(inner common.ExecutionVenue, policy common.RetryPolicy) *Retrying {
	return &Retrying{inner: inner, policy: policy}
}

// PlaceMarketOrder retries transient order failures with backoff.
func (r *Retrying) PlaceMarketOrder(ctx context.Context, side common.Side, inst common.Instrument, size common.SizeSpec) (common.Fill, error) {
	var fill common.Fill
	err := common.Retry(ctx, r.policy, func() error {
		var err error
		fill, err = r.inner.PlaceMarketOrder(ctx, side, inst, size)
		return err
	})
	if err != nil && !errors.Is(err, common.ErrRejected) && !errors.Is(err, common.ErrBelowMinimum) {
		return fill, fmt.Errorf("place %s %s: %w", side, inst.Symbol, err)
	}
	return fill, err
}

// AvailableBalance retries transient balance failures.
func (r *Retrying) AvailableBalance(ctx context.Context, asset string) (float64, error) {
	var out float64
	err := common.Retry(ctx, r.policy, func() error {
		var err error
		out, err = r.inner.AvailableBalance(ctx, asset)
		return err
	})
	return out, err
}

// ListInstruments retries transient listing failures.
func (r *Retrying) ListInstruments(ctx context.Context) ([]common.Instrument, error) {
	var out []common.Instrument
	err := common.Retry(ctx, r.policy, func() error {
		var err error
		out, err = r.inner.ListInstruments(ctx)
		return err
	})
	return out, err
}
