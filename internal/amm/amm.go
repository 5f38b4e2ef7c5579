// Package amm implements the constant-liquidity automated market maker for
// binary YES/NO prediction markets.
//
// The implied YES probability is yesShares / (yesShares + noShares). A buy
// of net amount N on side S bumps both pools: S by N and the opposite side
// by N * (1 - p), where p is the pre-trade price of S. That moves the
// price continuously toward the bought side for every p in (0, 1) and keeps
// both pools strictly positive. Selling applies the exact dual as pool
// decrements, clamped to a minimum share floor.
//
// All monetary values use shopspring/decimal, never float64.
package amm

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/babylonsim/marketcore/internal/domain"
)

var (
	// MinPrice and MaxPrice clamp quoted prices so a market never prices
	// an outcome at exactly 0% or 100%.
	MinPrice = decimal.NewFromFloat(0.001)
	MaxPrice = decimal.NewFromFloat(0.999)

	// minShares is the pool floor; pool decrements on sells never take a
	// side below it, so the implied probability stays inside (0, 1).
	minShares = decimal.NewFromFloat(0.0001)

	two = decimal.NewFromInt(2)
)

// FeeSchedule computes the fee breakdown for a gross trade amount. The fee
// engine in internal/fees implements it.
type FeeSchedule interface {
	Calculate(amount decimal.Decimal) domain.FeeBreakdown
}

// Pricer converts buy/sell requests on a binary market into share deltas
// and execution prices. It is stateless; pool quantities are passed in, not
// stored.
type Pricer struct {
	fees FeeSchedule
}

// NewPricer creates a Pricer using the given fee schedule. Fees are
// deducted from a buy before shares are priced and from gross proceeds on
// a sell.
func NewPricer(fees FeeSchedule) *Pricer {
	return &Pricer{fees: fees}
}

// BuyQuote is the result of pricing a buy.
type BuyQuote struct {
	SharesBought decimal.Decimal
	AvgPrice     decimal.Decimal
	NewYesShares decimal.Decimal
	NewNoShares  decimal.Decimal
	NetAmount    decimal.Decimal
	Fee          decimal.Decimal
}

// SellQuote is the result of pricing a sell.
type SellQuote struct {
	GrossProceeds decimal.Decimal
	Payout        decimal.Decimal // gross minus fee
	AvgPrice      decimal.Decimal
	NewYesShares  decimal.Decimal
	NewNoShares   decimal.Decimal
	Fee           decimal.Decimal
}

// Price returns the clamped instantaneous price of the given side.
func (p *Pricer) Price(yes, no decimal.Decimal, side domain.MarketSide) decimal.Decimal {
	total := yes.Add(no)
	if total.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromFloat(0.5)
	}
	var pr decimal.Decimal
	if side == domain.SideYes {
		pr = yes.Div(total)
	} else {
		pr = no.Div(total)
	}
	return clampPrice(pr)
}

// QuoteBuy prices a buy of the given gross amount on one side of the
// market. The fee is deducted first; the net amount funds the purchase.
func (p *Pricer) QuoteBuy(yes, no decimal.Decimal, side domain.MarketSide, amount decimal.Decimal) (BuyQuote, error) {
	if side != domain.SideYes && side != domain.SideNo {
		return BuyQuote{}, fmt.Errorf("amm: %w: %q", domain.ErrInvalidSide, side)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return BuyQuote{}, fmt.Errorf("amm: %w: amount must be positive", domain.ErrInvalidAmount)
	}

	fees := p.fees.Calculate(amount)
	net := fees.NetAmount

	before := p.Price(yes, no, side)

	// Bump both pools: the bought side absorbs the full net amount, the
	// opposite side absorbs net × (1 − p). Both pools grow, the bought
	// side grows more, and the price of the bought side strictly rises.
	oppositeBump := net.Mul(decimal.NewFromInt(1).Sub(before))

	newYes, newNo := yes, no
	if side == domain.SideYes {
		newYes = yes.Add(net)
		newNo = no.Add(oppositeBump)
	} else {
		newNo = no.Add(net)
		newYes = yes.Add(oppositeBump)
	}

	after := p.Price(newYes, newNo, side)
	avg := clampPrice(before.Add(after).Div(two))

	return BuyQuote{
		SharesBought: net.Div(avg),
		AvgPrice:     avg,
		NewYesShares: newYes,
		NewNoShares:  newNo,
		NetAmount:    net,
		Fee:          fees.FeeAmount,
	}, nil
}

// QuoteSell prices the sale of held shares back to the market. The gross
// proceeds are shares × average execution price; the fee schedule applies
// to the gross.
func (p *Pricer) QuoteSell(yes, no decimal.Decimal, side domain.MarketSide, shares decimal.Decimal) (SellQuote, error) {
	if side != domain.SideYes && side != domain.SideNo {
		return SellQuote{}, fmt.Errorf("amm: %w: %q", domain.ErrInvalidSide, side)
	}
	if shares.LessThanOrEqual(decimal.Zero) {
		return SellQuote{}, fmt.Errorf("amm: %w: shares must be positive", domain.ErrInvalidAmount)
	}

	before := p.Price(yes, no, side)

	// First-pass estimate of the value coming out of the pools.
	est := shares.Mul(before)
	oppositeDrop := est.Mul(decimal.NewFromInt(1).Sub(before))

	newYes, newNo := yes, no
	if side == domain.SideYes {
		newYes = floorShares(yes.Sub(est))
		newNo = floorShares(no.Sub(oppositeDrop))
	} else {
		newNo = floorShares(no.Sub(est))
		newYes = floorShares(yes.Sub(oppositeDrop))
	}

	after := p.Price(newYes, newNo, side)
	avg := clampPrice(before.Add(after).Div(two))

	gross := shares.Mul(avg)
	fees := p.fees.Calculate(gross)

	return SellQuote{
		GrossProceeds: gross,
		Payout:        gross.Sub(fees.FeeAmount),
		AvgPrice:      avg,
		NewYesShares:  newYes,
		NewNoShares:   newNo,
		Fee:           fees.FeeAmount,
	}, nil
}

func clampPrice(pr decimal.Decimal) decimal.Decimal {
	if pr.LessThan(MinPrice) {
		return MinPrice
	}
	if pr.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return pr
}

func floorShares(q decimal.Decimal) decimal.Decimal {
	if q.LessThan(minShares) {
		return minShares
	}
	return q
}
