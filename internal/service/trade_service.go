// Package service composes the pricing, fee, position, and oracle engines
// into the operations the platform calls: executing trades, reacting to
// price ticks, and resolving markets. All validation happens before any
// state mutation; a rejected trade leaves no trace.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylonsim/marketcore/internal/amm"
	"github.com/babylonsim/marketcore/internal/domain"
	"github.com/babylonsim/marketcore/internal/fees"
	"github.com/babylonsim/marketcore/internal/perps"
)

// Trade types recorded on fee records.
const (
	TradePredictionBuy  = "prediction_buy"
	TradePredictionSell = "prediction_sell"
	TradePerpOpen       = "perp_open"
	TradePerpClose      = "perp_close"
)

// TradeService sequences trade execution: validation → pricing or position
// engine → fee → ledger → persistence → event publish.
type TradeService struct {
	markets   domain.MarketStore
	positions domain.PerpPositionStore
	ledger    domain.LedgerStore
	prices    domain.PriceCache
	bus       domain.SignalBus
	audit     domain.AuditStore
	pricer    *amm.Pricer
	engine    *perps.Engine
	fees      *fees.Service
	logger    *slog.Logger
}

// NewTradeService creates a TradeService with all required dependencies.
func NewTradeService(
	markets domain.MarketStore,
	positions domain.PerpPositionStore,
	ledger domain.LedgerStore,
	prices domain.PriceCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	pricer *amm.Pricer,
	engine *perps.Engine,
	feeSvc *fees.Service,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		markets:   markets,
		positions: positions,
		ledger:    ledger,
		prices:    prices,
		bus:       bus,
		audit:     audit,
		pricer:    pricer,
		engine:    engine,
		fees:      feeSvc,
		logger:    logger.With(slog.String("component", "trade_service")),
	}
}

// TradeResult is the response at the trade-execution boundary: every trade
// reports the realized fee breakdown.
type TradeResult struct {
	PositionID   string
	SharesBought decimal.Decimal
	AvgPrice     decimal.Decimal
	FeeCharged   decimal.Decimal
	NetAmount    decimal.Decimal
	Payout       decimal.Decimal
}

// BuyShares executes a prediction-market buy: the gross amount is debited,
// the fee is charged, and the net amount funds the share purchase.
func (s *TradeService) BuyShares(ctx context.Context, userID, marketID, side string, amount decimal.Decimal) (TradeResult, error) {
	mside, err := domain.ParseMarketSide(side)
	if err != nil {
		return TradeResult{}, err
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return TradeResult{}, fmt.Errorf("trade: %w: amount must be positive", domain.ErrInvalidAmount)
	}

	market, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return TradeResult{}, fmt.Errorf("trade: market %q: %w", marketID, err)
	}
	if !market.Open() {
		return TradeResult{}, fmt.Errorf("trade: market %q: %w", marketID, domain.ErrMarketClosed)
	}

	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return TradeResult{}, fmt.Errorf("trade: balance for %q: %w", userID, err)
	}
	if balance.LessThan(amount) {
		return TradeResult{}, fmt.Errorf("trade: %w", domain.ErrInsufficientBalance)
	}

	quote, err := s.pricer.QuoteBuy(market.YesShares, market.NoShares, mside, amount)
	if err != nil {
		return TradeResult{}, err
	}

	// All validations passed; mutate. The debit entry is the trade's
	// idempotent anchor in the ledger.
	entry := domain.BalanceEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      domain.EntryTrade,
		Amount:    amount.Neg(),
		RefID:     marketID,
		Memo:      "buy " + string(mside),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		return TradeResult{}, fmt.Errorf("trade: debit %q: %w", userID, err)
	}

	outcome, err := s.fees.ProcessTradingFee(ctx, userID, TradePredictionBuy, amount, entry.ID)
	if err != nil {
		return TradeResult{}, err
	}

	liquidity := market.Liquidity.Add(quote.NetAmount)
	if err := s.markets.UpdatePools(ctx, marketID, quote.NewYesShares, quote.NewNoShares, liquidity); err != nil {
		return TradeResult{}, fmt.Errorf("trade: update pools for %q: %w", marketID, err)
	}

	s.publish(ctx, "trades", map[string]any{
		"event":     "shares_bought",
		"user_id":   userID,
		"market_id": marketID,
		"side":      string(mside),
		"amount":    amount.String(),
		"shares":    quote.SharesBought.String(),
		"avg_price": quote.AvgPrice.String(),
		"fee":       outcome.FeeCharged.String(),
	})
	s.auditLog(ctx, "shares_bought", map[string]any{
		"user_id":   userID,
		"market_id": marketID,
		"side":      string(mside),
		"amount":    amount.String(),
		"entry_id":  entry.ID,
	})

	return TradeResult{
		SharesBought: quote.SharesBought,
		AvgPrice:     quote.AvgPrice,
		FeeCharged:   outcome.FeeCharged,
		NetAmount:    quote.NetAmount,
	}, nil
}

// SellShares converts held shares back into a payout at the current pool
// state, applying the fee schedule to the gross proceeds. Share-holding
// checks belong to the persistence layer that owns holdings; this boundary
// prices and settles.
func (s *TradeService) SellShares(ctx context.Context, userID, marketID, side string, shares decimal.Decimal) (TradeResult, error) {
	mside, err := domain.ParseMarketSide(side)
	if err != nil {
		return TradeResult{}, err
	}
	if shares.LessThanOrEqual(decimal.Zero) {
		return TradeResult{}, fmt.Errorf("trade: %w: shares must be positive", domain.ErrInvalidAmount)
	}

	market, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return TradeResult{}, fmt.Errorf("trade: market %q: %w", marketID, err)
	}
	if !market.Open() {
		return TradeResult{}, fmt.Errorf("trade: market %q: %w", marketID, domain.ErrMarketClosed)
	}

	quote, err := s.pricer.QuoteSell(market.YesShares, market.NoShares, mside, shares)
	if err != nil {
		return TradeResult{}, err
	}

	entry := domain.BalanceEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      domain.EntryPayout,
		Amount:    quote.Payout,
		RefID:     marketID,
		Memo:      "sell " + string(mside),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		return TradeResult{}, fmt.Errorf("trade: credit %q: %w", userID, err)
	}

	outcome, err := s.fees.ProcessTradingFee(ctx, userID, TradePredictionSell, quote.GrossProceeds, entry.ID)
	if err != nil {
		return TradeResult{}, err
	}

	liquidity := market.Liquidity.Sub(quote.GrossProceeds)
	if liquidity.IsNegative() {
		liquidity = decimal.Zero
	}
	if err := s.markets.UpdatePools(ctx, marketID, quote.NewYesShares, quote.NewNoShares, liquidity); err != nil {
		return TradeResult{}, fmt.Errorf("trade: update pools for %q: %w", marketID, err)
	}

	s.publish(ctx, "trades", map[string]any{
		"event":     "shares_sold",
		"user_id":   userID,
		"market_id": marketID,
		"side":      string(mside),
		"shares":    shares.String(),
		"payout":    quote.Payout.String(),
		"fee":       outcome.FeeCharged.String(),
	})
	s.auditLog(ctx, "shares_sold", map[string]any{
		"user_id":   userID,
		"market_id": marketID,
		"shares":    shares.String(),
		"entry_id":  entry.ID,
	})

	return TradeResult{
		AvgPrice:   quote.AvgPrice,
		FeeCharged: outcome.FeeCharged,
		Payout:     quote.Payout,
	}, nil
}

// OpenPosition opens a leveraged perpetual position at the ticker's latest
// cached price. The margin and the fee on notional size are both debited
// from the trader's balance; the fee debit is what funds the fee record and
// any referral payout, so recorded fees are always collected fees.
func (s *TradeService) OpenPosition(ctx context.Context, userID, ticker, side string, margin, leverage decimal.Decimal) (domain.PerpPosition, error) {
	pside, err := domain.ParsePositionSide(side)
	if err != nil {
		return domain.PerpPosition{}, err
	}
	if margin.LessThanOrEqual(decimal.Zero) {
		return domain.PerpPosition{}, fmt.Errorf("trade: %w: margin must be positive", domain.ErrInvalidAmount)
	}

	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return domain.PerpPosition{}, fmt.Errorf("trade: balance for %q: %w", userID, err)
	}

	// The fee is priced on the notional the engine will actually open,
	// using the same leverage clamp, and checked up front alongside the
	// margin so a funded open can never fail at the fee debit.
	notional := margin.Mul(s.engine.ClampLeverage(leverage))
	openFee := s.fees.Calculate(notional).FeeAmount
	if balance.LessThan(margin.Add(openFee)) {
		return domain.PerpPosition{}, fmt.Errorf("trade: %w", domain.ErrInsufficientBalance)
	}

	price, _, err := s.prices.GetPrice(ctx, ticker)
	if err != nil {
		return domain.PerpPosition{}, fmt.Errorf("trade: no price for ticker %q: %w", ticker, err)
	}

	pos, err := s.engine.Open(userID, ticker, pside, margin, leverage, price)
	if err != nil {
		return domain.PerpPosition{}, err
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		// Roll the in-memory open back so engine and store agree.
		_, _, _ = s.engine.Close(pos.ID)
		return domain.PerpPosition{}, fmt.Errorf("trade: persist position %q: %w", pos.ID, err)
	}

	entry := domain.BalanceEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      domain.EntryMargin,
		Amount:    margin.Neg(),
		RefID:     pos.ID,
		Memo:      "margin for " + ticker + " " + string(pside),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		return domain.PerpPosition{}, fmt.Errorf("trade: debit margin for %q: %w", userID, err)
	}

	if openFee.IsPositive() {
		feeEntry := domain.BalanceEntry{
			ID:        uuid.NewString(),
			UserID:    userID,
			Kind:      domain.EntryFee,
			Amount:    openFee.Neg(),
			RefID:     pos.ID,
			Memo:      "open fee for " + ticker + " " + string(pside),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.ledger.Append(ctx, feeEntry); err != nil {
			return domain.PerpPosition{}, fmt.Errorf("trade: debit open fee for %q: %w", userID, err)
		}
	}

	if _, err := s.fees.ProcessTradingFee(ctx, userID, TradePerpOpen, pos.Size, pos.ID); err != nil {
		return domain.PerpPosition{}, err
	}

	s.publish(ctx, "positions", map[string]any{
		"event":             "position_opened",
		"position_id":       pos.ID,
		"user_id":           userID,
		"ticker":            ticker,
		"side":              string(pside),
		"size":              pos.Size.String(),
		"entry_price":       pos.EntryPrice.String(),
		"liquidation_price": pos.LiquidationPrice.String(),
	})
	s.auditLog(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"user_id":     userID,
		"ticker":      ticker,
		"margin":      margin.String(),
		"leverage":    pos.Leverage.String(),
	})

	return pos, nil
}

// ClosePosition closes an open perpetual at its last marked price, credits
// the cash-out (margin plus realized PnL, floored at zero) net of the close
// fee, and persists the closed record. The fee on notional size is taken
// out of the cash-out, so it is only charged when the cash-out covers it;
// a busted position forfeits everything and owes nothing further. A second
// close of the same id fails with ErrPositionNotFound.
func (s *TradeService) ClosePosition(ctx context.Context, id string) (decimal.Decimal, error) {
	pos, realized, err := s.engine.Close(id)
	if err != nil {
		return decimal.Zero, err
	}

	if err := s.positions.Close(ctx, id, pos.CurrentPrice, realized, domain.PerpStatusClosed); err != nil {
		return decimal.Zero, fmt.Errorf("trade: persist close %q: %w", id, err)
	}

	cashOut := pos.Margin.Add(realized)
	if cashOut.IsNegative() {
		cashOut = decimal.Zero
	}
	closeFee := s.fees.Calculate(pos.Size).FeeAmount
	if closeFee.IsPositive() && cashOut.GreaterThanOrEqual(closeFee) {
		cashOut = cashOut.Sub(closeFee)
	} else {
		closeFee = decimal.Zero
	}

	if cashOut.IsPositive() {
		entry := domain.BalanceEntry{
			ID:        uuid.NewString(),
			UserID:    pos.UserID,
			Kind:      domain.EntrySettlement,
			Amount:    cashOut,
			RefID:     id,
			Memo:      "close " + pos.Ticker + " " + string(pos.Side),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.ledger.Append(ctx, entry); err != nil {
			return decimal.Zero, fmt.Errorf("trade: credit close %q: %w", id, err)
		}
	}

	if closeFee.IsPositive() {
		if _, err := s.fees.ProcessTradingFee(ctx, pos.UserID, TradePerpClose, pos.Size, id); err != nil {
			return decimal.Zero, err
		}
	}

	s.publish(ctx, "positions", map[string]any{
		"event":        "position_closed",
		"position_id":  id,
		"user_id":      pos.UserID,
		"ticker":       pos.Ticker,
		"exit_price":   pos.CurrentPrice.String(),
		"realized_pnl": realized.String(),
		"fee":          closeFee.String(),
	})
	s.auditLog(ctx, "position_closed", map[string]any{
		"position_id":  id,
		"user_id":      pos.UserID,
		"realized_pnl": realized.String(),
	})

	return realized, nil
}

// ApplyPriceUpdate is the price-feed boundary: it caches the new price,
// re-marks every open position on the ticker, and settles any liquidations.
// A settlement failure for one position is logged and does not abort the
// others; the tick itself is fire-and-forget for the producer.
func (s *TradeService) ApplyPriceUpdate(ctx context.Context, ticker string, price decimal.Decimal, source, reason string) error {
	if price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("trade: %w: price must be positive", domain.ErrInvalidAmount)
	}

	if err := s.prices.SetPrice(ctx, ticker, price, time.Now().UTC()); err != nil {
		s.logger.WarnContext(ctx, "price cache update failed",
			slog.String("ticker", ticker),
			slog.String("error", err.Error()),
		)
	}

	for _, liq := range s.engine.ApplyPriceUpdate(ticker, price) {
		if err := s.settleLiquidation(ctx, liq); err != nil {
			s.logger.ErrorContext(ctx, "liquidation settlement failed",
				slog.String("position_id", liq.Position.ID),
				slog.String("ticker", ticker),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.DebugContext(ctx, "price applied",
		slog.String("ticker", ticker),
		slog.String("price", price.String()),
		slog.String("source", source),
		slog.String("reason", reason),
	)
	return nil
}

// settleLiquidation persists a forced close. The full margin is forfeited,
// so no settlement credit is written, only the closed record, a
// zero-cash-out liquidation entry for auditability, and the events.
func (s *TradeService) settleLiquidation(ctx context.Context, liq perps.Liquidation) error {
	pos := liq.Position

	if err := s.positions.Close(ctx, pos.ID, liq.Price, pos.RealizedPnL, domain.PerpStatusLiquidated); err != nil {
		return fmt.Errorf("trade: persist liquidation %q: %w", pos.ID, err)
	}

	entry := domain.BalanceEntry{
		ID:        uuid.NewString(),
		UserID:    pos.UserID,
		Kind:      domain.EntryLiquidation,
		Amount:    decimal.Zero,
		RefID:     pos.ID,
		Memo:      "liquidated " + pos.Ticker + " at " + liq.Price.String(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		return fmt.Errorf("trade: ledger liquidation %q: %w", pos.ID, err)
	}

	s.publish(ctx, "positions", map[string]any{
		"event":       "position_liquidated",
		"position_id": pos.ID,
		"user_id":     pos.UserID,
		"ticker":      pos.Ticker,
		"price":       liq.Price.String(),
		"loss":        liq.Loss.String(),
	})
	s.auditLog(ctx, "position_liquidated", map[string]any{
		"position_id": pos.ID,
		"user_id":     pos.UserID,
		"ticker":      pos.Ticker,
		"price":       liq.Price.String(),
	})
	return nil
}

func (s *TradeService) publish(ctx context.Context, channel string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, channel, data); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TradeService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
