package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"PerpIndexer/internal/event"
)

var ErrUnknownEvent = errors.New("unknown event")

// wireEvent is the JSON form of one decoded contract log as published by the
// chain reader. Integer arguments are decimal strings (or 0x-prefixed hex),
// since most of them do not fit in 64 bits.
type wireEvent struct {
	Event           string                     `json:"event"`
	TxHash          string                     `json:"txHash"`
	BlockNumber     uint64                     `json:"blockNumber"`
	LogIndex        uint32                     `json:"logIndex"`
	BlockTimestamp  int64                      `json:"blockTimestamp"` // unix seconds
	ContractAddress string                     `json:"contractAddress"`
	Args            map[string]json.RawMessage `json:"args"`
}

// ParseEvent decodes one wire event into its typed form. Addresses are
// checksummed and the tx hash lower-cased so that entity keys do not depend
// on the casing used upstream.
func ParseEvent(data []byte) (event.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrInvalidPayload, err)
	}
	et, ok := event.ParseEventType(w.Event)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Event)
	}

	env, err := w.envelope()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	a := &args{m: w.Args}
	evt := build(et, env, a)
	if a.err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, a.err)
	}
	return evt, nil
}

func (w *wireEvent) envelope() (event.Envelope, error) {
	txHash, err := event.NormalizeTxHash(w.TxHash)
	if err != nil {
		return event.Envelope{}, err
	}
	contract, err := event.NormalizeAddress(w.ContractAddress)
	if err != nil {
		return event.Envelope{}, err
	}
	if w.BlockTimestamp <= 0 {
		return event.Envelope{}, fmt.Errorf("%w: missing blockTimestamp", event.ErrInvalidPayload)
	}
	return event.Envelope{
		TxHash:          txHash,
		BlockNumber:     w.BlockNumber,
		LogIndex:        w.LogIndex,
		BlockTimestamp:  time.Unix(w.BlockTimestamp, 0).UTC(),
		ContractAddress: contract,
	}, nil
}

func build(et event.EventType, env event.Envelope, a *args) event.Event {
	switch et {
	case event.EventTypeDeposited:
		return &event.Deposited{Envelope: env, Trader: a.addr("trader"), Amount: a.int("amount")}
	case event.EventTypeWithdrawn:
		return &event.Withdrawn{Envelope: env, Trader: a.addr("trader"), Amount: a.int("amount")}
	case event.EventTypeInsuranceFundTransferred:
		return &event.InsuranceFundTransferred{Envelope: env, Trader: a.addr("trader"), Amount: a.int("amount")}
	case event.EventTypeProtocolFeeTransferred:
		return &event.ProtocolFeeTransferred{Envelope: env, Trader: a.addr("trader"), Amount: a.int("amount")}

	case event.EventTypeLiquidityAddedExchange:
		return &event.LiquidityAddedExchange{
			Envelope:                env,
			Trader:                  a.addr("trader"),
			Market:                  a.addr("market"),
			Base:                    a.int("base"),
			Quote:                   a.int("quote"),
			Liquidity:               a.int("liquidity"),
			CumBasePerLiquidityX96:  a.int("cumBasePerLiquidityX96"),
			CumQuotePerLiquidityX96: a.int("cumQuotePerLiquidityX96"),
			BaseBalancePerShareX96:  a.int("baseBalancePerShareX96"),
			SharePriceAfterX96:      a.int("sharePriceAfterX96"),
		}
	case event.EventTypeLiquidityRemovedExchange:
		return &event.LiquidityRemovedExchange{
			Envelope:               env,
			Trader:                 a.addr("trader"),
			Market:                 a.addr("market"),
			Liquidator:             a.addr("liquidator"),
			Base:                   a.int("base"),
			Quote:                  a.int("quote"),
			Liquidity:              a.int("liquidity"),
			TakerBase:              a.int("takerBase"),
			TakerQuote:             a.int("takerQuote"),
			RealizedPnl:            a.int("realizedPnl"),
			BaseBalancePerShareX96: a.int("baseBalancePerShareX96"),
			SharePriceAfterX96:     a.int("sharePriceAfterX96"),
		}
	case event.EventTypeLiquidityAddedMarket:
		return &event.LiquidityAddedMarket{Envelope: env, Base: a.int("base"), Quote: a.int("quote"), Liquidity: a.int("liquidity")}
	case event.EventTypeLiquidityRemovedMarket:
		return &event.LiquidityRemovedMarket{Envelope: env, Base: a.int("base"), Quote: a.int("quote"), Liquidity: a.int("liquidity")}

	case event.EventTypePositionChanged:
		return &event.PositionChanged{
			Envelope:               env,
			Trader:                 a.addr("trader"),
			Market:                 a.addr("market"),
			Base:                   a.int("base"),
			Quote:                  a.int("quote"),
			RealizedPnl:            a.int("realizedPnl"),
			ProtocolFee:            a.int("protocolFee"),
			BaseBalancePerShareX96: a.int("baseBalancePerShareX96"),
			SharePriceAfterX96:     a.int("sharePriceAfterX96"),
		}
	case event.EventTypePositionLiquidated:
		return &event.PositionLiquidated{
			Envelope:               env,
			Trader:                 a.addr("trader"),
			Market:                 a.addr("market"),
			Liquidator:             a.addr("liquidator"),
			Base:                   a.int("base"),
			Quote:                  a.int("quote"),
			RealizedPnl:            a.int("realizedPnl"),
			ProtocolFee:            a.int("protocolFee"),
			BaseBalancePerShareX96: a.int("baseBalancePerShareX96"),
			SharePriceAfterX96:     a.int("sharePriceAfterX96"),
			LiquidationPenalty:     a.int("liquidationPenalty"),
			LiquidationReward:      a.int("liquidationReward"),
			InsuranceFundReward:    a.int("insuranceFundReward"),
		}

	case event.EventTypeFundingPaid:
		return &event.FundingPaid{
			Envelope:                env,
			FundingRateX96:          a.int("fundingRateX96"),
			ElapsedSec:              a.u32("elapsedSec"),
			PremiumX96:              a.int("premiumX96"),
			MarkPriceX96:            a.int("markPriceX96"),
			CumBasePerLiquidityX96:  a.int("cumBasePerLiquidityX96"),
			CumQuotePerLiquidityX96: a.int("cumQuotePerLiquidityX96"),
		}
	case event.EventTypeSwapped:
		return &event.Swapped{
			Envelope:       env,
			IsBaseToQuote:  a.bool("isBaseToQuote"),
			IsExactInput:   a.bool("isExactInput"),
			Amount:         a.int("amount"),
			OppositeAmount: a.int("oppositeAmount"),
		}

	case event.EventTypeMaxMarketsPerAccountChanged:
		return &event.MaxMarketsPerAccountChanged{Envelope: env, Value: a.u32("value")}
	case event.EventTypeImRatioChanged:
		return &event.ImRatioChanged{Envelope: env, Value: a.u32("value")}
	case event.EventTypeMmRatioChanged:
		return &event.MmRatioChanged{Envelope: env, Value: a.u32("value")}
	case event.EventTypeLiquidationRewardConfigChanged:
		return &event.LiquidationRewardConfigChanged{Envelope: env, RewardRatio: a.u32("rewardRatio"), SmoothEmaTime: a.u32("smoothEmaTime")}
	case event.EventTypeProtocolFeeRatioChanged:
		return &event.ProtocolFeeRatioChanged{Envelope: env, Value: a.u32("value")}
	case event.EventTypeIsMarketAllowedChanged:
		return &event.IsMarketAllowedChanged{Envelope: env, Market: a.addr("market"), IsMarketAllowed: a.bool("isMarketAllowed")}
	case event.EventTypePoolFeeRatioChanged:
		return &event.PoolFeeRatioChanged{Envelope: env, Value: a.u32("value")}
	case event.EventTypeFundingMaxPremiumRatioChanged:
		return &event.FundingMaxPremiumRatioChanged{Envelope: env, Value: a.u32("value")}
	case event.EventTypeFundingMaxElapsedSecChanged:
		return &event.FundingMaxElapsedSecChanged{Envelope: env, Value: a.u32("value")}
	case event.EventTypeFundingRolloverSecChanged:
		return &event.FundingRolloverSecChanged{Envelope: env, Value: a.u32("value")}
	case event.EventTypePriceLimitConfigChanged:
		return &event.PriceLimitConfigChanged{
			Envelope:            env,
			NormalOrderRatio:    a.u32("normalOrderRatio"),
			LiquidationRatio:    a.u32("liquidationRatio"),
			EmaNormalOrderRatio: a.u32("emaNormalOrderRatio"),
			EmaLiquidationRatio: a.u32("emaLiquidationRatio"),
			EmaSec:              a.u32("emaSec"),
		}
	}
	a.fail(fmt.Errorf("%w: no decoder for %s", ErrUnknownEvent, et))
	return nil
}

// args reads named log arguments and keeps the first error.
type args struct {
	m   map[string]json.RawMessage
	err error
}

func (a *args) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *args) raw(name string) (json.RawMessage, bool) {
	v, ok := a.m[name]
	if !ok || len(v) == 0 || bytes.Equal(v, []byte("null")) {
		a.fail(fmt.Errorf("%w: missing %s", event.ErrInvalidPayload, name))
		return nil, false
	}
	return v, true
}

// int accepts a JSON string or number, decimal or 0x-prefixed hex.
func (a *args) int(name string) *big.Int {
	v, ok := a.raw(name)
	if !ok {
		return nil
	}
	s := string(v)
	if v[0] == '"' {
		if err := json.Unmarshal(v, &s); err != nil {
			a.fail(fmt.Errorf("%w: %s: %v", event.ErrInvalidPayload, name, err))
			return nil
		}
	}
	n, ok := parseInt(strings.TrimSpace(s))
	if !ok {
		a.fail(fmt.Errorf("%w: %s: not an integer: %s", event.ErrInvalidPayload, name, s))
		return nil
	}
	return n
}

func parseInt(s string) (*big.Int, bool) {
	neg := strings.HasPrefix(s, "-")
	digits := strings.TrimPrefix(s, "-")
	base := 10
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		base = 16
		digits = digits[2:]
	}
	if digits == "" {
		return nil, false
	}
	n, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, false
	}
	if neg {
		n.Neg(n)
	}
	return n, true
}

func (a *args) u32(name string) uint32 {
	n := a.int(name)
	if n == nil {
		return 0
	}
	if n.Sign() < 0 || n.BitLen() > 32 {
		a.fail(fmt.Errorf("%w: %s out of uint32 range: %s", event.ErrInvalidPayload, name, n))
		return 0
	}
	return uint32(n.Uint64())
}

func (a *args) bool(name string) bool {
	v, ok := a.raw(name)
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		a.fail(fmt.Errorf("%w: %s: %v", event.ErrInvalidPayload, name, err))
	}
	return b
}

func (a *args) addr(name string) string {
	v, ok := a.raw(name)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		a.fail(fmt.Errorf("%w: %s: %v", event.ErrInvalidPayload, name, err))
		return ""
	}
	addr, err := event.NormalizeAddress(s)
	if err != nil {
		a.fail(fmt.Errorf("%s: %w", name, err))
		return ""
	}
	return addr
}
