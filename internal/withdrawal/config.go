package withdrawal

import (
	"fmt"
	"time"

	"tonsettle/internal/apperr"

	"github.com/shopspring/decimal"
)

type Config struct {
	MinWithdrawal   int64  `mapstructure:"min_withdrawal" json:"min_withdrawal"`
	DailyLimit      int64  `mapstructure:"daily_limit" json:"daily_limit"`
	TokensPerCredit string `mapstructure:"tokens_per_credit" json:"tokens_per_credit"`
	FeeRate         string `mapstructure:"fee_rate" json:"fee_rate"`
	FixedNetworkFee int64  `mapstructure:"fixed_network_fee" json:"fixed_network_fee"`
	Asset           string `mapstructure:"asset" json:"asset"`

	// HouseAddress is the wallet withdrawals are paid from.
	HouseAddress     string `mapstructure:"house_address" json:"house_address"`
	LiquidityReserve int64  `mapstructure:"liquidity_reserve" json:"liquidity_reserve"`

	MaxRequestsPerWindow int           `mapstructure:"max_requests_per_window" json:"max_requests_per_window"`
	FraudWindow          time.Duration `mapstructure:"fraud_window" json:"fraud_window"`
	// WagerRatio flags requests above WagerRatio times the lifetime wagered
	// amount. Empty disables the check.
	WagerRatio string `mapstructure:"wager_ratio" json:"wager_ratio"`

	RequiredConfirmations int `mapstructure:"required_confirmations" json:"required_confirmations"`
	MaxProcessAttempts    int `mapstructure:"max_process_attempts" json:"max_process_attempts"`
	// ExpiryGrace is how long past its expiry a sent message that never
	// showed up on chain is still looked for before the request is refunded.
	ExpiryGrace time.Duration `mapstructure:"expiry_grace" json:"expiry_grace"`
}

func DefaultConfig() Config {
	return Config{
		MinWithdrawal:         50,
		DailyLimit:            5000,
		TokensPerCredit:       "1",
		FeeRate:               "0.02",
		Asset:                 "TON",
		MaxRequestsPerWindow:  10,
		FraudWindow:           time.Hour,
		WagerRatio:            "2",
		RequiredConfirmations: 1,
		MaxProcessAttempts:    3,
		ExpiryGrace:           time.Minute,
	}
}

func (c Config) Validate() error {
	if _, err := c.rates(); err != nil {
		return err
	}
	if c.MinWithdrawal < 1 {
		return apperr.New(apperr.KindValidation, "withdrawal.config", "min_withdrawal must be positive")
	}
	return nil
}

type rates struct {
	tokensPerCredit decimal.Decimal
	feeRate         decimal.Decimal
	wagerRatio      decimal.Decimal
	checkWager      bool
}

func (c Config) rates() (rates, error) {
	const op = "withdrawal.config"
	var r rates
	var err error
	if r.tokensPerCredit, err = decimal.NewFromString(c.TokensPerCredit); err != nil {
		return r, apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("tokens_per_credit: %w", err))
	}
	if !r.tokensPerCredit.IsPositive() {
		return r, apperr.New(apperr.KindValidation, op, "tokens_per_credit must be positive")
	}
	if r.feeRate, err = decimal.NewFromString(c.FeeRate); err != nil {
		return r, apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("fee_rate: %w", err))
	}
	if r.feeRate.IsNegative() || r.feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return r, apperr.New(apperr.KindValidation, op, "fee_rate must be in [0, 1)")
	}
	if c.WagerRatio != "" {
		if r.wagerRatio, err = decimal.NewFromString(c.WagerRatio); err != nil {
			return r, apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("wager_ratio: %w", err))
		}
		r.checkWager = true
	}
	return r, nil
}

// Quote is the token side of a withdrawal of some credits.
type Quote struct {
	CreditAmount   int64 `json:"credit_amount"`
	TokenAmount    int64 `json:"token_amount"`
	NetworkFee     int64 `json:"network_fee"`
	NetTokenAmount int64 `json:"net_token_amount"`
}

func (r rates) quote(credits, fixedFee int64) Quote {
	tokens := decimal.NewFromInt(credits).Mul(r.tokensPerCredit).Floor()
	fee := tokens.Mul(r.feeRate).Ceil().IntPart() + fixedFee
	return Quote{
		CreditAmount:   credits,
		TokenAmount:    tokens.IntPart(),
		NetworkFee:     fee,
		NetTokenAmount: tokens.IntPart() - fee,
	}
}

func estimatedTime(state string) string {
	switch state {
	case "pending":
		return "5-15 minutes"
	case "submitting", "processing":
		return "10-30 minutes"
	case "flagged":
		return "24-48 hours (manual review)"
	default:
		return "unknown"
	}
}
