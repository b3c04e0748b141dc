package deposit

import (
	"fmt"
	"time"

	"tonsettle/internal/apperr"

	"github.com/shopspring/decimal"
)

// Tier requires Confirmations for deposits of at least MinAmount token units.
type Tier struct {
	MinAmount     int64 `mapstructure:"min_amount" json:"min_amount"`
	Confirmations int   `mapstructure:"confirmations" json:"confirmations"`
}

type Config struct {
	Tiers             []Tier `mapstructure:"tiers" json:"tiers"`
	BaseConfirmations int    `mapstructure:"base_confirmations" json:"base_confirmations"`
	MinDeposit        int64  `mapstructure:"min_deposit" json:"min_deposit"`
	LargeDepositAlert int64  `mapstructure:"large_deposit_alert" json:"large_deposit_alert"`
	CreditsPerToken   string `mapstructure:"credits_per_token" json:"credits_per_token"`
	BonusRate         string `mapstructure:"bonus_rate" json:"bonus_rate"`

	RecheckDelay       time.Duration `mapstructure:"recheck_delay" json:"recheck_delay"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff" json:"retry_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff" json:"max_backoff"`
	MaxAttempts        int           `mapstructure:"max_attempts" json:"max_attempts"`
	BlockTime          time.Duration `mapstructure:"block_time" json:"block_time"`
	TerminalRetention  time.Duration `mapstructure:"terminal_retention" json:"terminal_retention"`
	MonitorIdleTimeout time.Duration `mapstructure:"monitor_idle_timeout" json:"monitor_idle_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Tiers: []Tier{
			{MinAmount: 100_000, Confirmations: 3},
			{MinAmount: 1_000_000, Confirmations: 4},
			{MinAmount: 10_000_000, Confirmations: 6},
		},
		BaseConfirmations:  2,
		MinDeposit:         100,
		LargeDepositAlert:  10_000_000,
		CreditsPerToken:    "1",
		BonusRate:          "0.20",
		RecheckDelay:       time.Minute,
		RetryBackoff:       30 * time.Second,
		MaxBackoff:         10 * time.Minute,
		MaxAttempts:        5,
		BlockTime:          5 * time.Second,
		TerminalRetention:  24 * time.Hour,
		MonitorIdleTimeout: 24 * time.Hour,
	}
}

// Validate rejects tier tables that would let a larger deposit settle with
// fewer confirmations than a smaller one.
func (c Config) Validate() error {
	const op = "deposit.config"
	if c.BaseConfirmations < 1 {
		return apperr.New(apperr.KindValidation, op, "base_confirmations must be at least 1")
	}
	prevAmount, prevConfs := int64(-1), c.BaseConfirmations
	for i, t := range c.Tiers {
		if t.MinAmount <= prevAmount {
			return apperr.Newf(apperr.KindValidation, op, "tier %d: min_amount must increase", i)
		}
		if t.Confirmations < prevConfs {
			return apperr.Newf(apperr.KindValidation, op, "tier %d: confirmations must not decrease", i)
		}
		prevAmount, prevConfs = t.MinAmount, t.Confirmations
	}
	if _, err := decimal.NewFromString(c.CreditsPerToken); err != nil {
		return apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("credits_per_token: %w", err))
	}
	if c.BonusRate != "" {
		if _, err := decimal.NewFromString(c.BonusRate); err != nil {
			return apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("bonus_rate: %w", err))
		}
	}
	if c.MaxAttempts < 1 {
		return apperr.New(apperr.KindValidation, op, "max_attempts must be at least 1")
	}
	return nil
}

// RequiredConfirmations is the step function from deposit size to the number
// of confirmations needed before crediting.
func (c Config) RequiredConfirmations(amount int64) int {
	required := c.BaseConfirmations
	for _, t := range c.Tiers {
		if amount >= t.MinAmount {
			required = t.Confirmations
		}
	}
	return required
}

// Milestone names the confirmation progress for player-facing updates.
func Milestone(current, required int) string {
	switch {
	case current >= required:
		return "confirmed"
	case current*4 >= required*3:
		return "nearly_confirmed"
	case current*2 >= required:
		return "half_confirmed"
	case current >= 1:
		return "first_confirmation"
	default:
		return "unconfirmed"
	}
}

// EstimateRemaining is the expected wait for the missing confirmations.
func (c Config) EstimateRemaining(current, required int) time.Duration {
	if current >= required {
		return 0
	}
	return time.Duration(required-current) * c.BlockTime
}

func (c Config) backoff(attempts int) time.Duration {
	d := c.RetryBackoff
	for i := 1; i < attempts && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}
