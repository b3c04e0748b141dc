package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Server.Port)
	require.Equal(t, "sqlite3", cfg.Database.Driver)
	require.EqualValues(t, 50, cfg.Withdrawal.MinWithdrawal)
	require.Len(t, cfg.Deposit.Tiers, 3)
	require.Equal(t, 5*time.Second, cfg.Schedule.WithdrawalDrain)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": "9000"},
		"deposit": {"min_deposit": 500, "recheck_delay": "2m"},
		"withdrawal": {"daily_limit": 8000, "fee_rate": "0.01"},
		"breakers": {"overrides": {"wallet-signer": {"failure_threshold": 2, "reset_timeout": "5m"}}},
		"game": {"rtp": 0.95}
	}`), 0o600))

	t.Setenv("PORT", "9100")
	t.Setenv("TON_API_KEY", "secret")
	t.Setenv("WITHDRAWAL_HOUSE_ADDRESS", "0:house")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "9100", cfg.Server.Port)
	require.Equal(t, "secret", cfg.TON.APIKey)
	require.Equal(t, "0:house", cfg.Withdrawal.HouseAddress)
	require.EqualValues(t, 500, cfg.Deposit.MinDeposit)
	require.Equal(t, 2*time.Minute, cfg.Deposit.RecheckDelay)
	require.Equal(t, "0.20", cfg.Deposit.BonusRate, "unset keys keep their defaults")
	require.EqualValues(t, 8000, cfg.Withdrawal.DailyLimit)
	require.Equal(t, "0.01", cfg.Withdrawal.FeeRate)
	require.Equal(t, 0.95, cfg.Game.RTP)
	require.Equal(t, 2, cfg.Breakers.Overrides["wallet-signer"].FailureThreshold)
	require.Equal(t, 5*time.Minute, cfg.Breakers.Overrides["wallet-signer"].ResetTimeout)
}

func TestLoadRejectsBadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"withdrawal": {"fee_rate": "1.5"}}`), 0o600))
	_, err := Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"deposit": {"tiers": [
		{"min_amount": 1000, "confirmations": 5},
		{"min_amount": 2000, "confirmations": 3}
	]}}`), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}
