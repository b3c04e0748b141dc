package fair

import (
	"github.com/shopspring/decimal"
)

type FraudConfig struct {
	// SuspiciousWinRate is the lifetime won/wagered ratio that blocks play once
	// MinSampleRounds rounds have been played.
	SuspiciousWinRate  float64 `mapstructure:"suspicious_win_rate" json:"suspicious_win_rate"`
	MinSampleRounds    int     `mapstructure:"min_sample_rounds" json:"min_sample_rounds"`
	MaxConsecutiveWins int     `mapstructure:"max_consecutive_wins" json:"max_consecutive_wins"`
	PatternWindow      int     `mapstructure:"pattern_window" json:"pattern_window"`
	PatternMinSample   int     `mapstructure:"pattern_min_sample" json:"pattern_min_sample"`
	IdenticalBetRatio  float64 `mapstructure:"identical_bet_ratio" json:"identical_bet_ratio"`
}

func DefaultFraudConfig() FraudConfig {
	return FraudConfig{
		SuspiciousWinRate:  0.98,
		MinSampleRounds:    100,
		MaxConsecutiveWins: 20,
		PatternWindow:      100,
		PatternMinSample:   50,
		IdenticalBetRatio:  0.98,
	}
}

// PlayerStats are the rolling per-wallet statistics the fraud check runs on.
type PlayerStats struct {
	WalletID        string  `json:"wallet_id"`
	TotalRounds     int     `json:"total_rounds"`
	TotalWagered    int64   `json:"total_wagered"`
	TotalWon        int64   `json:"total_won"`
	ConsecutiveWins int     `json:"consecutive_wins"`
	WinRate         float64 `json:"win_rate"`
	BiggestWin      int64   `json:"biggest_win"`
	recentBets      []int64
}

func (s *PlayerStats) record(bet, win int64, isWin bool, window int) {
	s.TotalRounds++
	s.TotalWagered += bet
	s.TotalWon += win
	if isWin {
		s.ConsecutiveWins++
	} else {
		s.ConsecutiveWins = 0
	}
	if win > s.BiggestWin {
		s.BiggestWin = win
	}
	s.WinRate = ratio(s.TotalWon, s.TotalWagered)

	s.recentBets = append(s.recentBets, bet)
	if window > 0 && len(s.recentBets) > window {
		s.recentBets = s.recentBets[len(s.recentBets)-window:]
	}
}

func ratio(won, wagered int64) float64 {
	if wagered <= 0 {
		return 0
	}
	f, _ := decimal.NewFromInt(won).Div(decimal.NewFromInt(wagered)).Float64()
	return f
}

// checkRound decides whether a prospective round may be resolved. It only
// reads stats; the caller records the round after it is resolved.
func (c FraudConfig) checkRound(s *PlayerStats, bet, win int64, isWin bool) (string, bool) {
	if s == nil {
		return "", true
	}

	if c.SuspiciousWinRate > 0 && s.TotalRounds >= c.MinSampleRounds {
		if ratio(s.TotalWon+win, s.TotalWagered+bet) > c.SuspiciousWinRate {
			return "suspicious win rate", false
		}
	}

	if c.MaxConsecutiveWins > 0 && isWin && s.ConsecutiveWins+1 > c.MaxConsecutiveWins {
		return "maximum consecutive wins reached", false
	}

	if c.IdenticalBetRatio > 0 && c.PatternMinSample > 0 && len(s.recentBets) >= c.PatternMinSample {
		same := 0
		for _, b := range s.recentBets {
			if b == bet {
				same++
			}
		}
		if float64(same)/float64(len(s.recentBets)) >= c.IdenticalBetRatio {
			return "suspicious play pattern", false
		}
	}
	return "", true
}
