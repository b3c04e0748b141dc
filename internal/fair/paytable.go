package fair

import (
	"github.com/shopspring/decimal"
)

type Symbol int

const (
	Cherry Symbol = iota
	Lemon
	Apple
	Grape
	Watermelon
	Bell
	Star
	Seven
	Diamond
)

var symbolNames = [Symbols]string{"cherry", "lemon", "apple", "grape", "watermelon", "bell", "star", "seven", "diamond"}

func (s Symbol) String() string {
	if s < 0 || int(s) >= Symbols {
		return "unknown"
	}
	return symbolNames[s]
}

// Multipliers is the line paytable for three of a kind.
var Multipliers = [Symbols]int64{2, 3, 5, 8, 12, 20, 50, 100, 500}

var half = decimal.NewFromFloat(0.5)

// RawPayout evaluates the first `lines` rows of grid. A row pays when its
// leftmost three symbols match; a matching 4th and then 5th symbol each add
// half the multiplier again.
func RawPayout(grid []int, betPerLine int64, lines int) decimal.Decimal {
	bet := decimal.NewFromInt(betPerLine)
	total := decimal.Zero
	for i, row := range RowsOf(grid) {
		if i >= lines {
			break
		}
		sym := row[0]
		if row[1] != sym || row[2] != sym {
			continue
		}
		mult := decimal.NewFromInt(Multipliers[sym])
		total = total.Add(bet.Mul(mult))
		for _, next := range row[3:] {
			if next != sym {
				break
			}
			total = total.Add(bet.Mul(mult).Mul(half))
		}
	}
	return total
}

// Payout applies the target RTP once to a raw payout, lifts small non-zero
// results to half the stake and caps the result at maxWin.
func Payout(raw decimal.Decimal, totalBet int64, rtp decimal.Decimal, maxWin int64) int64 {
	if !raw.IsPositive() {
		return 0
	}
	win := raw.Mul(rtp).Floor().IntPart()
	floor := decimal.NewFromInt(totalBet).Mul(half).Floor().IntPart()
	if win < floor {
		win = floor
	}
	if maxWin > 0 && win > maxWin {
		win = maxWin
	}
	return win
}
