// Package fair resolves provably-fair slot rounds. The server commits to a random
// seed by publishing its SHA-256 before any round is played; every outcome is a
// pure function of (serverSeed, clientSeed, nonce) and can be re-derived by the
// player once the seed is revealed at the end of the session.
package fair

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	Rows    = 3
	Reels   = 5
	Cells   = Rows * Reels
	Symbols = 9

	serverSeedBytes = 32
	clientSeedBytes = 16
)

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func NewServerSeed() (string, error) { return randomHex(serverSeedBytes) }

func NewClientSeed() (string, error) { return randomHex(clientSeedBytes) }

// HashSeed is the published commitment for a server seed.
func HashSeed(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// CommitmentMatches reports whether serverSeed hashes to the published commitment.
func CommitmentMatches(serverSeed, commitment string) bool {
	return subtle.ConstantTimeCompare([]byte(HashSeed(serverSeed)), []byte(commitment)) == 1
}

func GameHash(serverSeed, clientSeed string, nonce uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", serverSeed, clientSeed, nonce)))
	return hex.EncodeToString(sum[:])
}

// Grid maps a game hash to the 3x5 symbol grid, row-major. Cell i is byte i
// of the hash modulo the number of symbols.
func Grid(gameHash string) ([]int, error) {
	raw, err := hex.DecodeString(gameHash)
	if err != nil {
		return nil, fmt.Errorf("decode game hash: %w", err)
	}
	if len(raw) < Cells {
		return nil, fmt.Errorf("game hash too short: %d bytes", len(raw))
	}
	grid := make([]int, Cells)
	for i := 0; i < Cells; i++ {
		grid[i] = int(raw[i]) % Symbols
	}
	return grid, nil
}

// Outcome is everything derivable from the three round inputs.
type Outcome struct {
	GameHash string `json:"game_hash"`
	Grid     []int  `json:"grid"`
}

// Verify recomputes a round outcome from revealed inputs.
func Verify(serverSeed, clientSeed string, nonce uint64) Outcome {
	h := GameHash(serverSeed, clientSeed, nonce)
	// a sha256 hex digest always decodes to 32 bytes
	grid, _ := Grid(h)
	return Outcome{GameHash: h, Grid: grid}
}

// RowsOf splits a flat grid into rows.
func RowsOf(grid []int) [][]int {
	rows := make([][]int, 0, Rows)
	for r := 0; r < Rows && (r+1)*Reels <= len(grid); r++ {
		rows = append(rows, grid[r*Reels:(r+1)*Reels])
	}
	return rows
}
