package model

import "time"

type DepositState string

const (
	DepositDetected   DepositState = "detected"
	DepositConfirming DepositState = "confirming"
	DepositCredited   DepositState = "credited"
	DepositFailed     DepositState = "failed"
)

func (s DepositState) Terminal() bool {
	return s == DepositCredited || s == DepositFailed
}

// DepositRecord is one detected inbound transfer awaiting settlement.
type DepositRecord struct {
	ID                    string       `json:"id"`
	ChainTxID             string       `json:"chain_tx_id"`
	WalletID              string       `json:"wallet_id"`
	DestinationAddress    string       `json:"destination_address"`
	SourceAddress         string       `json:"source_address,omitempty"`
	TokenAmount           int64        `json:"token_amount"`
	CreditAmount          int64        `json:"credit_amount,omitempty"`
	BonusAmount           int64        `json:"bonus_amount,omitempty"`
	ConfirmationsSeen     int          `json:"confirmations_seen"`
	ConfirmationsRequired int          `json:"confirmations_required"`
	DetectedAt            time.Time    `json:"detected_at"`
	LastCheckedAt         time.Time    `json:"last_checked_at"`
	NextCheckAt           time.Time    `json:"-"`
	Attempts              int          `json:"attempts,omitempty"`
	State                 DepositState `json:"state"`
	FailureReason         string       `json:"failure_reason,omitempty"`
}

// Progress is the confirmation progress of a deposit in percent, capped at 100.
func (d DepositRecord) Progress() int {
	if d.ConfirmationsRequired <= 0 {
		return 100
	}
	p := d.ConfirmationsSeen * 100 / d.ConfirmationsRequired
	if p > 100 {
		p = 100
	}
	return p
}

// CreditMeta travels with an atomic deposit credit into the ledger.
type CreditMeta struct {
	DepositID     string `json:"deposit_id"`
	TokenAmount   int64  `json:"token_amount"`
	Confirmations int    `json:"confirmations"`
	Height        int64  `json:"height,omitempty"`
	// BonusRate is applied by the ledger when this is the wallet's first deposit.
	BonusRate string `json:"bonus_rate,omitempty"`
}
