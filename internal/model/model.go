package model

import "time"

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

// Account is a wallet's credit balance as held by the ledger.
type Account struct {
	WalletID       string    `json:"wallet_id"`
	Balance        int64     `json:"balance"`
	TotalDeposited int64     `json:"total_deposited"`
	TotalWithdrawn int64     `json:"total_withdrawn"`
	TotalWagered   int64     `json:"total_wagered"`
	TotalWon       int64     `json:"total_won"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type TxType string

const (
	TxTypeDeposit    TxType = "deposit"
	TxTypeBonus      TxType = "bonus"
	TxTypeWithdrawal TxType = "withdrawal"
	TxTypeRefund     TxType = "refund"
	TxTypeBet        TxType = "bet"
	TxTypeWin        TxType = "win"
)

const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// TransactionRecord is one row of the ledger's transaction table.
type TransactionRecord struct {
	ID          int64     `json:"id"`
	WalletID    string    `json:"wallet_id"`
	Type        TxType    `json:"type"`
	Amount      int64     `json:"amount"`
	TokenAmount int64     `json:"token_amount,omitempty"`
	Bonus       int64     `json:"bonus,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// OperationType represents the type of operation
type OperationType string

const (
	OperationTypeDeposit          OperationType = "deposit"
	OperationTypeDepositBonus     OperationType = "deposit_bonus"
	OperationTypeWithdrawal       OperationType = "withdrawal"
	OperationTypeWithdrawalRefund OperationType = "withdrawal_refund"
	OperationTypeWithdrawalPayout OperationType = "withdrawal_completed"
	OperationTypeGameRound        OperationType = "game_round"
	OperationTypeAdjustment       OperationType = "adjustment"
)

// Operation represents a user operation in the journal
type Operation struct {
	ID          int64         `json:"id"`
	WalletID    string        `json:"wallet_id"`
	Type        OperationType `json:"type"`
	Amount      int64         `json:"amount"`
	Description string        `json:"description"`
	CreatedAt   int64         `json:"created_at"`
	Extra       interface{}   `json:"extra,omitempty"`
}

// OperationHistory represents a list of operations with pagination info
type OperationHistory struct {
	Operations []Operation `json:"operations"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
}
