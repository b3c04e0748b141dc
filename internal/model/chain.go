package model

import "time"

// Transfer is an inbound value transfer observed by the chain indexer.
type Transfer struct {
	TxID               string    `json:"tx_id"`
	Lt                 uint64    `json:"lt"`
	SourceAddress      string    `json:"source_address"`
	DestinationAddress string    `json:"destination_address"`
	Amount             int64     `json:"amount"`
	Height             int64     `json:"height"`
	Confirmations      int       `json:"confirmations"`
	Comment            string    `json:"comment,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

type TxOutput struct {
	DestinationAddress string `json:"destination_address"`
	Amount             int64  `json:"amount"`
}

// ChainTx is the indexer's current view of a single transaction.
type ChainTx struct {
	TxID          string     `json:"tx_id"`
	Height        int64      `json:"height"`
	Confirmations int        `json:"confirmations"`
	Success       bool       `json:"success"`
	Outputs       []TxOutput `json:"outputs"`
}

type BroadcastResult struct {
	Success bool   `json:"success"`
	TxID    string `json:"tx_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OutgoingTransfer is a signed external message that has not been sent yet.
// MessageHash identifies the transaction it produces once it lands; after
// ExpiresAt the chain no longer accepts it.
type OutgoingTransfer struct {
	MessageHash string    `json:"message_hash"`
	ExpiresAt   time.Time `json:"expires_at"`
	Payload     []byte    `json:"-"`
}
