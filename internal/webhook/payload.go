// Package webhook turns transaction webhook deliveries into pool, collection and trade events.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPayload is returned for a body that is not a webhook delivery.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Transaction is one transaction of a delivery.
type Transaction struct {
	Signature        string           `json:"signature"`
	Timestamp        int64            `json:"timestamp"` // seconds or milliseconds
	Slot             int64            `json:"slot,omitempty"`
	FeePayer         string           `json:"feePayer,omitempty"`
	Instructions     []Instruction    `json:"instructions"`
	Accounts         []string         `json:"accounts,omitempty"`
	NativeTransfers  []NativeTransfer `json:"nativeTransfers,omitempty"`
	AccountData      []AccountData    `json:"accountData,omitempty"`
	TransactionError json.RawMessage  `json:"transactionError,omitempty"`
}

// Instruction is a top-level or inner instruction with resolved account keys.
type Instruction struct {
	ProgramID         string        `json:"programId"`
	Accounts          []string      `json:"accounts"`
	Data              string        `json:"data"` // base58
	InnerInstructions []Instruction `json:"innerInstructions,omitempty"`
}

// NativeTransfer is a lamport transfer between two accounts.
type NativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          uint64 `json:"amount"` // lamports
}

// AccountData is the net lamport change of one account.
type AccountData struct {
	Account             string `json:"account"`
	NativeBalanceChange int64  `json:"nativeBalanceChange"`
}

// Failed reports whether the transaction carries an execution error.
func (tx *Transaction) Failed() bool {
	v := bytes.TrimSpace(tx.TransactionError)
	return len(v) > 0 && !bytes.Equal(v, []byte("null"))
}

// TimestampMillis normalizes Timestamp to milliseconds. Values at or above 1e12 are
// already milliseconds; a missing timestamp falls back to now.
func (tx *Transaction) TimestampMillis(now time.Time) int64 {
	switch {
	case tx.Timestamp <= 0:
		return now.UnixMilli()
	case tx.Timestamp >= 1e12:
		return tx.Timestamp
	default:
		return tx.Timestamp * 1000
	}
}

// ParsePayload accepts {"events":[...]} or a bare array of transactions.
func ParsePayload(body []byte) ([]Transaction, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}

	switch body[0] {
	case '[':
		var txs []Transaction
		if err := json.Unmarshal(body, &txs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return txs, nil
	case '{':
		var wrapper struct {
			Events *[]Transaction `json:"events"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if wrapper.Events == nil {
			return nil, fmt.Errorf("%w: missing events", ErrInvalidPayload)
		}
		return *wrapper.Events, nil
	default:
		return nil, fmt.Errorf("%w: expected JSON object or array", ErrInvalidPayload)
	}
}
