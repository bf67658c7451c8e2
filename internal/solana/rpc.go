package solana

import (
	"context"
	"encoding/base64"
)

// RPCClient defines the Solana JSON-RPC reads used by the feed.
type RPCClient interface {
	// GetTransaction retrieves a transaction by signature. Returns nil if not found.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// GetSignaturesForAddress retrieves signatures for an address with pagination.
	GetSignaturesForAddress(ctx context.Context, address string, opts *SignaturesOpts) ([]SignatureInfo, error)

	// GetMultipleAccounts retrieves accounts in request order; missing accounts are nil.
	GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]*AccountInfo, error)

	// GetSlot retrieves the current slot.
	GetSlot(ctx context.Context) (int64, error)
}

// Transaction represents a Solana transaction fetched with json encoding.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds)
	Meta      *TransactionMeta
	Message   *TransactionMessage
}

// TransactionMeta contains transaction metadata.
type TransactionMeta struct {
	Err               interface{}
	LogMessages       []string
	PreBalances       []uint64
	PostBalances      []uint64
	InnerInstructions []InnerInstructions
	LoadedWritable    []string
	LoadedReadonly    []string
}

// TransactionMessage contains the compiled message.
type TransactionMessage struct {
	AccountKeys  []string
	Instructions []CompiledInstruction
}

// CompiledInstruction references accounts by index into the full key list.
type CompiledInstruction struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"` // base58
}

// InnerInstructions are the CPI instructions issued by the top-level instruction at Index.
type InnerInstructions struct {
	Index        int                   `json:"index"`
	Instructions []CompiledInstruction `json:"instructions"`
}

// AllAccountKeys returns static keys followed by lookup-table loaded keys,
// which is the index space of CompiledInstruction.
func (tx *Transaction) AllAccountKeys() []string {
	if tx.Message == nil {
		return nil
	}
	keys := make([]string, 0, len(tx.Message.AccountKeys))
	keys = append(keys, tx.Message.AccountKeys...)
	if tx.Meta != nil {
		keys = append(keys, tx.Meta.LoadedWritable...)
		keys = append(keys, tx.Meta.LoadedReadonly...)
	}
	return keys
}

// Failed reports whether the transaction carries an execution error.
func (tx *Transaction) Failed() bool {
	return tx.Meta != nil && tx.Meta.Err != nil
}

// AccountInfo represents Solana account information.
type AccountInfo struct {
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Data       string `json:"data"` // base64 encoded
	Executable bool   `json:"executable"`
	RentEpoch  uint64 `json:"rentEpoch"`
}

// Bytes decodes the base64 account data.
func (a *AccountInfo) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.Data)
}

// MaxAccountsPerRequest is the getMultipleAccounts key limit of public nodes.
const MaxAccountsPerRequest = 100

// SignatureInfo is one getSignaturesForAddress entry, newest first.
type SignatureInfo struct {
	Signature string
	Slot      int64
	BlockTime *int64
	Err       interface{}
}

// Failed reports whether the signature belongs to a failed transaction.
func (s SignatureInfo) Failed() bool {
	return s.Err != nil
}

// SignaturesOpts pages getSignaturesForAddress. Until bounds a back-fill at
// the last signature already handled.
type SignaturesOpts struct {
	Before string
	Until  string
	Limit  int
}
