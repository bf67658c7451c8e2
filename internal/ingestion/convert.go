package ingestion

import (
	"encoding/json"

	"bonding-curve-feed/internal/solana"
	"bonding-curve-feed/internal/webhook"
)

// ToWebhookTransaction renders an RPC transaction in the webhook delivery shape so
// log-driven and webhook-driven ingestion share one processor. Account indexes are
// resolved against static and lookup-table keys; balance changes become AccountData
// and system transfers become NativeTransfers.
func ToWebhookTransaction(tx *solana.Transaction) webhook.Transaction {
	out := webhook.Transaction{
		Signature: tx.Signature,
		Timestamp: tx.BlockTime,
		Slot:      tx.Slot,
	}
	if tx.Failed() {
		raw, err := json.Marshal(tx.Meta.Err)
		if err != nil || string(raw) == "null" {
			raw = []byte(`"failed"`)
		}
		out.TransactionError = raw
	}

	keys := tx.AllAccountKeys()
	out.Accounts = keys
	if len(keys) > 0 {
		out.FeePayer = keys[0]
	}
	if tx.Message == nil {
		return out
	}

	inner := make(map[int][]solana.CompiledInstruction)
	if tx.Meta != nil {
		for _, set := range tx.Meta.InnerInstructions {
			inner[set.Index] = append(inner[set.Index], set.Instructions...)
		}
		out.AccountData = balanceChanges(keys, tx.Meta.PreBalances, tx.Meta.PostBalances)
	}

	for i, ci := range tx.Message.Instructions {
		ix := resolve(keys, ci)
		for _, cpi := range inner[i] {
			ix.InnerInstructions = append(ix.InnerInstructions, resolve(keys, cpi))
		}
		out.Instructions = append(out.Instructions, ix)

		collectTransfer(&out, ix)
		for _, cpi := range ix.InnerInstructions {
			collectTransfer(&out, cpi)
		}
	}
	return out
}

func resolve(keys []string, ci solana.CompiledInstruction) webhook.Instruction {
	ix := webhook.Instruction{
		ProgramID: keyAt(keys, ci.ProgramIDIndex),
		Data:      ci.Data,
		Accounts:  make([]string, 0, len(ci.Accounts)),
	}
	for _, idx := range ci.Accounts {
		ix.Accounts = append(ix.Accounts, keyAt(keys, idx))
	}
	return ix
}

func keyAt(keys []string, idx int) string {
	if idx < 0 || idx >= len(keys) {
		return ""
	}
	return keys[idx]
}

func balanceChanges(keys []string, pre, post []uint64) []webhook.AccountData {
	n := min(len(keys), len(pre), len(post))
	var out []webhook.AccountData
	for i := 0; i < n; i++ {
		if pre[i] == post[i] {
			continue
		}
		out = append(out, webhook.AccountData{
			Account:             keys[i],
			NativeBalanceChange: int64(post[i]) - int64(pre[i]),
		})
	}
	return out
}

// collectTransfer appends a NativeTransfer when ix is a system program transfer.
func collectTransfer(tx *webhook.Transaction, ix webhook.Instruction) {
	if nt, ok := ix.SystemTransfer(); ok {
		tx.NativeTransfers = append(tx.NativeTransfers, nt)
	}
}
