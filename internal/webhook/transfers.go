package webhook

import (
	"encoding/binary"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"bonding-curve-feed/internal/domain"
)

// SystemTransferVariant is the system program's Transfer instruction index.
const SystemTransferVariant = 2

var systemProgramID = solana.SystemProgramID.String()

// SystemTransfer decodes in as a system program transfer.
func (in *Instruction) SystemTransfer() (NativeTransfer, bool) {
	if in.ProgramID != systemProgramID || len(in.Accounts) < 2 {
		return NativeTransfer{}, false
	}
	data, err := base58.Decode(in.Data)
	if err != nil || len(data) < 12 {
		return NativeTransfer{}, false
	}
	dec := ag_binary.NewBinDecoder(data)
	variant, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil || variant != SystemTransferVariant {
		return NativeTransfer{}, false
	}
	lamports, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return NativeTransfer{}, false
	}
	return NativeTransfer{
		FromUserAccount: in.Accounts[0],
		ToUserAccount:   in.Accounts[1],
		Amount:          lamports,
	}, true
}

// pendingTrade is a decoded trade whose lamport amount is not attributed yet.
type pendingTrade struct {
	vt       domain.VolumeTransaction
	buy      bool
	escrow   string
	from, to string // expected payment direction
	// cpis are the inner instructions issued by the trade; nil when the trade
	// is itself an inner instruction.
	cpis     []Instruction
	fallback uint64
}

// attributeAmounts sets the lamport amount of every trade in one transaction.
// Sources in order, each used only for trades still without an amount:
//  1. system transfers the trade instruction issued itself, trader to escrow for
//     buys and escrow to trader for sells;
//  2. the transaction's remaining transfers in that direction, paired in order
//     with the trades sharing it;
//  3. the escrow's net balance change, shared by the trades moving it that way;
//  4. any transfer out of the trader (buys) or into it (sells), paired the same way;
//  5. the instruction's price bound (maxPrice / minPrice).
//
// Pairing is one-to-one when transfers and trades are equal in number, the sum
// for a single trade, and an even split otherwise.
func attributeAmounts(tx *Transaction, trades []*pendingTrade) {
	claimed := make([]bool, len(tx.NativeTransfers))

	for _, t := range trades {
		for i := range t.cpis {
			nt, ok := t.cpis[i].SystemTransfer()
			if !ok || nt.FromUserAccount != t.from || nt.ToUserAccount != t.to {
				continue
			}
			t.vt.AmountLamports += nt.Amount
			claim(tx.NativeTransfers, claimed, nt)
		}
	}

	shareByGroup(trades, func(t *pendingTrade) string { return t.from + ">" + t.to },
		func(t *pendingTrade) []uint64 {
			var out []uint64
			for i, nt := range tx.NativeTransfers {
				if !claimed[i] && nt.FromUserAccount == t.from && nt.ToUserAccount == t.to {
					out = append(out, nt.Amount)
				}
			}
			return out
		})

	shareByGroup(trades, func(t *pendingTrade) string { return t.escrow + direction(t.buy) },
		func(t *pendingTrade) []uint64 {
			for _, ad := range tx.AccountData {
				if ad.Account != t.escrow {
					continue
				}
				if t.buy && ad.NativeBalanceChange > 0 {
					return []uint64{uint64(ad.NativeBalanceChange)}
				}
				if !t.buy && ad.NativeBalanceChange < 0 {
					return []uint64{uint64(-ad.NativeBalanceChange)}
				}
			}
			return nil
		})

	shareByGroup(trades, func(t *pendingTrade) string { return t.vt.Trader + direction(t.buy) },
		func(t *pendingTrade) []uint64 {
			var out []uint64
			for _, nt := range tx.NativeTransfers {
				if (t.buy && nt.FromUserAccount == t.vt.Trader) || (!t.buy && nt.ToUserAccount == t.vt.Trader) {
					out = append(out, nt.Amount)
				}
			}
			return out
		})

	for _, t := range trades {
		if t.vt.AmountLamports == 0 {
			t.vt.AmountLamports = t.fallback
		}
	}
}

func direction(buy bool) string {
	if buy {
		return ":in"
	}
	return ":out"
}

// claim marks the first unclaimed transfer equal to nt.
func claim(transfers []NativeTransfer, claimed []bool, nt NativeTransfer) {
	for i, c := range transfers {
		if !claimed[i] && c == nt {
			claimed[i] = true
			return
		}
	}
}

// shareByGroup groups the trades still without an amount by key, in instruction
// order, and distributes the amounts found for each group across its trades.
func shareByGroup(trades []*pendingTrade, key func(*pendingTrade) string, amounts func(*pendingTrade) []uint64) {
	var order []string
	groups := make(map[string][]*pendingTrade)
	for _, t := range trades {
		if t.vt.AmountLamports != 0 {
			continue
		}
		k := key(t)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], t)
	}
	for _, k := range order {
		group := groups[k]
		for i, v := range share(amounts(group[0]), len(group)) {
			group[i].vt.AmountLamports = v
		}
	}
}

// share distributes amounts over n trades.
func share(amounts []uint64, n int) []uint64 {
	out := make([]uint64, n)
	if len(amounts) == 0 || n == 0 {
		return out
	}
	if len(amounts) == n {
		copy(out, amounts)
		return out
	}
	var total uint64
	for _, a := range amounts {
		total += a
	}
	each := total / uint64(n)
	for i := range out {
		out[i] = each
	}
	out[n-1] += total - each*uint64(n)
	return out
}
