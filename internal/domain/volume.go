package domain

import "strconv"

// TradeType is the direction of a trade against a pool.
type TradeType string

// Trade types.
const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// VolumeTransaction is a single trade against a pool.
type VolumeTransaction struct {
	PoolAddress      string    `json:"poolAddress"`
	Type             TradeType `json:"type"`
	Amount           float64   `json:"amount"` // SOL
	AmountLamports   uint64    `json:"amountLamports"`
	Trader           string    `json:"trader"`
	Timestamp        int64     `json:"timestamp"` // Unix timestamp in milliseconds
	Signature        string    `json:"signature"`
	InstructionIndex int       `json:"instructionIndex"`
	Instruction      string    `json:"instruction"`
	CollectionMint   string    `json:"collectionMint,omitempty"`
	NFTMint          string    `json:"nftMint,omitempty"`
}

// Key identifies a trade within its transaction.
func (v *VolumeTransaction) Key() string {
	return v.Signature + "#" + strconv.Itoa(v.InstructionIndex)
}

// PoolMetrics are rolling-window metrics derived from VolumeTransactions.
type PoolMetrics struct {
	Volume24h        float64 `json:"volume24h"`
	Transactions24h  int     `json:"transactions24h"`
	UniqueTraders24h int     `json:"uniqueTraders24h"`
	PriceChange24h   float64 `json:"priceChange24h"`
	LastPrice        float64 `json:"lastPrice"`
}

// PoolVolumeUpdate carries recomputed metrics for one pool.
type PoolVolumeUpdate struct {
	PoolAddress string      `json:"poolAddress"`
	Metrics     PoolMetrics `json:"metrics"`
	UpdatedAt   int64       `json:"updatedAt"` // ms
}

// TrendingEntry is one row of the trending ranking.
type TrendingEntry struct {
	Pool       PoolRecord        `json:"pool"`
	Collection *CollectionRecord `json:"collection,omitempty"`
	Metrics    PoolMetrics       `json:"metrics"`
	Score      float64           `json:"score"`
	Rank       int               `json:"rank"`
}
