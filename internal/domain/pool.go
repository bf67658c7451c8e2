package domain

// PoolRecord represents a bonding-curve pool observed from a createPool instruction.
// All fields except IsNew are immutable once created.
type PoolRecord struct {
	PoolAddress    string `json:"poolAddress"`
	CollectionMint string `json:"collectionMint"`
	Creator        string `json:"creator,omitempty"`
	Escrow         string `json:"escrow,omitempty"`
	BasePrice      uint64 `json:"basePrice"`    // lamports
	GrowthFactor   uint64 `json:"growthFactor"` // basis points per minted NFT
	CreatedAt      int64  `json:"createdAt"`    // Unix timestamp in milliseconds
	Signature      string `json:"signature,omitempty"`

	// Verified is true when the collection was observed at or before pool creation.
	Verified bool `json:"verified"`
	// IsNew decays after the first read of the pool.
	IsNew bool `json:"isNew"`
}

// CollectionRecord represents an NFT collection observed from a createCollectionNft instruction.
type CollectionRecord struct {
	CollectionMint string `json:"collectionMint"`
	Name           string `json:"name"`
	Symbol         string `json:"symbol"`
	URI            string `json:"uri"`
	Creator        string `json:"creator,omitempty"`
	CreatedAt      int64  `json:"createdAt"` // Unix timestamp in milliseconds
	Signature      string `json:"signature,omitempty"`
}

// PoolSnapshot is an authoritative read of on-chain pool state.
type PoolSnapshot struct {
	PoolAddress    string `json:"poolAddress" msgpack:"pool_address"`
	CollectionMint string `json:"collectionMint" msgpack:"collection_mint"`
	Creator        string `json:"creator" msgpack:"creator"`
	Escrow         string `json:"escrow" msgpack:"escrow"`
	BasePrice      uint64 `json:"basePrice" msgpack:"base_price"`
	GrowthFactor   uint64 `json:"growthFactor" msgpack:"growth_factor"`
	CurrentSupply  uint64 `json:"currentSupply" msgpack:"current_supply"`
	EscrowLamports uint64 `json:"escrowLamports" msgpack:"escrow_lamports"`
	IsActive       bool   `json:"isActive" msgpack:"is_active"`
	CreatedAt      int64  `json:"createdAt" msgpack:"created_at"`   // ms
	ObservedAt     int64  `json:"observedAt" msgpack:"observed_at"` // ms, when the read was issued
}
