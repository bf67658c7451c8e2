package program

// Account roles bound by the decoder.
const (
	AccountCreator        = "creator"
	AccountCollectionMint = "collectionMint"
	AccountPool           = "pool"
	AccountEscrow         = "escrow"
	AccountSystemProgram  = "systemProgram"
	AccountMetadata       = "metadata"
	AccountMasterEdition  = "masterEdition"
	AccountMinter         = "minter"
	AccountBuyer          = "buyer"
	AccountSeller         = "seller"
	AccountNFTMint        = "nftMint"
)

// CreatePoolArgs are the Borsh args of createPool.
type CreatePoolArgs struct {
	BasePrice    uint64 `json:"basePrice"`    // lamports
	GrowthFactor uint64 `json:"growthFactor"` // basis points
}

// CreateCollectionNftArgs are the Borsh args of createCollectionNft.
type CreateCollectionNftArgs struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	URI    string `json:"uri"`
}

// MintNftArgs are the Borsh args of mintNft.
type MintNftArgs struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	URI    string `json:"uri"`
}

// BuyNftArgs are the Borsh args of buyNft.
type BuyNftArgs struct {
	MaxPrice uint64 `json:"maxPrice"` // lamports
}

// SellNftArgs are the Borsh args of sellNft.
type SellNftArgs struct {
	MinPrice uint64 `json:"minPrice"` // lamports
}

// instructionLayout describes how one instruction is decoded.
// Accounts are bound to roles by index; the first required roles must be present.
type instructionLayout struct {
	name     string
	accounts []string
	required int
	newArgs  func() any
}

var layouts = []instructionLayout{
	{
		name:     InstructionCreatePool,
		accounts: []string{AccountCreator, AccountCollectionMint, AccountPool, AccountEscrow, AccountSystemProgram},
		required: 3,
		newArgs:  func() any { return new(CreatePoolArgs) },
	},
	{
		name:     InstructionCreateCollectionNft,
		accounts: []string{AccountCreator, AccountCollectionMint, AccountMetadata, AccountMasterEdition},
		required: 2,
		newArgs:  func() any { return new(CreateCollectionNftArgs) },
	},
	{
		name:     InstructionMintNft,
		accounts: []string{AccountMinter, AccountPool, AccountCollectionMint, AccountNFTMint, AccountEscrow},
		required: 2,
		newArgs:  func() any { return new(MintNftArgs) },
	},
	{
		name:     InstructionBuyNft,
		accounts: []string{AccountBuyer, AccountPool, AccountCollectionMint, AccountNFTMint, AccountEscrow},
		required: 2,
		newArgs:  func() any { return new(BuyNftArgs) },
	},
	{
		name:     InstructionSellNft,
		accounts: []string{AccountSeller, AccountPool, AccountCollectionMint, AccountNFTMint, AccountEscrow},
		required: 2,
		newArgs:  func() any { return new(SellNftArgs) },
	},
}

var byDiscriminator = func() map[[DiscriminatorSize]byte]*instructionLayout {
	m := make(map[[DiscriminatorSize]byte]*instructionLayout, len(layouts))
	for i := range layouts {
		m[Discriminator(layouts[i].name)] = &layouts[i]
	}
	return m
}()

// Names returns the supported instruction names.
func Names() []string {
	names := make([]string, len(layouts))
	for i, l := range layouts {
		names[i] = l.name
	}
	return names
}

// IsTrade reports whether the instruction moves SOL between a trader and a pool escrow.
// Minting from the curve is a purchase.
func IsTrade(name string) bool {
	switch name {
	case InstructionMintNft, InstructionBuyNft, InstructionSellNft:
		return true
	}
	return false
}

// SupplyDelta is the change in circulating supply caused by one instruction.
func SupplyDelta(name string) int64 {
	switch name {
	case InstructionMintNft, InstructionBuyNft:
		return 1
	case InstructionSellNft:
		return -1
	}
	return 0
}
