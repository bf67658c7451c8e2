package program

import (
	"bytes"
	"errors"
	"fmt"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// ErrNotPoolAccount is returned when account data lacks the pool discriminator.
var ErrNotPoolAccount = errors.New("not a pool account")

var poolDiscriminator = AccountDiscriminator("Pool")

// Pool is the on-chain layout of a bonding-curve pool account.
type Pool struct {
	Creator        solana.PublicKey
	CollectionMint solana.PublicKey
	BasePrice      uint64
	GrowthFactor   uint64
	CurrentSupply  uint64
	TotalEscrowed  uint64
	IsActive       bool
	CreatedAt      int64 // Unix seconds
	Bump           uint8
}

// DecodePoolAccount decodes raw pool account data including its discriminator.
func DecodePoolAccount(data []byte) (*Pool, error) {
	if len(data) < DiscriminatorSize || !bytes.Equal(data[:DiscriminatorSize], poolDiscriminator[:]) {
		return nil, ErrNotPoolAccount
	}
	var pool Pool
	if err := ag_binary.NewBorshDecoder(data[DiscriminatorSize:]).Decode(&pool); err != nil {
		return nil, fmt.Errorf("decode pool account: %w", err)
	}
	return &pool, nil
}

// EncodePoolAccount is the inverse of DecodePoolAccount.
func EncodePoolAccount(pool *Pool) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(poolDiscriminator[:])
	if err := ag_binary.NewBorshEncoder(&buf).Encode(*pool); err != nil {
		return nil, fmt.Errorf("encode pool account: %w", err)
	}
	return buf.Bytes(), nil
}
