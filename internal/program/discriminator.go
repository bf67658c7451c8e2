package program

import (
	"crypto/sha256"
	"strings"
	"unicode"
)

// Instruction names supported by the decoder.
const (
	InstructionCreatePool          = "createPool"
	InstructionCreateCollectionNft = "createCollectionNft"
	InstructionMintNft             = "mintNft"
	InstructionBuyNft              = "buyNft"
	InstructionSellNft             = "sellNft"
)

// DiscriminatorSize is the byte length of instruction and account prefixes.
const DiscriminatorSize = 8

// Discriminator returns the 8-byte prefix of an instruction name,
// sha256("global:" + snake_case(name))[:8].
func Discriminator(name string) [DiscriminatorSize]byte {
	return hashPrefix("global:" + snakeCase(name))
}

// AccountDiscriminator returns the 8-byte prefix of an account type,
// sha256("account:" + name)[:8].
func AccountDiscriminator(name string) [DiscriminatorSize]byte {
	return hashPrefix("account:" + name)
}

func hashPrefix(preimage string) [DiscriminatorSize]byte {
	sum := sha256.Sum256([]byte(preimage))
	var out [DiscriminatorSize]byte
	copy(out[:], sum[:DiscriminatorSize])
	return out
}

// snakeCase converts lowerCamelCase to snake_case ("createCollectionNft" -> "create_collection_nft").
func snakeCase(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
