package program

import (
	"fmt"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"bonding-curve-feed/internal/domain"
)

// Decoder matches instruction data against the program's discriminator table.
type Decoder struct {
	programID solana.PublicKey
}

// NewDecoder creates a decoder for the given base58 program id.
func NewDecoder(programID string) (*Decoder, error) {
	pk, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("program id: %w", err)
	}
	return &Decoder{programID: pk}, nil
}

// ProgramID returns the program the decoder is bound to.
func (d *Decoder) ProgramID() solana.PublicKey {
	return d.programID
}

// DecodeBase58 decodes base58 instruction data and then the instruction.
func (d *Decoder) DecodeBase58(data string, accounts []string) (*domain.DecodedInstruction, error) {
	raw, err := base58.Decode(data)
	if err != nil {
		return nil, &DecodeError{Instruction: "unknown", Reason: "invalid base58 data", Err: err}
	}
	return d.Decode(raw, accounts)
}

// Decode matches the 8-byte prefix of data and decodes the remaining bytes as Borsh args.
// Unknown prefixes return ErrUnknownInstruction; malformed payloads return *DecodeError.
// Decode never panics.
func (d *Decoder) Decode(data []byte, accounts []string) (ix *domain.DecodedInstruction, err error) {
	if len(data) < DiscriminatorSize {
		return nil, ErrUnknownInstruction
	}
	layout, ok := byDiscriminator[[DiscriminatorSize]byte(data[:DiscriminatorSize])]
	if !ok {
		return nil, ErrUnknownInstruction
	}

	defer func() {
		if r := recover(); r != nil {
			ix = nil
			err = &DecodeError{Instruction: layout.name, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	args := layout.newArgs()
	if err := ag_binary.NewBorshDecoder(data[DiscriminatorSize:]).Decode(args); err != nil {
		return nil, &DecodeError{Instruction: layout.name, Reason: "args", Err: err}
	}

	if len(accounts) < layout.required {
		return nil, &DecodeError{
			Instruction: layout.name,
			Reason:      fmt.Sprintf("expected at least %d accounts, got %d", layout.required, len(accounts)),
		}
	}

	named := make(map[string]string, len(layout.accounts))
	for i, role := range layout.accounts {
		if i >= len(accounts) {
			break
		}
		if _, err := solana.PublicKeyFromBase58(accounts[i]); err != nil {
			return nil, &DecodeError{Instruction: layout.name, Reason: "account " + role, Err: err}
		}
		named[role] = accounts[i]
	}

	if layout.name == InstructionCreatePool && named[AccountEscrow] == "" {
		escrow, err := d.Escrow(named[AccountPool])
		if err != nil {
			return nil, &DecodeError{Instruction: layout.name, Reason: "escrow address", Err: err}
		}
		named[AccountEscrow] = escrow
	}

	keys := make([]string, len(accounts))
	copy(keys, accounts)

	return &domain.DecodedInstruction{
		Name:        layout.name,
		Args:        args,
		AccountKeys: keys,
		Accounts:    named,
	}, nil
}

// Escrow returns the escrow PDA of a pool as base58.
func (d *Decoder) Escrow(pool string) (string, error) {
	pk, err := solana.PublicKeyFromBase58(pool)
	if err != nil {
		return "", fmt.Errorf("pool address: %w", err)
	}
	addr, err := EscrowAddress(d.programID, pk)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// EscrowAddress derives the escrow PDA from seeds ["escrow", pool].
func EscrowAddress(programID, pool solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("escrow"), pool.Bytes()}, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("find escrow address: %w", err)
	}
	return addr, nil
}
