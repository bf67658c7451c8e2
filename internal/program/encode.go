package program

import (
	"bytes"
	"fmt"
	"reflect"

	ag_binary "github.com/gagliardetto/binary"
)

// EncodeInstruction builds instruction data: the discriminator of name followed by
// the Borsh encoding of args (a value or pointer to one of the Args structs).
func EncodeInstruction(name string, args any) ([]byte, error) {
	if _, ok := byDiscriminator[Discriminator(name)]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstruction, name)
	}
	var buf bytes.Buffer
	disc := Discriminator(name)
	buf.Write(disc[:])
	if err := ag_binary.NewBorshEncoder(&buf).Encode(reflect.Indirect(reflect.ValueOf(args)).Interface()); err != nil {
		return nil, fmt.Errorf("encode %s args: %w", name, err)
	}
	return buf.Bytes(), nil
}
