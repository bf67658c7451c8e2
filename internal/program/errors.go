package program

import (
	"errors"
	"fmt"
)

// ErrUnknownInstruction is returned when the data prefix matches no known discriminator.
var ErrUnknownInstruction = errors.New("unknown instruction")

// DecodeError describes a matched instruction whose payload could not be decoded.
type DecodeError struct {
	Instruction string
	Reason      string
	Err         error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Instruction, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Instruction, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
