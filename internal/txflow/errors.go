package txflow

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed marks input that cannot be decoded.
	ErrMalformed = errors.New("malformed encoding")

	// ErrHashMismatch marks a message whose claimed hash differs from its content hash.
	ErrHashMismatch = errors.New("hash does not match content")
)

// HashMismatchError carries the claimed identity of a message whose content
// does not hash to its claimed hash. It matches ErrHashMismatch.
type HashMismatchError struct {
	Claimed Hash
	Author  Hash
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("%s: claimed %s", ErrHashMismatch, e.Claimed)
}

func (e *HashMismatchError) Is(target error) bool {
	return target == ErrHashMismatch
}
