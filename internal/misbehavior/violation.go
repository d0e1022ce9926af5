package misbehavior

import (
	"fmt"

	"txflow/internal/txflow"
)

// Kind classifies a protocol violation.
type Kind uint8

const (
	// BadEpoch: message epoch inconsistent with its DAG position.
	BadEpoch Kind = iota + 1

	// MissingEndorsement: a representative lacks the endorsements it needs.
	MissingEndorsement

	// InvalidEndorsement: an endorsement share fails verification.
	InvalidEndorsement

	// ForkAttempt: two messages from one author, neither an ancestor of the other.
	ForkAttempt

	// InvalidSignature: a message signature does not match its author's key.
	InvalidSignature
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case BadEpoch:
		return "BadEpoch"
	case MissingEndorsement:
		return "MissingEndorsement"
	case InvalidEndorsement:
		return "InvalidEndorsement"
	case ForkAttempt:
		return "ForkAttempt"
	case InvalidSignature:
		return "InvalidSignature"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Violation is a classified protocol fault with the hashes needed to audit it.
// Only ForkAttempt carries a second hash.
type Violation struct {
	Kind     Kind
	Evidence [2]txflow.Hash
}

// NewBadEpoch reports a message whose epoch precedes one of its parents.
func NewBadEpoch(h txflow.Hash) Violation {
	return Violation{Kind: BadEpoch, Evidence: [2]txflow.Hash{h}}
}

// NewMissingEndorsement reports a representative that was never endorsed.
func NewMissingEndorsement(h txflow.Hash) Violation {
	return Violation{Kind: MissingEndorsement, Evidence: [2]txflow.Hash{h}}
}

// NewInvalidEndorsement reports a bad share for the representative h.
func NewInvalidEndorsement(h txflow.Hash) Violation {
	return Violation{Kind: InvalidEndorsement, Evidence: [2]txflow.Hash{h}}
}

// NewForkAttempt reports the fork pair in admission order.
func NewForkAttempt(first, second txflow.Hash) Violation {
	return Violation{Kind: ForkAttempt, Evidence: [2]txflow.Hash{first, second}}
}

// NewInvalidSignature reports a message with a bad signature.
func NewInvalidSignature(h txflow.Hash) Violation {
	return Violation{Kind: InvalidSignature, Evidence: [2]txflow.Hash{h}}
}

// Hashes returns the evidence hashes carried by the variant.
func (v Violation) Hashes() []txflow.Hash {
	if v.Kind == ForkAttempt {
		return []txflow.Hash{v.Evidence[0], v.Evidence[1]}
	}
	return []txflow.Hash{v.Evidence[0]}
}

// String renders the violation for audit logs, e.g. ForkAttempt(1f2e.., 9a0b..).
func (v Violation) String() string {
	if v.Kind == ForkAttempt {
		return fmt.Sprintf("%s(%s, %s)", v.Kind, v.Evidence[0].Hex(), v.Evidence[1].Hex())
	}
	return fmt.Sprintf("%s(%s)", v.Kind, v.Evidence[0].Hex())
}
