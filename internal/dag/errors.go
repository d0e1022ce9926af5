package dag

import "errors"

// Admission errors. Only ErrInvalidSignature and ErrBadEpoch are also
// reported as violations; the rest are local bookkeeping.
var (
	ErrDuplicate        = errors.New("message already admitted")
	ErrUnknownAuthor    = errors.New("unknown author")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingParent    = errors.New("parent not admitted")
	ErrBadEpoch         = errors.New("epoch lower than a parent epoch")
)

// rejectReason maps an admission error to a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrUnknownAuthor):
		return "unknown_author"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrMissingParent):
		return "missing_parent"
	case errors.Is(err, ErrBadEpoch):
		return "bad_epoch"
	default:
		return "other"
	}
}
