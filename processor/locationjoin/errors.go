package locationjoin

import (
	stderrors "errors"
	"fmt"

	"github.com/c360/backtrack/errors"
)

// Kind identifies the stage at which a notification failed.
type Kind int

// Failure kinds.
const (
	KindDecode Kind = iota + 1
	KindNoPoseMatch
	KindLookup
	KindPersist
)

// String returns the metric label of the kind.
func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindNoPoseMatch:
		return "no_pose_match"
	case KindLookup:
		return "lookup"
	case KindPersist:
		return "persist"
	default:
		return "unknown"
	}
}

// Class maps the kind to a redelivery decision. Decode and match failures repeat on redelivery;
// store failures may not.
func (k Kind) Class() errors.ErrorClass {
	switch k {
	case KindLookup, KindPersist:
		return errors.ErrorTransient
	default:
		return errors.ErrorInvalid
	}
}

// JoinError reports why one notification produced no item.
type JoinError struct {
	Kind     Kind
	EventID  string
	DeviceID string
	EPC      string
	Err      error
}

func (e *JoinError) Error() string {
	msg := fmt.Sprintf("locationjoin: %s failed for event %q", e.Kind, e.EventID)
	if e.DeviceID != "" {
		msg += fmt.Sprintf(" (device %s, epc %s)", e.DeviceID, e.EPC)
	}
	return msg + ": " + e.Err.Error()
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// Classify returns the error class of err. For a JoinError the join stage decides, except that a
// store failure whose cause is already classified invalid stays invalid: the same record would be
// rejected again on redelivery.
func Classify(err error) errors.ErrorClass {
	var je *JoinError
	if !stderrors.As(err, &je) {
		return errors.Classify(err)
	}
	var ce *errors.ClassifiedError
	if je.Kind.Class() == errors.ErrorTransient && stderrors.As(je.Err, &ce) && ce.Class == errors.ErrorInvalid {
		return errors.ErrorInvalid
	}
	return je.Kind.Class()
}

// IsRetryable reports whether redelivering the notification may succeed.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == errors.ErrorTransient
}
