package recon

import (
	"errors"
	"fmt"
)

// FailureKind classifies engine errors by how they propagate, not by concrete
// type: transient IO is retried and then downgraded to a per-key failure;
// configuration mistakes abort the whole run.
type FailureKind int

const (
	FailureTransient FailureKind = iota + 1
	FailureDataIntegrity
	FailureConfig
	FailurePartial
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailureDataIntegrity:
		return "data_integrity"
	case FailureConfig:
		return "config"
	case FailurePartial:
		return "partial"
	default:
		return "unknown"
	}
}

type classifiedError struct {
	kind FailureKind
	err  error
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.kind, e.err.Error())
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func Classify(kind FailureKind, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kind, err: err}
}

func NewConfigError(format string, args ...any) error {
	return &classifiedError{kind: FailureConfig, err: fmt.Errorf(format, args...)}
}

// KindOf reports the failure kind of err. Unclassified errors are treated as
// transient, which errs on the side of retrying repository and network hiccups.
func KindOf(err error) FailureKind {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return FailureTransient
}

func IsConfigError(err error) bool {
	return err != nil && KindOf(err) == FailureConfig
}
