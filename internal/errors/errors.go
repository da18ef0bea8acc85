// Package errors implements pmbootstrap's structured error taxonomy (see
// spec §7): every error raised by the core carries a machine-checkable Kind
// plus a human message, and can be walked for attributes such as the argv
// that failed or the PID holding a lock.
package errors

import (
	"errors"
	"fmt"
)

// Kind categorizes an error the way the verb dispatcher and tests need to
// check it, independent of its message text.
type Kind int

const (
	KindUnknown Kind = iota

	// Input
	KindUsageError
	KindNoSuchAport
	KindUnsupportedArch
	KindConfigInvalid

	// Resolution
	KindDependencyConflict
	KindBootstrapRequired
	KindMissingProvider

	// Environment
	KindWorkdirLocked
	KindWorkdirFromFuture
	KindMirrorUnavailable
	KindPrivilegeEscalationFailed

	// Execution
	KindNonZeroExit
	KindTimeout
	KindSpawnFailed
	KindBuildFailed
	KindMountLeak

	// Data
	KindChecksumMismatch
	KindVersionMalformed
	KindIndexCorrupt

	// Build planning
	KindPkgrelBumpNonConverging
)

func (k Kind) String() string {
	switch k {
	case KindUsageError:
		return "usage_error"
	case KindNoSuchAport:
		return "no_such_aport"
	case KindUnsupportedArch:
		return "unsupported_arch"
	case KindConfigInvalid:
		return "config_invalid"
	case KindDependencyConflict:
		return "dependency_conflict"
	case KindBootstrapRequired:
		return "bootstrap_required"
	case KindMissingProvider:
		return "missing_provider"
	case KindWorkdirLocked:
		return "workdir_locked"
	case KindWorkdirFromFuture:
		return "workdir_from_future"
	case KindMirrorUnavailable:
		return "mirror_unavailable"
	case KindPrivilegeEscalationFailed:
		return "privilege_escalation_failed"
	case KindNonZeroExit:
		return "non_zero_exit"
	case KindTimeout:
		return "timeout"
	case KindSpawnFailed:
		return "spawn_failed"
	case KindBuildFailed:
		return "build_failed"
	case KindMountLeak:
		return "mount_leak"
	case KindChecksumMismatch:
		return "checksum_mismatch"
	case KindVersionMalformed:
		return "version_malformed"
	case KindIndexCorrupt:
		return "index_corrupt"
	case KindPkgrelBumpNonConverging:
		return "pkgrel_bump_non_converging"
	default:
		return "unknown"
	}
}

// ExitCode maps a Kind to the process exit code of spec §6.
func (k Kind) ExitCode() int {
	switch k {
	case KindUnknown:
		return 1
	case KindUsageError:
		return 2
	default:
		return 1
	}
}

// Error is pmbootstrap's structured error type.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap allows errors.Is/errors.As to walk through Error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the given Kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new Error of the given Kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error as a new Error of the given Kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf wraps an existing error as a new Error of the given Kind with a
// formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// With attaches an attribute to err, wrapping it as KindUnknown first if it
// isn't already a pmbootstrap *Error.
func With(err error, key string, val any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindUnknown, Message: err.Error(), Underlying: err}
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns err's Kind, or KindUnknown if it isn't a pmbootstrap error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes collects every attribute along err's chain, first-seen wins.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	cur := err
	for cur != nil {
		var e *Error
		if !errors.As(cur, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		cur = e.Underlying
	}
	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target's type.
func As(err error, target any) bool { return errors.As(err, target) }
