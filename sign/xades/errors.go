package xades

import (
	"errors"
	"fmt"

	"github.com/georgepadayatti/goxades/certvalidator/fetchers"
	"github.com/georgepadayatti/goxades/sign/ocspclient"
	"github.com/georgepadayatti/goxades/sign/timestamps"
)

// ErrorKind is the closed set of failure classes reported by the engine.
type ErrorKind int

const (
	// KindConfiguration covers missing or inconsistent parameters. It is
	// always reported before any network or cryptographic work.
	KindConfiguration ErrorKind = iota + 1
	// KindProtocol covers OCSP, TSA and transport failures.
	KindProtocol
	// KindTrust covers revoked or undeterminable certificates.
	KindTrust
	// KindLookup covers elements or content that cannot be found.
	KindLookup
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindProtocol:
		return "protocol error"
	case KindTrust:
		return "trust error"
	case KindLookup:
		return "lookup error"
	default:
		return "unknown error"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrProtocol      = errors.New("protocol error")
	ErrTrust         = errors.New("trust error")
	ErrLookup        = errors.New("lookup error")

	// ErrRevoked and ErrUndetermined refine KindTrust.
	ErrRevoked      = errors.New("certificate revoked")
	ErrUndetermined = errors.New("certificate status could not be determined")

	// ErrTimestampPresent is returned when a T upgrade finds an existing
	// SignatureTimeStamp.
	ErrTimestampPresent = errors.New("signature already carries a SignatureTimeStamp")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindProtocol:
		return ErrProtocol
	case KindTrust:
		return ErrTrust
	case KindLookup:
		return ErrLookup
	}
	return nil
}

// Error is the error type returned by every engine operation.
type Error struct {
	Kind ErrorKind
	// Op is the engine operation that failed, such as "sign" or "upgrade-xl".
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	s := "xades: " + e.Op + ": " + e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func newError(kind ErrorKind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func configError(op, format string, args ...any) *Error {
	return newError(KindConfiguration, op, fmt.Sprintf(format, args...), nil)
}

func lookupError(op, format string, args ...any) *Error {
	return newError(KindLookup, op, fmt.Sprintf(format, args...), nil)
}

// classify maps collaborator errors onto the closed taxonomy. Errors that
// are already classified pass through unchanged.
func classify(op, msg string, err error) error {
	if err == nil {
		return nil
	}
	var xe *Error
	if errors.As(err, &xe) {
		return err
	}
	switch {
	case errors.Is(err, ocspclient.ErrProtocol),
		errors.Is(err, ocspclient.ErrTransport),
		errors.Is(err, timestamps.ErrTimestampFailed),
		errors.Is(err, timestamps.ErrTimestampRejected),
		errors.Is(err, timestamps.ErrInvalidTimestamp),
		errors.Is(err, timestamps.ErrTimestampMismatch),
		errors.Is(err, fetchers.ErrFetchFailed):
		return newError(KindProtocol, op, msg, err)
	case errors.Is(err, fetchers.ErrUnsupportedScheme):
		return newError(KindConfiguration, op, msg, err)
	}
	return newError(KindProtocol, op, msg, err)
}
