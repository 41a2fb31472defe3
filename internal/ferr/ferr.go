// Package ferr defines the error kinds that cross the layer/proxy/agent
// API boundary (spec §7). They're plain errors.Is-comparable sentinels
// wrapped with fmt.Errorf, the same way the teacher wraps errors
// everywhere (bpf.go, nft/*.go) instead of reaching for an error-wrapping
// dependency.
package ferr

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrNotFile      = errors.New("not a file")
	ErrNotDirectory = errors.New("not a directory")
	ErrIdsExhausted = errors.New("id generator exhausted")
	ErrPermission   = errors.New("permission denied")
	ErrInvalidInput = errors.New("invalid input")
	ErrIPTables     = errors.New("iptables error")
	ErrUnsupported  = errors.New("unsupported feature")
)

// NotFound wraps id into ErrNotFound so callers can still recover the id
// with errors.As on a *IDError if they need it, while errors.Is(err,
// ErrNotFound) keeps working for simple callers.
func NotFound(id uint64) error {
	return &IDError{Kind: ErrNotFound, ID: id}
}

func NotFile(id uint64) error {
	return &IDError{Kind: ErrNotFile, ID: id}
}

func NotDirectory(id uint64) error {
	return &IDError{Kind: ErrNotDirectory, ID: id}
}

// IDError carries the offending id alongside one of the sentinel kinds
// above.
type IDError struct {
	Kind error
	ID   uint64
}

func (e *IDError) Error() string {
	return e.Kind.Error()
}

func (e *IDError) Unwrap() error {
	return e.Kind
}

// IPTablesError wraps a message from a failed iptables/nft invocation.
type IPTablesError struct {
	Msg string
	Err error
}

func (e *IPTablesError) Error() string {
	if e.Err != nil {
		return "iptables: " + e.Msg + ": " + e.Err.Error()
	}
	return "iptables: " + e.Msg
}

func (e *IPTablesError) Unwrap() error {
	return ErrIPTables
}

func NewIPTablesError(msg string, err error) error {
	return &IPTablesError{Msg: msg, Err: err}
}

// UnsupportedFeature reports that the peer doesn't speak a required
// protocol extension.
type UnsupportedFeature struct {
	Name string
}

func (e *UnsupportedFeature) Error() string {
	return "unsupported feature: " + e.Name
}

func (e *UnsupportedFeature) Unwrap() error {
	return ErrUnsupported
}
