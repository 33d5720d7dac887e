package models

import (
	"errors"
	"fmt"
	"strings"
)

// Message is the plaintext carried inside a credential envelope.
type Message struct {
	Nonce   string `json:"nonce"`
	Thought string `json:"thought"`
}

// Validate reports whether m can be sealed into an envelope by a well-behaved client.
func (m Message) Validate() error {
	if m.Nonce == "" || m.Thought == "" {
		return errors.New("nonce and thought are required")
	}
	if strings.IndexByte(m.Nonce, 0) >= 0 || strings.IndexByte(m.Thought, 0) >= 0 {
		return errors.New("nonce and thought must not contain NUL bytes")
	}
	return nil
}

// Kind is the closed set of verification failure categories.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindFormat
	KindAuth
	KindReplay
	KindPolicy
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindFormat:
		return "format"
	case KindAuth:
		return "auth"
	case KindReplay:
		return "replay"
	case KindPolicy:
		return "policy"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Wire error codes. The set is fixed; clients branch on these strings.
const (
	CodeInvalidJSON           = "invalid-json"
	CodeMissingFlag           = "missing-Flag"
	CodeBadBase64             = "bad-base64"
	CodeBadFormatCombined     = "bad-format-combined"
	CodeBadHMACEncoding       = "bad-hmac-encoding"
	CodeBadEncBase64          = "bad-enc-base64"
	CodeBadDecryption         = "bad-decryption"
	CodeMissingNonceOrThought = "missing-nonce-or-thought"
	CodeBadHMAC               = "bad-hmac"
	CodeStaleNonce            = "stale-nonce"
	CodeReplayedNonce         = "replayed-nonce"
	CodeBadThoughtFormat      = "bad-thought-format"
)

// VerificationError is returned by every pipeline component on rejection.
//
// Detail is a human-readable diagnostic; Fields carries extra response members
// such as "age" or "hint". Neither is meant to be matched on.
type VerificationError struct {
	Kind   Kind
	Code   string
	Detail string
	Fields map[string]any
	Cause  error
}

func (e *VerificationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Detail != "" {
		return e.Code + ": " + e.Detail
	}
	return e.Code
}

func (e *VerificationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// With returns a copy of e with key set in Fields.
func (e *VerificationError) With(key string, value any) *VerificationError {
	out := *e
	out.Fields = make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	out.Fields[key] = value
	return &out
}

func Reject(kind Kind, code string) *VerificationError {
	return &VerificationError{Kind: kind, Code: code}
}

// Wrap builds a rejection whose Detail is taken from cause.
func Wrap(kind Kind, code string, cause error) *VerificationError {
	e := &VerificationError{Kind: kind, Code: code, Cause: cause}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// AsVerification extracts a *VerificationError from err.
func AsVerification(err error) (*VerificationError, bool) {
	var e *VerificationError
	if !errors.As(err, &e) || e == nil {
		return nil, false
	}
	return e, true
}

// IsKind reports whether err is (or wraps) a *VerificationError of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsVerification(err)
	return ok && e.Kind == kind
}

// Code returns the wire code of err, or "" when err is not a verification error.
func Code(err error) string {
	e, ok := AsVerification(err)
	if !ok {
		return ""
	}
	return e.Code
}

// Result is the outcome of one verification. Exactly one of Token and Err is set.
type Result struct {
	Token string
	Err   *VerificationError
}

func (r Result) OK() bool { return r.Err == nil }

func Success(token string) Result { return Result{Token: token} }

func Failure(err *VerificationError) Result { return Result{Err: err} }
