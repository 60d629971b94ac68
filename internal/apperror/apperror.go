// Package apperror defines the structured error kinds returned by every
// marketplace operation. Storage and transport errors are classified here
// before they reach a caller.
package apperror

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindAuthorization     Kind = "authorization"
	KindTransition        Kind = "transition"
	KindPartialDeployment Kind = "partial_deployment"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// Error is the {kind, message, details} shape surfaced to callers. Two errors
// are considered equal by errors.Is when their codes match.
type Error struct {
	Kind    Kind           `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func New(kind Kind, code string, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) clone() *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details))
	for k, v := range e.Details {
		out.Details[k] = v
	}
	return &out
}

// With returns a copy carrying an extra detail entry.
func (e *Error) With(key string, value any) *Error {
	out := e.clone()
	out.Details[key] = value
	return out
}

// Wrap returns a copy that wraps cause.
func (e *Error) Wrap(cause error) *Error {
	out := e.clone()
	out.Err = cause
	return out
}

// Withf returns a copy with a formatted message.
func (e *Error) Withf(format string, args ...any) *Error {
	out := e.clone()
	out.Message = fmt.Sprintf(format, args...)
	return out
}

var (
	ErrInvalidInput       = New(KindValidation, "invalid_input", "invalid input")
	ErrInvalidManifest    = New(KindValidation, "invalid_manifest", "manifest failed validation")
	ErrNotFound           = New(KindNotFound, "not_found", "not found")
	ErrVersionNotFound    = New(KindNotFound, "version_not_found", "playbook version not found")
	ErrNotPublished       = New(KindConflict, "not_published", "playbook is not published")
	ErrAlreadyPurchased   = New(KindConflict, "already_purchased", "playbook already purchased by this org")
	ErrAlreadyInstalled   = New(KindConflict, "already_installed", "playbook already installed for this org")
	ErrAlreadyUninstalled = New(KindConflict, "already_uninstalled", "installation already uninstalled")
	ErrInstallationBusy   = New(KindConflict, "installation_busy", "installation has a deploy in flight")
	ErrSelfPurchase       = New(KindAuthorization, "self_purchase", "publisher org cannot purchase its own playbook")
	ErrNotPurchased       = New(KindAuthorization, "not_purchased", "no completed purchase for this org")
	ErrNotOwner           = New(KindAuthorization, "not_owner", "org does not own this entity")
	ErrNotInstalled       = New(KindAuthorization, "not_installed", "org has no active installation of this playbook")
	ErrForbidden          = New(KindAuthorization, "forbidden", "actor is not allowed to perform this action")
	ErrInvalidTransition  = New(KindTransition, "invalid_transition", "transition not allowed")
	ErrActiveInstalls     = New(KindConflict, "active_installations", "playbook still has active installations")
	ErrDuplicate          = New(KindConflict, "duplicate", "already exists")
	ErrPartialDeployment  = New(KindPartialDeployment, "partial_deployment", "deployment failed and was rolled back")
	ErrInternal           = New(KindInternal, "internal", "internal error")
)

// KindOf reports the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Internal classifies an unexpected error so raw storage errors never escape.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return ErrInternal.Withf("%s failed", op).Wrap(err)
}
