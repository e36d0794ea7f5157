package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors of the coordinator surface. Handlers map these to HTTP
// status codes; the chat edge maps them to thread replies.
var (
	// ErrNotFound marks a missing action, approval, or thread.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an illegal state transition.
	ErrConflict = errors.New("conflict")

	// ErrSignature marks a rejected webhook.
	ErrSignature = errors.New("invalid signature")

	// ErrInvariant marks an internal bug guard; no state is mutated.
	ErrInvariant = errors.New("invariant violation")
)

// IntegrationError reports a failed external provider or chat call.
type IntegrationError struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *IntegrationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// CredentialError is an IntegrationError subtype for missing or unrefreshable
// tokens. Owner identifies whose credential could not be resolved.
type CredentialError struct {
	Owner   string
	Message string
}

func (e *CredentialError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("credential for %s: %s", e.Owner, e.Message)
	}
	return "credential: " + e.Message
}
