package payment

import "fmt"

// Kind is the closed taxonomy of verification failures.
type Kind string

const (
	// KindTxNotFound means the signature is unknown or not yet visible
	// as finalized.
	KindTxNotFound Kind = "TX_NOT_FOUND"
	// KindTxFailed means the transaction executed but errored on chain.
	KindTxFailed Kind = "TX_FAILED"
	// KindSignerMismatch means the claimed wallet did not sign the
	// transaction.
	KindSignerMismatch Kind = "SIGNER_MISMATCH"
	// KindRecipientMismatch means no qualifying transfer to the
	// treasury was found.
	KindRecipientMismatch Kind = "RECIPIENT_MISMATCH"
	// KindAmountMismatch means a treasury transfer existed but its
	// amount did not match the selected tier.
	KindAmountMismatch Kind = "AMOUNT_MISMATCH"
	// KindMintMismatch means the transferred token is not the
	// configured payment mint.
	KindMintMismatch Kind = "MINT_MISMATCH"
	// KindInvalidPaymentMethod means the method is outside the closed
	// SOL/MINSTR set.
	KindInvalidPaymentMethod Kind = "INVALID_PAYMENT_METHOD"
	// KindRPCUnavailable means no node could be reached; the payment
	// may still be valid and the caller should retry.
	KindRPCUnavailable Kind = "RPC_UNAVAILABLE"
)

// Error is the tagged verification error. Every kind except
// RPCUnavailable is terminal for the given signature and input.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// NewError constructs a verification error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError constructs a verification error around a transport failure.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("payment: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying transport error, if any.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether retrying the same input could succeed.
func (e *Error) Retryable() bool { return e.Kind == KindRPCUnavailable }
