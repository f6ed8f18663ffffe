package attestation

import (
	"errors"
	"fmt"
)

// Code identifies a verification failure so callers can branch
// programmatically instead of matching error strings.
type Code string

// Signed-document verification failure codes
const (
	CodeInvalidEnvelope     Code = "INVALID_ENVELOPE"
	CodeInvalidDocument     Code = "INVALID_DOCUMENT"
	CodeChainFailed         Code = "CHAIN_FAILED"
	CodeSignatureFailed     Code = "SIGNATURE_FAILED"
	CodeExpired             Code = "EXPIRED"
	CodeMeasurementMismatch Code = "MEASUREMENT_MISMATCH"
	CodeNonceMismatch       Code = "NONCE_MISMATCH"
	CodeMissingKey          Code = "MISSING_KEY"
)

// Quote verification failure codes (EXPIRED is shared)
const (
	CodeInvalidQuote          Code = "INVALID_QUOTE"
	CodeVerifierServiceFailed Code = "VERIFIER_SERVICE_FAILED"
	CodeTokenSignatureFailed  Code = "TOKEN_SIGNATURE_FAILED"
	CodeIdentityMismatch      Code = "IDENTITY_MISMATCH"
	CodeReportDataMismatch    Code = "REPORT_DATA_MISMATCH"
)

// CodeVerificationPanic is reported when verification aborts on an
// unexpected runtime failure. Fail-closed: a panic is a rejection, never
// a success.
const CodeVerificationPanic Code = "VERIFICATION_PANIC"

// VerificationError is a code-carrying verification failure.
type VerificationError struct {
	Code Code
	Err  error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("attestation verification failed (%s): %v", e.Code, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// failf builds a VerificationError with a formatted cause.
func failf(code Code, format string, args ...any) *VerificationError {
	return &VerificationError{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the failure code from err, or "" when err is not a
// verification failure.
func CodeOf(err error) Code {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return ""
}
