package signup

import (
	stderrors "errors"
	"net/http"

	"github.com/goliatone/go-errors"
)

const (
	TextCodeDecodeFailure       = "SIGNUP_DECODE_FAILURE"
	TextCodeMissingPendingData  = "SIGNUP_MISSING_PENDING_DATA"
	TextCodeRequestTimeout      = "SIGNUP_REQUEST_TIMEOUT"
	TextCodeBackendRejection    = "SIGNUP_BACKEND_REJECTION"
	TextCodeStorageVerification = "SIGNUP_STORAGE_VERIFICATION_FAILURE"
	TextCodeCompletionInFlight  = "SIGNUP_COMPLETION_IN_FLIGHT"
	TextCodeInvalidForm         = "SIGNUP_INVALID_FORM"
	TextCodeNoRegistrationData  = "SIGNUP_NO_REGISTRATION_DATA"
	TextCodeBackendUnavailable  = "SIGNUP_BACKEND_UNAVAILABLE"
)

// ErrDecodeFailure is returned when the identity payload cannot be decoded
// by any strategy.
var ErrDecodeFailure = errors.New("unable to decode identity payload", errors.CategoryBadInput).
	WithTextCode(TextCodeDecodeFailure).
	WithCode(errors.CodeBadRequest)

// ErrMissingPendingData is returned when an identity payload arrives but no
// usable pending registration exists.
var ErrMissingPendingData = errors.New("no pending registration data", errors.CategoryNotFound).
	WithTextCode(TextCodeMissingPendingData).
	WithCode(errors.CodeNotFound)

// ErrRequestTimeout is returned when the completion call was aborted.
var ErrRequestTimeout = errors.New("registration request timed out", errors.CategoryOperation).
	WithTextCode(TextCodeRequestTimeout).
	WithCode(http.StatusGatewayTimeout)

// ErrBackendRejection is returned when the backend answers success:false.
var ErrBackendRejection = errors.New("registration rejected by backend", errors.CategoryValidation).
	WithTextCode(TextCodeBackendRejection).
	WithCode(errors.CodeBadRequest)

// ErrBackendUnavailable is returned on transport failures talking to the backend.
var ErrBackendUnavailable = errors.New("registration backend unavailable", errors.CategoryOperation).
	WithTextCode(TextCodeBackendUnavailable).
	WithCode(http.StatusBadGateway)

// ErrStorageVerification is returned when a committed session does not read back.
var ErrStorageVerification = errors.New("session storage verification failed", errors.CategoryInternal).
	WithTextCode(TextCodeStorageVerification).
	WithCode(http.StatusInternalServerError)

// ErrCompletionInFlight is returned when a completion is already running for a flow.
var ErrCompletionInFlight = errors.New("registration already in progress", errors.CategoryConflict).
	WithTextCode(TextCodeCompletionInFlight).
	WithCode(errors.CodeConflict)

// ErrInvalidForm is returned when the role/profile form fails validation.
var ErrInvalidForm = errors.New("invalid registration form", errors.CategoryValidation).
	WithTextCode(TextCodeInvalidForm).
	WithCode(errors.CodeBadRequest)

// ErrNoRegistrationData is returned when the redirect carries neither the
// new user flag nor an identity payload.
var ErrNoRegistrationData = errors.New("no registration data", errors.CategoryBadInput).
	WithTextCode(TextCodeNoRegistrationData).
	WithCode(errors.CodeBadRequest)

// IsDecodeFailure reports whether err is a decode failure.
func IsDecodeFailure(err error) bool {
	return stderrors.Is(err, ErrDecodeFailure)
}

// IsStorageVerification reports whether err is a session verification failure.
func IsStorageVerification(err error) bool {
	return stderrors.Is(err, ErrStorageVerification)
}

// IsRequestTimeout reports whether err is an aborted completion call.
func IsRequestTimeout(err error) bool {
	return stderrors.Is(err, ErrRequestTimeout)
}

// IsBackendRejection reports whether err is an explicit backend rejection.
func IsBackendRejection(err error) bool {
	return stderrors.Is(err, ErrBackendRejection)
}

// BlocksNavigation reports whether err must keep the user on the current page.
func BlocksNavigation(err error) bool {
	return IsStorageVerification(err)
}
