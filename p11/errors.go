package p11

import (
	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// Errors returned by the package.
// Failures reported by a module keep the original pkcs11.Error in the chain,
// and are marked with one of these kinds, so both errors.Is and RV can be used.
var (
	ErrModuleLoad            = errors.New("unable to load module")
	ErrModuleInterface       = errors.New("invalid module interface")
	ErrTokenNotPresent       = errors.New("token not present")
	ErrUserCancelled         = errors.New("cancelled by user")
	ErrSessionInvalid        = errors.New("session is not valid")
	ErrLoginFailed           = errors.New("login failed")
	ErrPinIncorrect          = errors.New("PIN incorrect")
	ErrPinInvalid            = errors.New("PIN invalid")
	ErrPinLengthRange        = errors.New("PIN length out of range")
	ErrObjectNotFound        = errors.New("object not found")
	ErrCapabilityUnsupported = errors.New("capability not supported")
	ErrDeviceRemoved         = errors.New("device removed")
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrBufferTooSmall        = errors.New("buffer too small")
	ErrOutOfMemory           = errors.New("out of memory")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrNotInitialized        = errors.New("not initialized")
)

var rvKinds = map[uint]error{
	pkcs11.CKR_PIN_INCORRECT:              ErrPinIncorrect,
	pkcs11.CKR_PIN_INVALID:                ErrPinInvalid,
	pkcs11.CKR_PIN_LEN_RANGE:              ErrPinLengthRange,
	pkcs11.CKR_DEVICE_REMOVED:             ErrDeviceRemoved,
	pkcs11.CKR_TOKEN_NOT_PRESENT:          ErrDeviceRemoved,
	pkcs11.CKR_FUNCTION_NOT_SUPPORTED:     ErrCapabilityUnsupported,
	pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED: ErrCapabilityUnsupported,
	pkcs11.CKR_KEY_TYPE_INCONSISTENT:      ErrCapabilityUnsupported,
	pkcs11.CKR_BUFFER_TOO_SMALL:           ErrBufferTooSmall,
	pkcs11.CKR_HOST_MEMORY:                ErrOutOfMemory,
	pkcs11.CKR_DEVICE_MEMORY:              ErrOutOfMemory,
	pkcs11.CKR_SESSION_HANDLE_INVALID:     ErrSessionInvalid,
	pkcs11.CKR_SESSION_CLOSED:             ErrSessionInvalid,
	pkcs11.CKR_USER_NOT_LOGGED_IN:         ErrSessionInvalid,
	pkcs11.CKR_OBJECT_HANDLE_INVALID:      ErrObjectNotFound,
	pkcs11.CKR_KEY_HANDLE_INVALID:         ErrObjectNotFound,
	pkcs11.CKR_ARGUMENTS_BAD:              ErrInvalidArgument,
	pkcs11.CKR_MECHANISM_INVALID:          ErrInvalidArgument,
	pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED:   ErrNotInitialized,
}

var kindRVs = []struct {
	kind error
	rv   uint
}{
	{ErrModuleLoad, pkcs11.CKR_GENERAL_ERROR},
	{ErrModuleInterface, pkcs11.CKR_GENERAL_ERROR},
	{ErrTokenNotPresent, pkcs11.CKR_TOKEN_NOT_PRESENT},
	{ErrUserCancelled, pkcs11.CKR_FUNCTION_CANCELED},
	{ErrSessionInvalid, pkcs11.CKR_SESSION_HANDLE_INVALID},
	{ErrPinIncorrect, pkcs11.CKR_PIN_INCORRECT},
	{ErrPinInvalid, pkcs11.CKR_PIN_INVALID},
	{ErrPinLengthRange, pkcs11.CKR_PIN_LEN_RANGE},
	{ErrObjectNotFound, pkcs11.CKR_OBJECT_HANDLE_INVALID},
	{ErrCapabilityUnsupported, pkcs11.CKR_FUNCTION_NOT_SUPPORTED},
	{ErrDeviceRemoved, pkcs11.CKR_DEVICE_REMOVED},
	{ErrProviderUnavailable, pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED},
	{ErrBufferTooSmall, pkcs11.CKR_BUFFER_TOO_SMALL},
	{ErrOutOfMemory, pkcs11.CKR_HOST_MEMORY},
	{ErrInvalidArgument, pkcs11.CKR_ARGUMENTS_BAD},
	{ErrNotInitialized, pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED},
	{ErrLoginFailed, pkcs11.CKR_GENERAL_ERROR},
}

// RV returns PKCS#11 return value for the error:
// the module's own code when err came from a module, otherwise
// the code that matches the error kind
func RV(err error) uint {
	if err == nil {
		return pkcs11.CKR_OK
	}
	var rv pkcs11.Error
	if errors.As(err, &rv) {
		return uint(rv)
	}
	for _, k := range kindRVs {
		if errors.Is(err, k.kind) {
			return k.rv
		}
	}
	return pkcs11.CKR_FUNCTION_FAILED
}

// wrapRV annotates error returned by a module function,
// and marks it with the matching error kind
func wrapRV(err error, function string) error {
	if err == nil {
		return nil
	}

	var rv pkcs11.Error
	if !errors.As(err, &rv) {
		return errors.WithMessage(err, function)
	}

	werr := errors.WithMessage(err, function)
	if kind, ok := rvKinds[uint(rv)]; ok {
		werr = errors.Mark(werr, kind)
	}
	return werr
}

// isPINError returns true for the failures that are retried by login
func isPINError(err error) bool {
	return errors.Is(err, ErrPinIncorrect) ||
		errors.Is(err, ErrPinInvalid) ||
		errors.Is(err, ErrPinLengthRange)
}

// isQuiet returns true for the failures that are part of the normal flow,
// and not logged as errors
func isQuiet(err error) bool {
	return errors.Is(err, ErrBufferTooSmall) || errors.Is(err, ErrUserCancelled)
}
