package gpurv

import (
	"fmt"
	"os"
	"strconv"
)

// Session-level error codes.
const (
	VM_SUCCESS             uint32 = 0x00000000
	VM_ERROR               uint32 = 0x52560001
	VM_BUSY                uint32 = 0x52560002
	VM_BAD_ARGUMENT        uint32 = 0x52560003
	VM_ILLEGAL_GUEST_STATE uint32 = 0x52560004
	VM_NO_RESOURCES        uint32 = 0x52560005
	VM_EXISTS              uint32 = 0x52560008
	VM_UNSUPPORTED         uint32 = 0x5256000F
)

// VMError wraps a session error code.
// Code stores the raw 32-bit value (0x5256xxxx).
type VMError struct {
	Code    uint32
	message string // Optional custom message for specific errors
}

func (e VMError) Error() string {
	// Use custom message if available
	if e.message != "" {
		return e.message
	}

	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// detailedError provides full error context for development
func (e VMError) detailedError() string {
	switch e.Code {
	case VM_SUCCESS:
		return "gpurv: success"
	case VM_ERROR:
		return "gpurv: general error (VM_ERROR) - check session state and API usage"
	case VM_BUSY:
		return "gpurv: resource busy (VM_BUSY) - a dispatch is already in flight"
	case VM_BAD_ARGUMENT:
		return "gpurv: invalid argument (VM_BAD_ARGUMENT) - check parameter values and region bounds"
	case VM_ILLEGAL_GUEST_STATE:
		return "gpurv: illegal guest state (VM_ILLEGAL_GUEST_STATE) - guest CPU state is invalid"
	case VM_NO_RESOURCES:
		return "gpurv: insufficient resources (VM_NO_RESOURCES) - guest memory or region limits exceeded"
	case VM_EXISTS:
		return "gpurv: resource exists (VM_EXISTS) - session already booted"
	case VM_UNSUPPORTED:
		return "gpurv: operation unsupported (VM_UNSUPPORTED) - feature not available on this platform"
	default:
		return fmt.Sprintf("gpurv: unknown error code 0x%08x", e.Code)
	}
}

// sanitizedError provides minimal error information for production
func (e VMError) sanitizedError() string {
	switch e.Code {
	case VM_SUCCESS:
		return "gpurv: success"
	case VM_ERROR:
		return "gpurv: general error"
	case VM_BUSY:
		return "gpurv: resource busy"
	case VM_BAD_ARGUMENT:
		return "gpurv: invalid argument"
	case VM_ILLEGAL_GUEST_STATE:
		return "gpurv: illegal guest state"
	case VM_NO_RESOURCES:
		return "gpurv: insufficient resources"
	case VM_EXISTS:
		return "gpurv: resource exists"
	case VM_UNSUPPORTED:
		return "gpurv: operation unsupported"
	default:
		return "gpurv: session error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("GPURV_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("GPURV_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Common specific errors for API consumers
var (
	ErrSessionClosed    = &VMError{Code: VM_ERROR, message: "gpurv: session is closed"}
	ErrMemoryClosed     = &VMError{Code: VM_ERROR, message: "gpurv: guest memory is closed"}
	ErrNotBooted        = &VMError{Code: VM_ILLEGAL_GUEST_STATE, message: "gpurv: session has not booted a bundle"}
	ErrAlreadyBooted    = &VMError{Code: VM_EXISTS, message: "gpurv: session already booted"}
	ErrInvalidStateWord = &VMError{Code: VM_BAD_ARGUMENT, message: "gpurv: invalid state word index"}
	ErrRegionOverflow   = &VMError{Code: VM_NO_RESOURCES, message: "gpurv: write exceeds region bounds"}
	ErrBadBundle        = &VMError{Code: VM_BAD_ARGUMENT, message: "gpurv: malformed boot bundle"}
)
