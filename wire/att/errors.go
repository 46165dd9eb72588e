package att

import (
	"errors"
	"fmt"
)

// ATT Error Codes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4.1.1)
const (
	ErrSuccess                       = 0x00 // Not an actual error, used internally
	ErrInvalidHandle                 = 0x01
	ErrReadNotPermitted              = 0x02
	ErrWriteNotPermitted             = 0x03
	ErrInvalidPDU                    = 0x04
	ErrInsufficientAuthentication    = 0x05
	ErrRequestNotSupported           = 0x06
	ErrInvalidOffset                 = 0x07
	ErrInsufficientAuthorization     = 0x08
	ErrPrepareQueueFull              = 0x09
	ErrAttributeNotFound             = 0x0A
	ErrAttributeNotLong              = 0x0B
	ErrInsufficientEncryptionKeySize = 0x0C
	ErrInvalidAttributeValueLength   = 0x0D
	ErrUnlikelyError                 = 0x0E
	ErrInsufficientEncryption        = 0x0F
	ErrUnsupportedGroupType          = 0x10
	ErrInsufficientResources         = 0x11

	// Application Error codes (0x80 - 0x9F), defined per service
	ErrApplicationErrorStart = 0x80
	ErrApplicationErrorEnd   = 0x9F

	// Common Profile and Service Error Codes (0xE0 - 0xFF)
	ErrCommonErrorStart           = 0xE0
	ErrWriteRequestRejected       = 0xFC
	ErrCCCDImproperlyConfigured   = 0xFD
	ErrProcedureAlreadyInProgress = 0xFE
	ErrOutOfRange                 = 0xFF
)

// ErrorNames maps error codes to human-readable names
var ErrorNames = map[uint8]string{
	ErrSuccess:                       "Success",
	ErrInvalidHandle:                 "Invalid Handle",
	ErrReadNotPermitted:              "Read Not Permitted",
	ErrWriteNotPermitted:             "Write Not Permitted",
	ErrInvalidPDU:                    "Invalid PDU",
	ErrInsufficientAuthentication:    "Insufficient Authentication",
	ErrRequestNotSupported:           "Request Not Supported",
	ErrInvalidOffset:                 "Invalid Offset",
	ErrInsufficientAuthorization:     "Insufficient Authorization",
	ErrPrepareQueueFull:              "Prepare Queue Full",
	ErrAttributeNotFound:             "Attribute Not Found",
	ErrAttributeNotLong:              "Attribute Not Long",
	ErrInsufficientEncryptionKeySize: "Insufficient Encryption Key Size",
	ErrInvalidAttributeValueLength:   "Invalid Attribute Value Length",
	ErrUnlikelyError:                 "Unlikely Error",
	ErrInsufficientEncryption:        "Insufficient Encryption",
	ErrUnsupportedGroupType:          "Unsupported Group Type",
	ErrInsufficientResources:         "Insufficient Resources",
	ErrWriteRequestRejected:          "Write Request Rejected",
	ErrCCCDImproperlyConfigured:      "CCCD Improperly Configured",
	ErrProcedureAlreadyInProgress:    "Procedure Already in Progress",
	ErrOutOfRange:                    "Out of Range",
}

// applicationNames lets a service register names for its 0x80-0x9F codes
// so they show up in logs instead of "Application Error (0x80)".
var applicationNames = map[uint8]string{}

// RegisterApplicationError names a service-specific application error code.
// It is meant to be called from package init functions.
func RegisterApplicationError(code uint8, name string) {
	if code < ErrApplicationErrorStart || code > ErrApplicationErrorEnd {
		panic(fmt.Sprintf("att: 0x%02X is not an application error code", code))
	}
	applicationNames[code] = name
}

// Error represents an ATT error
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("ATT Error: %s (handle 0x%04X, request %s)",
		CodeName(e.Code), e.Handle, OpcodeName(e.RequestOpcode))
}

// CodeName returns a printable name for an ATT error code
func CodeName(code uint8) string {
	if name, ok := ErrorNames[code]; ok {
		return name
	}
	if name, ok := applicationNames[code]; ok {
		return name
	}
	switch {
	case code >= ErrApplicationErrorStart && code <= ErrApplicationErrorEnd:
		return fmt.Sprintf("Application Error (0x%02X)", code)
	case code >= ErrCommonErrorStart:
		return fmt.Sprintf("Common Profile Error (0x%02X)", code)
	default:
		return fmt.Sprintf("Unknown Error (0x%02X)", code)
	}
}

// NewError creates a new ATT error
func NewError(code uint8, requestOpcode uint8, handle uint16) *Error {
	return &Error{
		Code:          code,
		RequestOpcode: requestOpcode,
		Handle:        handle,
	}
}

// IsATTError checks if an error (or anything it wraps) is an ATT error with a specific code
func IsATTError(err error, code uint8) bool {
	var attErr *Error
	if errors.As(err, &attErr) {
		return attErr.Code == code
	}
	return false
}

// GetErrorCode returns the ATT error code from an error chain, or 0 if there is none
func GetErrorCode(err error) uint8 {
	var attErr *Error
	if errors.As(err, &attErr) {
		return attErr.Code
	}
	return 0
}
