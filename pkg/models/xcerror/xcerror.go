package xcerror

import (
	"errors"
	"fmt"
)

const (
	XC_UNEXPECTED             = "XCPLU"
	XC_PROTOCOL_VIOLATION     = "XCPLP"
	XC_CONNECTION_ERROR       = "XCPLO"
	XC_INSUFFICIENT_RESOURCES = "XCPLR"
	XC_FRAMING_LOST           = "XCPLL"
	XC_DUPLICATE_PSTATEMENT   = "XCPLD"
	XC_UNDEFINED_PSTATEMENT   = "XCPLS"
	XC_NOT_SUPPORTED          = "XCPLN"
)

var existingErrorCodeMap = map[string]string{
	XC_PROTOCOL_VIOLATION:     "protocol violation",
	XC_CONNECTION_ERROR:       "connection error",
	XC_INSUFFICIENT_RESOURCES: "insufficient resources",
	XC_FRAMING_LOST:           "message framing unrecoverably lost",
	XC_DUPLICATE_PSTATEMENT:   "prepared statement already exists",
	XC_UNDEFINED_PSTATEMENT:   "prepared statement does not exist",
	XC_NOT_SUPPORTED:          "not supported",
}

func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

var _ error = &XcError{}

type XcError struct {
	Err error

	ErrorCode string
}

func New(errorCode string, errorMsg string) *XcError {
	return &XcError{
		Err:       fmt.Errorf("%s", errorMsg),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, a ...any) *XcError {
	return &XcError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
	}
}

func (er *XcError) Error() string {
	return fmt.Sprintf("Code: %s. Name: %s. Description: %s.",
		er.ErrorCode, GetMessageByCode(er.ErrorCode), er.Err)
}

func (er *XcError) Unwrap() error {
	return er.Err
}

// CodeOf reports the xcpool error code carried by err, or XC_UNEXPECTED.
func CodeOf(err error) string {
	var xe *XcError
	if errors.As(err, &xe) {
		return xe.ErrorCode
	}
	return XC_UNEXPECTED
}
