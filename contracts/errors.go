package contracts

import (
	"errors"
	"fmt"
)

// ResponseCode pairs a stable code with a human readable message
type ResponseCode struct {
	Code    string
	Message string
}

var (
	CodeSuccess = ResponseCode{Code: "0000", Message: "Success"}
	CodeFail    = ResponseCode{Code: "9999", Message: "Fail"}
	CodeTimeout = ResponseCode{Code: "9998", Message: "Request timeout"}

	// Producer codes
	CodeProducerInitFailed    = ResponseCode{Code: "P01", Message: "Producer start error"}
	CodeProducerShutdownError = ResponseCode{Code: "P02", Message: "Error occurred while shutdown"}
)

// Error makes a ResponseCode usable as a plain error
func (c ResponseCode) Error() string {
	return fmt.Sprintf("%s: %s", c.Code, c.Message)
}

// ResponseError represents an unsuccessful response
type ResponseError struct {
	Code       string
	Message    string
	SequenceID uint64
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("response %d failed with %s: %s", e.SequenceID, e.Code, e.Message)
}

// Is matches a ResponseCode with the same code
func (e *ResponseError) Is(target error) bool {
	var code ResponseCode
	if errors.As(target, &code) {
		return code.Code == e.Code
	}
	return false
}
