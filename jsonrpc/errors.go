package jsonrpc

import (
	"errors"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerError is shared by every domain failure. Peers tell them apart by
	// message text and data only.
	CodeServerError = -32000
)

// Domain failures. They all collapse onto CodeServerError on the wire.
// TODO: split these into distinct -320xx codes once peers stop matching on -32000.
const (
	CodeResourceNotFound      = CodeServerError
	CodeToolNotFound          = CodeServerError
	CodeToolExecutionFailed   = CodeServerError
	CodePromptExecutionFailed = CodeServerError
)

const (
	MsgParseError     = "Parse error"
	MsgInvalidRequest = "Invalid request"
	MsgMethodNotFound = "Method not found"
	MsgInvalidParams  = "Invalid params"
	MsgInternalError  = "Internal error"
)

var (
	ErrMalformedMessage    = errors.New("malformed message")
	ErrInvalidMessageShape = errors.New("invalid message shape")
)

// Error is both the wire error object and a Go error. Request handlers return it to
// pick the exact code sent to the peer, and callers of a request receive it when the
// peer answers with an error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func NewErrorObject(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func (e *Error) Error() string {
	if e == nil {
		return "jsonrpc error: <nil>"
	}
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func MethodNotFound(method string) *Error {
	return NewErrorObject(CodeMethodNotFound, MsgMethodNotFound, map[string]any{"method": method})
}

func InvalidParams(detail string) *Error {
	return NewErrorObject(CodeInvalidParams, MsgInvalidParams, map[string]any{"detail": detail})
}

func InternalError(err error) *Error {
	return NewErrorObject(CodeInternalError, MsgInternalError, map[string]any{"error": err.Error()})
}

func ResourceNotFound(uri string) *Error {
	return NewErrorObject(CodeResourceNotFound, "Resource not found", map[string]any{"uri": uri})
}

func ToolNotFound(name string) *Error {
	return NewErrorObject(CodeToolNotFound, "Tool not found", map[string]any{"name": name})
}

func ToolExecutionFailed(name string, err error) *Error {
	return NewErrorObject(CodeToolExecutionFailed, "Tool execution failed", map[string]any{
		"name":  name,
		"error": err.Error(),
	})
}

func PromptNotFound(name string) *Error {
	return NewErrorObject(CodePromptExecutionFailed, "Prompt not found", map[string]any{"name": name})
}

func PromptExecutionFailed(name string, err error) *Error {
	return NewErrorObject(CodePromptExecutionFailed, "Prompt execution failed", map[string]any{
		"name":  name,
		"error": err.Error(),
	})
}

// AsError returns the *Error carried by err, or folds err into a generic server error
// whose data holds the original text. A nil *Error inside err counts as unstructured.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr != nil {
		return rpcErr
	}
	return NewErrorObject(CodeServerError, MsgInternalError, map[string]any{"error": err.Error()})
}

// IsCode reports whether err carries a jsonrpc error with the given code.
func IsCode(err error, code int) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr != nil && rpcErr.Code == code
}
