package abi

import "strconv"

// Status is the result code of every host API call. The numbering follows
// the Node-API status enumeration.
type Status int

const (
	OK Status = iota
	InvalidArg
	ObjectExpected
	StringExpected
	NameExpected
	FunctionExpected
	NumberExpected
	BooleanExpected
	ArrayExpected
	GenericFailure
	PendingException
	Cancelled
	EscapeCalledTwice
	HandleScopeMismatch
	CallbackScopeMismatch
	QueueFull
	Closing
	BigintExpected
	DateExpected
	ArraybufferExpected
	DetachableArraybufferExpected
	WouldDeadlock
)

var statusNames = [...]string{
	OK:                            "ok",
	InvalidArg:                    "invalid_arg",
	ObjectExpected:                "object_expected",
	StringExpected:                "string_expected",
	NameExpected:                  "name_expected",
	FunctionExpected:              "function_expected",
	NumberExpected:                "number_expected",
	BooleanExpected:               "boolean_expected",
	ArrayExpected:                 "array_expected",
	GenericFailure:                "generic_failure",
	PendingException:              "pending_exception",
	Cancelled:                     "cancelled",
	EscapeCalledTwice:             "escape_called_twice",
	HandleScopeMismatch:           "handle_scope_mismatch",
	CallbackScopeMismatch:         "callback_scope_mismatch",
	QueueFull:                     "queue_full",
	Closing:                       "closing",
	BigintExpected:                "bigint_expected",
	DateExpected:                  "date_expected",
	ArraybufferExpected:           "arraybuffer_expected",
	DetachableArraybufferExpected: "detachable_arraybuffer_expected",
	WouldDeadlock:                 "would_deadlock",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// ValueType is the host's typeof classification.
type ValueType int

const (
	Undefined ValueType = iota
	Null
	Boolean
	Number
	String
	Symbol
	Object
	Function
	External
	Bigint
)

var typeNames = [...]string{
	Undefined: "undefined",
	Null:      "null",
	Boolean:   "boolean",
	Number:    "number",
	String:    "string",
	Symbol:    "symbol",
	Object:    "object",
	Function:  "function",
	External:  "external",
	Bigint:    "bigint",
}

func (t ValueType) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}
