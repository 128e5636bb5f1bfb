// Package kverr defines the reply-error taxonomy shared by the
// keyspace engine and the command dispatcher. Every error surfaced to
// a client begins with one of these category codes.
package kverr

import "fmt"

// Category is a short upper-case error code forming the first word of
// an error reply.
type Category string

const (
	Generic    Category = "ERR"
	WrongType  Category = "WRONGTYPE"
	Syntax     Category = "SYNTAX"
	NoAuth     Category = "NOAUTH"
	Loading    Category = "LOADING"
	Busy       Category = "BUSY"
	NoScript   Category = "NOSCRIPT"
	ExecAbort  Category = "EXECABORT"
	OOM        Category = "OOM"
	NoReplicas Category = "NOREPLICAS"
)

// Error is a categorized reply error.
type Error struct {
	Category Category
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s", e.Category, e.Message)
}

// New builds an Error in the given category.
func New(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Pre-built reply errors across several categories, mirroring the
// messages a client of this protocol expects verbatim.
var (
	ErrWrongType           = &Error{Category: WrongType, Message: "Operation against a key holding the wrong kind of value"}
	ErrNotInteger          = &Error{Category: Generic, Message: "value is not an integer or out of range"}
	ErrNotFloat            = &Error{Category: Generic, Message: "value is not a valid float"}
	ErrSyntax              = &Error{Category: Syntax, Message: "syntax error"}
	ErrNoAuth              = &Error{Category: NoAuth, Message: "Authentication required."}
	ErrInvalidPassword     = &Error{Category: Generic, Message: "invalid password"}
	ErrNoPasswordSet       = &Error{Category: Generic, Message: "Client sent AUTH, but no password is set. Did you mean AUTH <username> <password>?"}
	ErrExecAbort           = &Error{Category: ExecAbort, Message: "Transaction discarded because of previous errors."}
	ErrWithoutMulti        = &Error{Category: Generic, Message: "EXEC without MULTI"}
	ErrDiscardWithoutMulti = &Error{Category: Generic, Message: "DISCARD without MULTI"}
	ErrNestedMulti         = &Error{Category: Generic, Message: "MULTI calls can not be nested"}
	ErrIndexOutOfRange     = &Error{Category: Generic, Message: "index out of range"}
	ErrNoSuchKey           = &Error{Category: Generic, Message: "no such key"}
)

// UnknownCommand formats the "unknown command" reply for an invalid
// command name, including the offending arguments as the source
// protocol does.
func UnknownCommand(name string, args []string) *Error {
	rendered := ""
	for _, a := range args {
		rendered += fmt.Sprintf("'%s', ", a)
	}
	return New(Generic, "unknown command '%s', with args beginning with: %s", name, rendered)
}

// WrongArity formats the "wrong number of arguments" reply.
func WrongArity(name string) *Error {
	return New(Generic, "wrong number of arguments for '%s' command", name)
}
