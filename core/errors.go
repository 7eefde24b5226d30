package core

import (
	"errors"
	"strings"
)

// ErrorKind classifies engine failures by how callers must react to them.
type ErrorKind string

const (
	// KindSchema: the catalog is structurally invalid. Fatal at startup.
	KindSchema ErrorKind = "schema"
	// KindParse: a condition does not match the grammar. Fatal for that rule.
	KindParse ErrorKind = "parse"
	// KindReference: a condition points at an entity the context lacks.
	KindReference ErrorKind = "reference"
	// KindPersistence: a store rejected a write or read.
	KindPersistence ErrorKind = "persistence"
)

var (
	ErrSchema      = &Error{Kind: KindSchema}
	ErrParse       = &Error{Kind: KindParse}
	ErrReference   = &Error{Kind: KindReference}
	ErrPersistence = &Error{Kind: KindPersistence}

	// ErrAwardExists is returned by award stores when (user, badge) is taken.
	ErrAwardExists = errors.New("award already exists")
	// ErrNotFound is returned by collaborator stores for unknown records.
	ErrNotFound = errors.New("not found")
)

// Error is the typed failure used across catalog, condition and engine code.
// errors.Is matches any *Error of the same Kind, so the package-level
// sentinels work as kind checks.
type Error struct {
	Kind    ErrorKind
	Op      string
	Subject string
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Subject != "" {
		b.WriteString(" [")
		b.WriteString(e.Subject)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Details, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func SchemaError(op string, details []string) error {
	return &Error{Kind: KindSchema, Op: op, Message: "catalog validation failed", Details: details}
}

func ParseError(src, msg string) error {
	return &Error{Kind: KindParse, Subject: src, Message: msg}
}

func ReferenceError(path, msg string) error {
	return &Error{Kind: KindReference, Subject: path, Message: msg}
}

func PersistenceError(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
