// Package errors provides the error taxonomy shared by the CFI parser,
// interpreter and document sources.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	// ErrNodeType indicates a structural failure: an AST node that does not
	// match the resolver it was handed to, or a document that cannot carry
	// the path (bad index, malformed manifest link, offset out of range).
	ErrNodeType = errors.New("node type")
	// ErrAssertion indicates an id assertion did not match the live document
	ErrAssertion = errors.New("id assertion failed")
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates invalid input or validation failure
	ErrInvalidInput = errors.New("invalid input")
)

// Structural causes carried inside a NodeTypeError.
var (
	// ErrStepIndex indicates a step index that addresses no element.
	ErrStepIndex = errors.New("step index does not address an element")
	// ErrOffsetRange indicates a character offset outside the text content.
	ErrOffsetRange = errors.New("offset out of range")
	// ErrManifest indicates an itemref whose manifest item or href is missing.
	ErrManifest = errors.New("malformed manifest reference")
)

// NodeTypeError reports an AST node or document shape the current
// resolution stage cannot handle.
type NodeTypeError struct {
	Actual   string // Tag of the node received, "none" when absent
	Expected string // Description of the node the resolver handles
	Err      error  // Structural cause, if any
}

func (e *NodeTypeError) Error() string {
	actual := e.Actual
	if actual == "" {
		actual = "none"
	}
	if e.Err != nil {
		return fmt.Sprintf("node type error: %s (got %s): %v", e.Expected, actual, e.Err)
	}
	return fmt.Sprintf("node type error: %s (got %s)", e.Expected, actual)
}

func (e *NodeTypeError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNodeType
}

// Is reports whether target is ErrNodeType, so that the kind survives a
// wrapped cause.
func (e *NodeTypeError) Is(target error) bool {
	return target == ErrNodeType
}

// AssertionError reports an id assertion that does not match the document.
type AssertionError struct {
	Expected string // Value asserted in the CFI
	Actual   string // Value found on the element
	Message  string
}

func (e *AssertionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "id assertion failed"
	}
	return fmt.Sprintf("%s: expected %q, got %q", msg, e.Expected, e.Actual)
}

func (e *AssertionError) Unwrap() error {
	return ErrAssertion
}

// NotFoundError represents a resource not found error with context
type NotFoundError struct {
	Resource string // Type of resource (e.g., "document", "manifest item")
	ID       string // Identifier of the resource
	Err      error  // Underlying error, if any
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNotFound
}

// IOError represents an I/O operation error with context
type IOError struct {
	Operation string // Operation being performed (e.g., "read", "fetch", "open")
	Path      string // File/resource path involved
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ParseError represents a parsing or deserialization error
type ParseError struct {
	Format  string // Format being parsed (e.g., "CFI", "XML", "container")
	Path    string // File path, if applicable
	Message string // Error details
	Err     error  // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to parse %s at %s: %s", e.Format, e.Path, e.Message)
	}
	return fmt.Sprintf("failed to parse %s: %s", e.Format, e.Message)
}

func (e *ParseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// Helper functions for creating common errors

// NewNodeType creates a NodeTypeError
func NewNodeType(actual, expected string) *NodeTypeError {
	return &NodeTypeError{
		Actual:   actual,
		Expected: expected,
	}
}

// NewStructural creates a NodeTypeError carrying a structural cause.
func NewStructural(actual, expected string, cause error) *NodeTypeError {
	return &NodeTypeError{
		Actual:   actual,
		Expected: expected,
		Err:      cause,
	}
}

// NewAssertion creates an AssertionError
func NewAssertion(expected, actual, message string) *AssertionError {
	return &AssertionError{
		Expected: expected,
		Actual:   actual,
		Message:  message,
	}
}

// NewNotFound creates a NotFoundError
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// NewIO creates an IOError
func NewIO(operation, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// NewParse creates a ParseError
func NewParse(format, path, message string) *ParseError {
	return &ParseError{
		Format:  format,
		Path:    path,
		Message: message,
	}
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
