// Package ruleerror defines the stable error codes surfaced by the
// rule platform and the structured error shape carried to callers.
//
// Every surfaceable error has a stable Code; the narrative message
// may vary. Errors carry a context bag of the fragments needed to
// act on the failure (rule name, unresolvable condition, available
// keys and so on).
package ruleerror

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Type classifies an error by how it propagates.
type Type string

const (
	// Validation errors are caller-visible rejections of input.
	Validation Type = "validation"
	// Compilation errors are RULE_*/CONDITION_* failures from rule
	// lowering. Fatal to compilation, never silently swallowed.
	Compilation Type = "compilation"
	// Configuration errors wrap collaborator failures (store
	// unavailable, secrets missing).
	Configuration Type = "configuration"
	// Evaluation errors are per-rule faults on the hot path. They are
	// always recovered and never surfaced to callers.
	Evaluation Type = "evaluation"
	// Reload errors abort a registry reload and leave the previous
	// snapshot authoritative.
	Reload Type = "reload"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeRuleEmpty                  Code = "RULE_EMPTY"
	CodeRuleInvalidType            Code = "RULE_INVALID_TYPE"
	CodeRuleInvalidConditions      Code = "RULE_INVALID_CONDITIONS"
	CodeRuleMissingConditionItem   Code = "RULE_MISSING_CONDITION_ITEM"
	CodeRuleMissingConditionsItems Code = "RULE_MISSING_CONDITIONS_ITEMS"
	CodeRuleEmptyConditions        Code = "RULE_EMPTY_CONDITIONS"
	CodeRuleMissingMode            Code = "RULE_MISSING_MODE"
	CodeConditionNotFound          Code = "CONDITION_NOT_FOUND"
	CodeConditionEmpty             Code = "CONDITION_EMPTY"

	CodeDataInvalidType     Code = "DATA_INVALID_TYPE"
	CodeDataValidationError Code = "DATA_VALIDATION_ERROR"
	CodeValidationError     Code = "VALIDATION_ERROR"
	CodeRuleNotFound        Code = "RULE_NOT_FOUND"
	CodeRulesetNotFound     Code = "RULESET_NOT_FOUND"
	CodeVersionNotFound     Code = "VERSION_NOT_FOUND"
	CodeTestNotFound        Code = "TEST_NOT_FOUND"
	CodeInvalidTestState    Code = "INVALID_TEST_STATE"
	CodeStoreUnavailable    Code = "STORE_UNAVAILABLE"
)

// Error is the user-visible failure shape.
type Error struct {
	Type    Type
	Code    Code
	Message string
	Context map[string]interface{}
}

// New creates an Error with the given classification and message.
func New(t Type, code Code, msg string) *Error {
	return &Error{Type: t, Code: code, Message: msg}
}

// Newf creates an Error with a formatted message.
func Newf(t Type, code Code, format string, args ...interface{}) *Error {
	return &Error{Type: t, Code: code, Message: fmt.Sprintf(format, args...)}
}

// With adds a key/value pair to the error's context bag and returns
// the error for chaining.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, ", "))
}

// CodeOf extracts the stable code from an error chain, or "" if the
// chain does not contain a structured error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// TypeOf extracts the classification from an error chain, or "" if
// the chain does not contain a structured error.
func TypeOf(err error) Type {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// AsError extracts the structured error from a chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
