package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass drives retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient may succeed on retry, e.g. a locked database.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassConflict is contention on a resource lock. It fails fast.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent never succeeds on retry.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes of the orchestration taxonomy.
const (
	ErrCodeSpecNotFound        = "SPEC_NOT_FOUND"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeCyclicGraph         = "CYCLIC_GRAPH"
	ErrCodeConditionEval       = "CONDITION_EVAL_ERROR"
	ErrCodeLockAcquisition     = "LOCK_ACQUISITION_FAILURE"
	ErrCodeProcedureExecution  = "PROCEDURE_EXECUTION_ERROR"
	ErrCodeCompensationFailure = "COMPENSATION_FAILURE"
	ErrCodePersistence         = "PERSISTENCE_ERROR"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// EngineError is a classified failure carrying the orchestration and node
// it happened in. Two EngineErrors match under errors.Is when class and
// code agree.
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message"`
	SmartCode string                 `json:"smart_code,omitempty"`
	NodeID    string                 `json:"node_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func (e *EngineError) Error() string {
	msg := "[" + e.Code + "] " + e.Message

	var where []string
	if e.SmartCode != "" {
		where = append(where, "smart_code="+e.SmartCode)
	}
	if e.NodeID != "" {
		where = append(where, "node="+e.NodeID)
	}
	if len(where) > 0 {
		msg += " (" + strings.Join(where, ", ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithSmartCode(smartCode string) *EngineError {
	e.SmartCode = smartCode
	return e
}

func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

func newEngineError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newEngineError(ErrorClassTransient, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newEngineError(ErrorClassConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newEngineError(ErrorClassPermanent, message, err)
}

// Sentinels for errors.Is.
var (
	ErrSpecNotFound       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeSpecNotFound}
	ErrValidation         = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
	ErrCyclicGraph        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCyclicGraph}
	ErrLockAcquisition    = &EngineError{Class: ErrorClassConflict, Code: ErrCodeLockAcquisition}
	ErrProcedureExecution = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeProcedureExecution}
	ErrPersistence        = &EngineError{Class: ErrorClassTransient, Code: ErrCodePersistence}
	ErrCancelled          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCancelled}
)

// NewSpecNotFoundError reports that neither the tenant nor the platform
// registers smartCode.
func NewSpecNotFoundError(smartCode, tenantID string) *EngineError {
	msg := fmt.Sprintf("no orchestration spec registered for tenant %q or platform", tenantID)
	return NewPermanentError(msg, nil).WithCode(ErrCodeSpecNotFound).WithSmartCode(smartCode)
}

// NewValidationError carries every validator problem, joined in the
// message and listed under the "errors" detail.
func NewValidationError(smartCode string, problems []string) *EngineError {
	return NewPermanentError("orchestration spec is invalid", errors.New(strings.Join(problems, "; "))).
		WithCode(ErrCodeValidation).
		WithSmartCode(smartCode).
		WithDetail("errors", problems)
}

func NewLockAcquisitionError(nodeID, resourceID string, err error) *EngineError {
	return NewConflictError(fmt.Sprintf("resource %q is busy", resourceID), err).
		WithCode(ErrCodeLockAcquisition).
		WithNode(nodeID).
		WithDetail("resource_id", resourceID)
}

func NewProcedureError(nodeID, runCode string, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("procedure %s failed", runCode), err).
		WithCode(ErrCodeProcedureExecution).
		WithNode(nodeID).
		WithDetail("run", runCode)
}

// NewPersistenceError reports a ledger read or write failure. It is
// transient so the ledger retry policy applies.
func NewPersistenceError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodePersistence)
}

// CyclicGraphError lists the nodes of a dependency cycle in order.
type CyclicGraphError struct {
	Cycle []string
}

func (e *CyclicGraphError) Error() string {
	return "cycle detected: " + strings.Join(e.Cycle, " -> ")
}

func asEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	ok := errors.As(err, &e)
	return e, ok
}

// ClassOf returns the class carried by err, or "" for unclassified errors.
func ClassOf(err error) ErrorClass {
	if e, ok := asEngineError(err); ok {
		return e.Class
	}
	return ""
}

// CodeOf returns the taxonomy code carried by err, or "".
func CodeOf(err error) string {
	if e, ok := asEngineError(err); ok {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is transient. Lock conflicts are not.
func IsRetryable(err error) bool { return ClassOf(err) == ErrorClassTransient }

func IsSpecNotFound(err error) bool { return CodeOf(err) == ErrCodeSpecNotFound }

// IsValidation also matches cyclic graph errors.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeCyclicGraph:
		return true
	}
	return false
}

func IsLockFailure(err error) bool { return CodeOf(err) == ErrCodeLockAcquisition }
