package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConflict is returned when an optimistic update lost the race.
	ErrConflict = errors.New("concurrent modification")
	// ErrAlreadyDispatched is returned when an instance is already queued or running.
	ErrAlreadyDispatched = errors.New("instance already dispatched")
	// ErrRunTerminal is returned when an operation targets a finished run.
	ErrRunTerminal = errors.New("workflow run already terminal")
	// ErrDuplicateTrigger is returned when a run with the same trigger key exists.
	ErrDuplicateTrigger = errors.New("duplicate trigger key")
	// ErrAlreadyReplayed is returned when a dead-letter entry was replayed before.
	ErrAlreadyReplayed = errors.New("dead letter already replayed")
	// ErrUnknownHandler is returned when no handler is bound to a definition's handler name.
	ErrUnknownHandler = errors.New("unknown handler")
)

// ValidationError rejects a definition at registration time
type ValidationError struct {
	Subject string
	Reason  string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid definition %q: %v", e.Subject, e.Err)
	}
	return fmt.Sprintf("invalid definition %q: %s", e.Subject, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError is returned when a lookup misses
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// CycleError lists the tasks that form a dependency cycle
type CycleError struct {
	Workflow string
	Members  []string
}

func (e *CycleError) Error() string {
	path := append(append([]string(nil), e.Members...), e.Members[0])
	return fmt.Sprintf("dependency cycle in workflow %q: %s", e.Workflow, strings.Join(path, " -> "))
}

// HandlerError wraps an error returned by a task handler
type HandlerError struct {
	Task    string
	Attempt int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("task %s attempt %d: %v", e.Task, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// TimeoutError reports an attempt that overran its timeout
type TimeoutError struct {
	Task    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded timeout %s", e.Task, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// DeadLetterError describes an instance whose retries are exhausted
type DeadLetterError struct {
	InstanceID string
	Task       string
	Attempts   int
	Last       string
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("task %s (%s) dead-lettered after %d attempts: %s", e.Task, e.InstanceID, e.Attempts, e.Last)
}

// DependencyUnhealthyError is the admission verdict for a blocked instance
type DependencyUnhealthyError struct {
	Task    string
	Service string
	Status  HealthStatus
}

func (e *DependencyUnhealthyError) Error() string {
	return fmt.Sprintf("task %s blocked: service %s is %s", e.Task, e.Service, e.Status)
}

// IsRetryable reports whether err is a task-level failure that counts against the retry budget.
func IsRetryable(err error) bool {
	var he *HandlerError
	var te *TimeoutError
	return errors.As(err, &he) || errors.As(err, &te)
}
