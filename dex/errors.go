// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import "fmt"

// ErrorKind is a sentinel error. Packages declare their failure modes as
// const ErrSomething = dex.ErrorKind("something").
type ErrorKind string

func (e ErrorKind) Error() string {
	return string(e)
}

// Error is an error of a known kind with the details of one occurrence.
// errors.Is and errors.As see through to the kind.
type Error struct {
	Kind   error
	Detail string
}

func (e *Error) Error() string {
	return e.Kind.Error() + ": " + e.Detail
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// NewError creates an Error of the given kind with a formatted detail.
func NewError(kind error, format string, args ...any) *Error {
	return &Error{
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
	}
}

type teardownStep struct {
	name string
	fn   func() error
}

// Teardown undoes a staged startup. Each step that acquires a resource
// registers its release with Add. If startup fails before Disarm, Run
// releases everything in reverse order. The zero value is ready to use.
type Teardown struct {
	steps []teardownStep
}

// Add registers a release step.
func (t *Teardown) Add(name string, fn func() error) {
	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
}

// Disarm marks startup complete. Run does nothing afterwards.
func (t *Teardown) Disarm() {
	t.steps = nil
}

// Run runs the registered steps, last first, unless disarmed. Errors are
// logged and do not stop the remaining steps.
func (t *Teardown) Run(log Logger) {
	for i := len(t.steps) - 1; i >= 0; i-- {
		s := t.steps[i]
		log.Debugf("Releasing %s", s.name)
		if err := s.fn(); err != nil {
			log.Errorf("Error releasing %s: %v", s.name, err)
		}
	}
	t.steps = nil
}
