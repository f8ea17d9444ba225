// internal/driver/errors.go
package driver

import "fmt"

// DriverExecutionError reports a failed remote script call or a script that
// returned an error payload.
type DriverExecutionError struct {
	Op      string
	Message string
	// Stack is the remote stack trace when the driver returned one.
	Stack string
	Err   error
}

func (e *DriverExecutionError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("driver %s failed: %v", e.Op, e.Err)
	case e.Stack != "" && e.Message != "":
		return fmt.Sprintf("driver %s failed: %s :: %s", e.Op, e.Message, e.Stack)
	case e.Stack != "":
		return fmt.Sprintf("driver %s traceback :: %s", e.Op, e.Stack)
	default:
		return fmt.Sprintf("driver %s failed: %s", e.Op, e.Message)
	}
}

func (e *DriverExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError wraps a transport failure of op.
func NewExecutionError(op string, err error) *DriverExecutionError {
	return &DriverExecutionError{Op: op, Err: err}
}
