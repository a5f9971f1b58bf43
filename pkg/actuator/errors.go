package actuator

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned while the breaker rejects reconciliations after
// repeated control-plane failures.
var ErrCircuitOpen = errors.New("circuit open: too many consecutive control-plane failures")

// TransportError is a failed call to the control plane.
type TransportError struct {
	Op        string
	Namespace string
	Name      string
	Err       error
}

func (e *TransportError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s deployments in namespace %s: %v", e.Op, e.Namespace, e.Err)
	}
	return fmt.Sprintf("%s deployment %s/%s: %v", e.Op, e.Namespace, e.Name, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Transient reports whether the underlying failure is expected to clear on its own.
func (e *TransportError) Transient() bool {
	return isTransient(e.Err)
}
