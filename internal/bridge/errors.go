package bridge

import "fmt"

// ErrUnavailable indicates the bridge endpoint could not be reached; the
// extension is probably not running. Callers treat this as "no snapshot this
// tick", never as a reason to skip the crisis gate on a later tick.
type ErrUnavailable struct {
	Err error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("bridge unavailable: %v", e.Err)
}

func (e *ErrUnavailable) Unwrap() error { return e.Err }

// ErrBadResponse indicates the bridge answered with an unexpected status.
type ErrBadResponse struct {
	Status int
}

func (e *ErrBadResponse) Error() string {
	return fmt.Sprintf("bridge returned HTTP %d", e.Status)
}
