package delivery

import "fmt"

// AcquireError wraps a failed capability acquisition (missing/corrupt
// credential bundle, handshake failure). Fatal to the start attempt.
type AcquireError struct {
	Mode Mode
	Err  error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire capability (mode=%s): %v", e.Mode, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }
