package index

import "fmt"

// ShapeError reports a vector with the wrong dimension or a non-finite
// component. It is never recoverable by retrying the same input. NonFinite
// distinguishes the two cases so HTTP callers can map them to distinct
// status codes (400 wrong dimension, 422 non-finite component).
type ShapeError struct {
	Reason    string
	NonFinite bool
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("index: shape error: %s", e.Reason)
}

// ResourceError reports a failure to grow the index's backing storage.
type ResourceError struct {
	Reason string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("index: resource error: %s", e.Reason)
}
