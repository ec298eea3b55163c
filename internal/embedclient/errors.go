package embedclient

import "fmt"

// RequestError reports a malformed request that retrying would not fix.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("embedclient: request error: %s", e.Reason)
}

// UpstreamError reports a failure from the embedding service itself, after
// retries have been exhausted.
type UpstreamError struct {
	Reason string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("embedclient: upstream error: %s", e.Reason)
}

// DimensionError reports a model response whose embedding length does not
// match the configured vector dimension. Never retried: a model serving
// the wrong dimension will keep doing so.
type DimensionError struct {
	Expected int
	Got      int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedclient: expected %d-dimensional embedding, got %d", e.Expected, e.Got)
}
