package detector

import "context"

// Detector is a strategy that determines if the inference server is ready to serve.
// Implementations may query an HTTP health endpoint or run a custom script.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the server is detected as serving.
	// A definite "not serving" answer is (false, nil); an error means the check itself failed.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}
