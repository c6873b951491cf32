package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by stores and the job manager.
var (
	ErrNotFound    = errors.New("not found")
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

// FetchError reports a failed page fetch. It never aborts a session.
type FetchError struct {
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// EmptyContentError reports a page whose extracted text is below the minimum length.
type EmptyContentError struct {
	URL    string
	Length int
	Min    int
}

func (e *EmptyContentError) Error() string {
	return fmt.Sprintf("empty content at %s: %d chars (min %d)", e.URL, e.Length, e.Min)
}

// ExtractionError reports a chunk that could not be classified.
type ExtractionError struct {
	URL   string
	Chunk int
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract chunk %d of %s: %v", e.Chunk, e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure. It is fatal to the session that hits it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConfigError reports an invalid crawl configuration at submission time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// IsConfigError reports whether err wraps a *ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
