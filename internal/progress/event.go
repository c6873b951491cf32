package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names the outcome an Event reports.
type Stage string

// Page stages.
const (
	StagePageFetched Stage = "page.fetched"
	StagePageSkipped Stage = "page.skipped"
	StagePageFailed  Stage = "page.failed"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one page outcome inside a crawl job.
type Event struct {
	JobID       string        `json:"job_id"`
	At          time.Time     `json:"at"`
	Stage       Stage         `json:"stage"`
	Domain      string        `json:"domain"`
	URL         string        `json:"url"`
	Depth       int           `json:"depth"`
	StatusClass StatusClass   `json:"status_class,omitempty"`
	Bytes       int           `json:"bytes,omitempty"`
	BitsCreated int           `json:"bits_created,omitempty"`
	Headless    bool          `json:"headless,omitempty"`
	Latency     time.Duration `json:"latency_ns,omitempty"`
	// Note carries the error text for skipped and failed pages.
	Note string `json:"note,omitempty"`
}

// Validate rejects events sinks could not attribute.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.At.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Domain == "" {
		return errors.New("domain is required")
	}
	switch e.Stage {
	case StagePageFetched:
		if e.StatusClass == "" {
			return errors.New("fetched page requires status class")
		}
	case StagePageSkipped, StagePageFailed:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Latency < 0 || e.Bytes < 0 {
		return errors.New("latency and bytes must be >= 0")
	}
	return nil
}

// Attributes exposes routing metadata to brokers that support it.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"type":   string(e.Stage),
		"job_id": e.JobID,
		"domain": e.Domain,
	}
}

// ClassifyStatus groups an HTTP status code.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
