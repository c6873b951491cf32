package jobs

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
)

// Event is the lifecycle notification published on every job transition.
type Event struct {
	Type      string              `json:"type"`
	JobID     string              `json:"job_id"`
	SeedURL   string              `json:"seed_url"`
	Status    crawler.JobStatus   `json:"status"`
	Attempt   int                 `json:"attempt"`
	LastError string              `json:"last_error,omitempty"`
	Progress  crawler.JobProgress `json:"progress"`
	At        time.Time           `json:"at"`
}

// Attributes exposes routing metadata to brokers that support it.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"type":    e.Type,
		"job_id":  e.JobID,
		"status":  string(e.Status),
		"attempt": strconv.Itoa(e.Attempt),
	}
}

func (m *Manager) eventLocked(j *job) Event {
	snap := m.snapshotLocked(j)
	return Event{
		Type:      "job." + string(snap.Status),
		JobID:     snap.ID,
		SeedURL:   snap.SeedURL,
		Status:    snap.Status,
		Attempt:   snap.Attempts,
		LastError: snap.LastError,
		Progress:  snap.Progress,
		At:        m.clock.Now(),
	}
}

// publish sends events in order. Failures are logged; they never affect jobs.
func (m *Manager) publish(ctx context.Context, events []Event) {
	if m.publisher == nil || m.cfg.EventsTopic == "" {
		return
	}
	for _, ev := range events {
		if _, err := m.publisher.Publish(ctx, m.cfg.EventsTopic, ev); err != nil {
			m.logger.Warn("publish job event failed",
				zap.String("job_id", ev.JobID),
				zap.String("type", ev.Type),
				zap.Error(err),
			)
		}
	}
}
