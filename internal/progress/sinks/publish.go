package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
	"github.com/JakeFAU/learning-bits-crawler/internal/progress"
)

// PublishSink forwards each event to a broker topic.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
}

// NewPublishSink publishes to topic through publisher.
func NewPublishSink(publisher crawler.Publisher, topic string) (*PublishSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &PublishSink{publisher: publisher, topic: topic}, nil
}

// Consume publishes the batch in order and keeps going past failures. The
// returned error joins every failed publish.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Stage, evt.URL, err))
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op; the publisher is owned by the caller.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
