// Package ingest pulls device readings from Kafka and delivers them to the
// live session orchestrators in this process.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/segmentio/kafka-go"

	"example.com/sessiontimeline/internal/session"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Deliverer routes a decoded reading to the session that owns it.
type Deliverer interface {
	Deliver(sessionID string, r session.Reading) error
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// Processor pulls reading messages from Kafka, decodes them, and hands them
// to the Deliverer.
type Processor struct {
	reader    Reader
	deliverer Deliverer
	logger    *log.Logger
}

// NewProcessor constructs a Processor with the provided reader and deliverer.
func NewProcessor(reader Reader, deliverer Deliverer, opts ...Option) *Processor {
	p := &Processor{
		reader:    reader,
		deliverer: deliverer,
		logger:    log.New(log.Writer(), "[ingest] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts a blocking loop that processes reading messages until the
// context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Printf("fetch error: %v", err)
			continue
		}

		sessionID, reading, decodeErr := decodeReading(msg)
		if decodeErr != nil {
			p.logger.Printf("decode error (topic=%s, partition=%d, offset=%d): %v", msg.Topic, msg.Partition, msg.Offset, decodeErr)
			recordDecodeError(msg.Topic)
			// Commit malformed messages to avoid poison-pill loops.
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.logger.Printf("commit error after decode failure: %v", commitErr)
			}
			continue
		}

		if deliverErr := p.deliverer.Deliver(sessionID, reading); deliverErr != nil {
			// Readings for unknown or already-ended sessions are expected
			// around session teardown, this instance is simply not the one
			// holding them. Committing keeps the group moving.
			if errors.Is(deliverErr, session.ErrSessionNotFound) || errors.Is(deliverErr, session.ErrSessionEnded) {
				recordSkipped(msg.Topic)
				if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
					p.logger.Printf("commit error after skip: %v", commitErr)
				}
				continue
			}
			p.logger.Printf("deliver error (session=%s, device=%s): %v", sessionID, reading.DeviceID, deliverErr)
			recordDeliverError(msg.Topic)
			continue
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.Printf("commit error: %v", commitErr)
		} else {
			recordDelivered(msg)
		}
	}
}

func decodeReading(msg kafka.Message) (string, session.Reading, error) {
	sessionID, ok := headerValue(msg, "session_id")
	if !ok {
		return "", session.Reading{}, errors.New("missing session_id header")
	}

	var reading session.Reading
	if err := json.Unmarshal(msg.Value, &reading); err != nil {
		return "", session.Reading{}, fmt.Errorf("decode reading: %w", err)
	}
	if reading.DeviceID == "" {
		return "", session.Reading{}, errors.New("reading has no device id")
	}
	if reading.Value < 0 {
		return "", session.Reading{}, fmt.Errorf("reading value %v must not be negative", reading.Value)
	}
	if reading.Metric == "" {
		reading.Metric = session.MetricHeartRate
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = msg.Time
	}

	return string(sessionID), reading, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
