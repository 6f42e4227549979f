package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "delivery_dispatch_consumer",
		Name:      "messages_consumed_total",
		Help:      "Partner location messages consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "delivery_dispatch_consumer",
		Name:      "messages_invalid_total",
		Help:      "Messages that failed to decode or validate",
	})
	geoUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "delivery_dispatch_consumer",
		Name:      "geo_updates_total",
		Help:      "Successful Redis GEO updates",
	})
	geoErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "delivery_dispatch_consumer",
		Name:      "geo_errors_total",
		Help:      "Redis GEO updates that exhausted their retries",
	})
)

var errInvalidSample = errors.New("invalid location sample")

// GeoWriter is the part of geo.RedisGeo the consumer needs.
type GeoWriter interface {
	UpsertLocation(ctx context.Context, s models.LocationSample) error
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type consumer struct {
	reader   MessageReader
	writer   GeoWriter
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func decodeSample(b []byte) (models.LocationSample, error) {
	var s models.LocationSample
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("%w: %v", errInvalidSample, err)
	}
	if s.PartnerID == "" || !geo.ValidCoord(s.Lat, s.Lon) {
		return s, fmt.Errorf("%w: partner %q at %f,%f", errInvalidSample, s.PartnerID, s.Lat, s.Lon)
	}
	return s, nil
}

// handle processes one message. Only ctx cancellation is returned; bad
// messages and exhausted retries are counted and skipped.
func (c *consumer) handle(ctx context.Context, m kafka.Message) error {
	msgsConsumed.Inc()
	s, err := decodeSample(m.Value)
	if err != nil {
		msgsInvalid.Inc()
		c.logger.Warn("invalid message", "partition", m.Partition, "offset", m.Offset, "error", err)
		return nil
	}
	if err := upsertWithRetry(ctx, c.writer, s, c.attempts, c.delay); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		geoErrors.Inc()
		c.logger.Error("geo update failed", "partner_id", s.PartnerID, "error", err)
		return nil
	}
	geoUpdates.Inc()
	return nil
}

// run reads until ctx is done, backing off on broker errors.
func (c *consumer) run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		if err := c.handle(ctx, m); err != nil {
			return nil
		}
	}
}

// upsertWithRetry doubles delay after every failed attempt.
func upsertWithRetry(ctx context.Context, w GeoWriter, s models.LocationSample, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = w.UpsertLocation(ctx, s); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
