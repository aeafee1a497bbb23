package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ampelproject/decentfilter/internal/alert"
	"github.com/ampelproject/decentfilter/internal/errors"
	"github.com/ampelproject/decentfilter/internal/filter"
	"github.com/ampelproject/decentfilter/internal/logger"
)

// Publisher forwards filter decisions downstream.
type Publisher interface {
	// Publish forwards an accepted alert. Rejections are ignored.
	Publish(ctx context.Context, a *alert.Alert, d filter.Decision) error
	Close()
}

// AlertPublisher publishes accepted alerts as JSON to <topic>/<objectId>.
type AlertPublisher struct {
	client Client
	topic  string
	log    logger.Logger
	now    func() time.Time
}

// NewAlertPublisher wraps a connected client.
func NewAlertPublisher(c Client, topic string, log logger.Logger) *AlertPublisher {
	return &AlertPublisher{
		client: c,
		topic:  strings.TrimRight(topic, "/"),
		log:    log,
		now:    time.Now,
	}
}

// Topic returns the topic an object's alerts are published to.
func (p *AlertPublisher) Topic(objectID string) string {
	return p.topic + "/" + objectID
}

// Publish implements Publisher.
func (p *AlertPublisher) Publish(ctx context.Context, a *alert.Alert, d filter.Decision) error {
	if !d.Accepted {
		return nil
	}
	if a == nil || a.ObjectID == "" || strings.ContainsAny(a.ObjectID, "/+#") {
		return errors.ValidationError("alert needs an object ID usable as a topic level")
	}

	payload, err := json.Marshal(NewAcceptedAlertDTO(a, d, p.now()))
	if err != nil {
		return errors.New(fmt.Errorf("encode accepted alert: %w", err)).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Build()
	}

	topic := p.Topic(a.ObjectID)
	if err := p.client.Publish(ctx, topic, payload); err != nil {
		return err
	}
	p.log.WithContext(ctx).Debug("accepted alert forwarded",
		logger.String("object_id", a.ObjectID),
		logger.String("topic", topic))
	return nil
}

// Close disconnects the client.
func (p *AlertPublisher) Close() {
	p.client.Disconnect()
}

// NopPublisher drops every decision.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, *alert.Alert, filter.Decision) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() {}
