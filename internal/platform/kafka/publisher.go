package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

const DefaultTopic = "clinical-sim.session-actions"

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes JSON events keyed by session id, so one session's
// events stay on one partition in order.
type Publisher struct {
	w       writer
	timeout time.Duration
}

func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	brokers = compact(brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newPublisher(w), nil
}

func newPublisher(w writer) *Publisher {
	return &Publisher{w: w, timeout: 10 * time.Second}
}

func (p *Publisher) Publish(ctx context.Context, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafkago.Message{
		Key:   []byte(key),
		Value: body,
		Time:  time.Now().UTC(),
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(raw string) []string {
	return compact(strings.Split(raw, ","))
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, b := range in {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
