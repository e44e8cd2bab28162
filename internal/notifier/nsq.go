package notifier

import (
	"context"
	"fmt"

	"github.com/nsqio/go-nsq"
)

// NSQSink publishes lifecycle events to a single NSQ topic, so external
// systems (dashboards, audit collectors) can follow the publish pipeline
// without polling the daemon.
type NSQSink struct {
	topic    string
	producer *nsq.Producer
}

// NewNSQSink connects a producer to nsqd at addr (host:port).
func NewNSQSink(addr, topic string) (*NSQSink, error) {
	if addr == "" || topic == "" {
		return nil, fmt.Errorf("nsq sink: address and topic are required")
	}
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return &NSQSink{topic: topic, producer: producer}, nil
}

func (s *NSQSink) Emit(_ context.Context, _ string, body []byte) error {
	return s.producer.Publish(s.topic, body)
}

func (s *NSQSink) Close() error {
	s.producer.Stop()
	return nil
}
