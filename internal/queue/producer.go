// Package queue wraps the NSQ dispatch queue. Enqueue returns once nsqd has
// durably accepted the message; an unreachable nsqd surfaces an error the
// gateway maps to a retryable 503.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/relaydock/relaydock/internal/delivery"
	"github.com/relaydock/relaydock/internal/tracing"
)

type Producer struct {
	prod  *nsq.Producer
	topic string
}

func NewProducer(nsqdTCPAddr, topic string) (*Producer, error) {
	prod, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return &Producer{prod: prod, topic: topic}, nil
}

// Enqueue publishes one unit of work. Trace context is carried on the task so
// the worker span joins the ingestion trace.
func (p *Producer) Enqueue(ctx context.Context, t delivery.Task) error {
	if t.EnqueuedAt == "" {
		t.EnqueuedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if t.TraceHeaders == nil {
		t.TraceHeaders = tracing.PropagateToTask(ctx)
	}
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := p.prod.Publish(p.topic, b); err != nil {
		return fmt.Errorf("nsq publish: %w", err)
	}
	return nil
}

// Ping verifies the nsqd connection
func (p *Producer) Ping() error {
	return p.prod.Ping()
}

func (p *Producer) Stop() {
	p.prod.Stop()
}
