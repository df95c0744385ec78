package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewPublisherValidation(t *testing.T) {
	if _, err := NewPublisher(Config{Topic: "decisions"}); err == nil {
		t.Fatal("brokers required")
	}
	if _, err := NewPublisher(Config{Brokers: []string{" "}, Topic: "decisions"}); err == nil {
		t.Fatal("blank brokers rejected")
	}
	if _, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("topic required")
	}
	p, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}, Topic: "decisions"})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	_ = p.Close()
}

func TestPublish(t *testing.T) {
	fw := &fakeWriter{}
	p := &Publisher{writer: fw}
	p.Publish(context.Background(), "openai", map[string]string{"decision": "FORWARDED"})
	if len(fw.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fw.msgs))
	}
	if string(fw.msgs[0].Key) != "openai" {
		t.Fatalf("unexpected key: %q", fw.msgs[0].Key)
	}
	var payload map[string]string
	if err := json.Unmarshal(fw.msgs[0].Value, &payload); err != nil || payload["decision"] != "FORWARDED" {
		t.Fatalf("unexpected payload: %s", fw.msgs[0].Value)
	}
}

func TestPublishNilSafe(t *testing.T) {
	var p *Publisher
	p.Publish(context.Background(), "openai", nil) // must not panic
	if err := p.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
