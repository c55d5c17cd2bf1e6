package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher ships envelopes to the order-events topic through a
// buffered inbox and one background writer goroutine, keeping Publish
// non-blocking on the request path.
type KafkaPublisher struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
}

var _ Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(brokers []string, topic string, buf int) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

// Start runs the writer loop until ctx is cancelled, then flushes whatever
// is still buffered.
func (p *KafkaPublisher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				close(p.inbox)
				for m := range p.inbox {
					p.write(m)
				}
				_ = p.w.Close()
				close(p.closeCh)
				return
			case m, ok := <-p.inbox:
				if !ok {
					_ = p.w.Close()
					close(p.closeCh)
					return
				}
				p.write(m)
			}
		}
	}()
}

func (p *KafkaPublisher) write(m kafka.Message) {
	if err := p.w.WriteMessages(context.Background(), m); err != nil {
		log.Println("[NOTIFY] [ERROR] kafka write failed:", err)
	}
}

func (p *KafkaPublisher) Publish(eventType, orderID string, payload interface{}) {
	env, err := newEnvelope(eventType, orderID, payload)
	if err != nil {
		log.Println("[NOTIFY] [ERROR] payload marshal failed:", err)
		return
	}
	value, err := json.Marshal(env)
	if err != nil {
		log.Println("[NOTIFY] [ERROR] envelope marshal failed:", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(orderID),
		Value: value,
		Time:  time.Now(),
	}

	select {
	case p.inbox <- msg:
	default:
		// Inbox full. Dropping beats blocking an order transition on the
		// broker.
		log.Println("[NOTIFY] [WARN] event dropped, inbox full:", eventType, orderID)
	}
}

// WaitClosed blocks until the writer loop has flushed and exited.
func (p *KafkaPublisher) WaitClosed() { <-p.closeCh }
