package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/marketplace-chat/internal/jobs"
)

// Consumer turns amqp deliveries into jobs.Delivery values for a jobs.Pool.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger zerolog.Logger
}

// NewConsumer declares the topology and sets prefetch to concurrency so the
// broker never hands this process more unacked jobs than it has workers.
func NewConsumer(url, queue string, concurrency int, logger zerolog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Deliveries streams decoded jobs until ctx is done or the broker closes the
// channel. Undecodable bodies are dead-lettered immediately.
func (c *Consumer) Deliveries(ctx context.Context) (<-chan jobs.Delivery, error) {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan jobs.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					c.logger.Warn().Msg("delivery channel closed")
					time.Sleep(time.Second)
					return
				}
				var j jobs.Job
				if err := json.Unmarshal(d.Body, &j); err != nil || j.Kind == "" {
					c.logger.Error().Err(err).Str("message_id", d.MessageId).Msg("bad job message")
					_ = d.Nack(false, false)
					continue
				}
				dd := d
				select {
				case out <- jobs.Delivery{
					Job:  j,
					Ack:  func() error { return dd.Ack(false) },
					Nack: func() error { return dd.Nack(false, false) },
				}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}
