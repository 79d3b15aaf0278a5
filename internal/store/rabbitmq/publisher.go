package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/marketplace-chat/internal/jobs"
)

// Publisher implements jobs.Queue. Delayed jobs go to "<queue>.retry.<ms>ms",
// one queue per delay, whose queue TTL dead-letters them back into the main
// queue. Expiry happens at the queue head, so delays must never share a queue.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu       sync.Mutex
	declared map[time.Duration]string
}

// RetryQueue names the retry queue for one delay; DeadLetterQueue the DLQ.
func RetryQueue(queue string, delay time.Duration) string {
	return queue + ".retry." + strconv.FormatInt(delay.Milliseconds(), 10) + "ms"
}

func DeadLetterQueue(queue string) string { return queue + ".dlq" }

// declareRetryQueue declares the retry queue for one delay.
func declareRetryQueue(ch *amqp.Channel, queue string, delay time.Duration) (string, error) {
	name := RetryQueue(queue, delay)
	_, err := ch.QueueDeclare(
		name,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-message-ttl":             delay.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		},
	)
	return name, err
}

// DeclareTopology declares the main and dead-letter queues. Retry queues are
// declared on first use.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	mainQ := queue
	dlqQ := DeadLetterQueue(queue)

	// DLQ
	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		},
	)
	return err
}

func NewPublisher(url, queue string) (*Publisher, error) {
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
	return &Publisher{conn: conn, ch: ch, queue: queue, declared: make(map[time.Duration]string)}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) Enqueue(ctx context.Context, j jobs.Job) error {
	return p.publish(ctx, p.queue, j)
}

func (p *Publisher) EnqueueIn(ctx context.Context, j jobs.Job, delay time.Duration) error {
	if delay <= 0 {
		return p.Enqueue(ctx, j)
	}
	// whole milliseconds, matching the queue TTL
	delay = delay.Truncate(time.Millisecond)
	if delay <= 0 {
		return p.Enqueue(ctx, j)
	}
	retryQ, err := p.retryQueue(delay)
	if err != nil {
		return err
	}
	return p.publish(ctx, retryQ, j)
}

func (p *Publisher) retryQueue(delay time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name, ok := p.declared[delay]; ok {
		return name, nil
	}
	name, err := declareRetryQueue(p.ch, p.queue, delay)
	if err != nil {
		return "", err
	}
	p.declared[delay] = name
	return name, nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, j jobs.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    j.ID,
		Type:         string(j.Kind),
		Body:         body,
		Timestamp:    time.Now(),
	}
	return p.ch.PublishWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		msg,
	)
}

var _ jobs.Queue = (*Publisher)(nil)
