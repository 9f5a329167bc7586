// internal/queue/amqp.go
package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// AMQPQueue publishes JSON payloads to durable RabbitMQ queues, one per topic.
// Subscribers receive the raw message body.
type AMQPQueue struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	mu          sync.Mutex
	declared    map[string]bool
	Concurrency int
	wg          sync.WaitGroup
}

func DialAMQP(url string, concurrency int) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &AMQPQueue{conn: conn, ch: ch, declared: map[string]bool{}, Concurrency: concurrency}, nil
}

func (q *AMQPQueue) declare(topic string) error {
	if q.declared[topic] {
		return nil
	}
	_, err := q.ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.declare(topic); err != nil {
		return err
	}
	return q.ch.Publish(
		"",
		topic,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Subscribe consumes with manual acks. A failed delivery is requeued once and
// dropped if it fails again.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	if err := q.declare(topic); err != nil {
		q.mu.Unlock()
		return err
	}
	if err := q.ch.Qos(q.Concurrency, 0, false); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := q.ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	for i := 0; i < q.Concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for d := range msgs {
				q.handle(topic, d, handler)
			}
		}()
	}
	logrus.WithFields(logrus.Fields{"topic": topic, "concurrency": q.Concurrency}).Info("queue: consuming")
	return nil
}

func (q *AMQPQueue) handle(topic string, d amqp.Delivery, handler func(payload any) error) {
	log := logrus.WithFields(logrus.Fields{"topic": topic, "redelivered": d.Redelivered})
	if err := handler(d.Body); err != nil {
		if !d.Redelivered {
			log.WithError(err).Warn("queue: job failed, requeueing")
			d.Nack(false, true)
			return
		}
		log.WithError(err).Error("queue: job failed again, dropping")
	}
	d.Ack(false)
}

// Close stops consumers and waits for in-flight handlers to return.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	err := q.ch.Close()
	q.mu.Unlock()
	q.wg.Wait()
	if cerr := q.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

var (
	_ Queue = (*InMemoryQueue)(nil)
	_ Queue = (*AMQPQueue)(nil)
)
