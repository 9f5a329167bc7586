// internal/queue/queue.go
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DispatchTopic carries model.DispatchJob payloads.
const DispatchTopic = "campaign_dispatch"

// Queue moves dispatch jobs from the API to whoever runs them.
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// InMemoryQueue delivers in-process with bounded retry.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]func(payload any) error
	wg         sync.WaitGroup
	MaxRetries int
	Backoff    time.Duration
}

// NewInMemoryQueue retries a failing job three times with linear backoff.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]func(payload any) error),
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
	}
}

// JobPayload tracks one delivery of a payload to one subscriber.
type JobPayload struct {
	Topic      string
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish hands the payload to every subscriber of topic.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		job := JobPayload{Topic: topic, Payload: payload, MaxRetries: q.MaxRetries}
		q.wg.Add(1)
		go q.processJob(handler, job)
	}
	return nil
}

// processJob runs handler until it succeeds or retries run out.
func (q *InMemoryQueue) processJob(handler func(payload any) error, job JobPayload) {
	defer q.wg.Done()
	log := logrus.WithField("topic", job.Topic)

	for {
		err := handler(job.Payload)
		if err == nil {
			log.Debug("queue: job processed")
			return
		}

		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			log.WithError(err).WithField("attempts", job.RetryCount).Error("queue: job permanently failed")
			return
		}
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":     job.RetryCount,
			"max_retries": job.MaxRetries,
		}).Warn("queue: job failed, retrying")

		time.Sleep(time.Duration(job.RetryCount) * q.Backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has finished, including retries.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}
