package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// amqpChannel is the part of *amqp091.Channel the queue publishes and
// inspects through.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueuePurge(name string, noWait bool) (int, error)
	Get(queue string, autoAck bool) (amqp091.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// RabbitQueue keeps acknowledged webhook jobs in a durable RabbitMQ queue so
// that a crash between acknowledgement and persistence does not lose them.
// Jobs that exhaust their attempts are kept in <prefix>_webhooks_dead, which
// mirrors the dead-letter list: it is reloaded at startup and rewritten after
// a manual retry.
type RabbitQueue struct {
	*router
	conn      *amqp091.Connection
	queue     string
	deadQueue string
	// open returns a short-lived channel for inspection and dead-letter upkeep.
	open func() (amqpChannel, error)

	pubMu sync.Mutex
	pub   amqpChannel

	deadMu sync.Mutex
}

// NewRabbitQueue dials url, declares the job queues and reloads the dead
// letters left by earlier runs.
func NewRabbitQueue(url, prefix string, opts QueueOptions) (*RabbitQueue, error) {
	if url == "" {
		return nil, fmt.Errorf("rabbitmq url is empty")
	}
	if prefix == "" {
		prefix = "zapinbox"
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	q := &RabbitQueue{
		router:    newRouter(opts.withDefaults()),
		conn:      conn,
		queue:     prefix + "_webhooks",
		deadQueue: prefix + "_webhooks_dead",
		pub:       ch,
		open: func() (amqpChannel, error) {
			c, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
	for _, name := range []string{q.queue, q.deadQueue} {
		if _, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			conn.Close()
			return nil, fmt.Errorf("could not declare RabbitMQ queue %s: %w", name, err)
		}
	}
	if err := q.restoreDead(); err != nil {
		log.Warn().Err(err).Str("queue", q.deadQueue).Msg("Could not reload dead letters")
	}

	log.Info().Str("queue", q.queue).Str("deadQueue", q.deadQueue).Msg("RabbitMQ ingest queue ready")
	return q, nil
}

func (q *RabbitQueue) Enqueue(job *Job) error {
	return q.publish(context.Background(), q.queue, job)
}

func (q *RabbitQueue) publish(ctx context.Context, queue string, job *Job) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return publishJob(ctx, q.pub, queue, job)
}

func publishJob(ctx context.Context, ch amqpChannel, queue string, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	err = ch.PublishWithContext(ctx,
		"",    // exchange (default)
		queue, // routing key = queue
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    job.ID,
			Timestamp:    job.ReceivedAt,
			Type:         job.Kind,
			Body:         body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Str("jobID", job.ID).Msg("Could not publish to RabbitMQ")
		return err
	}
	log.Debug().Str("queue", queue).Str("jobID", job.ID).Msg("Published job to RabbitMQ")
	return nil
}

// Run consumes the job queue with Workers concurrent handlers until ctx ends.
func (q *RabbitQueue) Run(ctx context.Context) error {
	defer q.conn.Close()

	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("could not open RabbitMQ consumer channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(q.opts.Workers, 0, false); err != nil {
		return fmt.Errorf("could not set RabbitMQ prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("could not consume %s: %w", q.queue, err)
	}

	log.Info().Str("queue", q.queue).Int("workers", q.opts.Workers).Msg("Ingest queue consuming from RabbitMQ")

	var wg sync.WaitGroup
	for range q.opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				q.handleDelivery(ctx, d)
			}
		}()
	}

	closed := q.conn.NotifyClose(make(chan *amqp091.Error, 1))
	select {
	case <-ctx.Done():
	case amqpErr := <-closed:
		if amqpErr != nil {
			err = fmt.Errorf("rabbitmq connection closed: %w", amqpErr)
		}
	}
	ch.Close()
	wg.Wait()
	return err
}

func (q *RabbitQueue) handleDelivery(ctx context.Context, d amqp091.Delivery) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Error().Err(err).Str("messageID", d.MessageId).Msg("Discarding malformed job from RabbitMQ")
		_ = d.Ack(false)
		return
	}

	if q.process(ctx, &job) {
		select {
		case <-time.After(q.opts.backoff(job.Attempts)):
		case <-ctx.Done():
			// Leave it on the broker for the next run.
			_ = d.Nack(false, true)
			return
		}
		if err := q.publish(ctx, q.queue, &job); err != nil {
			_ = d.Nack(false, true)
			return
		}
	} else if job.Status == JobDead {
		q.deadMu.Lock()
		if err := q.publish(ctx, q.deadQueue, &job); err != nil {
			log.Warn().Err(err).Str("jobID", job.ID).Msg("Dead letter kept in memory only")
		}
		q.deadMu.Unlock()
	}
	_ = d.Ack(false)
}

// restoreDead reads the dead-letter queue without acknowledging it. Closing
// the channel requeues every message, so the broker keeps its copy.
func (q *RabbitQueue) restoreDead() error {
	ch, err := q.open()
	if err != nil {
		return fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	defer ch.Close()

	n := 0
	for {
		d, ok, err := ch.Get(q.deadQueue, false)
		if err != nil {
			return fmt.Errorf("could not read %s: %w", q.deadQueue, err)
		}
		if !ok {
			break
		}
		var job Job
		if err := json.Unmarshal(d.Body, &job); err != nil || job.ID == "" {
			log.Warn().Err(err).Str("messageID", d.MessageId).Msg("Skipping unreadable dead letter")
			continue
		}
		q.addDead(&job)
		n++
	}
	if n > 0 {
		log.Info().Int("jobs", n).Str("queue", q.deadQueue).Msg("Reloaded dead letters from RabbitMQ")
	}
	return nil
}

// syncDead rewrites the dead-letter queue from the in-memory list so jobs
// retried by hand do not come back after a restart.
func (q *RabbitQueue) syncDead(ctx context.Context) {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()

	ch, err := q.open()
	if err != nil {
		log.Error().Err(err).Msg("Could not open RabbitMQ channel to rewrite dead letters")
		return
	}
	defer ch.Close()
	if _, err := ch.QueuePurge(q.deadQueue, false); err != nil {
		log.Error().Err(err).Str("queue", q.deadQueue).Msg("Could not purge dead letters")
		return
	}
	for _, job := range q.DeadLetters() {
		if err := publishJob(ctx, ch, q.deadQueue, job); err != nil {
			log.Warn().Err(err).Str("jobID", job.ID).Msg("Dead letter kept in memory only")
		}
	}
}

// Retry republishes a dead letter to the job queue and drops it from the
// dead-letter queue.
func (q *RabbitQueue) Retry(id string) error {
	if err := q.retry(id); err != nil {
		return err
	}
	q.syncDead(context.Background())
	return nil
}

func (q *RabbitQueue) retry(id string) error {
	job, ok := q.takeDead(id)
	if !ok {
		return fmt.Errorf("dead letter %s: %w", id, ErrJobNotFound)
	}
	log.Info().Str("jobID", id).Msg("Manual retry triggered for webhook job")
	if err := q.Enqueue(job); err != nil {
		q.bury(job, err)
		return err
	}
	return nil
}

func (q *RabbitQueue) RetryAll() int {
	n := 0
	for _, id := range q.deadIDs() {
		if q.retry(id) == nil {
			n++
		}
	}
	if n > 0 {
		q.syncDead(context.Background())
	}
	return n
}

// Stats inspects the job queue on its own channel: a failed passive declare
// closes the channel it runs on.
func (q *RabbitQueue) Stats() Stats {
	queued := 0
	ch, err := q.open()
	if err == nil {
		var info amqp091.Queue
		info, err = ch.QueueDeclarePassive(q.queue, true, false, false, false, nil)
		if err == nil {
			queued = info.Messages
		}
		_ = ch.Close()
	}
	if err != nil {
		log.Debug().Err(err).Str("queue", q.queue).Msg("Could not inspect RabbitMQ queue")
	}
	return q.stats("rabbitmq", queued)
}
