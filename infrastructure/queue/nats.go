package queue

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/nats-io/nats.go"

	"rinha-payment-router/infrastructure/config"
)

const (
	subject      = "payments"
	streamName   = "Payments-Processor"
	durableName  = "payment-processor"
	dedupeWindow = 2 * time.Minute
)

// PaymentQueue holds the JetStream handles backing the admission queue. The
// stream is bounded and refuses new messages when full.
type PaymentQueue struct {
	JetStream     nats.JetStreamContext
	NatsConn      *nats.Conn
	Subject       string
	StreamName    string
	Durable       string
	MaxAckPending int
	AckWait       time.Duration
}

func NewPaymentQueue(natsCfg config.NatsConfig, queueCfg config.QueueConfig) (*PaymentQueue, error) {
	natsURL := natsCfg.URL
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}

	natsConn, err := nats.Connect(natsURL,
		nats.Name("payment-router"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}

	js, err := natsConn.JetStream()
	if err != nil {
		natsConn.Close()
		return nil, err
	}

	queue := &PaymentQueue{
		NatsConn:      natsConn,
		JetStream:     js,
		Subject:       subject,
		StreamName:    streamName,
		Durable:       durableName,
		MaxAckPending: natsCfg.MaxAckPending,
		AckWait:       natsCfg.AckWait,
	}

	if err = queue.createStream(queueCfg); err != nil {
		natsConn.Close()
		return nil, err
	}
	return queue, nil
}

func (q *PaymentQueue) createStream(queueCfg config.QueueConfig) error {
	storage := nats.FileStorage
	if queueCfg.Storage == "memory" {
		storage = nats.MemoryStorage
	}

	streamCfg := nats.StreamConfig{
		Name:       q.StreamName,
		Subjects:   []string{q.Subject},
		Retention:  nats.WorkQueuePolicy,
		Storage:    storage,
		MaxMsgs:    int64(queueCfg.Capacity),
		Discard:    nats.DiscardNew,
		Duplicates: dedupeWindow,
		Replicas:   1,
	}

	_, err := q.JetStream.StreamInfo(q.StreamName)
	switch {
	case err == nil:
		_, err = q.JetStream.UpdateStream(&streamCfg)
		return err
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err = q.JetStream.AddStream(&streamCfg); err != nil {
			return err
		}
		log.Infow("Stream created", "stream", q.StreamName, "capacity", queueCfg.Capacity)
		return nil
	default:
		return err
	}
}

func (q *PaymentQueue) Close() {
	if err := q.NatsConn.Drain(); err != nil {
		q.NatsConn.Close()
	}
}
