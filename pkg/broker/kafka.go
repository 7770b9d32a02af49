// Package broker implements the transport stage's BrokerClient: a
// synchronous Send(ctx, topic, key, payload) error built on sarama's async
// Kafka producer. The teacher's own Kafka sink fires messages into the
// producer and considers its job done, reporting outcomes later from a
// separate goroutine; the pipeline core needs to know per-record
// success or failure before deciding whether to fall back, so this
// bridges that async producer to a synchronous call via a per-message
// completion channel threaded through sarama's Metadata field.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// ErrClass distinguishes retryable broker failures from ones that will
// never succeed no matter how many times they are retried.
type ErrClass int

const (
	Transient ErrClass = iota
	Permanent
)

// SendError wraps a broker failure with its retry classification.
type SendError struct {
	Class ErrClass
	Err   error
}

func (e *SendError) Error() string   { return e.Err.Error() }
func (e *SendError) Unwrap() error   { return e.Err }
func (e *SendError) Retryable() bool { return e.Class == Transient }

// Config controls the Kafka connection and SASL credentials.
type Config struct {
	Brokers       []string
	Topic         string
	SASLMechanism string // "none", "plain", "scram-sha-256", "scram-sha-512"
	SASLUsername  string
	SASLPassword  string
	TLSEnabled    bool
}

// KafkaClient is a synchronous BrokerClient backed by a sarama async
// producer.
type KafkaClient struct {
	cfg      Config
	logger   *logrus.Logger
	producer sarama.AsyncProducer

	mu      sync.Mutex
	pending map[int64]chan error
	nextID  int64

	wg     sync.WaitGroup
	closed chan struct{}
}

type correlation struct {
	id int64
}

// New constructs a KafkaClient and starts its response-draining loop.
func New(cfg Config, logger *logrus.Logger) (*KafkaClient, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("broker: at least one broker address is required")
	}

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Net.DialTimeout = 10 * time.Second
	sc.Net.ReadTimeout = 10 * time.Second
	sc.Net.WriteTimeout = 10 * time.Second

	if err := applySASL(sc, cfg); err != nil {
		return nil, err
	}
	if cfg.TLSEnabled {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("broker: new producer: %w", err)
	}

	c := &KafkaClient{
		cfg:      cfg,
		logger:   logger,
		producer: producer,
		pending:  make(map[int64]chan error),
		closed:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.drainResponses()
	return c, nil
}

func applySASL(sc *sarama.Config, cfg Config) error {
	switch cfg.SASLMechanism {
	case "", "none":
		return nil
	case "plain":
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = cfg.SASLUsername
		sc.Net.SASL.Password = cfg.SASLPassword
	case "scram-sha-256":
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		sc.Net.SASL.User = cfg.SASLUsername
		sc.Net.SASL.Password = cfg.SASLPassword
		sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &xdgSCRAMClient{HashGeneratorFcn: sha256Generator}
		}
	case "scram-sha-512":
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		sc.Net.SASL.User = cfg.SASLUsername
		sc.Net.SASL.Password = cfg.SASLPassword
		sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &xdgSCRAMClient{HashGeneratorFcn: sha512Generator}
		}
	default:
		return fmt.Errorf("broker: unsupported sasl mechanism %q", cfg.SASLMechanism)
	}
	return nil
}

// Send publishes payload to topic and blocks until the broker
// acknowledges it, ctx is canceled, or the client is closed.
func (c *KafkaClient) Send(ctx context.Context, topic string, key, payload []byte) error {
	done := make(chan error, 1)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.pending[id] = done
	c.mu.Unlock()

	msg := &sarama.ProducerMessage{
		Topic:    topic,
		Key:      sarama.ByteEncoder(key),
		Value:    sarama.ByteEncoder(payload),
		Metadata: correlation{id: id},
	}

	select {
	case c.producer.Input() <- msg:
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.closed:
		c.forget(id)
		return &SendError{Class: Permanent, Err: fmt.Errorf("broker: client closed")}
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *KafkaClient) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *KafkaClient) drainResponses() {
	defer c.wg.Done()
	for {
		select {
		case success, ok := <-c.producer.Successes():
			if !ok {
				return
			}
			c.resolve(success.Metadata, nil)
		case prodErr, ok := <-c.producer.Errors():
			if !ok {
				return
			}
			c.resolve(prodErr.Msg.Metadata, classify(prodErr.Err))
		}
	}
}

func (c *KafkaClient) resolve(metadata interface{}, err error) {
	corr, ok := metadata.(correlation)
	if !ok {
		return
	}
	c.mu.Lock()
	ch, found := c.pending[corr.id]
	delete(c.pending, corr.id)
	c.mu.Unlock()
	if found {
		ch <- err
	}
}

// classify distinguishes errors sarama will never resolve by retrying
// (message too large, invalid message, auth failure, unknown or invalid
// topic) from ones that reflect a transient broker/network condition.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sarama.ErrMessageSizeTooLarge),
		errors.Is(err, sarama.ErrInvalidMessage),
		errors.Is(err, sarama.ErrUnknownTopicOrPartition),
		errors.Is(err, sarama.ErrInvalidTopic),
		errors.Is(err, sarama.ErrUnsupportedSASLMechanism),
		errors.Is(err, sarama.ErrSASLAuthenticationFailed):
		return &SendError{Class: Permanent, Err: err}
	default:
		return &SendError{Class: Transient, Err: err}
	}
}

// Close shuts down the producer and releases any callers still waiting
// on a pending Send.
func (c *KafkaClient) Close() error {
	close(c.closed)
	err := c.producer.Close()
	c.wg.Wait()

	c.mu.Lock()
	for id, ch := range c.pending {
		ch <- &SendError{Class: Transient, Err: fmt.Errorf("broker: closed while send was pending")}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	return err
}
