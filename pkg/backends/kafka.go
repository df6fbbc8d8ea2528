/*
Copyright 2025 The UniMQ Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// This backend is based on the sarama library.

package backends

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-logr/logr"
	"go.uber.org/atomic"

	"github.com/unimq/unimq/pkg/queue"
	"github.com/unimq/unimq/pkg/queue/queueconfig"
)

// producer acknowledgement modes
const (
	kafkaAcksLeader = "leader"
	kafkaAcksAll    = "all"
	kafkaAcksNone   = "none"
)

type kafkaMetadata struct {
	BootstrapServers []string `queue:"name=bootstrapServers,order=settings"`
	Topic            string   `queue:"name=topic,order=settings"`
	ConsumerGroup    string   `queue:"name=consumerGroup,order=settings"`

	// SendAsync trades broker acknowledgement for throughput: push returns
	// once the record is enqueued for send.
	SendAsync    bool   `queue:"name=sendAsync,order=settings,default=true"`
	ProducerAcks string `queue:"name=producerAcks,order=settings,default=leader,enum=leader;all;none"`

	// PollTimeout bounds how long a take waits for the consumer group to
	// deliver before reporting an empty queue.
	PollTimeout time.Duration `queue:"name=pollTimeout,order=settings,default=1000"`

	Version string `queue:"name=version,order=settings,optional"`

	SASLUsername string `queue:"name=saslUsername,order=authParams;resolvedEnv,optional"`
	SASLPassword string `queue:"name=saslPassword,order=authParams;resolvedEnv,optional"`
	EnableTLS    bool   `queue:"name=enableTLS,order=settings,optional"`
	UnsafeSsl    bool   `queue:"name=unsafeSsl,order=settings,optional"`
}

// kafkaStore maps the queue onto a single topic. There is no ephemeral
// store: records are committed when handed to a take, so finish has nothing
// to acknowledge and orphan recovery is unsupported.
type kafkaStore struct {
	meta  *kafkaMetadata
	codec queue.Codec
	log   logr.Logger

	syncProducer  sarama.SyncProducer
	asyncProducer sarama.AsyncProducer
	group         sarama.ConsumerGroup

	// deliveries is an unbuffered rendezvous between the consumer loop and
	// Pop; a record is marked consumed only once a take accepts it.
	deliveries chan *queue.Message

	cancel  context.CancelFunc
	done    chan struct{}
	errDone chan struct{}
	closed  atomic.Bool
}

func newKafkaStore(cfg *queueconfig.Config, log logr.Logger) (*kafkaStore, error) {
	meta := &kafkaMetadata{}
	if err := cfg.TypedConfig(meta); err != nil {
		return nil, fmt.Errorf("%w: %s", queue.ErrConfiguration, err.Error())
	}
	return &kafkaStore{
		meta:       meta,
		codec:      queue.JSONCodec{},
		log:        log,
		deliveries: make(chan *queue.Message),
	}, nil
}

// producerConfig and consumerConfig are built independently so producer
// settings never leak into the consumer or the other way round.
func (s *kafkaStore) baseConfig() (*sarama.Config, error) {
	config := sarama.NewConfig()
	if s.meta.Version != "" {
		version, err := sarama.ParseKafkaVersion(s.meta.Version)
		if err != nil {
			return nil, fmt.Errorf("error parsing kafka version: %w", err)
		}
		config.Version = version
	}
	if s.meta.SASLUsername != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		config.Net.SASL.User = s.meta.SASLUsername
		config.Net.SASL.Password = s.meta.SASLPassword
	}
	if s.meta.EnableTLS {
		config.Net.TLS.Enable = true
		config.Net.TLS.Config = &tls.Config{InsecureSkipVerify: s.meta.UnsafeSsl}
	}
	return config, nil
}

func (s *kafkaStore) producerConfig() (*sarama.Config, error) {
	config, err := s.baseConfig()
	if err != nil {
		return nil, err
	}
	switch s.meta.ProducerAcks {
	case kafkaAcksAll:
		config.Producer.RequiredAcks = sarama.WaitForAll
	case kafkaAcksNone:
		config.Producer.RequiredAcks = sarama.NoResponse
	default:
		config.Producer.RequiredAcks = sarama.WaitForLocal
	}
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Return.Errors = true
	config.Producer.Return.Successes = !s.meta.SendAsync
	return config, nil
}

func (s *kafkaStore) consumerConfig() (*sarama.Config, error) {
	config, err := s.baseConfig()
	if err != nil {
		return nil, err
	}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = false
	return config, nil
}

func (s *kafkaStore) Init(ctx context.Context) error {
	producerCfg, err := s.producerConfig()
	if err != nil {
		return err
	}
	if s.meta.SendAsync {
		producer, err := sarama.NewAsyncProducer(s.meta.BootstrapServers, producerCfg)
		if err != nil {
			return fmt.Errorf("error creating kafka producer: %w", err)
		}
		s.asyncProducer = producer
		s.errDone = make(chan struct{})
		go func() {
			defer close(s.errDone)
			for perr := range producer.Errors() {
				s.log.Error(perr.Err, "async produce failed", "topic", perr.Msg.Topic)
			}
		}()
	} else {
		producer, err := sarama.NewSyncProducer(s.meta.BootstrapServers, producerCfg)
		if err != nil {
			return fmt.Errorf("error creating kafka producer: %w", err)
		}
		s.syncProducer = producer
	}

	consumerCfg, err := s.consumerConfig()
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroup(s.meta.BootstrapServers, s.meta.ConsumerGroup, consumerCfg)
	if err != nil {
		return fmt.Errorf("error creating kafka consumer group: %w", err)
	}
	s.group = group

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.consumeLoop(loopCtx)
	return nil
}

func (s *kafkaStore) consumeLoop(ctx context.Context) {
	defer close(s.done)
	handler := &kafkaTakeHandler{store: s}
	for {
		if err := s.group.Consume(ctx, []string{s.meta.Topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			s.log.Error(err, "consumer group session ended")
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// kafkaTakeHandler bridges consumer group claims to the deliveries channel.
type kafkaTakeHandler struct {
	store *kafkaStore
}

func (h *kafkaTakeHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *kafkaTakeHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *kafkaTakeHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case cm, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			m, err := h.store.codec.Decode(cm.Value)
			if err != nil {
				// Poison record; skip it so the partition keeps moving.
				h.store.log.Error(err, "dropping undecodable record",
					"topic", cm.Topic, "partition", cm.Partition, "offset", cm.Offset)
				sess.MarkMessage(cm, "")
				continue
			}
			select {
			case h.store.deliveries <- m:
				// The record is the consumer's problem now.
				sess.MarkMessage(cm, "")
				sess.Commit()
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (s *kafkaStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	if s.group != nil {
		if err := s.group.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.done != nil {
		<-s.done
	}
	if s.syncProducer != nil {
		if err := s.syncProducer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.asyncProducer != nil {
		if err := s.asyncProducer.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.errDone != nil {
			<-s.errDone
		}
	}
	return errors.Join(errs...)
}

func (s *kafkaStore) Push(_ context.Context, m *queue.Message) (bool, error) {
	data, err := s.codec.Encode(m)
	if err != nil {
		return false, err
	}
	record := &sarama.ProducerMessage{
		Topic: s.meta.Topic,
		Key:   sarama.StringEncoder(m.RoutingKey()),
		Value: sarama.ByteEncoder(data),
	}
	if s.asyncProducer != nil {
		// Success here means enqueued for send; failures surface on the
		// error drain.
		s.asyncProducer.Input() <- record
		return true, nil
	}
	if _, _, err := s.syncProducer.SendMessage(record); err != nil {
		return false, err
	}
	return true, nil
}

func (s *kafkaStore) Pop(ctx context.Context, _ time.Time) (*queue.Message, error) {
	timer := time.NewTimer(s.meta.PollTimeout)
	defer timer.Stop()
	select {
	case m := <-s.deliveries:
		return m, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unstash is a no-op: the offset was committed when the record was handed to
// the take, so there is no in-flight state left to clear.
func (s *kafkaStore) Unstash(context.Context, string) error { return nil }

func (s *kafkaStore) QueuedCount(context.Context) (int64, error) {
	return queue.SizeUnsupported, nil
}

func (s *kafkaStore) EphemeralCount(context.Context) (int64, error) {
	return queue.SizeUnsupported, nil
}

func (s *kafkaStore) ScanOrphans(context.Context, time.Time, int) ([]*queue.Message, error) {
	return nil, queue.ErrUnsupported
}

func (s *kafkaStore) Restore(context.Context, string) (bool, error) {
	return false, queue.ErrUnsupported
}
