package kafka

import (
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"geoTransform/api/accounting"
)

// Producer publishes accounting records to a Kafka topic. Record never
// blocks: when the producer's input buffer is full the record is dropped.
type Producer struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewProducer(brokers []string, topic string, logger *zap.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 5
	config.Producer.Return.Errors = true
	config.Producer.Return.Successes = false

	p, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return newProducer(p, topic, logger), nil
}

func newProducer(p sarama.AsyncProducer, topic string, logger *zap.Logger) *Producer {
	producer := &Producer{
		producer: p,
		topic:    topic,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go producer.drainErrors()
	return producer
}

func (p *Producer) drainErrors() {
	defer close(p.done)
	for perr := range p.producer.Errors() {
		p.logger.Warn("Accounting record not delivered",
			zap.String("topic", p.topic),
			zap.Error(perr.Err),
		)
	}
}

func (p *Producer) Record(r accounting.Record) {
	data, err := json.Marshal(r)
	if err != nil {
		p.logger.Error("Failed to encode accounting record", zap.Error(err))
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(r.Ticket),
		Value: sarama.ByteEncoder(data),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.producer.Input() <- msg:
	default:
		p.logger.Warn("Accounting buffer full, record dropped",
			zap.String("ticket", r.Ticket),
		)
	}
}

// Close flushes buffered records and stops the producer.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.producer.Close()
	<-p.done
	return err
}
