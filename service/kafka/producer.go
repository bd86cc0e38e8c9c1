package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"

	chatmodel "PPChat/module/chat/model"
	"PPChat/tools/errs"
)

func BuildBaseConfig(c AppConfig) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = c.KafkaVersion
	if c.ClientID != "" {
		cfg.ClientID = c.ClientID
	}

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 1
	}
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // Key 控制分区
	switch strings.ToLower(c.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// Record is the value written for each persisted chat message.
type Record struct {
	Room           string    `json:"room"`
	RoomID         int64     `json:"room_id"`
	MessageID      int64     `json:"message_id"`
	SenderID       int64     `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// MirrorQueueSize bounds the records waiting for the producer.
const MirrorQueueSize = 1024

// Mirror copies persisted chat messages to Kafka for downstream consumers.
// Messages are keyed by room name so one room stays on one partition.
// Emit never waits on the brokers: records go through a bounded queue to an
// async producer and are dropped when the queue is full.
type Mirror struct {
	prod   sarama.AsyncProducer
	client sarama.Client
	topics []string

	mu     sync.RWMutex // guards closed against sends on queue
	closed bool
	queue  chan *sarama.ProducerMessage
	done   chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewMirror connects to the brokers in c and, when asked, creates missing topics.
func NewMirror(c AppConfig) (*Mirror, error) {
	client, err := sarama.NewClient(c.Brokers, BuildBaseConfig(c))
	if err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "kafka client", "brokers", strings.Join(c.Brokers, ","))
	}
	if c.EnsureTopicsOnStart {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errs.ErrUpstream.Wrap(err, "kafka admin")
		}
		// 不能 admin.Close()：会连带关闭共享的 client
		if err := EnsureTopics(admin, c); err != nil {
			_ = client.Close()
			return nil, errs.ErrUpstream.Wrap(err, "ensure topics")
		}
	}
	p, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.ErrUpstream.Wrap(err, "kafka producer")
	}
	glog.Infof("[Kafka] mirror ready brokers=%v topics=%v", c.Brokers, c.Topics)
	m := NewMirrorFromProducer(p, c.Topics)
	m.client = client
	return m, nil
}

// NewMirrorFromProducer wraps an existing producer. The producer must be
// configured to return errors; successes are optional.
func NewMirrorFromProducer(p sarama.AsyncProducer, topics []string) *Mirror {
	m := &Mirror{
		prod:   p,
		topics: topics,
		queue:  make(chan *sarama.ProducerMessage, MirrorQueueSize),
		done:   make(chan struct{}),
	}
	go m.pump()
	go m.drain()
	return m
}

// pump feeds the producer until the queue is closed, then shuts it down.
func (m *Mirror) pump() {
	for pm := range m.queue {
		m.prod.Input() <- pm
	}
	m.prod.AsyncClose()
}

// drain consumes delivery results until the producer is closed.
func (m *Mirror) drain() {
	defer close(m.done)
	succ, fail := m.prod.Successes(), m.prod.Errors()
	for succ != nil || fail != nil {
		select {
		case msg, ok := <-succ:
			if !ok {
				succ = nil
				continue
			}
			if glog.V(2) {
				glog.Infof("[Kafka] mirrored msg=%v topic=%s partition=%d offset=%d",
					msg.Metadata, msg.Topic, msg.Partition, msg.Offset)
			}
		case perr, ok := <-fail:
			if !ok {
				fail = nil
				continue
			}
			m.failed.Add(1)
			glog.Warningf("[Kafka] mirror failed msg=%v topic=%s err=%v", perr.Msg.Metadata, perr.Msg.Topic, perr.Err)
		}
	}
}

// Emit queues msg for the topic selected by room. It returns an upstream
// error, without blocking, when the queue is full or the mirror is closed.
func (m *Mirror) Emit(_ context.Context, room string, senderName string, msg *chatmodel.Message) error {
	topic := SelectTopic(room, m.topics)
	if topic == "" {
		return errs.ErrValidation.WrapMsg("no kafka topics configured")
	}
	value, err := json.Marshal(Record{
		Room:           room,
		RoomID:         msg.RoomID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		SenderUsername: senderName,
		Body:           msg.Body,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		return errs.Wrap(err)
	}
	pm := &sarama.ProducerMessage{
		Topic:    topic,
		Key:      sarama.StringEncoder(room),
		Value:    sarama.ByteEncoder(value),
		Metadata: msg.ID,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errs.ErrUpstream.WrapMsg("kafka mirror closed")
	}
	select {
	case m.queue <- pm:
		return nil
	default:
		m.dropped.Add(1)
		return errs.ErrUpstream.WrapMsg("kafka mirror full", "topic", topic, "msg", msg.ID)
	}
}

// Dropped returns how many records were refused because the queue was full.
func (m *Mirror) Dropped() int64 { return m.dropped.Load() }

// Failed returns how many queued records the brokers rejected.
func (m *Mirror) Failed() int64 { return m.failed.Load() }

// Close flushes queued records and releases the client.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	<-m.done
	var err error
	if m.client != nil && !m.client.Closed() {
		err = m.client.Close()
	}
	if n := m.failed.Load(); n > 0 {
		glog.Warningf("[Kafka] mirror closed with %d failed records", n)
	}
	return err
}
