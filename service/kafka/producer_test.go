package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"

	chatmodel "PPChat/module/chat/model"
	"PPChat/tools/errs"
)

func TestSelectTopic_Stable(t *testing.T) {
	topics := []string{"a", "b", "c"}
	first := SelectTopic("chat_1_2", topics)
	for i := 0; i < 10; i++ {
		if got := SelectTopic("chat_1_2", topics); got != first {
			t.Fatalf("SelectTopic() = %q then %q", first, got)
		}
	}
	if SelectTopic("chat_1_2", nil) != "" {
		t.Fatalf("SelectTopic(no topics) not empty")
	}
}

func TestMirror_Emit(t *testing.T) {
	p := mocks.NewAsyncProducer(t, nil)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var r Record
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if r.Room != "chat_1_2" || r.MessageID != 10 || r.SenderUsername != "alice" || !r.CreatedAt.Equal(at) {
			return fmt.Errorf("record = %+v", r)
		}
		return nil
	})
	m := NewMirrorFromProducer(p, []string{"chat_message_0"})
	err := m.Emit(context.Background(), "chat_1_2", "alice", &chatmodel.Message{
		ID: 10, RoomID: 3, SenderID: 1, Body: "hi", CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if m.Failed() != 0 || m.Dropped() != 0 {
		t.Fatalf("failed=%d dropped=%d", m.Failed(), m.Dropped())
	}
}

func TestMirror_BrokerFailureIsCounted(t *testing.T) {
	p := mocks.NewAsyncProducer(t, nil)
	p.ExpectInputAndFail(sarama.ErrOutOfBrokers)
	m := NewMirrorFromProducer(p, []string{"chat_message_0"})
	if err := m.Emit(context.Background(), "chat_1_2", "alice", &chatmodel.Message{ID: 1}); err != nil {
		t.Fatalf("Emit() error = %v, want queued", err)
	}
	_ = m.Close()
	if m.Failed() != 1 {
		t.Fatalf("Failed() = %d", m.Failed())
	}
}

func TestMirror_NoTopics(t *testing.T) {
	p := mocks.NewAsyncProducer(t, nil)
	m := NewMirrorFromProducer(p, nil)
	if err := m.Emit(context.Background(), "chat_1_2", "", &chatmodel.Message{}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("Emit() error = %v", err)
	}
	_ = m.Close()
}

func TestMirror_EmitAfterClose(t *testing.T) {
	m := NewMirrorFromProducer(mocks.NewAsyncProducer(t, nil), []string{"chat_message_0"})
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Emit(context.Background(), "chat_1_2", "alice", &chatmodel.Message{ID: 1}); !errors.Is(err, errs.ErrUpstream) {
		t.Fatalf("Emit() error = %v, want upstream", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

// stalledProducer never takes from Input until the test reads it, like a
// producer whose brokers stopped answering.
type stalledProducer struct {
	sarama.AsyncProducer
	input chan *sarama.ProducerMessage
	succ  chan *sarama.ProducerMessage
	errc  chan *sarama.ProducerError
}

func newStalledProducer() *stalledProducer {
	return &stalledProducer{
		input: make(chan *sarama.ProducerMessage),
		succ:  make(chan *sarama.ProducerMessage),
		errc:  make(chan *sarama.ProducerError),
	}
}

func (p *stalledProducer) Input() chan<- *sarama.ProducerMessage     { return p.input }
func (p *stalledProducer) Successes() <-chan *sarama.ProducerMessage { return p.succ }
func (p *stalledProducer) Errors() <-chan *sarama.ProducerError      { return p.errc }

func (p *stalledProducer) AsyncClose() {
	close(p.input)
	close(p.succ)
	close(p.errc)
}

func TestMirror_EmitDoesNotWaitForBrokers(t *testing.T) {
	p := newStalledProducer()
	m := NewMirrorFromProducer(p, []string{"chat_message_0"})

	start := time.Now()
	refused := 0
	for i := 0; i < MirrorQueueSize+2; i++ {
		err := m.Emit(context.Background(), "chat_1_2", "alice", &chatmodel.Message{ID: int64(i)})
		if err == nil {
			continue
		}
		if !errors.Is(err, errs.ErrUpstream) {
			t.Fatalf("Emit() error = %v", err)
		}
		refused++
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Emit() blocked for %v", elapsed)
	}
	if refused == 0 || m.Dropped() != int64(refused) {
		t.Fatalf("refused=%d dropped=%d", refused, m.Dropped())
	}

	// brokers recover: everything queued is handed over before Close returns
	got := make(chan int, 1)
	go func() {
		n := 0
		for range p.input {
			n++
		}
		got <- n
	}()
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := <-got; n != MirrorQueueSize+2-refused {
		t.Fatalf("delivered %d, want %d", n, MirrorQueueSize+2-refused)
	}
}

type fakeAdmin struct {
	sarama.ClusterAdmin
	partitions map[string]int
	created    []string
	expanded   map[string]int32
}

func (f *fakeAdmin) DescribeTopics(topics []string) ([]*sarama.TopicMetadata, error) {
	out := make([]*sarama.TopicMetadata, 0, len(topics))
	for _, t := range topics {
		n, ok := f.partitions[t]
		if !ok {
			out = append(out, &sarama.TopicMetadata{Name: t, Err: sarama.ErrUnknownTopicOrPartition})
			continue
		}
		out = append(out, &sarama.TopicMetadata{Name: t, Partitions: make([]*sarama.PartitionMetadata, n)})
	}
	return out, nil
}

func (f *fakeAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, _ bool) error {
	f.created = append(f.created, topic)
	f.partitions[topic] = int(detail.NumPartitions)
	return nil
}

func (f *fakeAdmin) CreatePartitions(topic string, count int32, _ [][]int32, _ bool) error {
	f.expanded[topic] = count
	return nil
}

func TestEnsureTopics(t *testing.T) {
	admin := &fakeAdmin{
		partitions: map[string]int{"old": 2, "big": 16},
		expanded:   map[string]int32{},
	}
	cfg := Cfg
	cfg.Topics = []string{"old", "big", "new"}
	cfg.PartitionsPerTopic = 8

	if err := EnsureTopics(admin, cfg); err != nil {
		t.Fatalf("EnsureTopics() error = %v", err)
	}
	if len(admin.created) != 1 || admin.created[0] != "new" {
		t.Fatalf("created = %v", admin.created)
	}
	if admin.expanded["old"] != 8 {
		t.Fatalf("expanded = %v", admin.expanded)
	}
	if _, ok := admin.expanded["big"]; ok {
		t.Fatalf("shrank or touched big topic")
	}
}
