package bus

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// session is one channel generation: the confirm-mode channel opened after a
// successful connect, together with the publish confirmations pending on it.
type session struct {
	ch         Channel
	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error

	// publishing holds GetNextPublishSeqNo and PublishWithContext together so
	// sequence numbers match delivery tags.
	publishing sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan bool
	dead      bool

	declareMu sync.Mutex
	declared  map[string]bool

	// consuming keeps Qos and ConsumeWithContext of one subscription together.
	consuming sync.Mutex

	lost     chan struct{}
	lostOnce sync.Once
}

func openSession(conn Connection) (*session, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	s := &session{
		ch:       ch,
		pending:  make(map[uint64]chan bool),
		declared: make(map[string]bool),
		lost:     make(chan struct{}),
	}
	s.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	s.chClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 64))

	go s.trackConfirms(confirms)
	return s, nil
}

func (s *session) trackConfirms(confirms <-chan amqp.Confirmation) {
	for conf := range confirms {
		s.pendingMu.Lock()
		w, ok := s.pending[conf.DeliveryTag]
		delete(s.pending, conf.DeliveryTag)
		s.pendingMu.Unlock()

		if ok {
			w <- conf.Ack
		}
	}
	// The library closes the confirm listener when the channel goes away.
	s.shutdown()
}

// waitLost blocks until the connection or the channel of this session closes
// and returns the broker's reason, if any.
func (s *session) waitLost() *amqp.Error {
	select {
	case err := <-s.connClosed:
		return err
	case err := <-s.chClosed:
		return err
	case <-s.lost:
		return nil
	}
}

// shutdown fails every pending confirm. It is safe to call more than once.
func (s *session) shutdown() {
	s.lostOnce.Do(func() {
		close(s.lost)

		s.pendingMu.Lock()
		s.dead = true
		for tag, w := range s.pending {
			w <- false
			delete(s.pending, tag)
		}
		s.pendingMu.Unlock()
	})
}

func (s *session) isLost() bool {
	select {
	case <-s.lost:
		return true
	default:
		return false
	}
}

func (s *session) declareExchange(name string) error {
	if name == "" {
		return nil
	}

	s.declareMu.Lock()
	defer s.declareMu.Unlock()

	if s.declared[name] {
		return nil
	}
	if err := s.ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	s.declared[name] = true
	return nil
}

// publish sends msg and returns a channel that yields the broker's verdict.
func (s *session) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (<-chan bool, uint64, error) {
	s.publishing.Lock()
	defer s.publishing.Unlock()

	w := make(chan bool, 1)
	seq := s.ch.GetNextPublishSeqNo()

	s.pendingMu.Lock()
	if s.dead {
		s.pendingMu.Unlock()
		return nil, 0, ErrBrokerDisconnected
	}
	s.pending[seq] = w
	s.pendingMu.Unlock()

	if err := s.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		s.forget(seq)
		return nil, 0, err
	}
	return w, seq, nil
}

func (s *session) forget(seq uint64) {
	s.pendingMu.Lock()
	delete(s.pending, seq)
	s.pendingMu.Unlock()
}
