package bus_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/angeloszaimis/service-mesh/internal/bus"
)

// fakeBroker is an in-memory AMQP broker implementing just enough of topic
// routing, publisher confirms, prefetch and acknowledgements to drive the
// client.
type fakeBroker struct {
	mu sync.Mutex

	down         bool
	nack         bool
	holdConfirms bool
	dialGate     chan struct{}

	dials     int
	conns     []*fakeConn
	exchanges map[string]fakeExchange
	queues    map[string]*fakeQueue
	published []fakeMessage
	held      []heldConfirm
	genQueues int
}

type fakeExchange struct {
	kind    string
	durable bool
}

type fakeMessage struct {
	exchange string
	key      string
	pub      amqp.Publishing
}

type heldConfirm struct {
	ch  *fakeChannel
	tag uint64
}

type fakeBinding struct {
	exchange string
	key      string
}

type fakeQueue struct {
	name     string
	durable  bool
	bindings []fakeBinding
	ready    []fakeMessage
	cons     []*fakeConsumer
	next     int

	acked       int
	nacked      int
	requeued    int
	maxInflight int
}

type fakeConsumer struct {
	tag      string
	ch       *fakeChannel
	queue    *fakeQueue
	prefetch int
	inflight int
	out      chan amqp.Delivery
}

type pendingDelivery struct {
	consumer *fakeConsumer
	msg      fakeMessage
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]fakeExchange),
		queues:    make(map[string]*fakeQueue),
	}
}

func (b *fakeBroker) dial(string) (bus.Connection, error) {
	b.mu.Lock()
	gate := b.dialGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.down {
		return nil, errors.New("dial tcp: connection refused")
	}
	conn := &fakeConn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) setDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

func (b *fakeBroker) setNack(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nack = nack
}

func (b *fakeBroker) setHoldConfirms(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdConfirms = hold
}

func (b *fakeBroker) gateDials() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialGate = make(chan struct{})
	return b.dialGate
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) openConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

func (b *fakeBroker) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *fakeBroker) lastPublished() fakeMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[len(b.published)-1]
}

func (b *fakeBroker) exchange(name string) (fakeExchange, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ex, ok
}

// releaseConfirms acknowledges every held publish.
func (b *fakeBroker) releaseConfirms() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, h := range b.held {
		h.ch.confirmLocked(h.tag, true)
	}
	b.held = nil
	b.holdConfirms = false
}

// sever drops every connection the way a broker restart would.
func (b *fakeBroker) sever() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.conns {
		c.closeLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

type queueStats struct {
	exists      bool
	durable     bool
	depth       int
	bindings    int
	consumers   int
	acked       int
	nacked      int
	requeued    int
	maxInflight int
}

func (b *fakeBroker) queue(name string) queueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return queueStats{}
	}
	return queueStats{
		exists:      true,
		durable:     q.durable,
		depth:       len(q.ready),
		bindings:    len(q.bindings),
		consumers:   len(q.cons),
		acked:       q.acked,
		nacked:      q.nacked,
		requeued:    q.requeued,
		maxInflight: q.maxInflight,
	}
}

func (b *fakeBroker) routeLocked(msg fakeMessage) {
	for _, q := range b.queues {
		for _, bnd := range q.bindings {
			if bnd.exchange == msg.exchange && bus.MatchTopic(bnd.key, msg.key) {
				q.ready = append(q.ready, msg)
				b.dispatchLocked(q)
				break
			}
		}
	}
}

func (b *fakeBroker) dispatchLocked(q *fakeQueue) {
	for len(q.ready) > 0 {
		c := q.pickLocked()
		if c == nil {
			return
		}
		msg := q.ready[0]
		q.ready = q.ready[1:]
		c.deliverLocked(msg)
	}
}

func (q *fakeQueue) pickLocked() *fakeConsumer {
	for range q.cons {
		c := q.cons[q.next%len(q.cons)]
		q.next++
		if c.prefetch == 0 || c.inflight < c.prefetch {
			return c
		}
	}
	return nil
}

func (q *fakeQueue) removeConsumerLocked(c *fakeConsumer) {
	q.cons = slices.DeleteFunc(q.cons, func(x *fakeConsumer) bool { return x == c })
}

func (c *fakeConsumer) deliverLocked(msg fakeMessage) {
	ch := c.ch
	ch.deliveryTag++
	tag := ch.deliveryTag
	ch.unacked[tag] = pendingDelivery{consumer: c, msg: msg}

	c.inflight++
	c.queue.maxInflight = max(c.queue.maxInflight, c.inflight)

	c.out <- amqp.Delivery{
		Acknowledger: ch,
		ConsumerTag:  c.tag,
		DeliveryTag:  tag,
		Exchange:     msg.exchange,
		RoutingKey:   msg.key,
		Body:         msg.pub.Body,
		MessageId:    msg.pub.MessageId,
		ContentType:  msg.pub.ContentType,
		DeliveryMode: msg.pub.DeliveryMode,
		Timestamp:    msg.pub.Timestamp,
	}
}

type fakeConn struct {
	broker   *fakeBroker
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (bus.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{
		broker:    c.broker,
		conn:      c,
		seq:       1,
		consumers: make(map[string]*fakeConsumer),
		unacked:   make(map[uint64]pendingDelivery),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *fakeConn) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked(reason)
	}
	for _, n := range c.notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	c.notify = nil
}

type fakeChannel struct {
	broker *fakeBroker
	conn   *fakeConn

	closed      bool
	confirming  bool
	seq         uint64
	deliveryTag uint64
	qos         int

	publishNotify []chan amqp.Confirmation
	closeNotify   []chan *amqp.Error
	consumers     map[string]*fakeConsumer
	unacked       map[uint64]pendingDelivery
}

func (ch *fakeChannel) Confirm(bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

func (ch *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.publishNotify = append(ch.publishNotify, confirm)
	return confirm
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.closeNotify = append(ch.closeNotify, c)
	return c
}

func (ch *fakeChannel) GetNextPublishSeqNo() uint64 {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.seq
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.broker.exchanges[name] = fakeExchange{kind: kind, durable: durable}
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.genQueues++
		name = fmt.Sprintf("amq.gen-%d", b.genQueues)
	}
	q, ok := b.queues[name]
	if !ok {
		q = &fakeQueue{name: name, durable: durable}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.cons)}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no queue " + name}
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "no exchange " + exchange}
	}
	bnd := fakeBinding{exchange: exchange, key: key}
	if !slices.Contains(q.bindings, bnd) {
		q.bindings = append(q.bindings, bnd)
	}
	return nil
}

func (ch *fakeChannel) QueueUnbind(name, key, exchange string, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if q, ok := b.queues[name]; ok {
		bnd := fakeBinding{exchange: exchange, key: key}
		q.bindings = slices.DeleteFunc(q.bindings, func(x fakeBinding) bool { return x == bnd })
	}
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.qos = prefetchCount
	return nil
}

func (ch *fakeChannel) ConsumeWithContext(_ context.Context, queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "no queue " + queue}
	}

	c := &fakeConsumer{
		tag:      consumer,
		ch:       ch,
		queue:    q,
		prefetch: ch.qos,
		out:      make(chan amqp.Delivery, 1024),
	}
	ch.consumers[consumer] = c
	q.cons = append(q.cons, c)
	b.dispatchLocked(q)
	return c.out, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[consumer]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumer)
	c.queue.removeConsumerLocked(c)
	close(c.out)
	return nil
}

func (ch *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	tag := ch.seq
	ch.seq++

	m := fakeMessage{exchange: exchange, key: key, pub: msg}
	b.published = append(b.published, m)
	b.routeLocked(m)

	if !ch.confirming {
		return nil
	}
	if b.holdConfirms {
		b.held = append(b.held, heldConfirm{ch: ch, tag: tag})
		return nil
	}
	ch.confirmLocked(tag, !b.nack)
	return nil
}

func (ch *fakeChannel) confirmLocked(tag uint64, ack bool) {
	if ch.closed {
		return
	}
	for _, n := range ch.publishNotify {
		n <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
	}
}

func (ch *fakeChannel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

func (ch *fakeChannel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	for tag, pd := range ch.unacked {
		pd.consumer.queue.ready = append([]fakeMessage{pd.msg}, pd.consumer.queue.ready...)
		delete(ch.unacked, tag)
	}
	touched := make(map[*fakeQueue]bool)
	for _, c := range ch.consumers {
		c.queue.removeConsumerLocked(c)
		touched[c.queue] = true
		close(c.out)
	}
	ch.consumers = nil

	for _, n := range ch.closeNotify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	ch.closeNotify = nil
	for _, n := range ch.publishNotify {
		close(n)
	}
	ch.publishNotify = nil

	for q := range touched {
		ch.broker.dispatchLocked(q)
	}
}

func (ch *fakeChannel) settle(tag uint64, ack, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	pd, ok := ch.unacked[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("unknown delivery tag %d", tag)}
	}
	delete(ch.unacked, tag)

	c, q := pd.consumer, pd.consumer.queue
	c.inflight--
	switch {
	case ack:
		q.acked++
	case requeue:
		q.requeued++
		q.ready = append([]fakeMessage{pd.msg}, q.ready...)
	default:
		q.nacked++
	}
	b.dispatchLocked(q)
	return nil
}

func (ch *fakeChannel) Ack(tag uint64, _ bool) error {
	return ch.settle(tag, true, false)
}

func (ch *fakeChannel) Nack(tag uint64, _ bool, requeue bool) error {
	return ch.settle(tag, false, requeue)
}

func (ch *fakeChannel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, requeue)
}
