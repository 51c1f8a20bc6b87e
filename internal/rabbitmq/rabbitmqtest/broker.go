// Package rabbitmqtest provides an in-memory topic broker implementing the
// rabbitmq Connection and Channel interfaces, for tests that exercise
// connection loss, routing, prefetch and acknowledgment without a server.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glimte/orderflow/contracts"
	"github.com/glimte/orderflow/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDialRefused is returned by dials the broker was told to fail
var ErrDialRefused = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")

// Broker is an in-memory topic broker
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string // name -> kind
	queues    map[string]*queue
	bindings  []rabbitmq.Binding

	dials         int32
	failDials     int32
	nackPublishes atomic.Bool
	stallConfirms atomic.Bool
	gate          chan struct{}

	conns []*Conn
}

type queue struct {
	name     string
	messages []amqp.Delivery
	consumer *consumer
}

type consumer struct {
	channel    *Channel
	tag        string
	prefetch   int // per-consumer limit in force when the consumer started
	deliveries chan amqp.Delivery
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
	}
}

// Dialer returns a rabbitmq.Dialer connecting to the broker
func (b *Broker) Dialer() rabbitmq.Dialer {
	return func(string) (rabbitmq.Connection, error) {
		atomic.AddInt32(&b.dials, 1)

		b.mu.Lock()
		gate := b.gate
		b.mu.Unlock()
		if gate != nil {
			<-gate
		}

		if atomic.LoadInt32(&b.failDials) > 0 {
			atomic.AddInt32(&b.failDials, -1)
			return nil, ErrDialRefused
		}

		conn := &Conn{broker: b}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		return conn, nil
	}
}

// HoldDials makes every dial wait until the returned release func is called
func (b *Broker) HoldDials() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.gate = nil
			b.mu.Unlock()
			close(gate)
		})
	}
}

// FailDials makes the next n dials fail with ErrDialRefused
func (b *Broker) FailDials(n int) {
	atomic.StoreInt32(&b.failDials, int32(n))
}

// NackPublishes makes the broker reject every publish
func (b *Broker) NackPublishes(nack bool) {
	b.nackPublishes.Store(nack)
}

// StallConfirms makes publisher confirms never arrive
func (b *Broker) StallConfirms(stall bool) {
	b.stallConfirms.Store(stall)
}

// DialCount returns the number of dial attempts
func (b *Broker) DialCount() int {
	return int(atomic.LoadInt32(&b.dials))
}

// LiveConnections returns the number of open connections
func (b *Broker) LiveConnections() int {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()

	live := 0
	for _, c := range conns {
		if !c.IsClosed() {
			live++
		}
	}
	return live
}

// LastConn returns the most recently dialed connection
func (b *Broker) LastConn() *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

// LastChannel returns the most recently opened channel
func (b *Broker) LastChannel() *Channel {
	conn := b.LastConn()
	if conn == nil {
		return nil
	}
	channels := conn.Channels()
	if len(channels) == 0 {
		return nil
	}
	return channels[len(channels)-1]
}

// DeclareExchange creates an exchange as if another client had declared it
func (b *Broker) DeclareExchange(name, kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
}

// ExchangeKind returns the type of a declared exchange
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok := b.exchanges[name]
	return kind, ok
}

// HasQueue reports whether queue was declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Bindings returns the declared bindings
func (b *Broker) Bindings() []rabbitmq.Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]rabbitmq.Binding(nil), b.bindings...)
}

// QueueDepth returns the number of ready messages in queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Messages returns the ready messages of queue
func (b *Broker) Messages(name string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return append([]amqp.Delivery(nil), q.messages...)
	}
	return nil
}

// Enqueue puts a raw message straight into a declared queue
func (b *Broker) Enqueue(name, routingKey string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return
	}
	q.messages = append(q.messages, amqp.Delivery{RoutingKey: routingKey, Body: body})
	b.dispatch()
}

// route delivers a publishing to every bound queue. Caller holds b.mu.
func (b *Broker) route(exchange, key string, msg amqp.Publishing) {
	seen := make(map[string]bool)
	for _, binding := range b.bindings {
		if binding.Exchange != exchange || seen[binding.Queue] {
			continue
		}
		if contracts.MatchTopic(binding.RoutingKey, key) {
			seen[binding.Queue] = true
			q := b.queues[binding.Queue]
			q.messages = append(q.messages, amqp.Delivery{
				Exchange:     exchange,
				RoutingKey:   key,
				ContentType:  msg.ContentType,
				DeliveryMode: msg.DeliveryMode,
				MessageId:    msg.MessageId,
				Type:         msg.Type,
				Timestamp:    msg.Timestamp,
				Body:         msg.Body,
			})
		}
	}
}

// dispatch pushes ready messages to consumers within their prefetch window.
// Caller holds b.mu.
func (b *Broker) dispatch() {
	for _, q := range b.queues {
		c := q.consumer
		if c == nil {
			continue
		}
		for len(q.messages) > 0 && c.channel.canDeliver(c) {
			d := q.messages[0]
			q.messages = q.messages[1:]
			c.channel.track(c, q.name, &d)
			c.deliveries <- d
		}
	}
}

// requeue puts a delivery back at the head of its queue. Caller holds b.mu.
func (b *Broker) requeue(name string, d amqp.Delivery) {
	d.Redelivered = true
	d.Acknowledger = nil
	d.DeliveryTag = 0
	q := b.queues[name]
	q.messages = append([]amqp.Delivery{d}, q.messages...)
}

// detach removes c from every queue. Caller holds b.mu.
func (b *Broker) detach(c *consumer) {
	for _, q := range b.queues {
		if q.consumer == c {
			q.consumer = nil
		}
	}
}

// Conn implements rabbitmq.Connection
type Conn struct {
	broker *Broker

	mu        sync.Mutex
	closed    bool
	failOpen  bool
	channels  []*Channel
	closeChs  []chan *amqp.Error
	blockedCh []chan amqp.Blocking
}

// Channel implements rabbitmq.Connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.failOpen {
		return nil, &amqp.Error{Code: amqp.ChannelError, Reason: "channel_max reached"}
	}
	ch := &Channel{broker: c.broker, unacked: make(map[uint64]unacked), settled: make(map[uint64]bool)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Channels returns every channel opened on the connection
func (c *Conn) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// FailChannelOpen makes subsequent Channel calls fail
func (c *Conn) FailChannelOpen(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failOpen = fail
}

// NotifyClose implements rabbitmq.Connection
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeChs = append(c.closeChs, receiver)
	return receiver
}

// NotifyBlocked implements rabbitmq.Connection
func (c *Conn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockedCh = append(c.blockedCh, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Conn) Close() error {
	return c.shutdown(nil)
}

// Drop severs the connection the way a broker restart or network failure
// would
func (c *Conn) Drop() {
	c.shutdown(&amqp.Error{
		Code:   amqp.ConnectionForced,
		Reason: "CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
		Server: true,
	})
}

// Block sends a connection.blocked (true) or connection.unblocked (false)
// notification
func (c *Conn) Block(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.blockedCh {
		ch <- amqp.Blocking{Active: active, Reason: "low on memory"}
	}
}

func (c *Conn) shutdown(err *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := c.channels
	closeChs := c.closeChs
	blockedChs := c.blockedCh
	c.closeChs = nil
	c.blockedCh = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, ch := range closeChs {
		if err != nil {
			ch <- err
		}
		close(ch)
	}
	for _, ch := range blockedChs {
		close(ch)
	}
	return nil
}

type unacked struct {
	queue    string
	consumer string
	delivery amqp.Delivery
}

// Counts summarizes how a channel's deliveries were settled
type Counts struct {
	Acks          int
	Nacks         int
	DoubleSettled int
	MaxUnacked    int
}

// Channel implements rabbitmq.Channel and is the amqp.Acknowledger of the
// deliveries it hands out
type Channel struct {
	broker *Broker

	mu             sync.Mutex
	closed         bool
	confirm        bool
	prefetch       int // applies to consumers started after Qos
	globalPrefetch int // shared by every consumer on the channel
	nextTag        uint64
	unacked   map[uint64]unacked
	settled   map[uint64]bool
	counts    Counts
	consumers map[string]*consumer
	closeChs  []chan *amqp.Error
}

// ConfirmMode reports whether Confirm was called
func (ch *Channel) ConfirmMode() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.confirm
}

// Prefetch returns the prefetch count set through Qos and whether it was
// set for the whole channel
func (ch *Channel) Prefetch() (count int, global bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.globalPrefetch > 0 {
		return ch.globalPrefetch, true
	}
	return ch.prefetch, false
}

// Counts returns the settlement counters
func (ch *Channel) Counts() Counts {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.counts
}

// ExchangeDeclare implements rabbitmq.Channel. Redeclaring with another type
// fails with 406 and closes the channel, like the real broker.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}

	b := ch.broker
	b.mu.Lock()
	existing, ok := b.exchanges[name]
	if ok && existing != kind {
		b.mu.Unlock()
		err := &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s' in vhost '/': received '%s' but current is '%s'", name, kind, existing),
		}
		ch.shutdown(err)
		return err
	}
	b.exchanges[name] = kind
	b.mu.Unlock()
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.IsClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.messages)}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "' in vhost '/'"}
	}
	for _, existing := range b.bindings {
		if existing.Queue == name && existing.Exchange == exchange && existing.RoutingKey == key {
			return nil
		}
	}
	b.bindings = append(b.bindings, rabbitmq.Binding{Queue: name, Exchange: exchange, RoutingKey: key})
	return nil
}

// Qos implements rabbitmq.Channel with RabbitMQ's semantics: global limits
// the unacknowledged deliveries of the whole channel, otherwise the limit
// applies to each consumer started afterwards
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if global {
		ch.globalPrefetch = prefetchCount
	} else {
		ch.prefetch = prefetchCount
	}
	return nil
}

// Confirm implements rabbitmq.Channel
func (ch *Channel) Confirm(noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(name, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "' in vhost '/'"}
	}

	c := &consumer{channel: ch, tag: tag, deliveries: make(chan amqp.Delivery, 64)}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	if ch.consumers == nil {
		ch.consumers = make(map[string]*consumer)
	}
	c.prefetch = ch.prefetch
	ch.consumers[tag] = c
	ch.mu.Unlock()

	q.consumer = c
	b.dispatch()
	return c.deliveries, nil
}

// Cancel implements rabbitmq.Channel
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	ch.mu.Lock()
	c, ok := ch.consumers[tag]
	delete(ch.consumers, tag)
	ch.mu.Unlock()
	if !ok {
		return nil
	}

	b.detach(c)
	close(c.deliveries)
	return nil
}

// PublishConfirmed implements rabbitmq.Channel
func (ch *Channel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (rabbitmq.Confirmation, error) {
	if ch.IsClosed() {
		return nil, amqp.ErrClosed
	}
	if ch.broker.stallConfirms.Load() {
		return stalled{}, nil
	}
	if ch.broker.nackPublishes.Load() {
		return confirmation(false), nil
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.route(exchange, key, msg)
	b.dispatch()
	return confirmation(true), nil
}

// NotifyClose implements rabbitmq.Channel
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeChs = append(ch.closeChs, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	return ch.shutdown(nil)
}

// shutdown closes the channel, returning unacknowledged deliveries to their
// queues and ending consumer streams
func (ch *Channel) shutdown(err *amqp.Error) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	pending := ch.unacked
	ch.unacked = make(map[uint64]unacked)
	consumers := ch.consumers
	ch.consumers = nil
	closeChs := ch.closeChs
	ch.closeChs = nil
	ch.mu.Unlock()

	b := ch.broker
	b.mu.Lock()
	// requeue prepends, so walk backwards to keep queue order
	for tag := ch.nextTag; tag > 0; tag-- {
		if u, ok := pending[tag]; ok {
			b.requeue(u.queue, u.delivery)
		}
	}
	for _, c := range consumers {
		b.detach(c)
		close(c.deliveries)
	}
	b.mu.Unlock()

	for _, c := range closeChs {
		if err != nil {
			c <- err
		}
		close(c)
	}
	return nil
}

// canDeliver reports whether both the channel and the consumer prefetch
// windows have room. Caller holds b.mu.
func (ch *Channel) canDeliver(c *consumer) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return false
	}
	if ch.globalPrefetch > 0 && len(ch.unacked) >= ch.globalPrefetch {
		return false
	}
	if c.prefetch == 0 {
		return true
	}
	pending := 0
	for _, u := range ch.unacked {
		if u.consumer == c.tag {
			pending++
		}
	}
	return pending < c.prefetch
}

// track assigns a delivery tag and records the delivery as unacknowledged.
// Caller holds b.mu.
func (ch *Channel) track(c *consumer, name string, d *amqp.Delivery) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.nextTag++
	d.DeliveryTag = ch.nextTag
	d.Acknowledger = ch
	ch.unacked[d.DeliveryTag] = unacked{queue: name, consumer: c.tag, delivery: *d}
	if len(ch.unacked) > ch.counts.MaxUnacked {
		ch.counts.MaxUnacked = len(ch.unacked)
	}
}

func (ch *Channel) settle(tag uint64, ack, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	ch.mu.Lock()
	if ch.settled[tag] {
		ch.counts.DoubleSettled++
		ch.mu.Unlock()
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	u, ok := ch.unacked[tag]
	ch.settled[tag] = true
	delete(ch.unacked, tag)
	if ack {
		ch.counts.Acks++
	} else {
		ch.counts.Nacks++
	}
	ch.mu.Unlock()

	if ok && !ack && requeue {
		b.requeue(u.queue, u.delivery)
	}
	b.dispatch()
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, true, false)
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, false, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, requeue)
}

type confirmation bool

func (c confirmation) WaitContext(context.Context) (bool, error) {
	return bool(c), nil
}

// stalled never resolves
type stalled struct{}

func (stalled) WaitContext(ctx context.Context) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}
