package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	reconnectDelay = 5 * time.Second
	reInitDelay    = 2 * time.Second
	publishTimeout = 30 * time.Second
)

var errNotReady = errors.New("amqp channel not ready")

// AMQPClient keeps a RabbitMQ connection and confirm-mode channel alive,
// reconnecting in the background.
type AMQPClient struct {
	m               sync.Mutex
	queues          []string
	lm              *LogManager
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	ready           chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	isReady         bool
	closed          bool
}

// NewAMQPClient starts connecting to addr and declares queues once connected.
func NewAMQPClient(addr string, queues []string, lm *LogManager) *AMQPClient {
	client := &AMQPClient{
		queues: queues,
		lm:     lm,
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go client.handleReconnect(addr)
	return client
}

func (client *AMQPClient) log(action string, level logrus.Level, err error) {
	client.lm.SendLog(client.lm.BuildLog("AMQP", action, level, nil, err))
}

func (client *AMQPClient) handleReconnect(addr string) {
	for {
		client.setReady(false)

		conn, err := amqp.Dial(addr)
		if err != nil {
			client.log("failed to connect, retrying", logrus.WarnLevel, err)
			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}
		client.changeConnection(conn)
		client.log("connected", logrus.InfoLevel, nil)

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

// handleReInit returns true when the client is closed, false when the
// connection dropped and a reconnect is needed.
func (client *AMQPClient) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		if err := client.init(conn); err != nil {
			client.log("failed to initialize channel, retrying", logrus.WarnLevel, err)
			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.log("connection closed, reconnecting", logrus.WarnLevel, nil)
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.log("connection closed, reconnecting", logrus.WarnLevel, nil)
			return false
		case <-client.notifyChanClose:
			client.log("channel closed, re-initializing", logrus.WarnLevel, nil)
		}
	}
}

func (client *AMQPClient) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return err
	}
	for _, queue := range client.queues {
		_, err := ch.QueueDeclare(
			queue,
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue '%s': %w", queue, err)
		}
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.log("channel setup complete", logrus.InfoLevel, nil)
	return nil
}

func (client *AMQPClient) changeConnection(conn *amqp.Connection) {
	client.m.Lock()
	defer client.m.Unlock()
	client.connection = conn
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

func (client *AMQPClient) changeChannel(ch *amqp.Channel) {
	client.m.Lock()
	defer client.m.Unlock()
	client.channel = ch
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

func (client *AMQPClient) setReady(ready bool) {
	client.m.Lock()
	defer client.m.Unlock()
	if ready == client.isReady {
		return
	}
	client.isReady = ready
	if ready {
		close(client.ready)
	} else {
		client.ready = make(chan struct{})
	}
}

// waitReady blocks until the channel is usable.
func (client *AMQPClient) waitReady(ctx context.Context) error {
	client.m.Lock()
	ready := client.ready
	client.m.Unlock()

	select {
	case <-ready:
		return nil
	case <-client.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends data to queueName and waits for the broker to confirm it,
// retrying until ctx is done.
func (client *AMQPClient) Publish(ctx context.Context, queueName string, data []byte) error {
	for {
		if err := client.waitReady(ctx); err != nil {
			return err
		}

		confirms, err := client.unsafePublish(ctx, queueName, data)
		if err == nil {
			select {
			case confirm := <-confirms:
				if confirm.Ack {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-time.After(reInitDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (client *AMQPClient) unsafePublish(ctx context.Context, queueName string, data []byte) (<-chan amqp.Confirmation, error) {
	client.m.Lock()
	defer client.m.Unlock()

	if !client.isReady || client.channel == nil {
		return nil, errNotReady
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := client.channel.PublishWithContext(pubCtx,
		"",        // exchange
		queueName, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         data,
		},
	)
	return client.notifyConfirm, err
}

// Consume starts a manual-ack consumer on queueName.
func (client *AMQPClient) Consume(ctx context.Context, queueName string) (<-chan amqp.Delivery, error) {
	if err := client.waitReady(ctx); err != nil {
		return nil, err
	}

	client.m.Lock()
	defer client.m.Unlock()

	if !client.isReady || client.channel == nil {
		return nil, errNotReady
	}
	if err := client.channel.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	return client.channel.Consume(queueName, "", false, false, false, false, nil)
}

// Close shuts down the channel and connection.
func (client *AMQPClient) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	if client.closed {
		return ErrQueueClosed
	}
	client.closed = true
	close(client.done)

	if client.channel != nil {
		_ = client.channel.Close()
	}
	if client.connection != nil {
		return client.connection.Close()
	}
	return nil
}

// amqpBroadcastQueue carries broadcasts as JSON on a durable queue so any
// gateway instance can run them.
type amqpBroadcastQueue struct {
	client *AMQPClient
	queue  string
	lm     *LogManager
}

func newAMQPBroadcastQueue(addr, queue string, lm *LogManager) *amqpBroadcastQueue {
	return &amqpBroadcastQueue{
		client: NewAMQPClient(addr, []string{queue}, lm),
		queue:  queue,
		lm:     lm,
	}
}

func (q *amqpBroadcastQueue) Enqueue(ctx context.Context, b *Broadcast) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	return q.client.Publish(ctx, q.queue, data)
}

// Deliveries re-subscribes after reconnects. Messages are acked once decoded,
// so a broadcast interrupted by a crash is not run again.
func (q *amqpBroadcastQueue) Deliveries(ctx context.Context) (<-chan *Broadcast, error) {
	out := make(chan *Broadcast)

	go func() {
		defer close(out)
		for {
			msgs, err := q.client.Consume(ctx, q.queue)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
					return
				}
				select {
				case <-time.After(reInitDelay):
					continue
				case <-ctx.Done():
					return
				}
			}

			for d := range msgs {
				var b Broadcast
				if err := json.Unmarshal(d.Body, &b); err != nil {
					q.lm.SendLog(q.lm.BuildLog("AMQP", "dropping malformed broadcast", logrus.ErrorLevel, nil, err))
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)

				select {
				case out <- &b:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (q *amqpBroadcastQueue) Close() error {
	return q.client.Close()
}
