// Copyright 2025 Nocturne Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrTransportUnavailable is returned when the broker cannot be reached
// after the connect backoff is exhausted.
var ErrTransportUnavailable = errors.New("notification transport unavailable")

const (
	connectMaxAttempts = 10
	connectBaseDelay   = 5 * time.Second
	connectMaxDelay    = 60 * time.Second

	heartbeatInterval = 10 * time.Minute
	blockedTimeout    = 5 * time.Minute
)

// Channel is the subset of the AMQP channel surface the fabric needs.
// *amqp.Channel satisfies it; tests substitute a fake.
type Channel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// Fabric is a per-agent handle on the notification broker. It owns one
// connection and one channel; the loop reconnects through it on transport
// errors.
type Fabric struct {
	url       string
	queueName string
	log       *slog.Logger

	conn    *amqp.Connection
	channel Channel

	declared map[string]bool
}

// NewFabric creates a fabric for the agent whose queue is queueName.
// Connect must be called before use.
func NewFabric(url, queueName string, log *slog.Logger) *Fabric {
	if log == nil {
		log = slog.Default()
	}
	return &Fabric{
		url:       url,
		queueName: queueName,
		log:       log,
		declared:  make(map[string]bool),
	}
}

// QueueName returns the agent's inbound queue name.
func (f *Fabric) QueueName() string {
	return f.queueName
}

// Connect establishes the broker connection with exponential backoff
// (base 5s, cap 60s, 10 attempts), declares the agent's durable queue, and
// sets prefetch to 1 so the broker delivers one message at a time.
func (f *Fabric) Connect() error {
	delay := connectBaseDelay

	for attempt := 1; attempt <= connectMaxAttempts; attempt++ {
		err := f.dial()
		if err == nil {
			f.log.Info("connected to notification broker", "queue", f.queueName)
			return nil
		}

		f.log.Error("broker connection failed",
			"attempt", attempt, "max", connectMaxAttempts, "error", err)

		if attempt == connectMaxAttempts {
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}

		time.Sleep(delay)
		delay = min(delay*2, connectMaxDelay)
	}

	return ErrTransportUnavailable
}

func (f *Fabric) dial() error {
	conn, err := amqp.DialConfig(f.url, amqp.Config{
		Heartbeat: heartbeatInterval,
		Dial:      amqp.DefaultDial(blockedTimeout),
	})
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(f.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", f.queueName, err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	f.conn = conn
	f.channel = ch
	f.declared = map[string]bool{f.queueName: true}
	return nil
}

// Close tears down the channel and connection.
func (f *Fabric) Close() {
	if f.channel != nil {
		f.channel.Close()
		f.channel = nil
	}
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

// Drain non-blockingly pops every currently-available message from the
// agent's queue. Each returned notification carries its delivery tag and
// retry count. Bodies that fail to parse are rejected without requeue and
// omitted from the result.
func (f *Fabric) Drain() ([]*Notification, error) {
	if f.channel == nil {
		return nil, ErrTransportUnavailable
	}

	var notifications []*Notification

	for {
		delivery, ok, err := f.channel.Get(f.queueName, false)
		if err != nil {
			// Transport fault mid-drain: surface what we have alongside the
			// error so the caller can reconnect.
			return notifications, fmt.Errorf("failed to get message: %w", err)
		}
		if !ok {
			break
		}

		var n Notification
		if err := json.Unmarshal(delivery.Body, &n); err != nil {
			f.log.Error("rejecting malformed notification", "error", err)
			if nackErr := f.channel.Nack(delivery.DeliveryTag, false, false); nackErr != nil {
				f.log.Error("failed to reject malformed notification", "error", nackErr)
			}
			continue
		}

		n.DeliveryTag = delivery.DeliveryTag
		notifications = append(notifications, &n)
	}

	if len(notifications) > 0 {
		f.log.Debug("drained pending notifications", "count", len(notifications))
	}
	return notifications, nil
}

// Publish durably publishes a notification onto the named queue, declaring
// the queue lazily on first use.
func (f *Fabric) Publish(ctx context.Context, queue string, n *Notification) error {
	if f.channel == nil {
		return ErrTransportUnavailable
	}

	if !f.declared[queue] {
		if _, err := f.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		f.declared[queue] = true
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = f.channel.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Ack acknowledges a delivered message, removing it from the queue.
func (f *Fabric) Ack(deliveryTag uint64) error {
	if f.channel == nil {
		return ErrTransportUnavailable
	}
	return f.channel.Ack(deliveryTag, false)
}

// Nack rejects a delivered message, optionally requeueing it.
func (f *Fabric) Nack(deliveryTag uint64, requeue bool) error {
	if f.channel == nil {
		return ErrTransportUnavailable
	}
	return f.channel.Nack(deliveryTag, false, requeue)
}

// SetChannel replaces the underlying channel. Exposed for tests.
func (f *Fabric) SetChannel(ch Channel) {
	f.channel = ch
	f.declared = map[string]bool{f.queueName: true}
}
