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
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes one-off notifications outside the agent's long-lived
// connection. Tools use it to emit result notifications during a
// synchronous execute without sharing the loop's channel.
type Publisher interface {
	PublishTo(ctx context.Context, queue string, n *Notification) error
}

// BrokerPublisher is the production Publisher: it opens a short-lived
// connection, declares the target queue, publishes, and closes. Isolating
// broker writes this way keeps tool goroutines from ever contending on the
// loop's channel.
type BrokerPublisher struct {
	url string
}

// NewBrokerPublisher creates a publisher for the given broker URL.
func NewBrokerPublisher(url string) *BrokerPublisher {
	return &BrokerPublisher{url: url}
}

// PublishTo durably publishes a single notification.
func (p *BrokerPublisher) PublishTo(ctx context.Context, queue string, n *Notification) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}
