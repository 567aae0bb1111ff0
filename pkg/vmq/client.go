// Package vmq drives the MQTT broker plugin over its AMQP command
// exchange: server-initiated publishes towards devices and forced
// disconnections.
package vmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher publishes a serialized command on the plugin's exchange.
// Implemented by amqpclient.Publisher.
type AMQPPublisher interface {
	Publish(ctx context.Context, routingKey string, headers amqp.Table, body []byte) error
}

// Command names understood by the broker plugin.
const (
	commandPublish    = "publish"
	commandDisconnect = "disconnect"
)

// command is the envelope for one plugin operation.
type command struct {
	Command    string          `json:"command"`
	Publish    *publishArgs    `json:"publish,omitempty"`
	Disconnect *disconnectArgs `json:"disconnect,omitempty"`
}

type publishArgs struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	QoS     int    `json:"qos"`
}

type disconnectArgs struct {
	ClientID     string `json:"client_id"`
	DiscardState bool   `json:"discard_state"`
}

// Client sends commands to the broker plugin.
type Client struct {
	publisher  AMQPPublisher
	routingKey string
}

// NewClient creates a plugin client publishing on the given routing key.
func NewClient(publisher AMQPPublisher, routingKey string) *Client {
	return &Client{publisher: publisher, routingKey: routingKey}
}

// Publish delivers a payload to a device topic at the given MQTT QoS.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos int) error {
	body, err := json.Marshal(command{
		Command: commandPublish,
		Publish: &publishArgs{Topic: topic, Payload: payload, QoS: qos},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal publish command: %w", err)
	}
	if err := c.publisher.Publish(ctx, c.routingKey, nil, body); err != nil {
		return fmt.Errorf("failed to send publish command for %s: %w", topic, err)
	}
	return nil
}

// Disconnect closes a device's broker session; discardState also drops the
// session state so the device starts clean on reconnection.
func (c *Client) Disconnect(ctx context.Context, clientID string, discardState bool) error {
	body, err := json.Marshal(command{
		Command:    commandDisconnect,
		Disconnect: &disconnectArgs{ClientID: clientID, DiscardState: discardState},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal disconnect command: %w", err)
	}
	if err := c.publisher.Publish(ctx, c.routingKey, nil, body); err != nil {
		return fmt.Errorf("failed to send disconnect command for %s: %w", clientID, err)
	}
	return nil
}
