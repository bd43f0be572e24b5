// Package mqtt mirrors device state changes to an MQTT broker as retained
// messages, one topic per device.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/device"
	"github.com/dokzlo13/devsync/internal/notify"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesce     = 1000 // milliseconds
	maxQoS                = 2
)

var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrInvalidQoS       = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
)

// Config contains broker settings.
type Config struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
	Prefix   string // topic root, default "devsync"
	QoS      byte
}

// client is the part of pahomqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Message is the JSON body of a state topic.
type Message struct {
	Family    string        `json:"family"`
	DeviceID  string        `json:"device_id"`
	State     *device.State `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}

// Publisher writes device state to {prefix}/{family}/{id}/state.
type Publisher struct {
	client client
	prefix string
	qos    byte
	now    func() time.Time
}

// Connect dials the broker and announces the publisher as online. A last will
// marks it offline if the connection drops.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "devsync"
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetWill(statusTopic(cfg.Prefix), `{"status":"offline"}`, 1, true)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
		c.Publish(statusTopic(cfg.Prefix), 1, true, `{"status":"online"}`)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	c := pahomqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return newPublisher(c, cfg.Prefix, cfg.QoS), nil
}

func newPublisher(c client, prefix string, qos byte) *Publisher {
	return &Publisher{client: c, prefix: prefix, qos: qos, now: time.Now}
}

// Topic returns the state topic for a device.
func (p *Publisher) Topic(family, id string) string {
	return fmt.Sprintf("%s/%s/%s/state", p.prefix, topicSegment(family), topicSegment(id))
}

// PublishState publishes a retained state message. A nil state publishes an
// empty retained payload, which clears the topic on the broker.
func (p *Publisher) PublishState(family, id string, state *device.State) error {
	var payload []byte
	if state != nil {
		var err error
		payload, err = json.Marshal(Message{
			Family:    family,
			DeviceID:  id,
			State:     state,
			Timestamp: p.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
	}

	token := p.client.Publish(p.Topic(family, id), p.qos, true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Handler returns a state-change subscriber for one family. Publish errors are
// logged, never returned to the hub.
func (p *Publisher) Handler(family string) notify.Handler {
	return func(id string, state *device.State) {
		if err := p.PublishState(family, id, state); err != nil {
			log.Warn().Err(err).Str("family", family).Str("device", id).Msg("Failed to publish state to MQTT")
		}
	}
}

// Close announces a graceful offline and disconnects.
func (p *Publisher) Close() error {
	token := p.client.Publish(statusTopic(p.prefix), 1, true, `{"status":"offline"}`)
	token.WaitTimeout(defaultPublishTimeout)
	p.client.Disconnect(disconnectQuiesce)
	return nil
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}

// topicSegment keeps ids from introducing extra levels or wildcards.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
