// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

// Package cloud maintains the device's MQTT session: mutual-TLS
// against the trust-root identity, the jobs subscription that feeds
// the update pipeline, and the heartbeat, audit, and shadow
// publications. The client owns the cloud_session_up bit.
package cloud

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/verdant-foundation/verdant/lib/events"
	"github.com/verdant-foundation/verdant/lib/trustroot"
)

// connectTimeout bounds the initial broker connection.
const connectTimeout = 30 * time.Second

// publishTimeout bounds each publish token wait.
const publishTimeout = 10 * time.Second

// Config is the cloud-link configuration.
type Config struct {
	// Endpoint is the broker host; port 8883 is assumed when no
	// port is present.
	Endpoint string

	// DeviceID names the thing; it appears in the jobs and shadow
	// topics and as the MQTT client identifier.
	DeviceID string

	// HeartbeatTopic and AuditTopic are the telemetry publications.
	HeartbeatTopic string
	AuditTopic     string

	// AllowLegacyJobs accepts the deprecated ota_url job form. Even
	// when enabled, a legacy job only reaches the update pipeline
	// through a synthesized manifest, which the pipeline's own
	// validation still refuses without an image digest.
	AllowLegacyJobs bool
}

// UpdateSubmitter receives extracted manifests. The update pipeline
// implements it.
type UpdateSubmitter interface {
	Submit(manifestJSON []byte) error
}

// ErrNotConnected is returned by publishes before Connect succeeds.
var ErrNotConnected = errors.New("cloud: not connected")

// ErrLegacyJobRejected is returned for ota_url jobs when the
// compatibility flag is off.
var ErrLegacyJobRejected = errors.New("cloud: legacy job form rejected")

// Client is the MQTT session.
type Client struct {
	Config  Config
	Bits    *events.Group
	Root    *trustroot.Blob
	Updates UpdateSubmitter

	// Audit receives one line per job decision. May be nil.
	Audit func(format string, args ...any)

	Log *slog.Logger

	mqtt mqtt.Client
}

// Connect establishes the session and subscribes to the jobs topic.
// The paho client keeps reconnecting on its own afterwards; the
// cloud_session_up bit tracks its connection state.
func (c *Client) Connect() error {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With("component", "cloud")

	tlsConfig, err := c.tlsConfig()
	if err != nil {
		return err
	}

	broker := c.Config.Endpoint
	if _, _, err := net.SplitHostPort(broker); err != nil {
		broker = net.JoinHostPort(broker, "8883")
	}
	options := mqtt.NewClientOptions().
		AddBroker("tls://" + broker).
		SetClientID(c.Config.DeviceID).
		SetTLSConfig(tlsConfig).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOnConnectHandler(func(client mqtt.Client) {
			c.Bits.Set(events.CloudSessionUp)
			c.Log.Info("cloud session established")
			topic := c.jobsTopic()
			token := client.Subscribe(topic, 1, func(_ mqtt.Client, message mqtt.Message) {
				if err := c.HandleJobPayload(message.Payload()); err != nil {
					c.Log.Warn("job rejected", "topic", message.Topic(), "error", err)
				}
			})
			if token.WaitTimeout(publishTimeout) && token.Error() != nil {
				c.Log.Error("jobs subscription failed", "topic", topic, "error", token.Error())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.Bits.Clear(events.CloudSessionUp)
			c.Log.Warn("cloud session lost", "error", err)
		})

	c.mqtt = mqtt.NewClient(options)
	token := c.mqtt.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("cloud: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("cloud: connecting to %s: %w", broker, err)
	}
	return nil
}

// Disconnect tears the session down.
func (c *Client) Disconnect() {
	if c.mqtt != nil && c.mqtt.IsConnected() {
		c.mqtt.Disconnect(250)
	}
	c.Bits.Clear(events.CloudSessionUp)
}

// tlsConfig builds the mutual-TLS configuration from the trust root:
// the device certificate and key authenticate the client, and the
// trust-root CAs pin the broker when present.
func (c *Client) tlsConfig() (*tls.Config, error) {
	if c.Root == nil || len(c.Root.DeviceCert) == 0 || len(c.Root.DeviceKey) == 0 {
		return nil, errors.New("cloud: trust root carries no device identity")
	}
	key, err := parsePrivateKey(c.Root.DeviceKey)
	if err != nil {
		return nil, fmt.Errorf("cloud: device key: %w", err)
	}
	config := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{c.Root.DeviceCert},
			PrivateKey:  key,
		}},
	}
	if len(c.Root.CAs) > 0 {
		pool := x509.NewCertPool()
		for _, der := range c.Root.CAs {
			if ca, err := x509.ParseCertificate(der); err == nil {
				pool.AddCert(ca)
			}
		}
		config.RootCAs = pool
	}
	return config, nil
}

// parsePrivateKey accepts PKCS#8 or SEC1 EC DER.
func parsePrivateKey(der []byte) (any, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported key encoding")
}

func (c *Client) jobsTopic() string {
	return fmt.Sprintf("$aws/things/%s/jobs/+/notify-next", c.Config.DeviceID)
}

func (c *Client) shadowTopic() string {
	return fmt.Sprintf("$aws/things/%s/shadow/update", c.Config.DeviceID)
}

// publish sends one message at QoS 1.
func (c *Client) publish(topic string, payload []byte) error {
	if c.mqtt == nil || !c.mqtt.IsConnected() {
		return ErrNotConnected
	}
	token := c.mqtt.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("cloud: publish to %s timed out", topic)
	}
	return token.Error()
}

// PublishHeartbeat implements telemetry.Publisher.
func (c *Client) PublishHeartbeat(payload []byte) error {
	return c.publish(c.Config.HeartbeatTopic, payload)
}

// PublishAudit implements telemetry.Publisher.
func (c *Client) PublishAudit(line string) error {
	return c.publish(c.Config.AuditTopic, []byte(line))
}
