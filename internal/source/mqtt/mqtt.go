// Package mqtt provides an MQTT broker source using Eclipse Paho.
//
// The client's own auto-reconnect is disabled; reconnection is handled here
// with exponential backoff so attempts, state, and the give-up bound stay
// observable and testable.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"gridstream/internal/logging"
	"gridstream/internal/source"
)

// ConnState is the connection lifecycle state of the source.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateReconnecting ConnState = "reconnecting"
	StateConnected    ConnState = "connected"
	StateGaveUp       ConnState = "gave_up"
)

// Config holds MQTT source configuration.
type Config struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string

	// Topic to subscribe to, may contain wildcards.
	Topic string

	// QoS for the subscription.
	QoS byte

	KeepAlive time.Duration

	// ReconnectMinDelay and ReconnectMaxDelay bound the exponential backoff
	// between connection attempts.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	// MaxReconnectAttempts caps consecutive failed attempts before the
	// source gives up. Zero means retry forever.
	MaxReconnectAttempts int

	Logger *slog.Logger
}

// Source consumes telemetry payloads from an MQTT topic.
type Source struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state ConnState
}

// New creates an MQTT source.
func New(cfg Config) *Source {
	if cfg.ClientID == "" {
		cfg.ClientID = "gridstream-" + uuid.NewString()[:8]
	}
	return &Source{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "source", "type", "mqtt"),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Source) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Source) setState(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run connects to the broker and delivers payloads until ctx is cancelled or
// the reconnect budget is exhausted.
func (s *Source) Run(ctx context.Context, out chan<- source.RawMessage) error {
	// Buffered so a lost-connection callback never blocks the paho client.
	lost := make(chan error, 1)

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", s.cfg.Host, s.cfg.Port)).
		SetClientID(s.cfg.ClientID).
		SetKeepAlive(s.cfg.KeepAlive).
		SetAutoReconnect(false).
		SetCleanSession(false)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		// Subscribing here rather than after Connect covers session
		// re-establishment after a broker restart.
		token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			// The broker client reuses its buffers, so copy before handing off.
			payload := append([]byte(nil), msg.Payload()...)
			select {
			case out <- source.RawMessage{
				Topic:      msg.Topic(),
				Payload:    payload,
				ReceivedAt: time.Now().UTC(),
			}:
			case <-ctx.Done():
			}
		})
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Error("mqtt subscribe failed", "topic", s.cfg.Topic, "error", err)
			return
		}
		s.logger.Info("subscribed to topic", "topic", s.cfg.Topic, "qos", s.cfg.QoS)
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.setState(StateDisconnected)
		s.logger.Warn("mqtt connection lost", "error", err)
		select {
		case lost <- err:
		default:
		}
	})

	client := pahomqtt.NewClient(opts)

	if err := s.connect(ctx, client); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("mqtt source stopping")
			client.Disconnect(250)
			s.setState(StateDisconnected)
			return nil
		case <-lost:
			if err := s.connect(ctx, client); err != nil {
				return err
			}
		}
	}
}

// connect attempts to establish the connection, backing off exponentially
// between failures. It returns an error only when the attempt budget is
// exhausted or ctx is cancelled.
func (s *Source) connect(ctx context.Context, client pahomqtt.Client) error {
	s.setState(StateReconnecting)

	for attempt := 1; ; attempt++ {
		if s.cfg.MaxReconnectAttempts > 0 && attempt > s.cfg.MaxReconnectAttempts {
			s.setState(StateGaveUp)
			s.logger.Error("giving up on broker connection",
				"attempts", s.cfg.MaxReconnectAttempts)
			return fmt.Errorf("mqtt: connection failed after %d attempts", s.cfg.MaxReconnectAttempts)
		}

		token := client.Connect()
		token.Wait()
		err := token.Error()
		if err == nil {
			s.setState(StateConnected)
			s.logger.Info("connected to broker",
				"host", s.cfg.Host,
				"port", s.cfg.Port,
				"attempt", attempt)
			return nil
		}

		delay := reconnectDelay(attempt, s.cfg.ReconnectMinDelay, s.cfg.ReconnectMaxDelay)
		s.logger.Warn("broker connection failed",
			"attempt", attempt,
			"retry_in", delay,
			"error", err)

		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return nil
		case <-time.After(delay):
		}
	}
}

// reconnectDelay returns the backoff delay for the given attempt, doubling
// from min and capped at max. Attempts are 1-based.
func reconnectDelay(attempt int, min, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := min
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
