package announce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mil-ad/eegmenu/internal/config"
)

// MQTTSink is a Sink backed by a paho client.
type MQTTSink struct {
	client mqtt.Client
	broker string
}

// Dial connects to the broker in cfg. The client reconnects on its own
// after the initial connection succeeds.
func Dial(ctx context.Context, cfg config.MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	will, err := willPayload(cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("encode will: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetBinaryWill(cfg.TopicPrefix+"/status", will, cfg.QoS, true)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, fmt.Errorf("mqtt connect: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return &MQTTSink{client: client, broker: broker}, nil
}

// willPayload is the retained status the broker publishes if the daemon
// goes away without disconnecting. It uses the same encoding as every
// other status message.
func willPayload(encoding string) ([]byte, error) {
	return marshaller(encoding)(StatusMessage{Status: "offline"})
}

func (s *MQTTSink) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := s.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Close disconnects with a short grace period for in-flight messages.
func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
