package mqttbridge

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connect dials broker and returns a connected paho client whose last will
// marks the bridge status topic under base as lost.
func Connect(broker, clientID, base string, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	status := normalizeBase(base) + "/$state"

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetResumeSubs(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetWill(status, stateOffline, DefaultQoS, true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", broker, "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", broker, "client_id", clientID)
	})

	c := mqtt.NewClient(opts)
	t := c.Connect()
	if !t.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("connect %s: %w", broker, ErrTokenTimeout)
	}
	if err := t.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", broker, err)
	}
	return c, nil
}
