package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/surplife-ble/internal/config"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout bounds waits for broker acknowledgments.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	defaultKeepAlive = 60 * time.Second

	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// Bridge availability payloads, as Home Assistant expects them by default.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// StatusTopic is where the bridge publishes its own availability.
func StatusTopic(baseTopic string) string {
	return baseTopic + "/bridge/status"
}

// brokerURL returns tcp:// or ssl:// depending on the TLS setting.
func brokerURL(cfg config.MQTTConfig) string {
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
}

// buildClientOptions creates paho options from the bridge config: broker URL,
// client id, credentials, auto-reconnect, TLS and the Last Will.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg))
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(reconnectInitialDelay)
	opts.SetMaxReconnectInterval(reconnectMaxDelay)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	// The broker marks the bridge offline if the connection drops uncleanly.
	opts.SetWill(StatusTopic(cfg.BaseTopic), PayloadOffline, 1, true)

	return opts
}
