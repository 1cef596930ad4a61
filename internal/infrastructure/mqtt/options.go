package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/stsupervisor/internal/infrastructure/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12
)

// Status payload values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusMessage is published retained on the status topic. PID is the
// supervisor's own process, not the daemon's.
type StatusMessage struct {
	Status    string    `json:"status"`
	ClientID  string    `json:"client_id"`
	PID       int       `json:"pid"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// buildClientOptions creates paho options from config.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// configureLWT makes the broker publish an offline status if the supervisor
// disappears without a clean disconnect.
func configureLWT(opts *pahomqtt.ClientOptions, topics Topics, clientID string) {
	opts.SetWill(topics.Status(), string(statusPayload(StatusOffline, clientID, "unexpected_disconnect")), 1, true)
}

func statusPayload(status, clientID, reason string) []byte {
	b, _ := json.Marshal(StatusMessage{ //nolint:errcheck // Marshalling a flat struct cannot fail
		Status:    status,
		ClientID:  clientID,
		PID:       os.Getpid(),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	return b
}
