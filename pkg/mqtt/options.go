package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/furnace/pkg/util"
	"github.com/edgeflare/furnace/pkg/util/rand"
)

// Topics the furnace controller reports on.
var DefaultTopics = []string{
	"/dxiot/4q/get/danzhan/tuihuolu",
	"/dxiot/4q/pub/danzhan/tuihuolu",
}

// TLSOptions holds TLS configuration that can be loaded from YAML or env.
type TLSOptions struct {
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify"`
	ServerName         string `mapstructure:"serverName"`
	CAFile             string `mapstructure:"caFile"`
	CertFile           string `mapstructure:"certFile"`
	KeyFile            string `mapstructure:"keyFile"`
	CACert             string `mapstructure:"caCert"`
	ClientCert         string `mapstructure:"clientCert"`
	ClientKey          string `mapstructure:"clientKey"`
}

type Config struct {
	Servers        []string      `mapstructure:"servers"`
	ClientID       string        `mapstructure:"clientID"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Topics         []string      `mapstructure:"topics"`
	PublishTopic   string        `mapstructure:"publishTopic"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keepAlive"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	// ConnectRetries bounds the initial connection attempts.
	ConnectRetries uint64        `mapstructure:"connectRetries"`
	MaxReconnect   time.Duration `mapstructure:"maxReconnectInterval"`
	// QueueSize is the depth of the channel between broker and relay.
	QueueSize    int         `mapstructure:"queueSize"`
	CleanSession bool        `mapstructure:"cleanSession"`
	TLS          *TLSOptions `mapstructure:"tls"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if len(c.Servers) == 0 {
		c.Servers = []string{util.GetEnvOrDefault("FURNACE_MQTT_BROKER", "tcp://127.0.0.1:1883")}
	}
	if c.ClientID == "" {
		c.ClientID = "furnace-" + rand.NewName()
	}
	if len(c.Topics) == 0 {
		c.Topics = DefaultTopics
	}
	if c.PublishTopic == "" {
		c.PublishTopic = DefaultTopics[1]
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 5
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// toPahoOptions converts c, which must already have defaults applied.
func toPahoOptions(c Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions()
	for _, server := range c.Servers {
		u, err := url.Parse(server)
		if err != nil {
			return nil, fmt.Errorf("failed to parse server URL %s: %w", server, err)
		}
		opts.AddBroker(u.String())
	}
	opts.SetClientID(c.ClientID)
	if c.Username != "" {
		opts.SetUsername(c.Username)
	}
	if c.Password != "" {
		opts.SetPassword(c.Password)
	}
	if c.TLS != nil {
		tlsConfig, err := createTLSConfig(c.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}
	opts.SetKeepAlive(c.KeepAlive)
	opts.SetConnectTimeout(c.ConnectTimeout)
	opts.SetMaxReconnectInterval(c.MaxReconnect)
	opts.SetCleanSession(c.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetResumeSubs(true)
	opts.SetOrderMatters(true)
	return opts, nil
}

func createTLSConfig(tlsOpts *TLSOptions) (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify,
		ServerName:         tlsOpts.ServerName,
	}

	if tlsOpts.CAFile != "" || tlsOpts.CACert != "" {
		caCert := []byte(tlsOpts.CACert)
		if tlsOpts.CAFile != "" {
			var err error
			if caCert, err = os.ReadFile(tlsOpts.CAFile); err != nil {
				return nil, fmt.Errorf("failed to read CA file: %w", err)
			}
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case tlsOpts.CertFile != "" && tlsOpts.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(tlsOpts.CertFile, tlsOpts.KeyFile)
	case tlsOpts.ClientCert != "" && tlsOpts.ClientKey != "":
		cert, err = tls.X509KeyPair([]byte(tlsOpts.ClientCert), []byte(tlsOpts.ClientKey))
	default:
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	config.Certificates = []tls.Certificate{cert}
	return config, nil
}
