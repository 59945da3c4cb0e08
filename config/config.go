package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Log        LogConfig        `yaml:"log"`
	Relay      RelayConfig      `yaml:"relay"`
	Agent      AgentConfig      `yaml:"agent"`
	Viewer     ViewerConfig     `yaml:"viewer"`
	BookingAPI BookingAPIConfig `yaml:"booking_api"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	ShipmentStatusTopicName  string `yaml:"shipment_status_topic_name"`
	LocationSampledTopicName string `yaml:"location_sampled_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type RelayConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// Backplane shares rooms between relay instances through Redis pub/sub.
	BackplaneEnabled bool `yaml:"backplane_enabled"`
	// MirrorEnabled writes accepted samples to the location sampled topic.
	MirrorEnabled bool `yaml:"mirror_enabled"`

	PeerSendBuffer    int     `yaml:"peer_send_buffer"`
	PeerRatePerSecond float64 `yaml:"peer_rate_per_second"`
	PeerRateBurst     int     `yaml:"peer_rate_burst"`
	MirrorQueueSize   int     `yaml:"mirror_queue_size"`
}

type AgentConfig struct {
	Name     string `yaml:"name"`
	HTTPAddr string `yaml:"http_addr"`
	RelayURL string `yaml:"relay_url"`

	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// StatusStore is "postgres" or "booking_api".
	StatusStore             string `yaml:"status_store"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	RetryDelaySeconds     int `yaml:"retry_delay_seconds"`
	ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`

	// Simulated location source settings.
	FixIntervalMillis int        `yaml:"fix_interval_millis"`
	Route             []Waypoint `yaml:"route"`
}

type Waypoint struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

type ViewerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	RelayURL string `yaml:"relay_url"`
	// ShipmentID is followed on startup when set.
	ShipmentID string `yaml:"shipment_id"`
	// Sink is "log" or "redis".
	Sink                  string `yaml:"sink"`
	SinkTTLSeconds        int    `yaml:"sink_ttl_seconds"`
	StatusStore           string `yaml:"status_store"`
	StatusPollSeconds     int    `yaml:"status_poll_seconds"`
	ReconnectDelaySeconds int    `yaml:"reconnect_delay_seconds"`
}

type BookingAPIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

func (c DatabaseConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Host, c.Port)}
}
