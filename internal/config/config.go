package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，如 CHATSYNC_TRANSPORT_URL
const EnvPrefix = "CHATSYNC"

// 传输类型
const (
	TransportWebSocket    = "websocket"
	TransportWebTransport = "webtransport"
	TransportNATS         = "nats"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Dedupe    DedupeConfig    `mapstructure:"dedupe" yaml:"dedupe"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Anchor    AnchorConfig    `mapstructure:"anchor" yaml:"anchor"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type TransportConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"`
	URL  string `mapstructure:"url" yaml:"url"`
	// Host STOMP CONNECT 的 host 头
	Host string `mapstructure:"host" yaml:"host"`
	// Headers 以列表配置，viper 会把 map 的键转成小写，而 STOMP 头区分大小写
	Headers []Header `mapstructure:"headers" yaml:"headers"`

	HeartbeatOutgoing  time.Duration `mapstructure:"heartbeat_outgoing" yaml:"heartbeat_outgoing"`
	HeartbeatIncoming  time.Duration `mapstructure:"heartbeat_incoming" yaml:"heartbeat_incoming"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// Header CONNECT 帧的附加头
type Header struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Value string `mapstructure:"value" yaml:"value"`
}

// HeaderMap 附加头按原始大小写转为映射，空名称忽略
func (t TransportConfig) HeaderMap() map[string]string {
	if len(t.Headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(t.Headers))
	for _, h := range t.Headers {
		if h.Name == "" {
			continue
		}
		out[h.Name] = h.Value
	}
	return out
}

type ReconnectConfig struct {
	Base        time.Duration `mapstructure:"base" yaml:"base"`
	Cap         time.Duration `mapstructure:"cap" yaml:"cap"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	Name          string `mapstructure:"name" yaml:"name"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

type DedupeConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type APIConfig struct {
	BaseURL  string        `mapstructure:"base_url" yaml:"base_url"`
	Token    string        `mapstructure:"token" yaml:"token"`
	PageSize int           `mapstructure:"page_size" yaml:"page_size"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type AnchorConfig struct {
	Retries      int           `mapstructure:"retries" yaml:"retries"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	Margin       float64       `mapstructure:"margin" yaml:"margin"`
	Tolerance    float64       `mapstructure:"tolerance" yaml:"tolerance"`
	BandMin      float64       `mapstructure:"band_min" yaml:"band_min"`
	BandMax      float64       `mapstructure:"band_max" yaml:"band_max"`
	SettleDelay  time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ImageTimeout time.Duration `mapstructure:"image_timeout" yaml:"image_timeout"`
	NearBottom   float64       `mapstructure:"near_bottom" yaml:"near_bottom"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// defaults 未配置项的默认值
var defaults = map[string]any{
	"log.level":  "info",
	"log.format": "json",

	"transport.kind":                 TransportWebSocket,
	"transport.url":                  "ws://localhost:7070/chat/websocket",
	"transport.host":                 "localhost",
	"transport.heartbeat_outgoing":   4 * time.Second,
	"transport.heartbeat_incoming":   4 * time.Second,
	"transport.connect_timeout":      10 * time.Second,
	"transport.insecure_skip_verify": false,

	"reconnect.base":         time.Second,
	"reconnect.cap":          30 * time.Second,
	"reconnect.max_attempts": 5,

	"nats.url":            "nats://localhost:4222",
	"nats.subject_prefix": "fitsync",
	"nats.name":           "chatsync",

	"redis.enabled":   false,
	"redis.addr":      "localhost:6379",
	"redis.password":  "",
	"redis.db":        0,
	"redis.pool_size": 10,

	"dedupe.ttl": 5 * time.Minute,

	"api.base_url":  "http://localhost:7070/api/chat",
	"api.token":     "",
	"api.page_size": 50,
	"api.timeout":   10 * time.Second,

	"anchor.retries":       10,
	"anchor.interval":      50 * time.Millisecond,
	"anchor.margin":        12.0,
	"anchor.tolerance":     4.0,
	"anchor.band_min":      4.0,
	"anchor.band_max":      80.0,
	"anchor.settle_delay":  150 * time.Millisecond,
	"anchor.image_timeout": 3 * time.Second,
	"anchor.near_bottom":   120.0,

	"health.addr": "",
}

// Load 从指定路径加载配置
// 路径为空时只使用默认值与环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportWebSocket, TransportWebTransport:
		if c.Transport.URL == "" {
			return fmt.Errorf("transport.url is required for %s", c.Transport.Kind)
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	if c.Reconnect.Base <= 0 {
		return fmt.Errorf("reconnect.base must be positive")
	}
	if c.Reconnect.Cap < c.Reconnect.Base {
		return fmt.Errorf("reconnect.cap must not be less than reconnect.base")
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1")
	}
	if c.API.PageSize <= 0 {
		return fmt.Errorf("api.page_size must be positive")
	}
	return nil
}

// Dump 以 YAML 输出生效配置，敏感字段打码
func (c *Config) Dump() ([]byte, error) {
	redacted := *c
	if redacted.Redis.Password != "" {
		redacted.Redis.Password = "******"
	}
	if redacted.API.Token != "" {
		redacted.API.Token = "******"
	}
	node, err := dumpNode(reflect.ValueOf(redacted))
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(node)
}

var durationType = reflect.TypeOf(time.Duration(0))

// dumpNode 按 yaml 标签逐字段生成节点，时长输出为 "4s" 这样的文本
func dumpNode(v reflect.Value) (*yaml.Node, error) {
	if v.Type() == durationType {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: time.Duration(v.Int()).String()}, nil
	}
	if v.Kind() != reflect.Struct {
		n := &yaml.Node{}
		if err := n.Encode(v.Interface()); err != nil {
			return nil, err
		}
		return n, nil
	}

	n := &yaml.Node{Kind: yaml.MappingNode}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			continue
		}
		child, err := dumpNode(v.Field(i))
		if err != nil {
			return nil, err
		}
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, child)
	}
	return n, nil
}
