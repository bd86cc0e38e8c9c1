package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"PPChat/tools/decode"
)

// Global 为进程级配置，main 中 Load 之后赋值。
var Global = Default()

// Default returns the in-code defaults. Everything runs in memory so a bare
// binary starts without external services.
func Default() AppConfig {
	return AppConfig{
		NodeId:   "gateway_01",
		Port:     8080,
		GrpcPort: 50051,
		LogLevel: "info",
		JWT: JWTConfig{
			Secret: "mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o=",
			Alg:    "HS256",
			TTL:    2 * time.Hour,
		},
		Identity: IdentityConfig{Directory: BackendMemory},
		Registry: RegistryConfig{Backend: BackendMemory},
		Store:    StoreConfig{Backend: BackendMemory},
		Broadcast: BroadcastConfig{
			Backend:       BackendMemory,
			NatsURL:       "nats://127.0.0.1:4222",
			SubjectPrefix: "ppchat.group",
			MailboxSize:   256,
		},
		Presence: PresenceConfig{PartnerSource: PartnersFromRooms},
		Redis:    RedisConfig{Addr: "127.0.0.1:6379", PoolSize: 20},
		Mongo: MongoConfig{
			Uri:         "mongodb://localhost:27017",
			Database:    "ppchat",
			MaxPoolSize: 20,
			MaxRetry:    3,
		},
		Kafka: KafkaConfig{
			Brokers:     []string{"127.0.0.1:9092"},
			Topics:      []string{"chat_message_0", "chat_message_1"},
			ClientID:    "ppchat-gateway",
			Partitions:  8,
			Replication: 1,
		},
		Gateway: GatewayConfig{
			PingInterval: 25 * time.Second,
			WriteWait:    10 * time.Second,
			MaxFrameSize: 64 << 10,
		},
		Discovery: DiscoveryConfig{
			Backend:     BackendNone,
			Servers:     []string{"127.0.0.1:8848"},
			Group:       "DEFAULT_GROUP",
			ServiceName: "ppchat-gateway",
		},
	}
}

// Load builds the config: defaults, then the YAML file at path (optional),
// then environment overrides.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config %s", path)
		}
		if err := overlayYAML(&cfg, raw); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func overlayYAML(cfg *AppConfig, raw []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	return decode.Into(doc, cfg, decode.Options{WeaklyTypedInput: true, TagName: "yaml"})
}

func applyEnv(cfg *AppConfig, lookup func(string) (string, bool)) {
	if v, ok := lookup("PPCHAT_JWT_SECRET"); ok && v != "" {
		cfg.JWT.Secret = v
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		cfg.Store.DatabaseURL = v
		cfg.Store.Backend = BackendPostgres
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		cfg.Redis.Addr = v
		cfg.Registry.Backend = BackendRedis
	}
	if v, ok := lookup("NATS_URL"); ok && v != "" {
		cfg.Broadcast.NatsURL = v
		cfg.Broadcast.Backend = BackendNats
	}
	if v, ok := lookup("MONGO_URI"); ok && v != "" {
		cfg.Mongo.Uri = v
		cfg.Identity.Directory = BackendMongo
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		cfg.Kafka.Brokers = splitList(v)
		cfg.Kafka.Enabled = true
	}
	if v, ok := lookup("NACOS_SERVERS"); ok && v != "" {
		cfg.Discovery.Servers = splitList(v)
		cfg.Discovery.Backend = BackendNacos
	}
	if v, ok := lookup("PPCHAT_ALLOWED_ORIGINS"); ok && v != "" {
		cfg.Gateway.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("GATEWAY_ID"); ok && v != "" {
		cfg.NodeId = v
	}
}

// Validate rejects unknown backend names and unusable values.
func (c AppConfig) Validate() error {
	check := func(field, v string, allowed ...string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return errors.Errorf("config %s: unknown value %q (allowed: %s)", field, v, strings.Join(allowed, ", "))
	}
	if err := check("identity.directory", c.Identity.Directory, BackendMemory, BackendMongo); err != nil {
		return err
	}
	if err := check("registry.backend", c.Registry.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := check("store.backend", c.Store.Backend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if err := check("broadcast.backend", c.Broadcast.Backend, BackendMemory, BackendNats); err != nil {
		return err
	}
	if err := check("presence.partner_source", c.Presence.PartnerSource, PartnersFromRooms, PartnersFromFriends); err != nil {
		return err
	}
	if err := check("discovery.backend", c.Discovery.Backend, BackendNone, BackendNacos); err != nil {
		return err
	}
	if c.Discovery.Backend == BackendNacos && (len(c.Discovery.Servers) == 0 || c.Discovery.ServiceName == "") {
		return errors.New("config discovery needs servers and service_name for nacos")
	}
	if c.Store.Backend == BackendPostgres && c.Store.DatabaseURL == "" {
		return errors.New("config store.database_url is required for the postgres backend")
	}
	if c.JWT.Secret == "" {
		return errors.New("config jwt.secret is empty")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || len(c.Kafka.Topics) == 0) {
		return errors.New("config kafka needs brokers and topics when enabled")
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
