package config

import "time"

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendNats     = "nats"
	BackendMongo    = "mongo"
	BackendNone     = "none"
	BackendNacos    = "nacos"

	PartnersFromRooms   = "rooms"
	PartnersFromFriends = "friends"
)

type AppConfig struct {
	NodeId   string `yaml:"node_id"`   // 节点的Id
	Port     int    `yaml:"port"`      // http 启动端口
	GrpcPort int    `yaml:"grpc_port"` // grpc health 端口
	LogLevel string `yaml:"log_level"`

	JWT       JWTConfig       `yaml:"jwt"`
	Identity  IdentityConfig  `yaml:"identity"`
	Registry  RegistryConfig  `yaml:"registry"`
	Store     StoreConfig     `yaml:"store"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Presence  PresenceConfig  `yaml:"presence"`
	Redis     RedisConfig     `yaml:"redis"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Alg    string        `yaml:"alg"`
	TTL    time.Duration `yaml:"ttl"`
}

// IdentityConfig selects where user records live: memory or mongo.
type IdentityConfig struct {
	Directory string `yaml:"directory"`
}

// RegistryConfig selects the connection registry backend: memory or redis.
type RegistryConfig struct {
	Backend string `yaml:"backend"`
}

// StoreConfig selects the message store backend: memory or postgres.
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
}

type BroadcastConfig struct {
	Backend       string `yaml:"backend"` // memory | nats
	NatsURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	MailboxSize   int    `yaml:"mailbox_size"`
}

type PresenceConfig struct {
	PartnerSource string `yaml:"partner_source"` // rooms | friends
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MongoConfig struct {
	Uri         string `yaml:"uri"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	MaxPoolSize int    `yaml:"max_pool_size"`
	MaxRetry    int    `yaml:"max_retry"`
}

type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topics   []string `yaml:"topics"`
	ClientID string   `yaml:"client_id"`

	EnsureTopics bool  `yaml:"ensure_topics"` // 启动时创建缺失的 topic
	Partitions   int32 `yaml:"partitions"`
	Replication  int16 `yaml:"replication"`
}

type GatewayConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteWait      time.Duration `yaml:"write_wait"`
	MaxFrameSize   int64         `yaml:"max_frame_size"`
	AllowedOrigins []string      `yaml:"allowed_origins"` // 为空时不校验 Origin
}

// DiscoveryConfig registers this gateway instance with a naming service so
// that load balancers can find it. backend: none | nacos.
type DiscoveryConfig struct {
	Backend     string   `yaml:"backend"`
	Servers     []string `yaml:"servers"` // host:port
	Namespace   string   `yaml:"namespace"`
	Group       string   `yaml:"group"`
	ServiceName string   `yaml:"service_name"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	AdvertiseIP string   `yaml:"advertise_ip"`
}
