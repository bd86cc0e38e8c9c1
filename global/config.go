package global

import (
	"context"
	"hash/crc32"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"PPChat/data/database/mgo/mongoutil"
	"PPChat/global/config"
	"PPChat/module/chat/message"
	usermodel "PPChat/module/user/model"
	usersvc "PPChat/module/user/service"
	"PPChat/service/broadcast"
	ka "PPChat/service/kafka"
	mgoSrv "PPChat/service/mgo"
	"PPChat/service/nacos"
	"PPChat/service/natsx"
	"PPChat/service/presence"
	"PPChat/service/storage"
	redisx "PPChat/service/storage/redis"
	"PPChat/tools/ids"
	"PPChat/tools/security"
)

// Backends is everything the gateway needs from the outside world, built
// from one AppConfig.
type Backends struct {
	Directory usersvc.Directory
	Registry  presence.Registry
	Router    broadcast.Router
	Store     message.Store
	Partners  presence.PartnerSource
	Mirror    *ka.Mirror      // nil unless kafka.enabled
	Discovery *nacos.Registry // nil unless discovery.backend=nacos

	// DevDirectory is set when users live in memory; main mounts the dev
	// token route for it.
	DevDirectory *usersvc.MemoryDirectory

	// Recovered holds presence flips found when this node's stale share was
	// cleared at startup. main broadcasts them once the notifier exists.
	Recovered []presence.Transition

	closers []func() error
}

// Close releases backends in reverse order of creation.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			glog.Warningf("[Boot] close backend: %v", err)
		}
	}
	b.closers = nil
}

func (b *Backends) onClose(f func() error) { b.closers = append(b.closers, f) }

// ConfigAll connects every backend named in cfg. On error whatever was
// already opened is closed again.
func ConfigAll(ctx context.Context, cfg config.AppConfig, log *zap.Logger) (*Backends, error) {
	b := &Backends{}
	ConfigIds(cfg)

	steps := []func() error{
		func() error { return ConfigMgo(ctx, cfg, log, b) },
		func() error { return ConfigRedis(ctx, cfg, b) },
		func() error { return ConfigStore(ctx, cfg, b) },
		func() error { return ConfigNats(cfg, log, b) },
		func() error { return ConfigKafka(cfg, b) },
		func() error { return ConfigDiscovery(cfg, log, b) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			b.Close()
			return nil, err
		}
	}
	if b.Partners == nil {
		b.Partners = b.Store
	}
	return b, nil
}

// ConfigIds derives the snowflake node from the gateway id.
func ConfigIds(cfg config.AppConfig) {
	node := int64(crc32.ChecksumIEEE([]byte(cfg.NodeId)) % 1024)
	ids.SetNodeID(node)
	glog.Infof("[Boot] node=%s snowflake node=%d", cfg.NodeId, node)
}

func JwtOptions(cfg config.AppConfig) security.Options {
	opts := security.DefaultOptions([]byte(cfg.JWT.Secret))
	if cfg.JWT.Alg != "" {
		opts.Alg = cfg.JWT.Alg
	}
	if cfg.JWT.TTL > 0 {
		opts.TTL = cfg.JWT.TTL
	}
	return opts
}

// ConfigMgo sets up the user directory and, with partner_source=friends,
// the friend graph. Mongo is only dialled when identity.directory=mongo.
func ConfigMgo(ctx context.Context, cfg config.AppConfig, log *zap.Logger, b *Backends) error {
	friends := cfg.Presence.PartnerSource == config.PartnersFromFriends

	if cfg.Identity.Directory != config.BackendMongo {
		dir := usersvc.NewMemoryDirectory(demoUsers()...)
		b.Directory, b.DevDirectory = dir, dir
		if friends {
			g := usersvc.NewMemoryFriendGraph()
			g.Befriend(1, 2)
			g.Befriend(1, 3)
			b.Partners = g
		}
		return nil
	}

	mctx, cancel := context.WithCancel(context.Background())
	b.onClose(func() error { cancel(); return nil })
	mgr := mgoSrv.NewManager(&mongoutil.Config{
		Uri:         cfg.Mongo.Uri,
		Database:    cfg.Mongo.Database,
		Username:    cfg.Mongo.Username,
		Password:    cfg.Mongo.Password,
		MaxPoolSize: cfg.Mongo.MaxPoolSize,
		MaxRetry:    cfg.Mongo.MaxRetry,
	}, log.Named("mongo"))
	mgr.Start(mctx)

	wctx, wcancel := context.WithTimeout(ctx, 15*time.Second)
	defer wcancel()
	if err := mgr.WaitReady(wctx); err != nil {
		return errors.Wrap(err, "wait mongo")
	}
	db, err := mgr.DB()
	if err != nil {
		return err
	}
	dir := usersvc.NewMongoDirectory(db)
	if err := dir.EnsureIndexes(wctx); err != nil {
		glog.Warningf("[Mongo] ensure user indexes: %v", err)
	}
	b.Directory = dir
	if friends {
		g := usersvc.NewMongoFriendGraph(db)
		if err := g.EnsureIndexes(wctx); err != nil {
			glog.Warningf("[Mongo] ensure friend indexes: %v", err)
		}
		b.Partners = g
	}
	glog.Infof("[Mongo] ready db=%s", cfg.Mongo.Database)
	return nil
}

// ConfigRedis picks the connection registry. With redis, the share this
// node left behind in a previous run is cleared before any connection is
// accepted.
func ConfigRedis(ctx context.Context, cfg config.AppConfig, b *Backends) error {
	if cfg.Registry.Backend != config.BackendRedis {
		b.Registry = presence.NewMemoryRegistry()
		return nil
	}
	rdb, err := redisx.NewClient(ctx, redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return err
	}
	b.onClose(rdb.Close)

	reg := storage.NewRedisRegistry(rdb, storage.OnlineConfig{NodeID: cfg.NodeId, UseClusterTag: true})
	flipped, err := reg.ResetNode(ctx)
	if err != nil {
		return err
	}
	if len(flipped) > 0 {
		glog.Infof("[Redis] cleared stale share of node=%s, %d users went offline", cfg.NodeId, len(flipped))
	}
	b.Registry, b.Recovered = reg, flipped
	return nil
}

func ConfigStore(ctx context.Context, cfg config.AppConfig, b *Backends) error {
	if cfg.Store.Backend != config.BackendPostgres {
		b.Store = message.NewMemoryStore()
		return nil
	}
	st, pool, err := message.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return err
	}
	b.onClose(func() error { pool.Close(); return nil })
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	b.Store = st
	glog.Infof("[Postgres] store ready")
	return nil
}

func ConfigNats(cfg config.AppConfig, log *zap.Logger, b *Backends) error {
	if cfg.Broadcast.Backend != config.BackendNats {
		b.Router = broadcast.NewHub(log)
		return nil
	}
	cli, err := natsx.NewNatsxClient(natsx.NatsxConfig{
		Servers: []string{cfg.Broadcast.NatsURL},
		Name:    cfg.NodeId,
	}, log.Named("nats"))
	if err != nil {
		return err
	}
	b.onClose(cli.Close)
	b.Router = broadcast.NewNatsRouter(cli.Conn(), cfg.Broadcast.SubjectPrefix, log)
	glog.Infof("[NATS] router on %s prefix=%s", cfg.Broadcast.NatsURL, cfg.Broadcast.SubjectPrefix)
	return nil
}

// ConfigKafka starts the message mirror when kafka.enabled is set.
func ConfigKafka(cfg config.AppConfig, b *Backends) error {
	if !cfg.Kafka.Enabled {
		return nil
	}
	kc := ka.Cfg
	kc.Brokers = cfg.Kafka.Brokers
	if cfg.Kafka.ClientID != "" {
		kc.ClientID = cfg.Kafka.ClientID
	}
	if len(cfg.Kafka.Topics) > 0 {
		kc.Topics = cfg.Kafka.Topics
	}
	if cfg.Kafka.Partitions > 0 {
		kc.PartitionsPerTopic = cfg.Kafka.Partitions
	}
	if cfg.Kafka.Replication > 0 {
		kc.ReplicationFactor = cfg.Kafka.Replication
	}
	kc.EnsureTopicsOnStart = cfg.Kafka.EnsureTopics
	glog.Infof("[Kafka] brokers=%v topics=%v", kc.Brokers, kc.Topics)

	m, err := ka.NewMirror(kc)
	if err != nil {
		return err
	}
	b.onClose(m.Close)
	b.Mirror = m
	return nil
}

// ConfigDiscovery creates the naming registration; main registers once the
// listeners are up.
func ConfigDiscovery(cfg config.AppConfig, log *zap.Logger, b *Backends) error {
	if cfg.Discovery.Backend != config.BackendNacos {
		return nil
	}
	reg, err := nacos.NewRegistry(nacos.Config{
		Servers:     cfg.Discovery.Servers,
		Namespace:   cfg.Discovery.Namespace,
		Group:       cfg.Discovery.Group,
		ServiceName: cfg.Discovery.ServiceName,
		Username:    cfg.Discovery.Username,
		Password:    cfg.Discovery.Password,
		IP:          cfg.Discovery.AdvertiseIP,
		Port:        uint64(cfg.Port),
	}, log)
	if err != nil {
		return err
	}
	b.onClose(reg.Close)
	b.Discovery = reg
	return nil
}

func demoUsers() []usermodel.User {
	now := time.Now()
	return []usermodel.User{
		{ID: 1, Username: "alice", CreateTime: now},
		{ID: 2, Username: "bob", CreateTime: now},
		{ID: 3, Username: "carol", CreateTime: now},
	}
}
