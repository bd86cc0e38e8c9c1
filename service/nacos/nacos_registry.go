package nacos

import (
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"

	"PPChat/tools/errs"
)

const cluster = "DEFAULT"

type Config struct {
	Servers     []string // host:port
	Namespace   string
	Group       string
	ServiceName string
	Username    string
	Password    string
	IP          string // 为空时取第一个非回环 IPv4
	Port        uint64
}

// namingClient is the part of naming_client.INamingClient used here.
type namingClient interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
	CloseClient()
}

// Registry announces one gateway instance under ServiceName. Metadata is
// replaced by re-registering.
type Registry struct {
	cfg    Config
	client namingClient
	log    *zap.Logger

	mu         sync.Mutex
	metadata   map[string]string
	registered bool
}

// NewRegistry dials the naming service.
func NewRegistry(cfg Config, log *zap.Logger) (*Registry, error) {
	servers, err := serverConfigs(cfg.Servers)
	if err != nil {
		return nil, err
	}
	cc := constant.NewClientConfig(
		constant.WithNamespaceId(cfg.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
		constant.WithCacheDir("nacos/cache"),
		constant.WithLogDir("nacos/log"),
		constant.WithUsername(cfg.Username),
		constant.WithPassword(cfg.Password),
	)
	client, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  cc,
		ServerConfigs: servers,
	})
	if err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "nacos naming client", "servers", strings.Join(cfg.Servers, ","))
	}
	return newRegistry(cfg, client, log)
}

func newRegistry(cfg Config, client namingClient, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Group == "" {
		cfg.Group = "DEFAULT_GROUP"
	}
	if cfg.IP == "" {
		ip, err := localIPv4()
		if err != nil {
			return nil, err
		}
		cfg.IP = ip
	}
	return &Registry{cfg: cfg, client: client, log: log.Named("nacos"), metadata: map[string]string{}}, nil
}

// Register announces the instance, merging meta into the current metadata.
func (r *Registry) Register(meta map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range meta {
		r.metadata[k] = v
	}
	if r.registered {
		r.deregisterLocked()
	}
	md := make(map[string]string, len(r.metadata))
	for k, v := range r.metadata {
		md[k] = v
	}
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.cfg.IP,
		Port:        r.cfg.Port,
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		ServiceName: r.cfg.ServiceName,
		GroupName:   r.cfg.Group,
		ClusterName: cluster,
		Ephemeral:   true,
		Metadata:    md,
	})
	if err != nil {
		return errs.ErrUpstream.Wrap(err, "nacos register", "service", r.cfg.ServiceName)
	}
	if !ok {
		return errs.ErrUpstream.WrapMsg("nacos register returned false", "service", r.cfg.ServiceName)
	}
	r.registered = true
	r.log.Info("instance registered", zap.String("service", r.cfg.ServiceName),
		zap.String("addr", net.JoinHostPort(r.cfg.IP, strconv.FormatUint(r.cfg.Port, 10))))
	return nil
}

// Deregister withdraws the instance. Safe to call more than once.
func (r *Registry) Deregister() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		r.deregisterLocked()
	}
}

func (r *Registry) deregisterLocked() {
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.cfg.IP,
		Port:        r.cfg.Port,
		ServiceName: r.cfg.ServiceName,
		GroupName:   r.cfg.Group,
		Cluster:     cluster,
		Ephemeral:   true,
	})
	if err != nil || !ok {
		r.log.Warn("deregister failed", zap.Bool("ok", ok), zap.Error(err))
	}
	r.registered = false
}

// Close deregisters and releases the client.
func (r *Registry) Close() error {
	r.Deregister()
	r.client.CloseClient()
	return nil
}

func serverConfigs(addrs []string) ([]constant.ServerConfig, error) {
	out := make([]constant.ServerConfig, 0, len(addrs))
	for _, a := range addrs {
		host, port, err := net.SplitHostPort(strings.TrimSpace(a))
		if err != nil {
			return nil, errs.ErrValidation.Wrap(err, "nacos server address", "addr", a)
		}
		p, err := strconv.ParseUint(port, 10, 64)
		if err != nil {
			return nil, errs.ErrValidation.Wrap(err, "nacos server port", "addr", a)
		}
		out = append(out, *constant.NewServerConfig(host, p))
	}
	if len(out) == 0 {
		return nil, errs.ErrValidation.WrapMsg("nacos servers missing")
	}
	return out, nil
}

func localIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", errs.WrapMsg(err, "list interface addrs")
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() {
			if ip4 := ipn.IP.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
	}
	return "", errs.ErrValidation.WrapMsg("no non-loopback IPv4 address; set discovery.advertise_ip")
}
