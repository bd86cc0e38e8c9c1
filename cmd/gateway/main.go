package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"PPChat/global"
	"PPChat/global/config"
	"PPChat/logger"
	mid "PPChat/middleware"
	"PPChat/middleware/security"
	"PPChat/module/user"
	usersvc "PPChat/module/user/service"
	"PPChat/service/chat"
	"PPChat/service/presence"
)

const healthService = "ppchat.Gateway"

func main() {
	confPath := flag.String("config", os.Getenv("PPCHAT_CONFIG"), "path to the YAML config file")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*confPath)
	if err != nil {
		glog.Exitf("load config: %v", err)
	}
	config.Global = cfg

	log := logger.New(cfg.LogLevel).With(zap.String("node", cfg.NodeId))
	logger.Set(log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1) backends
	b, err := global.ConfigAll(ctx, cfg, log)
	if err != nil {
		log.Fatal("backends", zap.Error(err))
	}
	defer b.Close()

	jwtOpts := global.JwtOptions(cfg)
	notifier := presence.NewNotifier(b.Router, b.Partners, b.Directory, log)
	for _, tr := range b.Recovered {
		if err := notifier.Apply(ctx, tr); err != nil {
			log.Warn("recovered presence broadcast", zap.Int64("user", tr.User), zap.Error(err))
		}
	}

	// 2) gateway
	opts := chat.Options{
		NodeID:      cfg.NodeId,
		MailboxSize: cfg.Broadcast.MailboxSize,
		Resolver:    usersvc.NewTokenResolver(jwtOpts, b.Directory),
		Registry:    b.Registry,
		Router:      b.Router,
		Store:       b.Store,
		Notifier:    notifier,
		Log:         log,
	}
	if b.Mirror != nil {
		opts.Mirror = b.Mirror
	}
	gw := chat.NewGateway(opts)

	// 3) gRPC health
	gs := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(gs, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GrpcPort))
		if err != nil {
			log.Fatal("grpc listen", zap.Error(err))
		}
		log.Info("[gRPC] listening", zap.Int("port", cfg.GrpcPort))
		if err := gs.Serve(lis); err != nil {
			log.Error("grpc serve", zap.Error(err))
		}
	}()

	// 4) HTTP + WebSocket
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), mid.Manager().Use())
	mid.Manager().Add(mid.AccessLog(log.Named("http")), mid.Origin(cfg.Gateway.AllowedOrigins))

	ws := chat.NewWsServer(ctx, gw, chat.WsConfig{
		PingInterval: cfg.Gateway.PingInterval,
		WriteWait:    cfg.Gateway.WriteWait,
		MaxFrameSize: cfg.Gateway.MaxFrameSize,
	}, security.DefaultOptions(), log)
	ws.Register(r)
	if b.DevDirectory != nil {
		mid.GET(r, "/dev/token", user.HandlerDevToken(jwtOpts, b.DevDirectory), mid.RouteOpt{})
		log.Warn("in-memory directory: /dev/token issues credentials without a password")
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		log.Info("[HTTP] listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http serve", zap.Error(err))
			stop()
		}
	}()

	if b.Discovery != nil {
		err := b.Discovery.Register(map[string]string{
			"node":      cfg.NodeId,
			"protocol":  "websocket",
			"grpc_port": strconv.Itoa(cfg.GrpcPort),
		})
		if err != nil {
			logger.Errorf("discovery register: %v", err)
		}
	}
	logger.Infof("gateway %s up: http=:%d grpc=:%d registry=%s store=%s broadcast=%s",
		cfg.NodeId, cfg.Port, cfg.GrpcPort, cfg.Registry.Backend, cfg.Store.Backend, cfg.Broadcast.Backend)

	<-ctx.Done()
	log.Info("shutting down")
	healthServer.Shutdown()
	if b.Discovery != nil {
		b.Discovery.Deregister()
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// stop accepting upgrades first; hijacked sockets are left to the gateway
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := gw.Shutdown(sctx); err != nil {
		log.Warn("gateway shutdown", zap.Error(err))
	}
	gs.GracefulStop()
}
