package mgo

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	mgo "PPChat/data/database/mgo/mongoutil"
	"PPChat/tools/errs"
)

const (
	baseBackoff = 200 * time.Millisecond
	maxBackoff  = 5 * time.Second
	healthEvery = 10 * time.Second // 健康检查周期
	failThresh  = 3                // 连续失败阈值
)

// Manager owns one MongoDB client: it connects with backoff, pings
// periodically and reconnects after failThresh consecutive ping failures.
type Manager struct {
	cfg *mgo.Config
	log *zap.Logger

	mu        sync.RWMutex
	client    *mgo.Client
	readyCh   chan struct{} // 首次就绪通知；只会被 close 一次
	readyOnce sync.Once

	lastErr atomic.Value // error
}

func NewManager(cfg *mgo.Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg, log: log, readyCh: make(chan struct{})}
}

// Start runs the connect/health loop until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		for {
			if !m.connect(ctx) {
				return
			}
			m.watch(ctx)
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// connect retries with jittered exponential backoff; false means ctx ended.
func (m *Manager) connect(ctx context.Context) bool {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return false
		}
		cli, err := mgo.NewMongoDB(ctx, m.cfg)
		if err == nil {
			m.mu.Lock()
			m.client = cli
			m.mu.Unlock()
			m.readyOnce.Do(func() { close(m.readyCh) })
			m.log.Info("mongo connected", zap.String("database", m.cfg.Database))
			return true
		}
		m.lastErr.Store(err)
		m.log.Warn("mongo connect failed, retrying", zap.Error(err), zap.Int("attempt", attempt))

		backoff := baseBackoff << attempt
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jitter := time.Duration(rand.Int63n(int64(backoff / 5))) // 0~20%
		timer := time.NewTimer(backoff - jitter/2)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if attempt < 6 {
			attempt++
		}
	}
}

// watch pings until the connection is judged dead or ctx ends.
func (m *Manager) watch(ctx context.Context) {
	ticker := time.NewTicker(healthEvery)
	defer ticker.Stop()
	fail := 0
	for {
		select {
		case <-ctx.Done():
			m.drop()
			return
		case <-ticker.C:
			m.mu.RLock()
			c := m.client
			m.mu.RUnlock()
			if c == nil {
				return
			}
			if err := c.GetDB().Client().Ping(ctx, nil); err != nil {
				fail++
				m.lastErr.Store(err)
				if fail >= failThresh {
					m.log.Warn("mongo unhealthy, reconnecting", zap.Error(err))
					m.drop()
					return
				}
				continue
			}
			fail = 0
		}
	}
}

func (m *Manager) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		_ = m.client.Disconnect(context.Background())
		m.client = nil
	}
}

// Ready is closed on the first successful connection.
func (m *Manager) Ready() <-chan struct{} {
	return m.readyCh
}

// Err: 最近一次错误
func (m *Manager) Err() error {
	if v := m.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// DB returns the live database or an UpstreamUnavailable error.
func (m *Manager) DB() (*mongo.Database, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, errs.ErrUpstream.Wrap(m.Err(), "mongo not connected")
	}
	return m.client.GetDB(), nil
}

// WaitReady blocks until the first successful connection or ctx is done.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return errs.ErrUpstream.Wrap(ctx.Err(), "mongo not ready", "last_error", m.Err())
	}
}
