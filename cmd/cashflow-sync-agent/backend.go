package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/cashflow_sync/cache"
	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/offline"
	"github.com/mmdatafocus/cashflow_sync/realtime"
	"github.com/mmdatafocus/cashflow_sync/remote"
	"github.com/sirupsen/logrus"
)

const (
	backendConnectTimeout = 30 * time.Second
	drainLockTTL          = 2 * time.Minute
)

type backend struct {
	storage cache.Storage
	locker  offline.Locker
	close   func()
}

func openBackend(ctx context.Context, s config.Settings, logger *logrus.Logger) (*backend, error) {
	switch s.CacheBackend {
	case "memory":
		mem := cache.NewMemoryStorage()
		mem.MaxValueBytes = s.CacheMaxValueBytes
		return &backend{storage: mem, close: func() {}}, nil
	case "redis":
		cctx, cancel := context.WithTimeout(ctx, backendConnectTimeout)
		defer cancel()
		if err := config.ConnectRedisWithRetry(cctx); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return &backend{
			storage: cache.NewRedisStorage(config.GetRedisDB(), s.CacheMaxValueBytes),
			// the local lock keeps goroutines in this process out of redis
			locker: offline.ChainLockers(
				offline.NewLocalLocker(),
				offline.NewRedisLocker(config.GetRedisLock(), s.CachePrefix, drainLockTTL),
			),
			close: config.CloseRedis,
		}, nil
	case config.DialectSQLite, config.DialectMySQL, "":
		dialect := s.CacheBackend
		target := s.CachePath
		if dialect == config.DialectMySQL {
			target = s.CacheDSN
		}
		db, err := config.OpenCacheDatabase(dialect, target)
		if err != nil {
			return nil, fmt.Errorf("open cache database: %w", err)
		}
		storage, err := cache.NewSQLStorage(db, s.CacheMaxValueBytes)
		if err != nil {
			return nil, fmt.Errorf("migrate cache database: %w", err)
		}
		logger.WithFields(logrus.Fields{"field": "cache", "dialect": dialect}).Info("sql cache ready")
		return &backend{
			storage: storage,
			close: func() {
				if sqlDB, err := db.DB(); err == nil {
					_ = sqlDB.Close()
				}
			},
		}, nil
	}
	return nil, fmt.Errorf("unsupported cache backend %q", s.CacheBackend)
}

func openChannel(ctx context.Context, s config.Settings, api *remote.HTTPClient, logger *logrus.Logger) (realtime.Channel, error) {
	switch s.RealtimeTransport {
	case "none", "":
		return nil, nil
	case "pubsub":
		cctx, cancel := context.WithTimeout(ctx, backendConnectTimeout)
		defer cancel()
		client, err := config.GetClient(cctx)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		return realtime.NewPubSubChannel(client, "cashflow", subscriberID(), logger), nil
	case "websocket":
		ch := realtime.NewWebSocketChannel(websocketURL(s), api.Token, logger)
		ch.APIKey = s.APIKey
		return ch, nil
	}
	return nil, fmt.Errorf("unsupported realtime transport %q", s.RealtimeTransport)
}

// websocketURL derives the realtime endpoint from the API base URL when it
// is not configured explicitly.
func websocketURL(s config.Settings) string {
	if s.RealtimeURL != "" {
		return s.RealtimeURL
	}
	base := strings.TrimRight(s.APIBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/realtime/v1/websocket"
}

func subscriberID() string {
	if v := strings.TrimSpace(os.Getenv("CASHFLOW_AGENT_ID")); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "agent"
	}
	return host
}
