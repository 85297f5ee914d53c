package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmdatafocus/cashflow_sync/cache"
	"github.com/mmdatafocus/cashflow_sync/client"
	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/remote"
	"github.com/mmdatafocus/cashflow_sync/session"
	"github.com/sirupsen/logrus"
)

func main() {
	settings := config.LoadSettings()
	flag.StringVar(&settings.APIBaseURL, "api", settings.APIBaseURL, "Remote API base URL")
	flag.StringVar(&settings.CacheBackend, "cache", settings.CacheBackend, "Cache backend: sqlite, mysql, redis or memory")
	flag.StringVar(&settings.CachePath, "cache-path", settings.CachePath, "SQLite cache file")
	flag.StringVar(&settings.RealtimeTransport, "realtime", settings.RealtimeTransport, "Realtime transport: websocket, pubsub or none")
	flag.StringVar(&settings.ActivePage, "page", settings.ActivePage, "Page whose collections are kept fresh")
	flag.StringVar(&settings.StatusPort, "port", settings.StatusPort, "Status server port")
	syncEvery := flag.Duration("sync-interval", time.Minute, "How often pending offline writes are retried")
	flag.Parse()

	config.SetLogLevel(settings.LogLevel)
	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	backend, err := openBackend(sigCtx, settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "cache", "backend": settings.CacheBackend}).Fatal(err)
	}
	defer backend.close()

	api := remote.NewHTTPClient(remote.HTTPClientOptions{
		BaseURL: settings.APIBaseURL,
		APIKey:  settings.APIKey,
		Logger:  logger,
	})
	channel, err := openChannel(sigCtx, settings, api, logger)
	if err != nil {
		// realtime is an enhancement; fetches and the queue still work
		config.LogError(logger, "main", "openChannel", settings.RealtimeTransport, nil, err)
	}

	page, ok := models.ParsePage(settings.ActivePage)
	if !ok {
		logger.WithField("page", settings.ActivePage).Warn("unknown page, using dashboard")
	}
	cl, err := client.New(client.Options{
		Cache:             cache.New(backend.storage, settings.CachePrefix, logger),
		DataSource:        api,
		Auth:              api,
		Channel:           channel,
		Locker:            backend.locker,
		Tokens:            api,
		ActivePage:        page,
		HeartbeatInterval: settings.HeartbeatInterval,
		RefreshTimeout:    settings.RefreshTimeout,
		LoginGuardTTL:     settings.LoginGuardTTL,
		QueueMaxAttempts:  settings.QueueMaxAttempts,
		QueueMaxAge:       settings.QueueMaxAge,
		OnDropped: func(m models.QueuedMutation, err error) {
			logger.WithFields(logrus.Fields{
				"field":       "OfflineQueue",
				"mutation_id": m.ID,
				"kind":        m.Kind,
			}).Warn("offline change discarded: " + err.Error())
		},
		Logger: logger,
	})
	if err != nil {
		logger.WithField("field", "client").Fatal(err)
	}
	defer cl.Close()

	state := cl.Boot(sigCtx)
	if state != session.StateAuthenticated && settings.Email != "" {
		if _, err := cl.Login(sigCtx, settings.Email, settings.Password); err != nil {
			config.LogError(logger, "main", "Login", settings.Email, nil, err)
		}
	}
	logger.WithFields(logrus.Fields{"state": cl.Status().State, "page": page}).Info("cashflow sync agent started")

	srv := &http.Server{
		Addr:    ":" + settings.StatusPort,
		Handler: newRouter(cl, settings, logger),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	go runSyncLoop(sigCtx, cl, *syncEvery)

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

// runSyncLoop retries pending writes on a jittered interval so a fleet of
// agents does not hit the API in lockstep.
func runSyncLoop(ctx context.Context, cl *client.Client, every time.Duration) {
	if every <= 0 {
		return
	}
	for {
		timer := time.NewTimer(jitter(every))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			cl.Sync(ctx)
		}
	}
}

func jitter(d time.Duration) time.Duration {
	spread := int64(d / 5)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(spread))
}
