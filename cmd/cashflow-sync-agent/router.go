package main

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/cashflow_sync/client"
	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/fetcher"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/realtime"
	"github.com/mmdatafocus/cashflow_sync/utils"
	"github.com/sirupsen/logrus"
)

type refreshResponse struct {
	Page       models.Page            `json:"page"`
	Fetched    []models.Kind          `json:"fetched"`
	Failed     map[models.Kind]string `json:"failed,omitempty"`
	Stale      bool                   `json:"stale"`
	DurationMs int64                  `json:"durationMs"`
}

func toRefreshResponse(res fetcher.RefreshResult) refreshResponse {
	out := refreshResponse{
		Page:       res.Page,
		Fetched:    res.Fetched,
		Stale:      res.Stale,
		DurationMs: res.Duration.Milliseconds(),
	}
	if len(res.Failed) > 0 {
		out.Failed = make(map[models.Kind]string, len(res.Failed))
		for kind, err := range res.Failed {
			out.Failed[kind] = err.Error()
		}
	}
	return out
}

func newRouter(cl *client.Client, s config.Settings, logger *logrus.Logger) *gin.Engine {
	if s.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	if s.Production {
		corsConfig.AllowOrigins = s.CORSAllowedOrigins
		if len(corsConfig.AllowOrigins) == 0 {
			// deny all; an empty list alone fails cors validation
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, cl.Status())
	})
	r.POST("/refresh", func(c *gin.Context) {
		c.JSON(http.StatusOK, toRefreshResponse(cl.Refresh(c.Request.Context())))
	})
	r.PUT("/page/:page", func(c *gin.Context) {
		page, ok := models.ParsePage(c.Param("page"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown page"})
			return
		}
		c.JSON(http.StatusOK, toRefreshResponse(cl.SetActivePage(c.Request.Context(), page)))
	})
	r.POST("/sync", func(c *gin.Context) {
		synced := cl.Sync(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"synced": synced, "pending": cl.Status().Pending})
	})

	// Pub/Sub push endpoint for realtime events.
	r.POST("/pubsub/realtime", realtime.PubSubPushHandler(cl.Realtime(), logger))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        time.Since(start).String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
