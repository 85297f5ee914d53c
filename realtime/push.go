package realtime

import (
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/sirupsen/logrus"
)

// PubSubPushEnvelope is the body Pub/Sub posts to a push endpoint.
type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePushEnvelope extracts the realtime event and its channel from a push body.
func DecodePushEnvelope(body []byte) (models.RealtimeEvent, string, error) {
	var envelope PubSubPushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return models.RealtimeEvent{}, "", err
	}
	ev, err := decodeEventData(envelope.Message.Data)
	if err != nil {
		return models.RealtimeEvent{}, "", err
	}
	return ev, envelope.Message.Attributes[channelAttribute], nil
}

// PubSubPushHandler feeds push deliveries into the engine. Messages for a
// channel other than the joined one are ignored. It always answers 204 so
// Pub/Sub does not redeliver poison messages.
func PubSubPushHandler(engine *Engine, logger *logrus.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = config.GetLogger()
	}
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}
		ev, channel, err := DecodePushEnvelope(body)
		if err != nil {
			config.LogWarn(logger, "realtime", "PubSubPushHandler", "decode", nil, err)
			c.Status(204)
			return
		}
		joined := engine.ChannelName()
		if joined == "" || (channel != "" && channel != joined) {
			c.Status(204)
			return
		}
		if err := engine.Handle(ev); err != nil {
			config.LogWarn(logger, "realtime", "PubSubPushHandler", channel, ev.Table, err)
		}
		c.Status(204)
	}
}
