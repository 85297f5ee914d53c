package realtime

import (
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/sirupsen/logrus"
)

// Notifier surfaces a notification to the user.
type Notifier interface {
	Notify(n *models.Notification)
}

// LogNotifier writes notifications to the log; the headless agent has no
// other surface.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (l LogNotifier) Notify(n *models.Notification) {
	if l.Logger == nil || n == nil {
		return
	}
	l.Logger.WithFields(logrus.Fields{
		"module":          "realtime",
		"notification_id": n.ID,
		"type":            n.Type,
		"from":            n.UserID,
	}).Info(n.Title)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n *models.Notification)

func (f NotifierFunc) Notify(n *models.Notification) { f(n) }
