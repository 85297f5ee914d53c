package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/utils"
	"github.com/sirupsen/logrus"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// joinMessage is sent after every (re)connect.
type joinMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// WebSocketChannel subscribes over a websocket and reconnects with backoff
// until unsubscribed.
type WebSocketChannel struct {
	URL          string
	Token        func() string
	APIKey       string
	Dialer       *websocket.Dialer
	Logger       *logrus.Logger
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	OnConnect    func()
	OnDisconnect func(error)
}

func NewWebSocketChannel(url string, token func() string, logger *logrus.Logger) *WebSocketChannel {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &WebSocketChannel{
		URL:       url,
		Token:     token,
		Dialer:    websocket.DefaultDialer,
		Logger:    logger,
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
	}
}

type wsSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSubscription) setConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *wsSubscription) Unsubscribe() error {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	var err error
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = conn.Close()
	}
	<-s.done
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (w *WebSocketChannel) Subscribe(ctx context.Context, name string, onEvent func(models.RealtimeEvent)) (Subscription, error) {
	if w.URL == "" {
		return nil, errors.New("realtime url is not configured")
	}
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &wsSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		w.run(cctx, sub, name, onEvent)
	}()
	return sub, nil
}

func (w *WebSocketChannel) run(ctx context.Context, sub *wsSubscription, name string, onEvent func(models.RealtimeEvent)) {
	log := w.Logger.WithFields(logrus.Fields{"module": "realtime", "channel": name})
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := w.dial(ctx)
		if err == nil {
			err = conn.WriteJSON(joinMessage{Type: "subscribe", Channel: name})
			if err != nil {
				conn.Close()
			}
		}
		if err != nil {
			attempt++
			delay := utils.Backoff(w.BaseDelay, w.MaxDelay, attempt)
			log.WithField("attempt", attempt).Warnf("realtime connect failed: %v; retrying in %s", err, delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		sub.setConn(conn)
		log.Info("realtime connected")
		if w.OnConnect != nil {
			w.OnConnect()
		}
		err = w.readLoop(ctx, conn, onEvent, log)
		sub.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if w.OnDisconnect != nil {
			w.OnDisconnect(err)
		}
		log.Warnf("realtime connection lost: %v", err)
		if !sleepCtx(ctx, utils.Backoff(w.BaseDelay, w.MaxDelay, 1)) {
			return
		}
	}
}

func (w *WebSocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.Token != nil {
		if tok := w.Token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	if w.APIKey != "" {
		header.Set("apikey", w.APIKey)
	}
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, w.URL, header)
	return conn, err
}

func (w *WebSocketChannel) readLoop(ctx context.Context, conn *websocket.Conn, onEvent func(models.RealtimeEvent), log *logrus.Entry) error {
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Errorf("realtime read error: %v", err)
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var ev models.RealtimeEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Warnf("ignoring malformed realtime frame: %v", err)
			continue
		}
		if ev.Type == "" && ev.Table == "" {
			// acks and heartbeats
			continue
		}
		onEvent(ev)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
