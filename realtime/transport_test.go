package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/models"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestWebSocketChannel_JoinsAndDeliversEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connects atomic.Int32
	var authHeader atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		n := connects.Add(1)

		var join joinMessage
		if err := conn.ReadJSON(&join); err != nil {
			t.Errorf("read join: %v", err)
			return
		}
		if join.Type != "subscribe" || join.Channel != "company:co-1" {
			t.Errorf("unexpected join %+v", join)
		}

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"ack":true}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		ev := txEvent("INSERT", "srv-"+string(rune('0'+n)), "2024-02-01")
		if err := conn.WriteJSON(ev); err != nil {
			t.Errorf("write: %v", err)
			return
		}
		if n == 1 {
			// drop the first connection to force a reconnect
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := NewWebSocketChannel("ws"+strings.TrimPrefix(srv.URL, "http"), func() string { return "tok" }, quietLogger())
	ch.BaseDelay = 10 * time.Millisecond

	s := newTestStore()
	e := NewEngine(s, ch, Options{Logger: quietLogger()})
	if err := e.Start(context.Background(), &models.Identity{UserID: "u1", CompanyID: "co-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, func() bool { return s.Len(models.KindTransactions) == 2 })
	if got, _ := authHeader.Load().(string); got != "Bearer tok" {
		t.Fatalf("unexpected authorization header %q", got)
	}

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("stop did not return")
	}
}

func TestWebSocketChannel_RequiresURL(t *testing.T) {
	ch := NewWebSocketChannel("", nil, quietLogger())
	if _, err := ch.Subscribe(context.Background(), "company:co-1", func(models.RealtimeEvent) {}); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func pushBody(t *testing.T, channel string, ev any) []byte {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var env PubSubPushEnvelope
	env.Message.Data = data
	env.Message.ID = "m-1"
	env.Message.Attributes = map[string]string{channelAttribute: channel}
	env.Subscription = "projects/p/subscriptions/s"
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func TestDecodePushEnvelope(t *testing.T) {
	ev, channel, err := DecodePushEnvelope(pushBody(t, "company:co-1", txEvent("INSERT", "a", "2024-01-01")))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if channel != "company:co-1" || ev.Table != "transactions" {
		t.Fatalf("unexpected decode: %q %+v", channel, ev)
	}
	if _, _, err := DecodePushEnvelope(pushBody(t, "c", map[string]string{"foo": "bar"})); err == nil {
		t.Fatalf("expected error for event without type or table")
	}
	if _, _, err := DecodePushEnvelope([]byte(`{`)); err == nil {
		t.Fatalf("expected error for malformed body")
	}
}

func TestPubSubPushHandler_AppliesOnlyJoinedChannel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestStore()
	e := NewEngine(s, &fakeChannel{}, Options{Logger: quietLogger()})
	if err := e.Start(context.Background(), &models.Identity{UserID: "u1", CompanyID: "co-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	r := gin.New()
	r.POST("/push", PubSubPushHandler(e, quietLogger()))

	post := func(body []byte) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body))
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post(pushBody(t, "company:co-2", txEvent("INSERT", "foreign", "2024-01-01"))); code != http.StatusNoContent {
		t.Fatalf("want 204, got %d", code)
	}
	if code := post([]byte(`garbage`)); code != http.StatusNoContent {
		t.Fatalf("want 204 for garbage, got %d", code)
	}
	if code := post(pushBody(t, "company:co-1", txEvent("INSERT", "mine", "2024-01-01"))); code != http.StatusNoContent {
		t.Fatalf("want 204, got %d", code)
	}

	if _, ok := s.Get(models.KindTransactions, "foreign"); ok {
		t.Fatalf("event for another company was applied")
	}
	if _, ok := s.Get(models.KindTransactions, "mine"); !ok {
		t.Fatalf("event for joined channel was not applied")
	}
}

func TestPubSubChannel_TopicNames(t *testing.T) {
	p := NewPubSubChannel(nil, "", "agent 7", quietLogger())
	if got := p.TopicName("company:co-1"); got != "cashflow-company-co-1" {
		t.Fatalf("unexpected topic %q", got)
	}
	if got := p.subscriptionName("company:co-1"); got != "cashflow-company-co-1-agent-7" {
		t.Fatalf("unexpected subscription %q", got)
	}
	if _, err := p.Subscribe(context.Background(), "company:co-1", func(models.RealtimeEvent) {}); err == nil {
		t.Fatalf("expected error with nil client")
	}
}

func TestPubSubChannel_RoundTrip(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("set INTEGRATION_TESTS=1 with PUBSUB_EMULATOR_HOST to run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := config.GetClient(ctx)
	if err != nil {
		t.Fatalf("pubsub client: %v", err)
	}
	p := NewPubSubChannel(client, "cashflow-test", "it", quietLogger())

	s := newTestStore()
	e := NewEngine(s, p, Options{Logger: quietLogger()})
	if err := e.Start(ctx, &models.Identity{UserID: "u1", CompanyID: "co-it"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if err := p.Publish(ctx, "company:co-it", txEvent("INSERT", "ps-1", "2024-01-01")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.Get(models.KindTransactions, "ps-1"); return ok })
}
