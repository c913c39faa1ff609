package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"

	"github.com/crowdodds/market-engine/internal/metrics"
	"github.com/crowdodds/market-engine/internal/model"
)

func TestProbabilityMap(t *testing.T) {
	outcomes := []model.Outcome{{ID: "a"}, {ID: "b"}}
	m := ProbabilityMap(outcomes, []decimal.Decimal{decimal.NewFromFloat(0.25), decimal.NewFromFloat(0.75)})
	if !m["a"].Equal(decimal.NewFromFloat(0.25)) || !m["b"].Equal(decimal.NewFromFloat(0.75)) {
		t.Errorf("unexpected map %v", m)
	}
	if ProbabilityMap(outcomes, nil) != nil {
		t.Error("expected nil for mismatched lengths")
	}
}

func TestMulti(t *testing.T) {
	var mu sync.Mutex
	var got []string
	rec := func(name string) Publisher {
		return Func(func(_ context.Context, ev Event) {
			mu.Lock()
			got = append(got, name+":"+string(ev.Type))
			mu.Unlock()
		})
	}
	Multi{rec("a"), Nop{}, rec("b")}.Publish(context.Background(), Event{Type: TradeExecuted})
	if strings.Join(got, ",") != "a:trade_executed,b:trade_executed" {
		t.Errorf("got %v", got)
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitClients polls the client gauge until the hub loop has registered n.
func waitClients(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var m dto.Metric
		if err := metrics.WebSocketClients.Write(&m); err != nil {
			t.Fatal(err)
		}
		if int(m.GetGauge().GetValue()) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients", n)
}

func TestHub_BroadcastFiltersByMarket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub(nil, nil)
	go h.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	all := dial(t, srv, "")
	only := dial(t, srv, "?market_id=m2")
	waitClients(t, 2)

	h.Publish(ctx, Event{Type: TradeExecuted, MarketID: "m1", TransactionID: "t1"})
	h.Publish(ctx, Event{Type: MarketResolved, MarketID: "m2", Status: model.StatusResolved})

	read := func(conn *websocket.Conn) Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return ev
	}

	if ev := read(all); ev.TransactionID != "t1" {
		t.Errorf("first event for unfiltered client = %+v", ev)
	}
	if ev := read(all); ev.Type != MarketResolved {
		t.Errorf("second event for unfiltered client = %+v", ev)
	}
	if ev := read(only); ev.MarketID != "m2" || ev.Status != model.StatusResolved {
		t.Errorf("filtered client got %+v", ev)
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub(nil, nil) // Run not started, so the buffer fills up
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(context.Background(), Event{Type: TradeExecuted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with a full buffer")
	}
}

func TestRedisPublisher_PublishNeverBlocks(t *testing.T) {
	p := NewRedisPublisher(nil, "", nil)
	for i := 0; i < 5000; i++ {
		p.Publish(context.Background(), Event{Type: TradeExecuted})
	}
	if len(p.queue) != cap(p.queue) {
		t.Errorf("queue = %d, want full %d", len(p.queue), cap(p.queue))
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/api/v1/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}
}
