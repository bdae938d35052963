package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"papertrader/internal/engine"
	"papertrader/internal/events"
	"papertrader/internal/exits"
	"papertrader/internal/gatekeeper"
	"papertrader/internal/metrics"
	"papertrader/internal/position"
	"papertrader/internal/risk"
	"papertrader/internal/statestore"
)

type fakeEngine struct {
	last time.Time
	err  error
}

func (f fakeEngine) Variant() string { return exits.VariantA }

func (f fakeEngine) LastIteration() (time.Time, engine.IterationReport, error) {
	return f.last, engine.IterationReport{Opened: 1}, f.err
}

func seedStore(t *testing.T) *statestore.Store {
	t.Helper()
	store := statestore.New(t.TempDir(), zerolog.Nop())
	strategy, _ := exits.ByName(exits.VariantA)

	open := map[string]*position.Position{
		"BTCUSDT": {
			Symbol:         "BTCUSDT",
			Direction:      risk.Long,
			EntryPrice:     100,
			StopPrice:      98,
			BreakEvenPrice: 100,
			QuantityTotal:  50,
			QuantityOpen:   50,
			Ladder:         strategy.Ladder(100, risk.Long),
			Filled:         map[string]float64{},
			Status:         position.StatusOpen,
		},
		"ETHUSDT": {
			Symbol:         "ETHUSDT",
			Direction:      risk.Short,
			EntryPrice:     100,
			StopPrice:      99,
			BreakEvenPrice: 100,
			QuantityTotal:  10,
			QuantityOpen:   2,
			Ladder:         strategy.Ladder(100, risk.Short),
			Filled:         map[string]float64{"TP1": 4, "TP2": 4},
			StopRelocated:  true,
			Rest:           true,
			Status:         position.StatusPartiallyExited,
		},
	}
	if err := store.SavePositions(open); err != nil {
		t.Fatalf("Failed to seed positions: %v", err)
	}
	if err := store.SaveCursor(statestore.Cursor{LastIndex: 4}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveEquity(statestore.Equity{Balance: 10120}); err != nil {
		t.Fatal(err)
	}
	return store
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Store == nil {
		deps.Store = seedStore(t)
	}
	if deps.Gate == nil {
		deps.Gate = gatekeeper.New(gatekeeper.Config{MaxActiveManaged: 1, EnforceOnePerSymbol: true, EnforceNoHedge: true})
	}
	deps.Variant = exits.VariantA
	return NewServer(ServerConfig{ProductionMode: true, StaleAfter: time.Minute}, deps, zerolog.Nop())
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var body map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}
	}
	return w, body
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		engine EngineStatus
		want   int
		status string
	}{
		{"read-only", nil, http.StatusOK, "healthy"},
		{"fresh", fakeEngine{last: time.Now()}, http.StatusOK, "healthy"},
		{"stale", fakeEngine{last: time.Now().Add(-time.Hour)}, http.StatusServiceUnavailable, "unhealthy"},
		{"never ran", fakeEngine{}, http.StatusServiceUnavailable, "unhealthy"},
		{"failed", fakeEngine{last: time.Now(), err: errors.New("boom")}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Deps{Engine: tt.engine})
			w, body := get(t, s, "/healthz")
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
			if body["status"] != tt.status {
				t.Errorf("Expected status '%s', got '%v'", tt.status, body["status"])
			}
		})
	}
}

func TestStateEndpoint(t *testing.T) {
	s := newTestServer(t, Deps{})
	w, body := get(t, s, "/api/state")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if body["cursor"] != float64(4) {
		t.Errorf("Expected cursor 4, got %v", body["cursor"])
	}
	if body["balance"] != float64(10120) {
		t.Errorf("Expected balance 10120, got %v", body["balance"])
	}
	if body["open"] != float64(2) || body["active_managed"] != float64(1) {
		t.Errorf("Expected 2 open and 1 active, got %v and %v", body["open"], body["active_managed"])
	}
}

func TestPositionsEndpointSorted(t *testing.T) {
	s := newTestServer(t, Deps{})
	w, body := get(t, s, "/api/positions")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	list, ok := body["positions"].([]interface{})
	if !ok || len(list) != 2 {
		t.Fatalf("Expected 2 positions, got %v", body["positions"])
	}
	first := list[0].(map[string]interface{})
	if first["symbol"] != "BTCUSDT" {
		t.Errorf("Expected BTCUSDT first, got %v", first["symbol"])
	}
}

func TestGatekeeperEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		code   int
		allow  bool
		reason string
	}{
		{"same symbol", "symbol=btcusdt&side=LONG", http.StatusOK, false, gatekeeper.ReasonOnePerSymbol},
		{"ceiling reached", "symbol=SOLUSDT&side=BUY", http.StatusOK, false, "BLOCK: max active managed positions reached (1/1)"},
		{"missing symbol", "side=LONG", http.StatusBadRequest, false, ""},
		{"bad side", "symbol=SOLUSDT&side=UP", http.StatusBadRequest, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Deps{})
			w, body := get(t, s, "/api/gatekeeper?"+tt.query)
			if w.Code != tt.code {
				t.Fatalf("Expected status %d, got %d", tt.code, w.Code)
			}
			if tt.code != http.StatusOK {
				return
			}
			decision := body["decision"].(map[string]interface{})
			if decision["allow"] != tt.allow {
				t.Errorf("Expected allow %v, got %v", tt.allow, decision["allow"])
			}
			if decision["reason"] != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, decision["reason"])
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	deps := Deps{Store: seedStore(t), Gate: gatekeeper.New(gatekeeper.DefaultConfig())}
	s := NewServer(ServerConfig{ProductionMode: true, RateLimit: 2}, deps, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if w, _ := get(t, s, "/api/positions"); w.Code != http.StatusOK {
			t.Fatalf("Expected status 200 on request %d, got %d", i, w.Code)
		}
	}
	if w, _ := get(t, s, "/api/positions"); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Balance.WithLabelValues("API_TEST").Set(123)
	s := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `papertrader_balance_usdt{variant="API_TEST"} 123`) {
		t.Error("Expected balance gauge in metrics output")
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	bus := events.NewEventBus()
	s := newTestServer(t, Deps{Bus: bus})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	read := func() events.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read: %v", err)
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Failed to decode: %v", err)
		}
		return ev
	}

	if ev := read(); ev.Type != events.EventConnected {
		t.Fatalf("Expected CONNECTED first, got %s", ev.Type)
	}

	bus.PublishFill(exits.VariantA, "BTCUSDT", "TP1", 20, 101, 20, 0)
	ev := read()
	if ev.Type != events.EventFill || ev.Data["symbol"] != "BTCUSDT" {
		t.Errorf("Expected FILL for BTCUSDT, got %s %v", ev.Type, ev.Data)
	}
}
