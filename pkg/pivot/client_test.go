package pivot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newStubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"running":true,"broker":"paper","contract":"MNQ/FUT/202509","position":2,"avg_price":100,"daily_pnl":6,"last_signal":"BUY","cycle":3}`))
	})
	mux.HandleFunc("POST /api/start", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"running":true}`))
	})
	mux.HandleFunc("GET /api/orders", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"orders":[{"id":1,"contract":"MNQ/FUT/202509","action":"BUY","type":"MKT","quantity":2,"status":"Filled","filled":2,"avgFill":100,"createdAt":"2025-06-09T22:00:00Z"}]}`))
	})
	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"board unavailable"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientStatus(t *testing.T) {
	srv := newStubServer(t)
	c := NewClient(srv.URL)

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running || st.Broker != "paper" {
		t.Errorf("status = %+v, want running paper", st.Status)
	}
	if st.Position != 2 || st.DailyPnL != 6 {
		t.Errorf("position/pnl = %d/%v, want 2/6", st.Position, st.DailyPnL)
	}
}

func TestClientStartAndOrders(t *testing.T) {
	srv := newStubServer(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	orders, err := c.Orders(ctx)
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	if len(orders) != 1 || orders[0].Status != "Filled" {
		t.Errorf("orders = %+v, want one filled entry", orders)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := newStubServer(t)
	c := NewClient(srv.URL)

	_, err := c.Messages(context.Background())
	if err == nil {
		t.Fatal("Messages should surface the API error")
	}
	if got := err.Error(); got != "GET /api/messages: board unavailable" {
		t.Errorf("error = %q", got)
	}
}
