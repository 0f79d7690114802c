package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestPublishDeliversSignedEvent(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
		sigOK    = true
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev Event
		_ = json.Unmarshal(body, &ev)
		mu.Lock()
		defer mu.Unlock()
		if r.Header.Get("X-Dirsync-Signature") != Sign("hush", body) {
			sigOK = false
		}
		received = append(received, ev)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher([]Webhook{{URL: srv.URL, Secret: "hush"}}, zap.NewNop())
	d.Publish(context.Background(), Event{Tenant: "acme", Type: UserAdded, Payload: UserPayload{Email: "u@acme.test"}})
	d.Publish(context.Background(), Event{Tenant: "beta", Type: UserChanged})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(received))
	}
	if !sigOK {
		t.Fatalf("signature mismatch")
	}
	for _, ev := range received {
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatalf("expected id and timestamp to be filled, got %+v", ev)
		}
	}
}

func TestPublishWithoutHooksIsNoop(t *testing.T) {
	d := NewDispatcher(nil, zap.NewNop())
	d.Publish(context.Background(), Event{Tenant: "acme", Type: UserAdded})
	d.Wait()
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	d := NewDispatcher([]Webhook{{URL: "http://127.0.0.1:1/unreachable"}}, zap.NewNop())
	d.Publish(context.Background(), Event{Tenant: "acme", Type: UserChanged})
	d.Wait()
}
