package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNotifyDeliversToWebhook(t *testing.T) {
	got := make(chan Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- a
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	defer c.Close()

	c.Notify(context.Background(), "execution failed", map[string]string{"order": "o-1"})

	select {
	case a := <-got:
		if a.Title != "execution failed" || a.Fields["order"] != "o-1" {
			t.Fatalf("wrong alert: %+v", a)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("alert never delivered")
	}
}

func TestNotifyDeduplicatesWithinWindow(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Notify(context.Background(), "same alert", map[string]string{"order": "o-1"})
	}

	deadline := time.After(3 * time.Second)
	for atomic.LoadInt64(&hits) == 0 {
		select {
		case <-deadline:
			t.Fatalf("first alert never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt64(&hits); n != 1 {
		t.Fatalf("delivered %d times, want 1", n)
	}
}

func TestNotifyWithoutURLIsLogOnly(t *testing.T) {
	c := NewClient("")
	defer c.Close()
	// Must not block or panic.
	c.Notify(context.Background(), "no webhook configured", nil)
}

func TestAlertHashIsStableAcrossFieldOrder(t *testing.T) {
	a := Alert{Title: "t", Fields: map[string]string{"a": "1", "b": "2"}}
	b := Alert{Title: "t", Fields: map[string]string{"b": "2", "a": "1"}}
	if alertHash(a) != alertHash(b) {
		t.Fatalf("hash depends on map order")
	}
	c := Alert{Title: "t", Fields: map[string]string{"a": "1", "b": "3"}}
	if alertHash(a) == alertHash(c) {
		t.Fatalf("different fields collide")
	}
}
