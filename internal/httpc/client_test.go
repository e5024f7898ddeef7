package httpc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPostJSONSendsBody(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp, err := PostJSON(context.Background(), nil, srv.URL, []byte(`"hello"`))
	if err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
	resp.Body.Close()

	if got != `"hello"` {
		t.Errorf("server received %q, want \"hello\"", got)
	}
}

func TestPostJSONHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := PostJSON(ctx, NewClient(5*time.Second), srv.URL, []byte(`{}`))
	if err == nil {
		t.Fatal("PostJSON() error = nil, want deadline error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("PostJSON() took %v, want prompt cancellation", elapsed)
	}
}
