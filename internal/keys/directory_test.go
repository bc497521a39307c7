package keys

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPDirectoryFetchPublic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		switch r.URL.Path {
		case "/api/keys/bob":
			json.NewEncoder(w).Encode(map[string]string{"user_id": "bob", "public_key": "bob-key"})
		case "/api/keys/nobody":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	d := NewHTTPDirectory(srv.URL, "tok-1", nil)

	key, err := d.FetchPublic(context.Background(), "bob")
	if err != nil {
		t.Fatalf("FetchPublic: %v", err)
	}
	if key != "bob-key" {
		t.Errorf("key = %q, want bob-key", key)
	}

	if _, err := d.FetchPublic(context.Background(), "nobody"); !errors.Is(err, ErrPeerKeyNotFound) {
		t.Errorf("missing peer: err = %v, want ErrPeerKeyNotFound", err)
	}

	if _, err := d.FetchPublic(context.Background(), "boom"); err == nil || errors.Is(err, ErrPeerKeyNotFound) {
		t.Errorf("server error: err = %v, want a transport-level error", err)
	}
}

func TestHTTPDirectoryPublish(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/keys" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		gotKey = body["public_key"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDirectory(srv.URL+"/", "tok-1", nil)
	if err := d.Publish(context.Background(), "my-key"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotKey != "my-key" {
		t.Errorf("published key = %q, want my-key", gotKey)
	}
}
