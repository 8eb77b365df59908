package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetSignalingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agora/generate-rtm-token" {
			t.Errorf("path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer jwt-123" {
			t.Errorf("auth header %q", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["uid"] != "alice" {
			t.Errorf("uid %q", body["uid"])
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "success", "agoraToken": "rtm-abc"})
	}))
	defer srv.Close()

	b := NewBroker(srv.URL, "jwt-123", time.Second)
	tok, err := b.GetSignalingToken(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "rtm-abc" {
		t.Fatalf("token %q", tok)
	}
}

func TestGetMediaToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agora/generate-rtc-token" {
			t.Errorf("path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["channelName"] != "call-1" || body["uid"] != "alice" {
			t.Errorf("body %v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "success", "token": "rtc-xyz"})
	}))
	defer srv.Close()

	b := NewBroker(srv.URL, "jwt-123", time.Second)
	tok, err := b.GetMediaToken(context.Background(), "call-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "rtc-xyz" {
		t.Fatalf("token %q", tok)
	}
}

func TestTokenErrorCarriesHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired session", http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := NewBroker(srv.URL, "stale", time.Second)
	_, err := b.GetSignalingToken(context.Background(), "alice")
	if err == nil {
		t.Fatal("expected error")
	}
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("error type %T", err)
	}
	if terr.Status != http.StatusUnauthorized || terr.Op != "signaling-token" {
		t.Fatalf("got %+v", terr)
	}
}

func TestBackendRejectionWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "error"})
	}))
	defer srv.Close()

	b := NewBroker(srv.URL, "jwt", time.Second)
	if _, err := b.GetMediaToken(context.Background(), "c", "u"); err == nil {
		t.Fatal("expected error for status!=success")
	}
}

func TestContextCancellationAborts(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	b := NewBroker(srv.URL, "jwt", 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.GetSignalingToken(ctx, "alice"); err == nil {
		t.Fatal("expected context error")
	}
}
