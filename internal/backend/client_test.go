package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSendMessageReturnsServerID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/send-msg" {
			t.Errorf("path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["receiverId"] != "bob" || body["text"] != "hello" {
			t.Errorf("body %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"_id": "65f0c2", "text": "hello"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "jwt", time.Second)
	id, err := c.SendMessage(context.Background(), "bob", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if id != "65f0c2" {
		t.Fatalf("id %q", id)
	}
}

func TestSendMessageTopLevelID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"_id": "top-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "jwt", time.Second)
	id, err := c.SendMessage(context.Background(), "bob", "x")
	if err != nil {
		t.Fatal(err)
	}
	if id != "top-1" {
		t.Fatalf("id %q", id)
	}
}

func TestSendMessageWithoutIDFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "jwt", time.Second)
	if _, err := c.SendMessage(context.Background(), "bob", "x"); err == nil {
		t.Fatal("expected error when the response carries no id")
	}
}

func TestHistoryParsesConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/show-msg/bob" {
			t.Errorf("path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Message": []map[string]any{
				{"_id": "m1", "senderId": "bob", "receiverId": "me", "text": "hi", "createdAt": "2026-08-01T10:00:00Z"},
				{"_id": "m2", "senderId": "me", "receiverId": "bob", "text": "hey", "createdAt": "2026-08-01T10:01:00Z"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "jwt", time.Second)
	msgs, err := c.History(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("%d messages", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].SenderID != "bob" || msgs[0].Text != "hi" {
		t.Fatalf("first message %+v", msgs[0])
	}
	if msgs[1].CreatedAt.Before(msgs[0].CreatedAt) {
		t.Fatal("createdAt not parsed in order")
	}
}

func TestErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "jwt", time.Second)
	_, err := c.History(context.Background(), "bob")
	var berr *Error
	if !errors.As(err, &berr) {
		t.Fatalf("error type %T", err)
	}
	if berr.Status != http.StatusForbidden {
		t.Fatalf("status %d", berr.Status)
	}
}
