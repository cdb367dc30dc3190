package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/accessbridge/internal/capability"
)

func TestProbeClassifiesStatus(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	if status, err := probe(ok.URL, time.Second); status != capability.StatusConnected || err != nil {
		t.Fatalf("expected connected, got %s (%v)", status, err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	if status, _ := probe(broken.URL, time.Second); status != capability.StatusError {
		t.Fatalf("expected error status, got %s", status)
	}

	closed := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := closed.URL
	closed.Close()
	if status, _ := probe(url, time.Second); status != capability.StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", status)
	}
}
