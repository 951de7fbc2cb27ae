package valolytics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTeamsSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/teams" {
			t.Errorf("path = %q, want /teams", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("X-Api-Key = %q, want secret", got)
		}
		w.Write([]byte(`[{"tag":"TH","name":"Team Heretics"}]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret")
	teams, err := client.Teams(context.Background())
	if err != nil {
		t.Fatalf("Teams: %v", err)
	}
	if len(teams) != 1 || teams[0].Tag != "TH" {
		t.Fatalf("teams = %+v", teams)
	}
}

func TestNotFoundWrapsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	_, err := client.MatchByID(context.Background(), "m1", RegionEsports)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
