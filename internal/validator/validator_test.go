package validator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateURL(t *testing.T) {
	v := New()

	tests := []struct {
		name         string
		url          string
		requireHTTPS bool
		wantErr      error
	}{
		{"valid https", "https://calendar.example.com/feed.ics", true, nil},
		{"valid http", "http://calendar.example.com/feed.ics", false, nil},
		{"http when https required", "http://calendar.example.com", true, ErrHTTPSRequired},
		{"empty", "", false, ErrInvalidURL},
		{"missing host", "https:///feed.ics", false, ErrInvalidURL},
		{"webcal scheme", "webcal://calendar.example.com/feed.ics", false, ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateURL(tt.url, tt.requireHTTPS)
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1":   true,
		"10.1.2.3":    true,
		"192.168.0.1": true,
		"169.254.1.1": true,
		"0.0.0.0":     true,
		"::1":         true,
		"8.8.8.8":     false,
		"2001:4860::": false,
	}
	for addr, want := range tests {
		if got := isPrivateIP(net.ParseIP(addr)); got != want {
			t.Errorf("isPrivateIP(%s) = %v, want %v", addr, got, want)
		}
	}
}

func TestValidateFeed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.ics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		w.Write([]byte("\r\nBEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n"))
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html></html>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()

	t.Run("loopback blocked by default", func(t *testing.T) {
		err := New().ValidateFeed(ctx, server.URL+"/feed.ics", false)
		if !errors.Is(err, ErrConnectionFailed) {
			t.Errorf("expected ErrConnectionFailed, got %v", err)
		}
	})

	v := New(WithAllowPrivateIPs())
	if err := v.ValidateFeed(ctx, server.URL+"/feed.ics", false); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := v.ValidateFeed(ctx, server.URL+"/page.html", false); !errors.Is(err, ErrInvalidFeed) {
		t.Errorf("expected ErrInvalidFeed for HTML, got %v", err)
	}
	if err := v.ValidateFeed(ctx, server.URL+"/missing", false); !errors.Is(err, ErrInvalidFeed) {
		t.Errorf("expected ErrInvalidFeed for 404, got %v", err)
	}
}

func TestValidateCalDAVEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		dav     string
		wantErr bool
	}{
		{"caldav server", http.StatusOK, "1, 2, calendar-access", false},
		{"no content", http.StatusNoContent, "1, calendar-access", false},
		{"plain webdav", http.StatusOK, "1, 2", true},
		{"error status", http.StatusForbidden, "1, calendar-access", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodOptions {
					t.Errorf("expected OPTIONS, got %s", r.Method)
				}
				w.Header().Set("DAV", tt.dav)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := New(WithAllowPrivateIPs()).ValidateCalDAVEndpoint(context.Background(), server.URL, false)
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
