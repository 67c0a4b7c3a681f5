package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseWatches(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"single", "0b6b0b8e-5a57-4a43-9a4e-1f6f1b2b2d11=ops@a.example", 1, false},
		{"two with spaces", " 0b6b0b8e-5a57-4a43-9a4e-1f6f1b2b2d11 = ops@a.example , 6f1b2b2d-0b6b-4a43-9a4e-5a571f6f1b2b=b@b.example,", 2, false},
		{"missing separator", "0b6b0b8e-5a57-4a43-9a4e-1f6f1b2b2d11", 0, true},
		{"bad company", "acme=ops@a.example", 0, true},
		{"bad email", "0b6b0b8e-5a57-4a43-9a4e-1f6f1b2b2d11=ops", 0, true},
		{"duplicate", "0b6b0b8e-5a57-4a43-9a4e-1f6f1b2b2d11=a@x,0B6B0B8E-5A57-4A43-9A4E-1F6F1B2B2D11=b@x", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseWatches(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseWatches(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("parseWatches(%q) = %d watches, want %d", tt.input, len(got), tt.want)
			}
		})
	}
}

func TestParseWatchesNormalizes(t *testing.T) {
	got, err := parseWatches("0B6B0B8E-5A57-4A43-9A4E-1F6F1B2B2D11= ops@a.example ")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].CompanyID != "0b6b0b8e-5a57-4a43-9a4e-1f6f1b2b2d11" || got[0].AdminEmail != "ops@a.example" {
		t.Errorf("parseWatches() = %+v", got[0])
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("WS_TEST_INTERVAL", "")
	if d, err := envDuration("WS_TEST_INTERVAL", 3*time.Second); err != nil || d != 3*time.Second {
		t.Errorf("envDuration(unset) = %v, %v; want default", d, err)
	}

	t.Setenv("WS_TEST_INTERVAL", "750ms")
	if d, err := envDuration("WS_TEST_INTERVAL", time.Second); err != nil || d != 750*time.Millisecond {
		t.Errorf("envDuration(750ms) = %v, %v", d, err)
	}

	for _, bad := range []string{"soon", "-1s"} {
		t.Setenv("WS_TEST_INTERVAL", bad)
		if _, err := envDuration("WS_TEST_INTERVAL", time.Second); err == nil {
			t.Errorf("envDuration(%q) should fail", bad)
		}
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("WS_TEST_LIMIT", "")
	if n, err := envInt("WS_TEST_LIMIT", 10); err != nil || n != 10 {
		t.Errorf("envInt(unset) = %d, %v; want 10", n, err)
	}

	t.Setenv("WS_TEST_LIMIT", "4")
	if n, err := envInt("WS_TEST_LIMIT", 10); err != nil || n != 4 {
		t.Errorf("envInt(4) = %d, %v", n, err)
	}

	for _, bad := range []string{"four", "-2"} {
		t.Setenv("WS_TEST_LIMIT", bad)
		if _, err := envInt("WS_TEST_LIMIT", 10); err == nil {
			t.Errorf("envInt(%q) should fail", bad)
		}
	}
}

func TestNewAuthenticator(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := newAuthenticator("", false, logger); err == nil {
		t.Error("newAuthenticator() without secret outside local development should fail")
	}
	if _, err := newAuthenticator("", true, logger); err != nil {
		t.Errorf("newAuthenticator() in local development error = %v", err)
	}

	p, err := newAuthenticator("project-secret", false, logger)
	if err != nil {
		t.Fatalf("newAuthenticator() error = %v", err)
	}
	claims := jwt.MapClaims{"sub": "victim", "exp": time.Now().Add(time.Hour).Unix()}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("someone-else"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Parse(forged); err == nil {
		t.Error("Parse() accepted a token signed with a foreign key")
	}
}
