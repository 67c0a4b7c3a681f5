package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret string, c jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestParse(t *testing.T) {
	now := time.Now()
	valid := jwt.MapClaims{"sub": "user-1", "email": "mate@example.com", "role": "authenticated", "exp": now.Add(time.Hour).Unix()}
	expired := jwt.MapClaims{"sub": "user-1", "exp": now.Add(-time.Minute).Unix()}
	noSub := jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}

	tests := []struct {
		name    string
		secret  string
		token   string
		wantErr bool
	}{
		{name: "verified", secret: "s3cret", token: sign(t, "s3cret", valid)},
		{name: "wrong secret", secret: "other", token: sign(t, "s3cret", valid), wantErr: true},
		{name: "expired verified", secret: "s3cret", token: sign(t, "s3cret", expired), wantErr: true},
		{name: "unverified", token: sign(t, "whatever", valid)},
		{name: "expired unverified", token: sign(t, "whatever", expired), wantErr: true},
		{name: "missing subject", secret: "s3cret", token: sign(t, "s3cret", noSub), wantErr: true},
		{name: "garbage", token: "not-a-jwt", wantErr: true},
		{name: "empty", token: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewParser(tt.secret).Parse(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse() = %+v, want error", s)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if s.UserID != "user-1" || s.Email != "mate@example.com" || s.Role != "authenticated" {
				t.Errorf("Parse() session = %+v", s)
			}
			if s.Expired(now) {
				t.Error("session should not be expired")
			}
			if !s.Expired(now.Add(2 * time.Hour)) {
				t.Error("session should be expired two hours later")
			}
		})
	}
}

func TestFromRequest(t *testing.T) {
	p := NewParser("s3cret")
	tok := sign(t, "s3cret", jwt.MapClaims{"sub": "user-9", "exp": time.Now().Add(time.Hour).Unix()})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := p.FromRequest(r); !errors.Is(err, ErrNoToken) {
		t.Errorf("FromRequest() without header error = %v, want ErrNoToken", err)
	}

	r.Header.Set("Authorization", "bearer "+tok)
	s, err := p.FromRequest(r)
	if err != nil {
		t.Fatalf("FromRequest() error = %v", err)
	}
	if s.UserID != "user-9" || s.AccessToken != tok {
		t.Errorf("FromRequest() session = %+v", s)
	}
}
