package credential

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestBearer_Missing(t *testing.T) {
	s := New(Static(""))
	if _, err := s.Bearer(); !errors.Is(err, ErrAuthMissing) {
		t.Errorf("Bearer() error = %v, want ErrAuthMissing", err)
	}
}

func TestBearer_OpaqueToken(t *testing.T) {
	s := New(Static("  opaque-token\n"))
	got, err := s.Bearer()
	if err != nil {
		t.Fatalf("Bearer: %v", err)
	}
	if got != "opaque-token" {
		t.Errorf("Bearer() = %q, want opaque-token", got)
	}
}

func TestBearer_StripsScheme(t *testing.T) {
	got, _ := New(Static("Bearer abc")).Bearer()
	if got != "abc" {
		t.Errorf("Bearer() = %q, want abc", got)
	}
}

func TestBearer_ExpiredJWT(t *testing.T) {
	tok := signed(t, jwt.MapClaims{"sub": "7", "exp": time.Now().Add(-time.Minute).Unix()})
	_, err := New(Static(tok)).Bearer()
	if !errors.Is(err, ErrAuthMissing) {
		t.Errorf("Bearer() error = %v, want ErrAuthMissing for expired token", err)
	}
}

func TestToken_ValidJWT(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signed(t, jwt.MapClaims{"sub": "7", "exp": exp.Unix()})
	s := New(Static(tok))
	ot, err := s.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if ot.AccessToken != tok || ot.TokenType != "Bearer" {
		t.Errorf("Token = %+v", ot)
	}
	if !ot.Expiry.Equal(exp) {
		t.Errorf("Expiry = %v, want %v", ot.Expiry, exp)
	}
}

func TestInvalidate_UntilTokenChanges(t *testing.T) {
	current := "first"
	s := New(func() (string, error) { return current, nil })
	s.Invalidate()
	if _, err := s.Bearer(); !errors.Is(err, ErrAuthMissing) {
		t.Errorf("Bearer() after Invalidate = %v, want ErrAuthMissing", err)
	}

	current = "second"
	got, err := s.Bearer()
	if err != nil || got != "second" {
		t.Errorf("Bearer() = %q, %v; want second, nil", got, err)
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   string
		ok     bool
	}{
		{"sub claim", jwt.MapClaims{"sub": "42"}, "42", true},
		{"numeric userId", jwt.MapClaims{"userId": 9}, "9", true},
		{"string userId", jwt.MapClaims{"userId": "u-3"}, "u-3", true},
		{"no identity", jwt.MapClaims{"role": "buyer"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := New(Static(signed(t, tt.claims))).Subject()
			if got != tt.want || ok != tt.ok {
				t.Errorf("Subject() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSubject_OpaqueToken(t *testing.T) {
	if _, ok := New(Static("opaque")).Subject(); ok {
		t.Error("Subject() ok = true for opaque token")
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")

	got, err := FromFile(path)()
	if err != nil || got != "" {
		t.Errorf("missing file = %q, %v; want empty, nil", got, err)
	}

	os.WriteFile(path, []byte("tok-123\nextra\n"), 0600)
	got, err = FromFile(path)()
	if err != nil || got != "tok-123" {
		t.Errorf("FromFile = %q, %v; want tok-123", got, err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("MARKETCHAT_TEST_TOKEN", "env-tok")
	got, _ := New(FromEnv("MARKETCHAT_TEST_TOKEN")).Bearer()
	if got != "env-tok" {
		t.Errorf("Bearer() = %q, want env-tok", got)
	}
}
