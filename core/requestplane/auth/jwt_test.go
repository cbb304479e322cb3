package auth

import (
	"strings"
	"testing"
	"time"
)

func TestOperatorTokenRoundtrip(t *testing.T) {
	m, err := NewJWTManager("test-secret", "")
	if err != nil {
		t.Fatal(err)
	}

	token, err := m.GenerateOperatorToken("alex")
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}

	claims, err := m.ValidateOperatorToken(token)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.Name != "alex" || claims.Subject != "alex" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.ExpiresAt.Before(time.Now()) {
		t.Error("token already expired")
	}
}

func TestWrongSecretRejected(t *testing.T) {
	m1, _ := NewJWTManager("secret-one", "")
	m2, _ := NewJWTManager("secret-two", "")

	token, err := m1.GenerateOperatorToken("alex")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m2.ValidateOperatorToken(token); err == nil {
		t.Error("expected validation failure across secrets")
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	m, _ := NewJWTManager("test-secret", "")
	token, _ := m.GenerateOperatorToken("alex")

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + ".AAAA" + parts[2][4:]
	if _, err := m.ValidateOperatorToken(tampered); err == nil {
		t.Error("expected tampered token rejected")
	}
}

func TestBootstrapExchange(t *testing.T) {
	hash, err := HashBootstrapToken("s3cret-operator-token")
	if err != nil {
		t.Fatal(err)
	}
	m, _ := NewJWTManager("test-secret", hash)

	session, err := m.ExchangeBootstrapToken("s3cret-operator-token", "alex")
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if _, err := m.ValidateOperatorToken(session); err != nil {
		t.Errorf("issued session invalid: %v", err)
	}

	if _, err := m.ExchangeBootstrapToken("wrong-token", "alex"); err == nil {
		t.Error("expected wrong bootstrap token rejected")
	}
}

func TestExchangeDisabledWithoutHash(t *testing.T) {
	m, _ := NewJWTManager("test-secret", "")
	if _, err := m.ExchangeBootstrapToken("anything", "alex"); err == nil {
		t.Error("expected exchange disabled without a configured hash")
	}
}

func TestEmptySecretGeneratesRandomKey(t *testing.T) {
	m, err := NewJWTManager("", "")
	if err != nil {
		t.Fatal(err)
	}
	token, err := m.GenerateOperatorToken("alex")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ValidateOperatorToken(token); err != nil {
		t.Errorf("self-issued token invalid: %v", err)
	}
}
