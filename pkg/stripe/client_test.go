package stripe

import (
	"context"
	"testing"

	"github.com/sppix/storefront-backend/pkg/config"
)

func TestNewClientRejectsKeyForWrongEnvironment(t *testing.T) {
	_, err := NewClient(context.Background(), config.GatewayConfig{SecretKey: "sk_live_123", Env: "test"}, nil)
	if err == nil {
		t.Fatal("expected live key to be rejected in test env")
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(context.Background(), config.GatewayConfig{Env: "test"}, nil); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestNewClientAllowsMissingSigningSecret(t *testing.T) {
	client, err := NewClient(context.Background(), config.GatewayConfig{SecretKey: "sk_test_abc", Env: "TEST", Currency: "GBP"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Environment() != "test" {
		t.Fatalf("expected test env, got %q", client.Environment())
	}
	if client.SigningSecret() != "" {
		t.Fatalf("expected empty signing secret")
	}
	if client.Currency() != "gbp" {
		t.Fatalf("expected gbp, got %q", client.Currency())
	}
}

func TestNewClientRejectsUnknownEnvironment(t *testing.T) {
	if _, err := NewClient(context.Background(), config.GatewayConfig{SecretKey: "sk_test_abc", Env: "staging"}, nil); err == nil {
		t.Fatal("expected error for unknown env")
	}
}
