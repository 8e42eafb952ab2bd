package adapters

import (
	"errors"
	"testing"

	"github.com/smallbiznis/tokenledger/internal/payment/adapters/cryptomus"
	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry(cryptomus.NewFactory(), nil)

	if !registry.ProviderExists(" Cryptomus ") {
		t.Fatalf("expected cryptomus to be registered")
	}
	if registry.ProviderExists("stripe") {
		t.Fatalf("expected stripe to be unknown")
	}
	if _, err := registry.NewAdapter("stripe", paymentdomain.AdapterConfig{}); !errors.Is(err, paymentdomain.ErrProviderNotFound) {
		t.Fatalf("expected provider not found, got %v", err)
	}
	if _, err := registry.NewAdapter("cryptomus", paymentdomain.AdapterConfig{Config: map[string]any{"api_key": "k"}}); err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if got := registry.Providers(); len(got) != 1 || got[0] != "cryptomus" {
		t.Fatalf("unexpected providers: %v", got)
	}

	var nilRegistry *Registry
	if nilRegistry.ProviderExists("cryptomus") {
		t.Fatalf("nil registry must not report providers")
	}
}
