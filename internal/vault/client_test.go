package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"turtle-futures-bot/config"
)

func fakeVault(t *testing.T, reads *int32) *httptest.Server {
	t.Helper()
	var stored map[string]interface{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/turtle-bot/broker" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.Method {
		case http.MethodPut, http.MethodPost:
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			stored, _ = body["data"].(map[string]interface{})
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"version": 1}})
		case http.MethodGet:
			atomic.AddInt32(reads, 1)
			if stored == nil {
				stored = map[string]interface{}{"api_key": "key-1", "secret_key": "secret-1"}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"data": stored},
			})
		}
	}))
}

func testConfig(addr string) config.VaultConfig {
	return config.VaultConfig{
		Enabled:    true,
		Address:    addr,
		Token:      "root",
		MountPath:  "secret",
		SecretPath: "turtle-bot/broker",
	}
}

func TestBrokerCredentialsCached(t *testing.T) {
	var reads int32
	server := fakeVault(t, &reads)
	defer server.Close()

	c, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	for i := 0; i < 2; i++ {
		creds, err := c.BrokerCredentials(context.Background())
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if creds.APIKey != "key-1" || creds.SecretKey != "secret-1" {
			t.Errorf("Unexpected credentials %+v", creds)
		}
	}
	if reads != 1 {
		t.Errorf("Expected 1 vault read, got %d", reads)
	}
}

func TestStoreThenApply(t *testing.T) {
	var reads int32
	server := fakeVault(t, &reads)
	defer server.Close()

	c, _ := NewClient(testConfig(server.URL))
	if err := c.StoreBrokerCredentials(context.Background(), Credentials{APIKey: "new", SecretKey: "s3"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	c.ClearCache()

	broker := config.BrokerConfig{APIKey: "from-file"}
	if err := ApplyBrokerCredentials(context.Background(), c, &broker); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if broker.APIKey != "new" || broker.SecretKey != "s3" {
		t.Errorf("Expected credentials from vault, got %+v", broker)
	}
}

func TestDisabledClient(t *testing.T) {
	c, err := NewClient(config.VaultConfig{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	broker := config.BrokerConfig{APIKey: "from-file"}
	if err := ApplyBrokerCredentials(context.Background(), c, &broker); err != nil {
		t.Errorf("Expected no error for disabled vault, got %v", err)
	}
	if broker.APIKey != "from-file" {
		t.Errorf("Expected config untouched, got %s", broker.APIKey)
	}
	if _, err := c.BrokerCredentials(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("Expected ErrDisabled, got %v", err)
	}
	if err := c.StoreBrokerCredentials(context.Background(), Credentials{}); !errors.Is(err, ErrEmptyCredentials) {
		t.Errorf("Expected ErrEmptyCredentials, got %v", err)
	}
}
