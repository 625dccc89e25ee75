package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"turtle-futures-bot/config"
)

var (
	ErrDisabled         = errors.New("vault is disabled")
	ErrSecretNotFound   = errors.New("broker credentials not found")
	ErrInvalidSecret    = errors.New("invalid secret format")
	ErrEmptyCredentials = errors.New("api key and secret key are required")
)

// Credentials are the broker API keys stored in Vault
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Client reads and writes broker credentials in a KV v2 mount
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// BrokerCredentials returns the stored credentials, reading Vault once
func (c *Client) BrokerCredentials(ctx context.Context) (Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		creds := *c.cached
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return Credentials{}, ErrDisabled
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath())
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read broker credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, ErrSecretNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, ErrInvalidSecret
	}

	creds := Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return Credentials{}, ErrEmptyCredentials
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
	return creds, nil
}

// StoreBrokerCredentials writes a new version of the credentials secret
func (c *Client) StoreBrokerCredentials(ctx context.Context, creds Credentials) error {
	if creds.APIKey == "" || creds.SecretKey == "" {
		return ErrEmptyCredentials
	}
	if !c.config.Enabled {
		return ErrDisabled
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(), payload); err != nil {
		return fmt.Errorf("failed to store broker credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
	return nil
}

// ClearCache forces the next read to hit Vault
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// ApplyBrokerCredentials overwrites the broker keys with the ones held in Vault.
// A disabled client leaves the config untouched.
func ApplyBrokerCredentials(ctx context.Context, c *Client, broker *config.BrokerConfig) error {
	if !c.IsEnabled() {
		return nil
	}
	creds, err := c.BrokerCredentials(ctx)
	if err != nil {
		return err
	}
	broker.APIKey = creds.APIKey
	broker.SecretKey = creds.SecretKey
	return nil
}

func (c *Client) dataPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
