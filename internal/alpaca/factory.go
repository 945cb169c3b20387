package alpaca

import (
	"context"
	"fmt"
	"sync"
	"time"

	"alpaca-trading-bot/config"
)

// Credentials is one user's brokerage API key pair
type Credentials struct {
	APIKey    string
	SecretKey string
	Paper     bool
}

// CredentialSource resolves per-user brokerage credentials. Returning
// ErrAccountNotConnected means the user has no active linked account.
type CredentialSource interface {
	GetCredentials(ctx context.Context, userID string) (*Credentials, error)
}

// ClientFactory creates and caches per-user broker clients.
// NOTE: all API keys are per-user, stored in the database. No global keys.
type ClientFactory struct {
	source  CredentialSource
	config  config.AlpacaConfig
	clients sync.Map // userID -> *clientEntry

	clientTTL   time.Duration
	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

type clientEntry struct {
	client   BrokerClient
	mu       sync.Mutex
	created  time.Time
	lastUsed time.Time
}

// NewClientFactory creates a client factory backed by the given credential
// source.
func NewClientFactory(source CredentialSource, cfg config.AlpacaConfig) *ClientFactory {
	f := &ClientFactory{
		source:      source,
		config:      cfg,
		clientTTL:   30 * time.Minute,
		stopCleanup: make(chan struct{}),
	}
	f.startCleanup()
	return f
}

// GetClientForUser returns a broker client for a specific user
func (f *ClientFactory) GetClientForUser(ctx context.Context, userID string) (BrokerClient, error) {
	if entry, ok := f.clients.Load(userID); ok {
		e := entry.(*clientEntry)
		e.mu.Lock()
		e.lastUsed = time.Now()
		e.mu.Unlock()
		return e.client, nil
	}

	if f.config.MockMode {
		client := BrokerClient(NewMockClient())
		f.store(userID, client)
		return client, nil
	}

	creds, err := f.source.GetCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	if creds == nil || creds.APIKey == "" {
		return nil, fmt.Errorf("user %s: %w", userID, ErrAccountNotConnected)
	}

	baseURL := f.config.BaseURL
	if creds.Paper && baseURL == "https://api.alpaca.markets" {
		baseURL = "https://paper-api.alpaca.markets"
	}

	client := BrokerClient(NewClient(creds.APIKey, creds.SecretKey, baseURL, f.config.DataBaseURL))
	f.store(userID, client)
	return client, nil
}

func (f *ClientFactory) store(userID string, client BrokerClient) {
	now := time.Now()
	f.clients.Store(userID, &clientEntry{
		client:   client,
		created:  now,
		lastUsed: now,
	})
}

// InvalidateUser drops the cached client for a user (e.g. after credential
// rotation).
func (f *ClientFactory) InvalidateUser(userID string) {
	f.clients.Delete(userID)
}

// Close stops the background cleanup goroutine
func (f *ClientFactory) Close() {
	f.cleanupOnce.Do(func() {
		close(f.stopCleanup)
	})
}

func (f *ClientFactory) startCleanup() {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-f.stopCleanup:
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-f.clientTTL)
				f.clients.Range(func(key, value interface{}) bool {
					e := value.(*clientEntry)
					e.mu.Lock()
					stale := e.lastUsed.Before(cutoff)
					e.mu.Unlock()
					if stale {
						f.clients.Delete(key)
					}
					return true
				})
			}
		}
	}()
}
