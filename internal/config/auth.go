package config

import (
	"sync"
)

var (
	authSecretMu sync.RWMutex
	// authSecret signs and verifies the HS256 bearer tokens the widget presents.
	authSecret = []byte(GetEnvOrDefault("AUTH_TOKEN_SECRET", "dev-secret"))
)

// SetAuthTokenSecret temporarily changes the token secret and returns a function
// to restore it. This is primarily used for testing.
func SetAuthTokenSecret(secret []byte) func() {
	authSecretMu.Lock()
	previous := authSecret
	authSecret = secret
	authSecretMu.Unlock()

	return func() {
		authSecretMu.Lock()
		authSecret = previous
		authSecretMu.Unlock()
	}
}

// GetAuthTokenSecret returns the current token secret in a thread-safe manner
func GetAuthTokenSecret() []byte {
	authSecretMu.RLock()
	defer authSecretMu.RUnlock()
	return authSecret
}
