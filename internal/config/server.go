package config

// GetListenAddr returns the address the HTTP server binds to.
func GetListenAddr() string {
	return GetEnvOrDefault("LISTEN_ADDR", ":8080")
}
