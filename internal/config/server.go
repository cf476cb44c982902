package config

// ServerAddr returns the listen address for the HTTP server.
func ServerAddr() string {
	return getEnv("SERVER_ADDR", "0.0.0.0:8080")
}

// StoreBackend selects where live state lives: "postgres" (default) keeps
// trails and presence across restarts, "memory" runs without a database for
// local development.
func StoreBackend() string {
	return getEnv("STORE_BACKEND", "postgres")
}
