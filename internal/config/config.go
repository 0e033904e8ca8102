// Package config loads babeld's runtime configuration: flags layered over
// environment variables layered over declared defaults, the same shape
// agent/cmd/agent/main.go uses for its cobra root command.
package config

import "os"

// Config holds every parameter babeld needs to start.
type Config struct {
	// NodeID identifies this node to the control plane.
	NodeID string
	// ControlPlaneURL is the base URL of the archive control plane
	// (manifest headers, chunk slots, upload slots).
	ControlPlaneURL string
	// StateDir holds the job state store, secret store, and datastore.
	StateDir string
	// ProtocolDataRoot is the directory download/upload jobs operate on
	// and where the protocol-data lock sentinel lives.
	ProtocolDataRoot string
	// SocketPath is the Unix domain socket babeld's Plugin Runtime Bridge
	// listens on.
	SocketPath string
	// SecretKeyHex is the 32-byte AES-256 key (hex-encoded) used to
	// encrypt values in the secret store.
	SecretKeyHex string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// MetricsAddr is the address the Prometheus /metrics endpoint binds to.
	// Empty disables the metrics HTTP listener.
	MetricsAddr string
}

// Default returns a Config populated with the documented default for every
// field, before flag/environment overrides are applied.
func Default() Config {
	return Config{
		ControlPlaneURL:  "http://localhost:8443",
		StateDir:         defaultStateDir(),
		ProtocolDataRoot: defaultStateDir() + "/protocol-data",
		SocketPath:       "/run/babeld/control.sock",
		LogLevel:         "info",
		MetricsAddr:      "127.0.0.1:9090",
	}
}

// defaultStateDir mirrors agent/cmd/agent/main.go's defaultStateDir, scoped
// to babeld's own state directory name.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.babeld"
	}
	return ".babeld"
}

// EnvOrDefault returns the environment variable named key, or defaultVal
// if unset or empty. Grounded on agent/cmd/agent/main.go's envOrDefault.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
