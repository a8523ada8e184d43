package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/walwatch/walwatch/internal/model"
)

// Example returns a fully populated configuration with one sample target.
func Example() *Config {
	cfg := &Config{
		Server: ServerConfig{Host: "0.0.0.0"},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Logging: LoggingConfig{
			Format:   "json",
			FilePath: "/var/log/walwatch/walwatch.log",
		},
		NATS: NATSConfig{
			Topics: []string{"health.changed", "scheduler.state"},
		},
		Metrics: MetricsConfig{Enabled: true},
		Targets: []model.Target{
			{
				ID:                "orders-primary",
				Name:              "Orders primary",
				Host:              "db1.internal",
				Port:              5432,
				Database:          "postgres",
				Username:          "walwatch",
				CredentialRef:     "env:WALWATCH_SECRET_ORDERS_PRIMARY",
				TLSMode:           model.TLSRequire,
				PollingIntervalMS: 30_000,
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// DumpExampleConfig writes an example configuration to the provided writer
func DumpExampleConfig(w io.Writer) error {
	var node yaml.Node
	if err := node.Encode(Example()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	header := `# =============================================================================
# walwatch example configuration
# =============================================================================
# Copy this file to config.yaml and adjust it for your servers.
#
# Environment variable overrides follow the pattern: WALWATCH_<SECTION>_<KEY>
# Example: WALWATCH_SERVER_PORT, WALWATCH_NATS_URL
# =============================================================================

`
	if _, err := fmt.Fprint(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	footer := `
# =============================================================================
# Notes
# =============================================================================
#
# 1. Credentials:
#    - credential_ref accepts env:NAME or file:/path. Passwords never live here.
#    - env: names must start with secrets.env_prefix. file: paths must sit
#      under secrets.allowed_dir; file references are refused when it is unset.
#    - The monitoring role needs pg_monitor (or superuser) to read every view.
#
# 2. Sizes:
#    - Threshold sizes accept "512 MB" style strings or plain byte counts.
#
# 3. Events:
#    - Set nats.enabled to publish state changes to NATS subjects under
#      nats.subject_prefix. An empty topics list publishes every topic.
# =============================================================================
`
	if _, err := fmt.Fprint(w, footer); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	return nil
}
