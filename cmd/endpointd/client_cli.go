package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/endpointd/client"
	"pkt.systems/endpointd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	clientServerKey   = "client.server"
	clientTimeoutKey  = "client.timeout"
	clientLogLevelKey = "client.log_level"
	clientOutputKey   = "client.output"

	defaultServerURL = "http://127.0.0.1:9451"

	outputText = "text"
	outputJSON = "json"
)

type clientCLIConfig struct {
	loaded   bool
	server   string
	timeout  time.Duration
	logLevel string
	output   string
	logger   pslog.Logger
}

// addClientConnectionFlags adds the persistent flags every admin
// subcommand shares.
func addClientConnectionFlags(cmd *cobra.Command) *clientCLIConfig {
	cfg := &clientCLIConfig{}
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultServerURL, "endpointd admin base URL")
	flags.Duration("timeout", client.DefaultHTTPTimeout, "HTTP client timeout")
	flags.String("client-log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.StringP("output", "o", outputText, "output format (text|json)")

	mustBindFlag(clientServerKey, "ENDPOINTD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "ENDPOINTD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientLogLevelKey, "ENDPOINTD_CLIENT_LOG_LEVEL", flags.Lookup("client-log-level"))
	mustBindFlag(clientOutputKey, "ENDPOINTD_CLIENT_OUTPUT", flags.Lookup("output"))
	return cfg
}

func (c *clientCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	c.server = strings.TrimSpace(viper.GetString(clientServerKey))
	if c.server == "" {
		c.server = defaultServerURL
	}
	c.timeout = viper.GetDuration(clientTimeoutKey)
	if c.timeout <= 0 {
		c.timeout = client.DefaultHTTPTimeout
	}
	c.output = strings.ToLower(strings.TrimSpace(viper.GetString(clientOutputKey)))
	switch c.output {
	case "":
		c.output = outputText
	case outputText, outputJSON:
	default:
		return fmt.Errorf("unknown output format %q", c.output)
	}
	c.logLevel = strings.ToLower(strings.TrimSpace(viper.GetString(clientLogLevelKey)))
	if err := c.setupLogger(); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

func (c *clientCLIConfig) setupLogger() error {
	switch c.logLevel {
	case "", "none", "disabled", "off":
		c.logger = nil
		return nil
	}
	level, ok := pslog.ParseLevel(c.logLevel)
	if !ok {
		return fmt.Errorf("invalid client log level %q", c.logLevel)
	}
	c.logger = svcfields.WithSubsystem(pslog.NewStructured(context.Background(), os.Stderr), "client.cli").LogLevel(level)
	return nil
}

func (c *clientCLIConfig) client() (*client.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	opts := []client.Option{client.WithHTTPTimeout(c.timeout)}
	if c.logger != nil {
		opts = append(opts, client.WithLogger(c.logger))
	}
	return client.New(c.server, opts...)
}

func (c *clientCLIConfig) jsonOutput() bool { return c.output == outputJSON }

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
