package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/endpointd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage endpointd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.endpointd/" + endpointd.DefaultConfigFileName
	if p, err := endpointd.DefaultConfigPath(); err == nil {
		defaultOutput = p
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default endpointd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				p, err := endpointd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = p
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen            string                     `yaml:"listen"`
	MetricsListen     string                     `yaml:"metrics-listen"`
	RuntimeMetrics    bool                       `yaml:"runtime-metrics"`
	OTLPEndpoint      string                     `yaml:"otlp-endpoint"`
	Workers           int                        `yaml:"workers"`
	QueueDepth        int                        `yaml:"queue-depth"`
	MaxResults        int                        `yaml:"max-results"`
	DecisionRetention string                     `yaml:"decision-retention"`
	ShutdownTimeout   string                     `yaml:"shutdown-timeout"`
	LogLevel          string                     `yaml:"log-level"`
	Endpoints         []endpointd.EndpointConfig `yaml:"endpoints"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	autoStart := true
	defaults := configDefaults{
		Listen:            endpointd.DefaultListen,
		MetricsListen:     endpointd.DefaultMetricsListen,
		Workers:           endpointd.DefaultWorkers,
		QueueDepth:        endpointd.DefaultQueueDepth,
		MaxResults:        endpointd.DefaultMaxResults,
		DecisionRetention: endpointd.DefaultDecisionRetention.String(),
		ShutdownTimeout:   endpointd.DefaultShutdownTimeout.String(),
		LogLevel:          "info",
		Endpoints: []endpointd.EndpointConfig{
			{
				Name:      "app#module#SampleMDB",
				Attribute: "Required",
				AutoStart: &autoStart,
				Kind:      endpointd.ListenerLog,
				Methods:   []string{endpointd.DefaultListenerMethod},
			},
		},
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
