package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/acctd/pkg/radius"
)

// clientsKey holds the NAS list in the config file. Every other key is a
// scalar flag value.
const clientsKey = "clients"

type clientConfig struct {
	radius.NAS `yaml:",inline"`
	SecretFile string `yaml:"secret_file"`
}

// loadConfigFile overlays the YAML config file onto flags the command line
// did not set and returns the configured NAS clients. A missing file is not
// an error.
func loadConfigFile(cmd *cobra.Command, path string, logger *zap.Logger) ([]radius.NAS, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg map[string]yaml.Node
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	logger.Info("Loaded config file", zap.String("path", path), zap.Int("keys", len(cfg)))

	var clients []radius.NAS
	for key, node := range cfg {
		if key == clientsKey {
			if clients, err = decodeClients(&node, logger); err != nil {
				return nil, fmt.Errorf("config file %s: %w", path, err)
			}
			continue
		}

		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if node.Kind != yaml.ScalarNode {
			logger.Warn("Config value is not a scalar, skipping", zap.String("key", key))
			continue
		}
		if err := cmd.Flags().Set(key, node.Value); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key),
				zap.String("value", node.Value),
				zap.Error(err),
			)
		}
	}

	return clients, nil
}

func decodeClients(node *yaml.Node, logger *zap.Logger) ([]radius.NAS, error) {
	var entries []clientConfig
	if err := node.Decode(&entries); err != nil {
		return nil, fmt.Errorf("clients: %w", err)
	}

	clients := make([]radius.NAS, 0, len(entries))
	for i, e := range entries {
		if e.IP == "" {
			return nil, fmt.Errorf("clients[%d]: ip required", i)
		}
		n := e.NAS
		if e.SecretFile != "" {
			data, err := os.ReadFile(e.SecretFile)
			if err != nil {
				return nil, fmt.Errorf("clients[%d]: failed to read secret file: %w", i, err)
			}
			if n.Secret != "" {
				logger.Warn("Both secret and secret_file set for client; using file",
					zap.String("ip", n.IP),
				)
			}
			n.Secret = strings.TrimSpace(string(data))
		}
		clients = append(clients, n)
	}
	return clients, nil
}
