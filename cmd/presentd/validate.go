package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/bepresent/presentd/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the presentd configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	if _, err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	return nil
}

// findUnknownKeys reads the raw config file and reports keys the daemon
// does not understand.
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if validKeys[key] {
			continue
		}
		// Reward tiers are a list of maps; viper flattens unpredictably
		if strings.HasPrefix(key, "rewards.tiers") {
			continue
		}
		unknown = append(unknown, key)
	}

	return unknown, nil
}

// getValidKeys returns a set of all valid configuration keys
func getValidKeys() map[string]bool {
	return map[string]bool{
		// Storage
		"storage.type":                  true,
		"storage.path":                  true,
		"storage.redis.host":            true,
		"storage.redis.port":            true,
		"storage.redis.password":        true,
		"storage.redis.db":              true,
		"storage.redis.pool_size":       true,
		"storage.redis.min_idle_conns":  true,
		"storage.redis.dial_timeout":    true,
		"storage.redis.read_timeout":    true,
		"storage.redis.write_timeout":   true,

		// Logging
		"logging.level":  true,
		"logging.format": true,

		// Rewards
		"rewards.tiers":            true,
		"rewards.overflow_xp":      true,
		"rewards.overflow_coins":   true,
		"rewards.beast_multiplier": true,

		// Reset
		"reset.time":             true,
		"reset.freeze_grant_day": true,

		// Monitor
		"monitor.debounce":     true,
		"monitor.cache_size":   true,
		"monitor.warning_lead": true,
		"monitor.fault_retry":  true,

		// Metrics
		"metrics.enabled":      true,
		"metrics.port":         true,
		"metrics.bind_address": true,

		// Control
		"control.port":         true,
		"control.bind_address": true,
	}
}
