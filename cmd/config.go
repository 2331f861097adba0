package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/aula/internal/output"
	"github.com/marcus/aula/internal/syncconfig"
)

// validConfigKeys lists the supported config keys for set/get.
var validConfigKeys = []string{
	"server.url",
	"server.socket_url",
	"reconnect.base_interval",
	"reconnect.max_attempts",
	"heartbeat.interval",
	"sync.max_attempts",
	"sync.base_delay",
	"sync.item_delay",
	"sync.on_reconnect",
	"sync.interval",
	"sync.debounce",
}

func isValidConfigKey(key string) bool {
	for _, k := range validConfigKeys {
		if k == key {
			return true
		}
	}
	return false
}

func parseBool(val string) (bool, error) {
	switch strings.ToLower(val) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q (use true/false/1/0)", val)
	}
}

func parseDuration(val string) (string, error) {
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return "", fmt.Errorf("invalid duration %q (e.g. 500ms, 2s, 5m)", val)
	}
	return val, nil
}

func parsePositiveInt(val string) (*int, error) {
	n, err := strconv.Atoi(val)
	if err != nil || n < 1 {
		return nil, fmt.Errorf("invalid count %q (must be >= 1)", val)
	}
	return &n, nil
}

// applyConfigValue validates val and stores it under key in cfg.
func applyConfigValue(cfg *syncconfig.Config, key, val string) error {
	var err error
	switch key {
	case "server.url":
		cfg.Server.URL = strings.TrimRight(val, "/")
	case "server.socket_url":
		cfg.Server.SocketURL = val
	case "reconnect.base_interval":
		cfg.Reconnect.BaseInterval, err = parseDuration(val)
	case "reconnect.max_attempts":
		cfg.Reconnect.MaxAttempts, err = parsePositiveInt(val)
	case "heartbeat.interval":
		cfg.Heartbeat.Interval, err = parseDuration(val)
	case "sync.max_attempts":
		cfg.Sync.MaxAttempts, err = parsePositiveInt(val)
	case "sync.base_delay":
		cfg.Sync.BaseDelay, err = parseDuration(val)
	case "sync.item_delay":
		cfg.Sync.ItemDelay, err = parseDuration(val)
	case "sync.on_reconnect":
		var b bool
		if b, err = parseBool(val); err == nil {
			cfg.Sync.OnReconnect = &b
		}
	case "sync.interval":
		cfg.Sync.Interval, err = parseDuration(val)
	case "sync.debounce":
		cfg.Sync.Debounce, err = parseDuration(val)
	default:
		err = fmt.Errorf("unknown config key: %s", key)
	}
	return err
}

// effectiveValue returns the resolved value for key, including env
// overrides and defaults.
func effectiveValue(s syncconfig.Settings, key string) string {
	switch key {
	case "server.url":
		return s.ServerURL
	case "server.socket_url":
		return s.SocketURL
	case "reconnect.base_interval":
		return s.ReconnectInterval.String()
	case "reconnect.max_attempts":
		return strconv.Itoa(s.ReconnectMaxAttempts)
	case "heartbeat.interval":
		return s.HeartbeatInterval.String()
	case "sync.max_attempts":
		return strconv.Itoa(s.SyncMaxAttempts)
	case "sync.base_delay":
		return s.SyncBaseDelay.String()
	case "sync.item_delay":
		return s.SyncItemDelay.String()
	case "sync.on_reconnect":
		return strconv.FormatBool(s.SyncOnReconnect)
	case "sync.interval":
		return s.SyncInterval.String()
	case "sync.debounce":
		return s.SyncDebounce.String()
	}
	return ""
}

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Show or change aula configuration",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configListCmd.RunE(cmd, args)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, val := args[0], args[1]

		if !isValidConfigKey(key) {
			output.Error("unknown config key: %s", key)
			fmt.Println("Valid keys:", strings.Join(validConfigKeys, ", "))
			return fmt.Errorf("unknown config key: %s", key)
		}

		cfg, err := syncconfig.LoadConfig()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}
		if err := applyConfigValue(cfg, key, val); err != nil {
			output.Error("%v", err)
			return err
		}
		if err := syncconfig.SaveConfig(cfg); err != nil {
			output.Error("save config: %v", err)
			return err
		}

		output.Success("set %s = %s", key, val)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get the effective value of a config key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		if !isValidConfigKey(key) {
			output.Error("unknown config key: %s", key)
			fmt.Println("Valid keys:", strings.Join(validConfigKeys, ", "))
			return fmt.Errorf("unknown config key: %s", key)
		}

		fmt.Println(effectiveValue(syncconfig.Resolve(), key))
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		s := syncconfig.Resolve()

		if jsonOut {
			out := make(map[string]string, len(validConfigKeys))
			for _, k := range validConfigKeys {
				out[k] = effectiveValue(s, k)
			}
			return output.JSON(out)
		}

		dir, err := syncconfig.ConfigDir()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Println(output.KeyValue("config dir", dir))
		for _, k := range validConfigKeys {
			fmt.Println(output.KeyValue(k, effectiveValue(s, k)))
		}
		return nil
	},
}

func init() {
	configListCmd.Flags().Bool("json", false, "Output as JSON")
	configCmd.Flags().Bool("json", false, "Output as JSON")
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)
}
