package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewConfigCmd creates the config command
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  `Configure the admin API address and the carousel multicast target.`,
	}

	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value. Available keys:
  admin-url  - Admin API of the daemon (default: http://localhost:8081)
  group      - Multicast group for carousel send (default: 239.255.1.1)
  port       - Multicast port (default: 5001)
  interface  - Interface to send on
  ttl        - Multicast hop limit (default: 1)
  bitrate    - Send rate in bits per second, 0 for unpaced`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.ToLower(args[0])

			cfg, err := LoadConfig()
			if err != nil {
				cfg = DefaultConfig()
			}

			if err := setConfigValue(cfg, key, args[1]); err != nil {
				return err
			}

			if err := SaveConfig(cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, args[1])
			return nil
		},
	}
}

func setConfigValue(cfg *ClientConfig, key, value string) error {
	var err error

	switch key {
	case "admin-url", "adminurl":
		cfg.AdminURL = value
	case "group":
		cfg.Group = value
	case "port":
		cfg.Port, err = strconv.Atoi(value)
	case "interface":
		cfg.Interface = value
	case "ttl":
		cfg.TTL, err = strconv.Atoi(value)
	case "bitrate":
		cfg.Bitrate, err = strconv.ParseInt(value, 10, 64)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	return nil
}

func getConfigValue(cfg *ClientConfig, key string) (string, error) {
	switch key {
	case "admin-url", "adminurl":
		return cfg.AdminURL, nil
	case "group":
		return cfg.Group, nil
	case "port":
		return strconv.Itoa(cfg.Port), nil
	case "interface":
		return cfg.Interface, nil
	case "ttl":
		return strconv.Itoa(cfg.TTL), nil
	case "bitrate":
		return strconv.FormatInt(cfg.Bitrate, 10), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			value, err := getConfigValue(cfg, strings.ToLower(args[0]))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show all configuration values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "admin-url: %s\n", cfg.AdminURL)
			fmt.Fprintf(out, "group:     %s\n", cfg.Group)
			fmt.Fprintf(out, "port:      %d\n", cfg.Port)
			fmt.Fprintf(out, "interface: %s\n", cfg.Interface)
			fmt.Fprintf(out, "ttl:       %d\n", cfg.TTL)
			fmt.Fprintf(out, "bitrate:   %d\n", cfg.Bitrate)
			return nil
		},
	}
}
