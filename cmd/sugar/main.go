package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sugar-network/sugar/internal/config"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sugar",
	Short: "Sugar Network node and client",
}

func defaultRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".sugar")
	}
	return ".sugar"
}

func defaultConfigPath() string {
	return filepath.Join(defaultRoot(), "etc", "config.toml")
}

// loadConfig reads the config file, falling back to fresh defaults when
// no file exists yet.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config.New(uuid.NewString(), defaultRoot()), nil
		}
		return nil, err
	}
	return cfg, nil
}

// applyString overrides a config value when the flag was set explicitly.
func applyString(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

func applyInt(cmd *cobra.Command, name string, dst *int) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetInt(name)
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = defaultConfigPath()
		}
		cfg := config.New(uuid.NewString(), defaultRoot())
		if err := config.Init(path, cfg); err != nil {
			return err
		}
		fmt.Printf("Configuration initialized at %s\n", path)
		fmt.Printf("GUID: %s\n", cfg.GUID)
		fmt.Printf("Root: %s\n", cfg.Root)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Printf("GUID:    %s\n", cfg.GUID)
		fmt.Printf("Root:    %s\n", cfg.Root)
		fmt.Printf("API:     %s\n", cfg.API)
		fmt.Printf("Listen:  %s\n", cfg.Node.Listen)
		if cfg.Node.Master != "" {
			fmt.Printf("Master:  %s\n", cfg.Node.Master)
		}
		fmt.Printf("IPC:     %d\n", cfg.Client.IPCPort)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config.toml")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)
}
