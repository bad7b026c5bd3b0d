package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  "Show and modify the configuration file used by the CLI.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Display the merged configuration from file, environment variables and defaults.",
	RunE:  showConfig,
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  getConfig,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long:  "Set a configuration value and write it to the config file.",
	Args:  cobra.ExactArgs(2),
	RunE:  setConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  initConfigFile,
}

var configFormat string

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)

	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "output format (yaml, json, table)")
}

func showConfig(cmd *cobra.Command, args []string) error {
	switch configFormat {
	case "yaml":
		return printConfigYAML()
	case "json":
		return printConfigJSON()
	case "table":
		return printConfigTable()
	default:
		return fmt.Errorf("unsupported format: %s (use yaml, json or table)", configFormat)
	}
}

func getConfig(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	value := viper.Get(key)
	if value == nil {
		fmt.Println("(not set)")
		return nil
	}

	if isSensitiveConfigKey(key) {
		fmt.Println("[REDACTED]")
		return nil
	}

	fmt.Printf("%v\n", value)
	return nil
}

func setConfig(cmd *cobra.Command, args []string) error {
	key, rawValue := args[0], args[1]
	if !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (run 'qstore config show' for the known keys)", key)
	}

	value := convertValue(rawValue)
	if err := validateConfigValue(key, value); err != nil {
		return err
	}

	configFile := getConfigFilePath()
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Load the existing file (not the merged view, which would freeze
	// defaults and environment overrides into the file)
	config := map[string]interface{}{}
	if data, err := os.ReadFile(configFile); err == nil {
		if err = yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse existing config file: %w", err)
		}
	}

	setNestedKey(config, key, value)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Set %s in %s\n", key, configFile)
	return nil
}

func initConfigFile(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath()

	if fileExists(configFile) {
		if !promptConfirmation(fmt.Sprintf("Config file %s exists. Overwrite?", configFile)) {
			fmt.Println("Cancelled")
			return nil
		}
	}

	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(defaultConfigTemplate())
	if err != nil {
		return fmt.Errorf("failed to marshal config template: %w", err)
	}
	if err = os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Wrote default configuration to %s\n", configFile)
	return nil
}

func defaultConfigTemplate() map[string]interface{} {
	return map[string]interface{}{
		"store": map[string]interface{}{
			"type":         "file",
			"path":         ".qstore",
			"erase_passes": 3,
			"memory_lock":  false,
		},
		"audit": map[string]interface{}{
			"enabled": false,
			"type":    "file",
			"options": map[string]interface{}{
				"file_path": "audit.log",
			},
		},
	}
}
