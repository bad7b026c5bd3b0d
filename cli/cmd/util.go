package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// parseMetadata parses the --meta flag format: key1=value1,key2=value2.
// Values may contain '=' characters; only the first one separates key from
// value.
func parseMetadata(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	metadata := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid metadata entry %q: expected key=value", pair)
		}
		if _, exists := metadata[key]; exists {
			return nil, fmt.Errorf("duplicate metadata key %q", key)
		}
		metadata[key] = value
	}

	return metadata, nil
}

func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".qstore.yaml")
}

func ensureConfigDir(configFile string) error {
	dir := filepath.Dir(configFile)
	return os.MkdirAll(dir, 0700)
}

func isValidConfigKey(key string) bool {
	validKeys := []string{
		"store.type",
		"store.path",
		"store.key_file",
		"store.passphrase",
		"store.erase_passes",
		"store.memory_lock",
		"audit.enabled",
		"audit.type",
		"audit.options.file_path",
		"audit.log_level",
	}

	for _, validKey := range validKeys {
		if key == validKey {
			return true
		}
	}
	return false
}

// setNestedKey writes a dot-notation key into a nested map, creating
// intermediate maps as needed.
func setNestedKey(config map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	current := config
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// convertValue attempts to convert a string value to its most appropriate type
func convertValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}

	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}

	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}

	return value
}

// validateConfigValue validates a configuration value based on its key
func validateConfigValue(key string, value interface{}) error {
	switch key {
	case "store.type":
		validTypes := []string{"file", "bolt"}
		if str, ok := value.(string); ok {
			if !contains(validTypes, str) {
				return fmt.Errorf("invalid store type: %s (valid: %s)", str, strings.Join(validTypes, ", "))
			}
		}
	case "store.erase_passes":
		if num, ok := value.(int); ok {
			if num < 2 || num > 35 {
				return fmt.Errorf("erase_passes must be between 2 and 35")
			}
		}
	case "audit.type":
		validTypes := []string{"file", "syslog"}
		if str, ok := value.(string); ok {
			if !contains(validTypes, str) {
				return fmt.Errorf("invalid audit type: %s (valid: %s)", str, strings.Join(validTypes, ", "))
			}
		}
	}
	return nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// printConfigTable prints configuration in table format
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	settings := viper.AllSettings()
	var keys []string
	flattenKeys(settings, "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}

		envKey := "QSTORE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" {
			source = "environment"
		}

		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}

		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

// printConfigJSON prints configuration in JSON format
func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

// printConfigYAML prints configuration in YAML format
func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "token", "auth"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// promptConfirmation prompts the user for yes/no confirmation
func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
