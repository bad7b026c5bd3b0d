package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"southwinds.dev/qstore"
	"southwinds.dev/qstore/audit"
	"southwinds.dev/qstore/persist"
)

var (
	cfgFile    string
	storePath  string
	keyFile    string
	passphrase string
	engine     qstore.EngineService
	cliContext *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "qstore",
	Short: "A local encrypted object store",
	Long: `A local encrypted object store with integrity verification and secure deletion.
Objects are encrypted with ChaCha20-Poly1305 before they touch disk, carry an
HMAC-SHA256 integrity tag, and are erased with multi-pass overwriting on delete.
The store never opens a network connection.`,
	PersistentPreRunE: initializeEngine,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if engine != nil {
			return engine.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.qstore.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store-path", "p", "", "path to store location")
	rootCmd.PersistentFlags().StringVarP(&keyFile, "key-file", "k", "", "path to the key file")
	rootCmd.PersistentFlags().String("passphrase", "", "derive the key from a passphrase (or use QSTORE_PASSPHRASE env var)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, bolt)")
	rootCmd.PersistentFlags().Int("erase-passes", 0, "overwrite passes for secure deletion (default 3)")
	rootCmd.PersistentFlags().Bool("memory-lock", false, "lock process memory to keep keys out of swap")

	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("store.key_file", "key-file")
	bindFlagOrPanic("store.passphrase", "passphrase")
	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("store.erase_passes", "erase-passes")
	bindFlagOrPanic("store.memory_lock", "memory-lock")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	// Set defaults first
	setDefaults()

	// Configure config file paths
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/qstore")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".qstore")
	}

	// Environment variable support
	viper.SetEnvPrefix("QSTORE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file found but error reading it
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	} else {
		if os.Getenv("DEBUG") == "true" {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}
}

func setDefaults() {
	viper.SetDefault("store.path", ".qstore")
	viper.SetDefault("store.type", "file")
	viper.SetDefault("store.erase_passes", 0)
	viper.SetDefault("store.memory_lock", false)

	// Audit defaults
	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")

	// Audit file path is resolved relative to the store path in initializeEngine
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeEngine(cmd *cobra.Command, args []string) error {
	// Skip initialization for help and completion commands
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || isConfigCommand(cmd) {
		return nil
	}

	storePath = viper.GetString("store.path")
	keyFile = viper.GetString("store.key_file")

	// Set audit file path relative to store path if not explicitly set
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}

	// Passphrase takes priority over the key file when both are configured
	passphrase = viper.GetString("store.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("QSTORE_PASSPHRASE")
	}

	if passphrase == "" && keyFile == "" {
		// Default key file lives beside the store
		keyFile = filepath.Join(storePath, "store.key")
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	options := qstore.Options{
		EnableMemoryLock: viper.GetBool("store.memory_lock"),
		ErasePasses:      viper.GetInt("store.erase_passes"),
		UserID:           cliContext.UserID,
		SessionMetadata: map[string]interface{}{
			"session_id": cliContext.SessionID,
			"command":    cmd.Name(),
			"flags":      sanitizeFlags(cmd),
		},
	}
	if passphrase != "" {
		options.DerivationPassphrase = passphrase
	} else {
		options.KeyFile = keyFile
	}

	storeConfig, err := buildStoreConfig(viper.GetString("store.type"))
	if err != nil {
		return err
	}

	auditConfig := &audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	}

	e, err := qstore.New(options, storeConfig, auditConfig)
	if err != nil {
		if errors.Is(err, qstore.ErrStorageBusy) {
			return fmt.Errorf("the store at %s is in use by another process, retry once it finishes", storePath)
		}
		return fmt.Errorf("failed to open store: %w", err)
	}
	engine = e

	return nil
}

func buildStoreConfig(storeType string) (persist.StoreConfig, error) {
	switch strings.ToLower(storeType) {
	case "file":
		return persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": storePath},
		}, nil
	case "bolt":
		return persist.StoreConfig{
			Type:   persist.StoreTypeBolt,
			Config: map[string]interface{}{"db_path": filepath.Join(storePath, "store.db")},
		}, nil
	default:
		return persist.StoreConfig{}, fmt.Errorf("unsupported store type: %s. Supported types: file, bolt", storeType)
	}
}

// isConfigCommand reports whether cmd belongs to the config command tree,
// which operates on configuration files without opening the store.
func isConfigCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "config" {
			return true
		}
	}
	return false
}

// Helper function to check if a flag name is sensitive (for logging purposes)
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		// Can happen in restricted environments without /etc/passwd
		envUser := os.Getenv("USER")
		if envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// generateSessionID creates a new unique session identifier.
func generateSessionID() string {
	return uuid.New().String()
}

// getHostname retrieves the hostname of the machine.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}
