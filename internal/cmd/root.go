// Package cmd provides the command-line interface for grimoire.
// It handles command parsing, configuration loading and wiring of the pipeline.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/masahif/grimoire/internal/config"
)

const envPrefix = "GRIMOIRE"

var (
	cfgFile   string
	version   string
	buildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "grimoire",
	Short: "Summarize, index and search web pages",
	Long: `Grimoire downloads web pages, summarizes them with an LLM and stores
their chunks in a vector index for later search.

Every page moves through download, summarize and vectorize. A failed page can be
retried and resumes after the last stage that succeeded.`,
	SilenceUsage: true,
	RunE:         runRoot,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx, which commands use for
// cancellation of in-flight work.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo sets version information for the CLI
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Configuration file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./grimoire.yml)")

	// Configuration management flags
	rootCmd.Flags().Bool("show-config", false, "Display current configuration in YAML format and exit")

	rootCmd.PersistentFlags().StringP("database", "d", "./grimoire.db", "Path to SQLite database file")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Directory for downloaded documents")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file, with rotation")
	rootCmd.PersistentFlags().String("reader", config.ReaderJina, "Content fetcher: 'jina' or 'direct'")
	rootCmd.PersistentFlags().String("llm", config.LLMOpenAI, "Summarizer: 'openai' or 'frequency'")
	rootCmd.PersistentFlags().String("embedder", config.EmbedderOpenAI, "Embedder: 'openai' or 'hashing'")
	rootCmd.PersistentFlags().String("index", config.IndexQdrant, "Vector index: 'qdrant' or 'memory'")
	rootCmd.PersistentFlags().IntP("workers", "w", 2, "Number of pages processed concurrently")
	rootCmd.PersistentFlags().Duration("stage-timeout", 2*time.Minute, "Timeout for each external call of a stage")

	// Bind basic flags to viper
	bindFlags := []struct {
		viperKey string
		flagName string
	}{
		{"database_path", "database"},
		{"data_dir", "data-dir"},
		{"log.level", "log-level"},
		{"log.file_path", "log-file"},
		{"reader.provider", "reader"},
		{"llm.provider", "llm"},
		{"embedder.provider", "embedder"},
		{"vector_index.provider", "index"},
		{"pipeline.workers", "workers"},
		{"pipeline.stage_timeout", "stage-timeout"},
	}

	for _, bind := range bindFlags {
		if err := viper.BindPFlag(bind.viperKey, rootCmd.PersistentFlags().Lookup(bind.flagName)); err != nil {
			// Log the error but continue - non-critical for operation
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}

	rootCmd.AddCommand(submitCmd, statusCmd, listCmd, retryCmd, retryFailedCmd, reprocessCmd, searchCmd, healthCmd)
}

// initConfig reads in .env, the config file and ENV variables if set.
func initConfig() {
	// API keys are commonly kept in .env; a missing file is fine
	_ = godotenv.Load()

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("grimoire")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	if err := setDefaults(viper.GetViper(), config.DefaultConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to register defaults: %v\n", err)
	}

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// setDefaults registers every key of cfg with viper so that environment
// variables are seen by Unmarshal even for keys absent from the config file.
func setDefaults(v *viper.Viper, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}

	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for key, value := range node {
			full := key
			if prefix != "" {
				full = prefix + "." + key
			}
			switch val := value.(type) {
			case nil:
				continue
			case map[string]any:
				walk(full, val)
			default:
				v.SetDefault(full, val)
			}
		}
	}
	walk("", tree)
	return nil
}

// loadConfig merges defaults, config file, environment and flags
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	showConfig, _ := cmd.Flags().GetBool("show-config")
	if !showConfig {
		return cmd.Help()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return showCurrentConfig(cmd.OutOrStdout(), cfg)
}

func showCurrentConfig(w io.Writer, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	// Validate configuration before showing it
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Configuration validation failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Displaying configuration anyway...\n\n")
	}

	yamlData, err := yaml.Marshal(cfg.Masked())
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Fprintf(w, "# Current Grimoire Configuration\n")
	fmt.Fprintf(w, "# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "# Configuration file search paths: ./grimoire.yml\n")
	fmt.Fprintf(w, "# Environment variables prefix: %s_\n\n", envPrefix)

	fmt.Fprint(w, string(yamlData))

	fmt.Fprintf(w, "\n# Configuration source priority:\n")
	fmt.Fprintf(w, "# 1. Command-line arguments (highest priority)\n")
	fmt.Fprintf(w, "# 2. Environment variables (%s_ prefix, .env is loaded first)\n", envPrefix)
	fmt.Fprintf(w, "# 3. Configuration file (grimoire.yml)\n")
	fmt.Fprintf(w, "# 4. Default values (lowest priority)\n")

	return nil
}
