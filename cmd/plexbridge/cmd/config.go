package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zane33/plexbridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing plexbridge configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:     "dump",
	Aliases: []string{"show"},
	Short:   "Dump the effective configuration",
	Long: `Dump the effective configuration values in YAML format.

Without --config this shows the built-in defaults; redirect the output
to a file to create a configuration template:

  plexbridge config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in ., ./configs, /etc/plexbridge)
  - Environment variables (PLEXBRIDGE_SERVER_PORT, PLEXBRIDGE_DATABASE_DSN, ...)
  - Command-line flags (for some options)

Environment variables use the PLEXBRIDGE_ prefix and underscores for
nesting. Example: server.port -> PLEXBRIDGE_SERVER_PORT`,
	RunE: runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long:  "Load the configuration from file and environment and report whether it is valid.",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
}

// toMap converts a config struct to a map, formatting durations and byte
// sizes for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		case config.ByteSize:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# plexbridge Configuration File")
	fmt.Println("# ==============================")
	fmt.Println("#")
	fmt.Println("# All values shown reflect the current effective configuration.")
	fmt.Println("# Duration format: 30s, 5m, 1h")
	fmt.Println("# Size format: 64KB, 16MB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   PLEXBRIDGE_SERVER_HOST, PLEXBRIDGE_SERVER_PORT")
	fmt.Println("#   PLEXBRIDGE_DATABASE_DRIVER, PLEXBRIDGE_DATABASE_DSN")
	fmt.Println("#   PLEXBRIDGE_LOGGING_LEVEL, PLEXBRIDGE_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("configuration is valid (listen %s, %d tuners, %d previews)\n",
		cfg.Server.Address(), cfg.Streaming.MaxConcurrentStreams, cfg.Streaming.MaxConcurrentPreviews)
	return nil
}
