package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/beanbot/beanbot"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     = beanbot.DefaultConfig()
	envFile string
)

var rootCmd = &cobra.Command{
	Use:           "beanbot",
	Short:         "Discord role menu bot",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := loadEnvFile(cmd, envFile); err != nil {
			return err
		}
		loaded, err := loadConfig(newViper())
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// loadEnvFile loads envFile into the environment, or .env when it's
// empty. Only an explicitly named file has to exist.
func loadEnvFile(cmd *cobra.Command, envFile string) error {
	if envFile == "" {
		_ = godotenv.Load()
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("error loading %s: %w", envFile, err)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "loaded environment from", envFile)
	return nil
}

// newViper returns a viper instance reading every config key from the
// environment, as <prefix>_<KEY> with dots replaced by underscores, ex:
// BB_DISCORD_WEBHOOK_PUBLIC_KEY
func newViper() *viper.Viper {
	v := viper.New()
	prefix := os.Getenv(beanbot.EnvvarSetEnvPrefix)
	if prefix == "" {
		prefix = beanbot.DefaultEnvPrefix
	}
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range configKeys(reflect.TypeOf(beanbot.Config{}), "") {
		_ = v.BindEnv(key)
	}
	return v
}

// loadConfig decodes v over the defaults. Keys without a value keep
// their default.
func loadConfig(v *viper.Viper) (*beanbot.Config, error) {
	c := beanbot.DefaultConfig()
	if err := decodeConfig(v, c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// decodeConfig decodes v into c. Log levels are set on c's existing
// *slog.LevelVar, through its UnmarshalText.
func decodeConfig(v *viper.Viper, c *beanbot.Config) error {
	return v.Unmarshal(
		c, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.TextUnmarshallerHookFunc(),
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		),
	)
}

// configKeys returns the dotted mapstructure key of every leaf field
// in t. Squashed structs share their parent's prefix.
func configKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, opts, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			continue
		}
		if f.Type.Kind() == reflect.Struct && opts == "squash" {
			keys = append(keys, configKeys(f.Type, prefix)...)
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		key := prefix + name
		if f.Type.Kind() == reflect.Struct {
			keys = append(keys, configKeys(f.Type, key+".")...)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// Execute runs the root command, canceling its context on SIGINT or
// SIGTERM
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&envFile,
		"env-file",
		"",
		"load environment variables from this file instead of .env",
	)
}
