package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"siyuan-fuse/cache"
	"siyuan-fuse/siyuan"
	"siyuan-fuse/vfs"
)

// envPrefix scopes environment overrides, e.g. SIYUAN_FUSE_TOKEN or
// SIYUAN_FUSE_CACHE_TTL.
const envPrefix = "SIYUAN_FUSE"

// config is the resolved process configuration: flags, then environment,
// then the config file, then defaults.
type config struct {
	URL           string
	Token         string
	Timeout       time.Duration
	CacheTTL      time.Duration
	SweepInterval time.Duration
	Instance      string
	Debug         bool
	LogLevel      string
	LogFormat     string
	DiagAddr      string
	// ConfigFile is set when a config file was loaded; it is watched for
	// changes.
	ConfigFile string
}

func loadConfig(v *viper.Viper) config {
	return config{
		URL:           v.GetString("url"),
		Token:         v.GetString("token"),
		Timeout:       v.GetDuration("timeout"),
		CacheTTL:      v.GetDuration("cache-ttl"),
		SweepInterval: v.GetDuration("sweep-interval"),
		Instance:      v.GetString("instance"),
		Debug:         v.GetBool("debug"),
		LogLevel:      v.GetString("log-level"),
		LogFormat:     v.GetString("log-format"),
		DiagAddr:      v.GetString("diag-addr"),
		ConfigFile:    v.ConfigFileUsed(),
	}
}

func (c config) siyuan() siyuan.Config {
	return siyuan.Config{BaseURL: c.URL, Token: c.Token, Timeout: c.Timeout}
}

// logLevel is the effective level: --debug wins over --log-level.
func (c config) logLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}

func (c config) validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("url is required (--url or SIYUAN_FUSE_URL)")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache-ttl must not be negative, got %s", c.CacheTTL)
	}
	return nil
}

// runFunc mounts at mountpoint and blocks until unmounted or ctx is done.
type runFunc func(ctx context.Context, v *viper.Viper, cfg config, mountpoint string) error

func newRootCmd(v *viper.Viper, run runFunc) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "siyuan-fuse [flags] MOUNTPOINT",
		Short: "Mount a SiYuan note store as a filesystem",
		Long: `siyuan-fuse exposes the open notebooks of a SiYuan kernel as directories.
Every document appears as "<name>.md"; a document with sub-documents also
appears as a directory "<name>" holding them. Writing a .md file replaces
the document's markdown.`,
		Args: cobra.ExactArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupConfig(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(v)
			if err := cfg.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), v, cfg, args[0])
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "configuration file (yaml, toml or json); watched for changes")

	flags.String("url", "http://127.0.0.1:6806", "note store base URL")
	checkNoErr(v.BindPFlag("url", flags.Lookup("url")))

	flags.String("token", "", "API token")
	checkNoErr(v.BindPFlag("token", flags.Lookup("token")))

	flags.Duration("timeout", siyuan.DefaultTimeout, "per-request timeout")
	checkNoErr(v.BindPFlag("timeout", flags.Lookup("timeout")))

	flags.Duration("cache-ttl", cache.DefaultTTL, "lifetime of cached content, attributes and listings")
	checkNoErr(v.BindPFlag("cache-ttl", flags.Lookup("cache-ttl")))

	flags.Duration("sweep-interval", cache.DefaultSweepInterval, "how often expired cache entries are removed")
	checkNoErr(v.BindPFlag("sweep-interval", flags.Lookup("sweep-interval")))

	flags.String("instance", vfs.DefaultInstance, "connection name used in logs, metrics and cache keys")
	checkNoErr(v.BindPFlag("instance", flags.Lookup("instance")))

	flags.Bool("debug", false, "debug logging and FUSE request tracing")
	checkNoErr(v.BindPFlag("debug", flags.Lookup("debug")))

	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	checkNoErr(v.BindPFlag("log-level", flags.Lookup("log-level")))

	flags.String("log-format", "json", "log format (json, console)")
	checkNoErr(v.BindPFlag("log-format", flags.Lookup("log-format")))

	flags.String("diag-addr", "", "listen address for /metrics and /debug endpoints; empty disables")
	checkNoErr(v.BindPFlag("diag-addr", flags.Lookup("diag-addr")))

	return cmd
}

func setupConfig(v *viper.Viper, file string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file == "" {
		return nil
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", file, err)
	}
	return nil
}

func checkNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
