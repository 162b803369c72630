package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	adminSecret    string
	bind           string
	coalesceWindow time.Duration
	grace          time.Duration
	port           int
	prefix         string
	profile        bool
	reapInterval   time.Duration
	rounds         int
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.rounds < 1 {
		return fmt.Errorf("invalid round count (must be at least 1): %d", c.rounds)
	}
	if c.coalesceWindow <= 0 {
		return fmt.Errorf("invalid coalesce window (must be positive): %s", c.coalesceWindow)
	}
	if c.grace <= 0 {
		return fmt.Errorf("invalid grace duration (must be positive): %s", c.grace)
	}
	if c.reapInterval <= 0 {
		return fmt.Errorf("invalid reap interval (must be positive): %s", c.reapInterval)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("RAREBIRD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "rarebird",
		Short:         "A timed crowd-prediction party game: pick a number, call the crowd.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.adminSecret, "admin-secret", "", "shared secret for admin actions; generated at startup if empty (env: RAREBIRD_ADMIN_SECRET)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: RAREBIRD_BIND)")
	fs.DurationVar(&cfg.coalesceWindow, "coalesce-window", 500*time.Millisecond, "window over which submission broadcasts are coalesced (env: RAREBIRD_COALESCE_WINDOW)")
	fs.DurationVar(&cfg.grace, "grace", 10*time.Minute, "time a disconnected player is retained before eviction (env: RAREBIRD_GRACE)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: RAREBIRD_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: RAREBIRD_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: RAREBIRD_PROFILE)")
	fs.DurationVar(&cfg.reapInterval, "reap-interval", time.Minute, "how often disconnected players are swept (env: RAREBIRD_REAP_INTERVAL)")
	fs.IntVar(&cfg.rounds, "rounds", 3, "number of rounds per game (env: RAREBIRD_ROUNDS)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle game sessions are ended (env: RAREBIRD_IDLE_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: RAREBIRD_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: RAREBIRD_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: RAREBIRD_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: RAREBIRD_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("rarebird v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
