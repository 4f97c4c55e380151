package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/CZERTAINLY/RepoStats/internal/log"
	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	configEnv  = "REPOSTATSCONFIG"
	configName = "repostats.yaml"
	envPrefix  = "REPOSTATS"
)

var (
	userConfigPath string // /default/config/path/repostats on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagListen         string // value of --listen flag
	flagScanner        string // value of --scanner flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, "repostats")

	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in "+userConfigPath+" or in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagListen, "listen", "", "address of the HTTP server, overrides service.listen")
	rootCmd.PersistentFlags().StringVar(&flagScanner, "scanner", "", "path of the gh-repo-stats executable, overrides scanner.path")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initRepoStats
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("repostats failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "repostats",
	Short:        "Service running gh-repo-stats analyses of GitHub organizations",
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a repostats",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			_, _ = fmt.Fprintln(out, "repostats: version info not available")
			return
		}

		if configPath != "" {
			_, _ = fmt.Fprintf(out, "config:    %s\n", configPath)
		}
		_, _ = fmt.Fprintf(out, "repostats: %s\n", info.Main.Version)
		_, _ = fmt.Fprintf(out, "go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				_, _ = fmt.Fprintf(out, "commit:    %s\n", s.Value)
			case "vcs.time":
				_, _ = fmt.Fprintf(out, "date:      %s\n", s.Value)
			case "vcs.modified":
				_, _ = fmt.Fprintf(out, "dirty:     %s\n", s.Value)
			}
		}
		_, _ = fmt.Fprintln(out)
	},
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

func initRepoStats(cmd *cobra.Command, _ []string) error {
	// a missing .env is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	configPath = discoverConfig()
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	if err := applyOverrides(cmd, &config); err != nil {
		return err
	}

	// initialize logging
	w, closer, err := log.Output(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("repostats run", "configPath", configPath)
	slog.Debug("repostats run", "config", config)
	return nil
}

// discoverConfig returns the config file to load, or an empty string for
// the built-in defaults.
func discoverConfig() string {
	if envConfig, ok := os.LookupEnv(configEnv); ok && envConfig != "" {
		return envConfig
	}
	if flagConfigFilePath != "" {
		return flagConfigFilePath
	}
	for _, d := range []string{userConfigPath, "."} {
		path := filepath.Join(d, configName)
		if exists(path) {
			return path
		}
	}
	return ""
}

// applyOverrides lays the command line flags and REPOSTATS_* variables
// over the file values. --verbose has a precedence over config file.
func applyOverrides(cmd *cobra.Command, cfg *model.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	flags := cmd.Flags()
	for key, name := range map[string]string{
		"service.listen":  "listen",
		"service.verbose": "verbose",
		"scanner.path":    "scanner",
	} {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding --%s: %w", name, err)
			}
		}
	}
	if err := v.BindEnv("service.log"); err != nil {
		return fmt.Errorf("binding %s_SERVICE_LOG: %w", envPrefix, err)
	}

	if v.IsSet("service.listen") {
		cfg.Service.Listen = v.GetString("service.listen")
	}
	if v.IsSet("service.verbose") && v.GetBool("service.verbose") {
		cfg.Service.Verbose = true
	}
	if v.IsSet("service.log") {
		cfg.Service.Log = v.GetString("service.log")
	}
	if v.IsSet("scanner.path") {
		cfg.Scanner.Path = v.GetString("scanner.path")
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
