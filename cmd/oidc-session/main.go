package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/al-bashkir/oidc-session/internal/config"
	"github.com/al-bashkir/oidc-session/internal/daemon"
	"github.com/al-bashkir/oidc-session/internal/httpserver"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "oidc-session",
	Short: "OpenID Connect relying party with server-side sessions",
	Long: `An OpenID Connect relying party that signs browsers in through an
identity provider and keeps the resulting tokens in a session store.

Session backends:
  - memory: in-process sessions, lost on restart
  - redis:  one hash per session, shared between replicas
  - cookie: the whole session in a signed (and optionally encrypted) cookie`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relying party HTTP server",
	Long: `Start the HTTP server that handles the OIDC flow.

Endpoints:
  GET  /login     start an authentication attempt
  GET  /callback  complete the attempt with the provider's response
  POST /logout    sign out locally and at the provider (GET shows the form)
  GET  /          show the session status
  GET  /health    health check`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (check-config) so main() can call
// os.Exit() after cobra finishes. -1 means "use default".
var overrideExitCode = -1

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the server,
then print it with secrets redacted.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/oidc-session/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Override log settings from flags if provided
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	config.SetupLogging(&cfg.Log)
	httpserver.Version = version

	slog.Info("starting oidc-session",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	printVersion(os.Stdout)
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "oidc-session version %s\n", version)
	fmt.Fprintf(w, "  Commit:     %s\n", commit)
	fmt.Fprintf(w, "  Build date: %s\n", buildDate)
	fmt.Fprintf(w, "  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	return checkConfig(os.Stdout, os.Stderr)
}

func checkConfig(stdout, stderr io.Writer) error {
	fmt.Fprintf(stdout, "Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	fmt.Fprintln(stdout, "✅ Configuration is valid")
	fmt.Fprintln(stdout)

	out, err := yaml.Marshal(cfg.Redact())
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	fmt.Fprintln(stdout, "Effective configuration (secrets redacted):")
	_, _ = stdout.Write(out)

	if cfg.OIDC.ClientSecret == "" {
		fmt.Fprintln(stdout, "\nNo client secret set: running as a public client with PKCE")
	}

	return nil
}
