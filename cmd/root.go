package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	u "net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/04041b/segfetch/internal/config"
	"github.com/04041b/segfetch/internal/metrics"
	"github.com/04041b/segfetch/internal/output"
	"github.com/04041b/segfetch/internal/utils"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	connections     int
	workers         int
	timeout         time.Duration
	kaTimeout       time.Duration
	userAgent       string
	proxyURL        string
	proxyUsername   string
	proxyPassword   string
	headers         []string
	retryBackoff    time.Duration
	minChunkSize    uint64
	maxBufferSize   uint64
	cancelOnFailure bool
	collectErrors   bool
	debug           bool
	configPath      string
	metricsAddr     string

	globalHTTPConfig utils.HTTPClientConfig
	globalEngine     utils.EngineConfig
)

var SegfetchVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "segfetch",
	Short:   "segfetch is a segmented HTTP download manager",
	Version: SegfetchVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		applyConfig(cmd.Flags().Changed, cfg)
		if !debug {
			utils.SetLogLevel(cfg.LogLevel)
		}
		globalHTTPConfig = buildHTTPConfig()
		globalEngine = utils.EngineConfig{
			RetryBackoff:    retryBackoff,
			MinChunkSize:    minChunkSize,
			MaxBufferSize:   maxBufferSize,
			CancelOnFailure: cancelOnFailure,
			CollectErrors:   collectErrors,
		}
		return nil
	},
}

// applyConfig fills every flag the user did not set from the loaded config.
func applyConfig(changed func(name string) bool, cfg *config.Config) {
	unset := func(name string) bool { return !changed(name) }
	if unset("connections") {
		connections = cfg.Connections
	}
	if unset("workers") {
		workers = cfg.Workers
	}
	if unset("timeout") {
		timeout = cfg.Timeout
	}
	if unset("keep-alive-timeout") {
		kaTimeout = cfg.KeepAliveTimeout
	}
	if unset("user-agent") {
		userAgent = cfg.UserAgent
	}
	if unset("proxy") {
		proxyURL = cfg.Proxy
	}
	if unset("proxy-username") {
		proxyUsername = cfg.ProxyUsername
	}
	if unset("proxy-password") {
		proxyPassword = cfg.ProxyPassword
	}
	if unset("header") {
		headers = cfg.Headers
	}
	if unset("retry-backoff") {
		retryBackoff = cfg.RetryBackoff
	}
	if unset("min-chunk-size") {
		minChunkSize = cfg.MinChunkSize
	}
	if unset("max-buffer-size") {
		maxBufferSize = cfg.MaxBufferSize
	}
	if unset("cancel-on-failure") {
		cancelOnFailure = cfg.CancelOnFailure
	}
	if unset("collect-errors") {
		collectErrors = cfg.CollectErrors
	}
	if unset("metrics-addr") {
		metricsAddr = cfg.Metrics.Address
	}
}

func buildHTTPConfig() utils.HTTPClientConfig {
	agent := userAgent
	if agent == "randomize" {
		agent = utils.GetRandomUserAgent()
	}
	proxy, user, pass := proxyURL, proxyUsername, proxyPassword
	// credentials embedded in the proxy URL win only when no explicit username was given
	if parsedProxy, err := u.Parse(proxy); err == nil && parsedProxy.User != nil && user == "" {
		user = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			pass = password
		}
		parsedProxy.User = nil
		proxy = parsedProxy.String()
	}
	return utils.HTTPClientConfig{
		Timeout:       timeout,
		KATimeout:     kaTimeout,
		ProxyURL:      proxy,
		ProxyUsername: user,
		ProxyPassword: pass,
		UserAgent:     agent,
		Headers:       utils.ParseHeaderArgs(headers),
	}
}

// runJobs drives the scheduler under a signal-aware context and serves metrics
// for the duration of the run when an address is configured.
func runJobs(run func(ctx context.Context) error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		server := metrics.NewHTTPServer(metricsAddr)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("address", metricsAddr).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		log.Debug().Str("address", metricsAddr).Msg("Serving metrics")
	}

	if err := run(ctx); err != nil {
		stop()
		log.Debug().Err(err).Msg("run finished with errors")
		output.PrintError("Encountered failed operation(s)")
		os.Exit(1)
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.IntVarP(&connections, "connections", "c", utils.DefaultConnections, "Number of connections per download (above 5 enables high-thread-mode)")
	flags.IntVarP(&workers, "workers", "w", 1, "Number of links to download in parallel")
	flags.DurationVarP(&timeout, "timeout", "t", utils.DefaultTimeout, "Connection timeout (eg. 5s, 10m)")
	flags.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", utils.DefaultKATimeout, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent (\"randomize\" picks a browser agent)")
	flags.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.DurationVar(&retryBackoff, "retry-backoff", utils.DefaultRetryBackoff, "Base delay between chunk retries")
	flags.Uint64Var(&minChunkSize, "min-chunk-size", utils.DefaultMinChunkSize, "Smallest chunk worth a separate connection in bytes (0 disables)")
	flags.Uint64Var(&maxBufferSize, "max-buffer-size", utils.DefaultMaxBufferSize, "Largest download assembled in memory in bytes")
	flags.BoolVar(&cancelOnFailure, "cancel-on-failure", false, "Cancel remaining chunks as soon as one fails")
	flags.BoolVar(&collectErrors, "collect-errors", false, "Report every failed chunk instead of the first")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.StringVar(&configPath, "config", "", "Config file (default ./segfetch.yaml or ~/.config/segfetch/segfetch.yaml)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while downloading (e.g., :9090)")

	rootCmd.AddCommand(newHTTPCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newCleanCmd())
}
