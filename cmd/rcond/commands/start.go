package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/schultz-is/rcond"
	"github.com/schultz-is/rcond/internal/config"
	"github.com/schultz-is/rcond/internal/console"
	"github.com/schultz-is/rcond/internal/logger"
	"github.com/schultz-is/rcond/internal/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the RCON server",
	Long: `Start the RCON server in the foreground.

The server runs until it receives SIGINT or SIGTERM, then closes every session and
exits within shutdown_timeout.

Examples:
  # Start with default config location
  rcond start

  # Start with custom config file
  rcond start --config /etc/rcond/config.yaml

  # Override the password from the environment
  RCOND_RCON_PASSWORD=hunter2 rcond start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, closeLog, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = closeLog() }()

	log.Info("rcond starting", "version", Version, "commit", Commit)
	log.Info("configuration loaded", "source", configSource(GetConfigFile()), "level", cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}
	if err := d.start(ctx); err != nil {
		return err
	}

	log.Info("server is running, press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("shutdown signal received, stopping")

	return d.shutdown()
}

// daemon ties the RCON server to its executor and the optional metrics endpoint.
type daemon struct {
	cfg     *config.Config
	log     *slog.Logger
	server  *rcon.Server
	metrics *metrics.Server
}

func newDaemon(cfg *config.Config, log *slog.Logger) (*daemon, error) {
	scfg := cfg.RCON.ServerConfig()
	scfg.Logger = log

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		scfg.Metrics = rcon.NewMetrics(reg)
	}

	srv, err := rcon.NewServer(scfg, console.New(cfg.Executor, log))
	if err != nil {
		return nil, fmt.Errorf("failed to create RCON server: %w", err)
	}

	d := &daemon{cfg: cfg, log: log, server: srv}
	if reg != nil {
		d.metrics = metrics.NewServer(
			metrics.Config{Host: cfg.Metrics.Host, Port: cfg.Metrics.Port},
			reg,
			srv,
			log,
		)
	}
	return d, nil
}

// start binds the RCON listener and then the metrics endpoint. Failing to bind either is fatal.
func (d *daemon) start(ctx context.Context) error {
	if err := d.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start RCON server: %w", err)
	}

	if d.metrics == nil {
		d.log.Info("metrics collection disabled")
		return nil
	}
	if err := d.metrics.Start(ctx); err != nil {
		_ = d.server.Stop()
		return err
	}
	return nil
}

// shutdown stops the RCON server and the metrics endpoint, giving up after the configured
// shutdown timeout.
func (d *daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	stopped := make(chan error, 1)
	go func() {
		stopped <- d.server.Stop()
	}()

	var errs []error
	select {
	case err := <-stopped:
		errs = append(errs, err)
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("RCON server did not stop within %s", d.cfg.ShutdownTimeout))
	}

	if d.metrics != nil {
		errs = append(errs, d.metrics.Stop(ctx))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	d.log.Info("rcond stopped")
	return nil
}

// configSource returns a description of where the config was loaded from
func configSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
