// Command mcp-server runs the workflow orchestration engine as an MCP
// server over stdio. Workflow definitions are discovered under
// .aromcp/workflows in the project directory and the user's home.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aromcp/workflow-server/pkg/logger"
	"github.com/aromcp/workflow-server/pkg/workflow/engine"
	"github.com/aromcp/workflow-server/pkg/workflow/loader"
	"github.com/aromcp/workflow-server/pkg/workflow/service"
	"github.com/aromcp/workflow-server/pkg/workflow/session"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type flagConfig struct {
	projectDir    *string
	workflowDirs  *string
	logLevel      *string
	logFormat     *string
	debug         *bool
	maxWorkflows  *int
	maxStateBytes *int
	retention     *string
	telemetry     *bool
	telemetryPort *int
	version       *bool
}

func parseFlags() *flagConfig {
	flags := &flagConfig{
		projectDir:    flag.String("project-dir", "", "Project directory searched for .aromcp/workflows"),
		workflowDirs:  flag.String("workflow-dirs", "", "Colon-separated workflow directories (overrides discovery)"),
		logLevel:      flag.String("log-level", "", "Log level (debug, info, warn, error)"),
		logFormat:     flag.String("log-format", "text", "Log format (text, json)"),
		debug:         flag.Bool("debug", false, "Serial debug mode: attach _internal_trace to step descriptors"),
		maxWorkflows:  flag.Int("max-workflows", 0, "Maximum concurrently running workflow instances"),
		maxStateBytes: flag.Int("max-state-bytes", 0, "Per-instance state size cap in bytes"),
		retention:     flag.String("retention", "", "How long finished instances stay queryable (e.g. '30m')"),
		telemetry:     flag.Bool("telemetry", true, "Enable Prometheus metrics"),
		telemetryPort: flag.Int("telemetry-port", 9090, "Port for the Prometheus metrics endpoint"),
		version:       flag.Bool("version", false, "Show version information"),
	}
	flag.Parse()
	return flags
}

// envOverride prefers the AROMCP_* environment variable over an unset flag.
func envOverride(flagValue, envName string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(envName)
}

func envInt(flagValue int, envName string) int {
	if flagValue > 0 {
		return flagValue
	}
	if v, err := strconv.Atoi(os.Getenv(envName)); err == nil && v > 0 {
		return v
	}
	return 0
}

func main() {
	flags := parseFlags()
	if *flags.version {
		fmt.Printf("aromcp-workflow-server %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
		return
	}

	// .env is optional; missing files are fine
	_ = godotenv.Load()

	level := envOverride(*flags.logLevel, "AROMCP_LOG_LEVEL")
	logger.SetLevel(level)
	log := logger.NewSlogLogger(logger.SlogConfig{
		Level:  logger.ParseSlogLevel(level),
		Format: *flags.logFormat,
		Output: os.Stderr,
	})

	debug := *flags.debug || os.Getenv("AROMCP_DEBUG") != ""

	projectDir := envOverride(*flags.projectDir, "AROMCP_PROJECT_DIR")
	if projectDir == "" {
		projectDir, _ = os.Getwd()
	}
	home, _ := os.UserHomeDir()

	var dirs []string
	if raw := envOverride(*flags.workflowDirs, "AROMCP_WORKFLOW_DIR"); raw != "" {
		dirs = strings.Split(raw, ":")
	}
	load, err := loader.New(loader.Config{
		ProjectDir: projectDir,
		HomeDir:    home,
		Dirs:       dirs,
		Logger:     log,
	})
	if err != nil {
		log.Error("cannot initialize workflow loader", "error", err)
		os.Exit(1)
	}
	defer load.Close()

	var metrics *session.Metrics
	if *flags.telemetry {
		metrics = session.NewMetrics(prometheus.DefaultRegisterer)
	}

	retention := session.DefaultRetention
	if raw := envOverride(*flags.retention, "AROMCP_RETENTION"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			retention = d
		}
	}
	manager := session.NewManager(session.Config{
		Logger:       log,
		Metrics:      metrics,
		MaxInstances: envInt(*flags.maxWorkflows, "AROMCP_MAX_WORKFLOWS"),
		Retention:    retention,
	})
	defer manager.Close()

	engineCfg := engine.Config{
		Logger:        log,
		Debug:         debug,
		MaxStateBytes: envInt(*flags.maxStateBytes, "AROMCP_MAX_STATE_BYTES"),
	}
	if metrics != nil {
		engineCfg.Hooks = metrics.Hooks()
	}

	svc := service.New(service.Config{
		Logger:  log,
		Loader:  load,
		Manager: manager,
		Engine:  engineCfg,
	})

	mcpServer := server.NewMCPServer(
		"aromcp-workflow-server",
		Version,
		server.WithToolCapabilities(true),
	)
	service.NewRegistrar(svc, log, Version).RegisterAll(mcpServer)

	if *flags.telemetry {
		go serveMetrics(log, *flags.telemetryPort)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		load.Close()
		manager.Close()
		os.Exit(0)
	}()

	log.Info("serving MCP over stdio",
		"version", Version, "debug", debug, "project_dir", projectDir)
	if err := server.ServeStdio(mcpServer); err != nil {
		log.Error("stdio server terminated", "error", err)
		os.Exit(1)
	}
}

func serveMetrics(log *slog.Logger, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics endpoint terminated", "error", err)
	}
}
