package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentpulse/agentpulse/internal/capture"
	"github.com/agentpulse/agentpulse/internal/cli"
	"github.com/agentpulse/agentpulse/internal/collector"
	"github.com/agentpulse/agentpulse/internal/config"
	"github.com/agentpulse/agentpulse/internal/correlate"
	"github.com/agentpulse/agentpulse/internal/daemon"
	"github.com/agentpulse/agentpulse/internal/model"
	"github.com/agentpulse/agentpulse/internal/proxy"
	"github.com/agentpulse/agentpulse/internal/sink"
	"github.com/agentpulse/agentpulse/internal/source"
	"github.com/agentpulse/agentpulse/internal/store"
	"github.com/agentpulse/agentpulse/internal/telemetry"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type daemonRuntimeState struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
	LogPath   string    `json:"log_path"`
}

var (
	flagStartAddr         string
	flagStartInterval     time.Duration
	flagStartDetach       bool
	flagStartChild        bool
	flagStartPIDFile      string
	flagStartLogFile      string
	flagStartProxy        bool
	flagStartEventsBuffer int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the telemetry daemon",
	Long:  "Tail the gateway log, correlate LLM calls and ship them to the collector. Serves a local status API.",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon process and API status",
	RunE:  runStatus,
}

func init() {
	for _, c := range []*cobra.Command{startCmd, stopCmd, statusCmd} {
		c.Flags().StringVar(&flagStartPIDFile, "pid-file", "", "PID file path (default from config)")
		c.Flags().StringVar(&flagStartAddr, "addr", "", "Daemon API listen address (default from config)")
	}
	startCmd.Flags().DurationVar(&flagStartInterval, "interval", 0, "Log poll interval (default from config)")
	startCmd.Flags().StringVar(&flagStartLogFile, "log-file", "", "Log file path for detached mode")
	startCmd.Flags().BoolVar(&flagStartProxy, "proxy", false, "Run the capture proxy even if disabled in config")
	startCmd.Flags().IntVar(&flagStartEventsBuffer, "events-buffer", 200, "Max in-memory events retained")
	startCmd.Flags().BoolVarP(&flagStartDetach, "detach", "d", false, "Run daemon as a background process")
	startCmd.Flags().BoolVar(&flagStartChild, "child", false, "Internal: mark detached child process")
	_ = startCmd.Flags().MarkHidden("child")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
}

func pidFilePath(cfg config.Config) string {
	if flagStartPIDFile != "" {
		return flagStartPIDFile
	}
	if cfg.Daemon.PIDFile != "" {
		return cfg.Daemon.PIDFile
	}
	return config.DefaultPIDFile
}

func daemonAddr(cfg config.Config) string {
	if flagStartAddr != "" {
		return flagStartAddr
	}
	if cfg.Daemon.Addr != "" {
		return cfg.Daemon.Addr
	}
	return config.DefaultDaemonAddr
}

func runStart(_ *cobra.Command, _ []string) error {
	if flagStartDetach && flagStartChild {
		return errors.New("invalid daemon launch mode")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Collector.APIKey == "" {
		return errors.New("no API key configured; run `agentpulse init` or set AGENTPULSE_API_KEY")
	}

	if flagStartDetach {
		return startDetached(cfg)
	}
	return runForeground(cfg)
}

func startDetached(cfg config.Config) error {
	pidFile := pidFilePath(cfg)
	if err := ensureDaemonNotRunning(pidFile); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := filterDetachArg(os.Args[1:])
	args = append(args, "--child")

	logFile := flagStartLogFile
	if logFile == "" {
		logFile = cfg.Daemon.LogFile
	}
	if logFile == "" {
		logFile = filepath.Join(config.Dir(), "agentpulse.log")
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o750); err != nil {
		return fmt.Errorf("create daemon log directory: %w", err)
	}

	//nolint:gosec // daemon log path is configured by the local user
	logf, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open daemon log file: %w", err)
	}
	defer func() { _ = logf.Close() }()

	cmd := exec.Command(exe, args...) //nolint:gosec // exe/args come from current process invocation
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.Stdin = nil
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start detached daemon: %w", err)
	}

	fmt.Printf("  Started daemon (pid %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidFile)
	fmt.Printf("  API: http://%s/v1/status\n", daemonAddr(cfg))
	fmt.Printf("  Log: %s\n", logFile)
	return nil
}

func runForeground(cfg config.Config) error {
	pidFile := pidFilePath(cfg)
	if err := ensureDaemonNotRunning(pidFile); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o750); err != nil {
		return fmt.Errorf("create daemon directory: %w", err)
	}

	log, err := newLogger(cfg, "stderr")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Options{
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
		Version:  Version,
	})
	if err != nil {
		return err
	}
	defer shutdownTracer()

	db, err := store.Open(store.DefaultPath(config.Dir()))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	tailer, err := source.NewTailer(cfg.Daemon.LogPath, db, log.Named("tail"))
	if err != nil {
		return err
	}

	var (
		px  *proxy.Server
		src correlate.CaptureSource
	)
	if cfg.Proxy.Enabled || flagStartProxy {
		queue := capture.NewQueue(capture.DefaultCapacity)
		px, err = proxy.New(proxy.Options{
			Addr:      fmt.Sprintf("127.0.0.1:%d", cfg.Proxy.Port),
			Upstreams: cfg.Proxy.Upstreams,
			Queue:     queue,
			Logger:    log.Named("proxy"),
			Tracer:    tracer,
		})
		if err != nil {
			return err
		}
		src = queue
	}

	corr := correlate.New(correlate.Options{
		DefaultModel: cfg.Model.Default,
		Pricing:      cfg.PricingTable(),
		Resolver:     correlate.NewResolver(src, cfg.Daemon.CaptureRetries, cfg.CaptureDelay()),
		IdleTTL:      cfg.IdleRunTTL(),
		Logger:       log.Named("correlate"),
	})

	client := collector.New(collector.Options{
		APIKey:    cfg.Collector.APIKey,
		Endpoint:  cfg.Collector.Endpoint,
		AgentName: cfg.Collector.AgentName,
		Framework: cfg.Collector.Framework,
		Version:   Version,
	})

	snk := sink.New(client, sink.Options{
		BatchSize: cfg.Daemon.BatchSize,
		Interval:  cfg.BatchInterval(),
		Logger:    log.Named("sink"),
		Tracer:    tracer,
		OnSent: func(recs []model.TelemetryRecord) {
			if err := db.SaveRecords(recs); err != nil {
				log.Warn("saving sent records to history", zap.Error(err))
			}
		},
	})

	interval := cfg.PollInterval()
	if flagStartInterval > 0 {
		interval = flagStartInterval
	}
	addr := daemonAddr(cfg)

	svc := daemon.New(daemon.Config{
		Tailer:       tailer,
		Correlator:   corr,
		Sink:         snk,
		Proxy:        px,
		Logger:       log,
		Tracer:       tracer,
		Interval:     interval,
		Addr:         addr,
		EventsBuffer: flagStartEventsBuffer,
		Endpoint:     client.Endpoint(),
		AgentName:    cfg.Collector.AgentName,
		Version:      Version,
		BreakerState: client.BreakerState,
	})

	pid := os.Getpid()
	if err := writePID(pidFile, pid); err != nil {
		return err
	}
	defer func() { _ = os.Remove(pidFile) }()

	state := daemonRuntimeState{
		PID:       pid,
		Addr:      addr,
		StartedAt: time.Now(),
		LogPath:   cfg.Daemon.LogPath,
	}
	_ = writeState(statePath(pidFile), state)
	defer func() { _ = os.Remove(statePath(pidFile)) }()

	if !flagStartChild {
		fmt.Printf("  agentpulse daemon listening on http://%s\n", addr)
		fmt.Printf("  Watching %s every %s\n", cfg.Daemon.LogPath, interval)
		fmt.Printf("  Stop with: agentpulse stop --pid-file %s\n", pidFile)
	}

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pidFile := pidFilePath(cfg)

	fmt.Println()
	pid, err := readPID(pidFile)
	if err != nil {
		fmt.Printf("  Daemon: %s (no pid file at %s)\n", cli.Status("stopped"), pidFile)
		printHistoryCount()
		return nil
	}
	if !processAlive(pid) {
		fmt.Printf("  Daemon: %s (pid %d not alive)\n", cli.Status("stale"), pid)
		printHistoryCount()
		return nil
	}

	addr := daemonAddr(cfg)
	if st, err := readState(statePath(pidFile)); err == nil && st.Addr != "" {
		addr = st.Addr
	}

	fmt.Printf("  Daemon: %s (pid %d)\n", cli.Status("running"), pid)
	fmt.Printf("  Address: http://%s\n\n", addr)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/v1/status") //nolint:noctx // short status probe
	if err != nil {
		fmt.Printf("  API status: %s (%v)\n", cli.Status("unreachable"), err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("  API status: HTTP %d\n", resp.StatusCode)
		return nil
	}

	var st daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Printf("  API status: malformed response (%v)\n", err)
		return nil
	}
	fmt.Print(renderStatus(st, time.Now()))
	return nil
}

func renderStatus(st daemon.Status, now time.Time) string {
	var b strings.Builder

	lastPoll := "pending"
	if !st.LastPollAt.IsZero() {
		lastPoll = cli.FormatAgo(st.LastPollAt, now)
	}
	b.WriteString(cli.RenderKV("Daemon", []cli.KV{
		{Key: "Version", Value: st.Version},
		{Key: "Uptime", Value: cli.FormatDuration(now.Sub(st.StartedAt))},
		{Key: "Log dir", Value: st.LogDir},
		{Key: "Current file", Value: orDash(st.CurrentFile)},
		{Key: "Last poll", Value: lastPoll},
		{Key: "Polls", Value: cli.FormatNumber(st.PollCount)},
		{Key: "Open runs", Value: strconv.Itoa(st.OpenRuns)},
	}))
	b.WriteString("\n")

	sum := st.Summary
	b.WriteString(cli.RenderKV("Since start", []cli.KV{
		{Key: "Calls", Value: fmt.Sprintf("%s (%d errors)", cli.FormatNumber(int64(sum.Calls)), sum.Errors)},
		{Key: "Tokens", Value: cli.FormatTokens(sum.InputTokens) + " in / " + cli.FormatTokens(sum.OutputTokens) + " out"},
		{Key: "Cost", Value: cli.FormatCost(sum.CostUSD)},
	}))
	b.WriteString("\n")

	breaker := st.Breaker
	if breaker == "" {
		breaker = "unknown"
	}
	lastSend := cli.FormatAgo(st.Sink.LastSend, now)
	if st.Sink.Sent == 0 {
		lastSend = "never"
	}
	collectorKV := []cli.KV{
		{Key: "Endpoint", Value: st.Endpoint},
		{Key: "Agent", Value: st.AgentName},
		{Key: "Breaker", Value: cli.Status(breaker)},
		{Key: "Sent", Value: cli.FormatNumber(int64(st.Sink.Sent))},
		{Key: "Buffered", Value: cli.FormatNumber(int64(st.Sink.Buffered))},
		{Key: "Dropped", Value: cli.FormatNumber(int64(st.Sink.Dropped))},
		{Key: "Last send", Value: lastSend},
	}
	if st.Sink.LastErr != "" {
		collectorKV = append(collectorKV, cli.KV{Key: "Last error", Value: cli.Status("error") + " " + st.Sink.LastErr})
	}
	b.WriteString(cli.RenderKV("Collector", collectorKV))

	if p := st.Proxy; p != nil {
		b.WriteString("\n")
		b.WriteString(cli.RenderKV("Proxy", []cli.KV{
			{Key: "Address", Value: "http://" + p.Addr},
			{Key: "Pending captures", Value: strconv.Itoa(p.PendingCaptures)},
			{Key: "Dropped captures", Value: strconv.Itoa(p.DroppedCaptures)},
		}))
	}
	if st.LastError != "" {
		b.WriteString("\n  " + cli.Status("error") + " last poll: " + st.LastError + "\n")
	}
	return b.String()
}

func printHistoryCount() {
	db, err := store.Open(store.DefaultPath(config.Dir()))
	if err != nil {
		return
	}
	defer func() { _ = db.Close() }()
	if n, err := db.RecordCount(); err == nil && n > 0 {
		fmt.Printf("  History: %s records stored (see `agentpulse history`)\n", cli.FormatNumber(int64(n)))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runStop(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pidFile := pidFilePath(cfg)

	pid, err := readPID(pidFile)
	if err != nil {
		return errors.New("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find daemon process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon process: %w", err)
	}

	// The daemon flushes buffered records before exiting, which can take up
	// to the collector timeout.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			_ = os.Remove(pidFile)
			_ = os.Remove(statePath(pidFile))
			fmt.Printf("  Stopped daemon (pid %d)\n", pid)
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}

	return fmt.Errorf("daemon (pid %d) did not exit in time", pid)
}

func filterDetachArg(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--detach" || a == "-d" || strings.HasPrefix(a, "--detach=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func ensureDaemonNotRunning(pidFile string) error {
	pid, err := readPID(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if processAlive(pid) {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	_ = os.Remove(pidFile)
	_ = os.Remove(statePath(pidFile))
	return nil
}

func writePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

func readPID(path string) (int, error) {
	//nolint:gosec // daemon pid path is configured by the local user
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s", path)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func statePath(pidFile string) string {
	return pidFile + ".json"
}

func writeState(path string, st daemonRuntimeState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func readState(path string) (daemonRuntimeState, error) {
	var st daemonRuntimeState
	//nolint:gosec // daemon state path is configured by the local user
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, err
	}
	return st, nil
}
