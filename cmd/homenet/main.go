package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/NodePath81/homenet/internal/app"
	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/orchestrator"
	"github.com/NodePath81/homenet/internal/util"
	"github.com/NodePath81/homenet/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", "config.yaml", "Path to config file")
			_ = runCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && runCmd.NArg() > 0 {
				*configPath = runCmd.Arg(0)
			}
			runDaemon(*configPath)
			return
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "config.yaml", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			checkConfig(*configPath)
			return
		case "test":
			runTest(os.Args[2:])
			return
		case "scan":
			runScan(os.Args[2:])
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()
	if *configPath == "config.yaml" && len(flag.Args()) > 0 {
		*configPath = flag.Arg(0)
	}
	runDaemon(*configPath)
}

func runDaemon(configPath string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	logger := util.NewLoggerWith(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := supervisor.Restart(); err != nil {
				logger.Error("restart failed", "error", err)
				if !supervisor.Running() {
					os.Exit(1)
				}
			}
			continue
		}
		break
	}
	logger.Info("shutdown requested")
	supervisor.Stop()
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: server %s:%d, test target %s:%d, discovery %t, control %t\n",
		cfg.Server.BindAddr, cfg.Server.Port, cfg.Test.Target, cfg.Test.Port,
		cfg.Discovery.IsEnabled(), cfg.Control.IsEnabled())
	os.Exit(0)
}

// loadOptional reads path when given and falls back to built-in defaults.
func loadOptional(path string) config.Config {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runTest(args []string) {
	testCmd := flag.NewFlagSet("test", flag.ExitOnError)
	configPath := testCmd.String("config", "", "Path to config file (optional)")
	target := testCmd.String("target", "", "Measurement server host")
	port := testCmd.Int("port", 0, "Measurement server port")
	duration := testCmd.Duration("duration", 0, "Duration of each throughput phase")
	asJSON := testCmd.Bool("json", false, "Print raw events as JSON lines")
	_ = testCmd.Parse(args)
	if *target == "" && testCmd.NArg() > 0 {
		*target = testCmd.Arg(0)
	}

	cfg := loadOptional(*configPath)
	logger := util.NewLoggerWith(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	tests, err := app.NewOrchestrator(cfg, nil, nil, logger)
	if err != nil {
		logger.Error("orchestrator init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	var last orchestrator.Event
	for ev := range tests.Run(ctx, orchestrator.Request{Target: *target, Port: *port, Duration: *duration}) {
		last = ev
		if *asJSON {
			_ = enc.Encode(ev)
			continue
		}
		printEvent(ev)
	}
	if last.Kind != orchestrator.EventComplete {
		os.Exit(1)
	}
}

func printEvent(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventPhase:
		fmt.Printf("[%3d%%] %s: %s\n", ev.Percent, ev.Phase, ev.Message)
	case orchestrator.EventMetric:
		fmt.Printf("       %s = %v\n", ev.Name, ev.Value)
	case orchestrator.EventComplete:
		r := ev.Result
		fmt.Println()
		fmt.Printf("download      %s Mbps\n", formatValue(r.DownloadMbps))
		fmt.Printf("upload        %s Mbps\n", formatValue(r.UploadMbps))
		fmt.Printf("ping          %s ms (jitter %s ms, loss %s%%)\n",
			formatValue(r.PingMs), formatValue(r.JitterMs), formatValue(r.PacketLoss))
		fmt.Printf("loaded ping   %s ms down, %s ms up\n", formatValue(r.PingDownloadMs), formatValue(r.PingUploadMs))
		fmt.Printf("gateway       %s ms (local %s ms)\n", formatValue(r.GatewayPingMs), formatValue(r.LocalLatencyMs))
		fmt.Printf("grade         %s\n", r.Grade)
		for _, e := range r.Errors {
			fmt.Printf("warning       %s\n", e)
		}
	case orchestrator.EventError:
		fmt.Fprintf(os.Stderr, "test failed: %s\n", ev.Error)
	case orchestrator.EventCancelled:
		fmt.Fprintln(os.Stderr, "test cancelled")
	}
}

func formatValue(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func runScan(args []string) {
	scanCmd := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := scanCmd.String("config", "", "Path to config file (optional)")
	asJSON := scanCmd.Bool("json", false, "Print devices as JSON")
	timeout := scanCmd.Duration("timeout", 30*time.Second, "Overall scan timeout")
	_ = scanCmd.Parse(args)

	cfg := loadOptional(*configPath)
	logger := util.NewLoggerWith(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	engine, err := app.NewEngine(cfg, nil, nil, logger)
	if err != nil {
		logger.Error("discovery init failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if _, err := engine.Scan(ctx); err != nil {
		logger.Error("scan failed", "error", err)
		os.Exit(1)
	}
	devices := engine.List()
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(devices)
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IP\tMAC\tNAME\tVENDOR\tMEDIUM")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.IP, d.MAC, d.DisplayName(), d.Vendor, d.Medium)
	}
	_ = tw.Flush()
}

func printHelp() {
	fmt.Print(`homenet - home network measurement daemon

Usage:
  homenet run --config <path>            Start the daemon (SIGHUP reloads)
  homenet check --config <path>          Validate config file
  homenet test [--target host] [--json]  Run one speed test against a server
  homenet scan [--json]                  Discover devices on the local network
  homenet help                           Show this help
  homenet version                        Print version

Legacy:
  homenet --config <path>
  homenet <config-path>
`)
}
