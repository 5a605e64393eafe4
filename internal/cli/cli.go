package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hitushen/portprobe/internal/checker"
	"github.com/hitushen/portprobe/internal/config"
	"github.com/hitushen/portprobe/internal/logging"
	"github.com/hitushen/portprobe/internal/scanner"
	"github.com/hitushen/portprobe/internal/targets"
	"github.com/hitushen/portprobe/internal/version"
)

// 进程退出码。
const (
	ExitOpen    = 0
	ExitClosed  = 1
	ExitUsage   = 2
	ExitFailure = 3
)

// Run 解析子命令并返回进程退出码。
func Run(args []string) int {
	return run(args, os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printHelp(stderr)
		return ExitUsage
	}

	switch args[0] {
	case "probe":
		return runProbe(args[1:], stdout, stderr)
	case "history":
		return runHistory(args[1:], stdout, stderr)
	case "settings":
		return runSettings(args[1:], stdout, stderr)
	case "serve":
		return runServe(args[1:], stderr)
	case "version":
		fmt.Fprintf(stdout, "portprobe %s (commit=%s build_date=%s)\n", version.Version, version.Commit, version.BuildDate)
		return 0
	case "help", "-h", "--help":
		printHelp(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n\n", args[0])
		printHelp(stderr)
		return ExitUsage
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, `portprobe

Usage:
  portprobe probe <address> <port> [--timeout ms] [--engine dial|naabu] [flags]
  portprobe history  [flags]
  portprobe settings [flags]
  portprobe serve    [--addr :8080] [flags]
  portprobe version

Commands:
  probe     Check once whether a TCP port on a public address accepts connections
  history   Print the most recent checks (oldest first)
  settings  Print the last checked address and port
  serve     Start the HTTP interface

Common flags:
  --config     Path to the YAML config file (default portprobe.yaml)
  --data-dir   Directory holding the settings and history records
  --store      Storage backend: json|sqlite
  --log-level  Log level: debug|info|warn|error
  --format     Output format: text|json

Exit codes:
  0 open, 1 closed, 2 invalid input or usage, 3 operational failure

Examples:
  portprobe probe 8.8.8.8 443
  portprobe probe 2001:4860:4860::8888 53 --timeout 500
  portprobe history --format json`)
}

type commonFlags struct {
	ConfigPath string
	LogLevel   string
	DataDir    string
	Store      string
	Format     string
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}

	fs.StringVar(&c.ConfigPath, "config", config.DefaultPath, "Path to the YAML config file")
	fs.StringVar(&c.LogLevel, "log-level", "", "Log level: debug|info|warn|error")
	fs.StringVar(&c.DataDir, "data-dir", "", "Directory holding settings and history")
	fs.StringVar(&c.Store, "store", "", "Storage backend: json|sqlite")
	fs.StringVar(&c.Format, "format", "text", "Output format: text|json")

	return c
}

// load 读取配置并用已设置的命令行参数覆盖。
func (c *commonFlags) load() (*config.Config, error) {
	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.DataDir != "" {
		cfg.DataDir = c.DataDir
	}
	if c.Store != "" {
		cfg.Store = c.Store
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *commonFlags) json() bool {
	return strings.EqualFold(strings.TrimSpace(c.Format), "json")
}

// parseInterspersed 允许参数出现在位置参数前后，例如 "probe 8.8.8.8 443 --timeout 500"。
// 以 '-' 开头的数字（如端口 "-1"）按位置参数处理，交给校验逻辑报告。
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		for len(args) > 0 && looksNumeric(args[0]) {
			positional = append(positional, args[0])
			args = args[1:]
		}
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func looksNumeric(arg string) bool {
	if len(arg) < 2 || arg[0] != '-' {
		return false
	}
	for _, r := range arg[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runProbe(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("probe", stderr)
	c := bindCommon(fs)

	var timeoutMS int
	var engine string
	fs.IntVar(&timeoutMS, "timeout", 0, "Connection timeout in milliseconds (default from config, 1000)")
	fs.StringVar(&engine, "engine", "", "Probe engine: dial|naabu")

	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return ExitUsage
	}
	if len(positional) != 2 {
		fmt.Fprintln(stderr, "usage: portprobe probe <address> <port> [--timeout ms]")
		return ExitUsage
	}
	if timeoutMS < 0 {
		fmt.Fprintln(stderr, "--timeout must not be negative")
		return ExitUsage
	}

	// 输入校验不依赖配置与存储，先于二者进行。
	address := targets.Normalize(positional[0])
	port := strings.TrimSpace(positional[1])
	if v := targets.Validate(address, port); !v.OK() {
		report := &checker.Report{Validation: v, Message: checker.InvalidInputMessage}
		if c.json() {
			writeJSON(stdout, probeOutput(report, nil))
		} else {
			printReport(stdout, stderr, report)
		}
		return ExitUsage
	}

	cfg, err := c.load()
	if err == nil && engine != "" {
		cfg.Probe.Engine = engine
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return ExitFailure
	}
	logger := logging.Setup(cfg.LogLevel)

	st, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "store:", err)
		return ExitFailure
	}
	defer st.Close()

	timeout := cfg.Probe.Timeout
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	svc := checker.New(st, buildProber(cfg), timeout, logger)

	ctx, cancel := signalContext()
	defer cancel()

	report, checkErr := svc.Check(ctx, address, port)

	if c.json() {
		writeJSON(stdout, probeOutput(report, checkErr))
	} else {
		printReport(stdout, stderr, report)
	}

	switch {
	case errors.Is(checkErr, checker.ErrCanceled):
		fmt.Fprintln(stderr, "error:", checkErr)
		return ExitFailure
	case !report.Evaluated:
		return ExitUsage
	case checkErr != nil:
		fmt.Fprintln(stderr, "warning:", checkErr)
		return ExitFailure
	case report.Outcome == scanner.Open:
		return ExitOpen
	default:
		return ExitClosed
	}
}

func probeOutput(report *checker.Report, checkErr error) interface{} {
	if !report.Validation.OK() {
		errs := map[string]string{}
		if report.Validation.AddressErr != nil {
			errs["address"] = report.Validation.AddressErr.Error()
		}
		if report.Validation.PortErr != nil {
			errs["port"] = report.Validation.PortErr.Error()
		}
		return map[string]interface{}{
			"evaluated": false,
			"message":   report.Message,
			"errors":    errs,
		}
	}
	if checkErr != nil {
		return map[string]interface{}{
			"report": report,
			"error":  checkErr.Error(),
		}
	}
	return report
}

func printReport(stdout, stderr io.Writer, report *checker.Report) {
	if !report.Validation.OK() {
		fmt.Fprintln(stderr, report.Message)
		if err := report.Validation.AddressErr; err != nil {
			fmt.Fprintf(stderr, "  address: %v\n", err)
		}
		if err := report.Validation.PortErr; err != nil {
			fmt.Fprintf(stderr, "  port: %v\n", err)
		}
		return
	}
	if !report.Evaluated {
		fmt.Fprintln(stderr, report.Message)
		return
	}
	fmt.Fprintln(stdout, report.Message)
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("history", stderr)
	c := bindCommon(fs)
	if _, err := parseInterspersed(fs, args); err != nil {
		return ExitUsage
	}

	cfg, err := c.load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return ExitFailure
	}
	logger := logging.Setup(cfg.LogLevel)

	st, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "store:", err)
		return ExitFailure
	}
	defer st.Close()

	history := st.LoadHistory(context.Background())
	if c.json() {
		writeJSON(stdout, history)
		return 0
	}
	if len(history) == 0 {
		fmt.Fprintln(stdout, "no checks recorded yet")
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tADDRESS\tPORT\tSTATUS")
	for _, e := range history {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Date, e.Address, e.Port, e.Status)
	}
	_ = tw.Flush()
	return 0
}

func runSettings(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("settings", stderr)
	c := bindCommon(fs)
	if _, err := parseInterspersed(fs, args); err != nil {
		return ExitUsage
	}

	cfg, err := c.load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return ExitFailure
	}
	logger := logging.Setup(cfg.LogLevel)

	st, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "store:", err)
		return ExitFailure
	}
	defer st.Close()

	settings := st.LoadSettings(context.Background())
	if c.json() {
		writeJSON(stdout, settings)
		return 0
	}
	if settings.IsZero() {
		fmt.Fprintln(stdout, "no saved settings")
		return 0
	}
	fmt.Fprintf(stdout, "ip:   %s\nport: %s\n", settings.Address, settings.Port)
	return 0
}

func writeJSON(w io.Writer, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
