// Command hostwatch is the operator CLI: one-shot detection, quarantine and
// rollback, quarantine housekeeping, and quick host triage.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostwatch/internal/config"
	"github.com/invisible-tech/hostwatch/internal/version"
	"github.com/invisible-tech/hostwatch/pkg/quarantine"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"detect", "fetch recent events and evaluate the rules once", runDetect},
	{"quarantine", "move files into a new quarantine run", runQuarantine},
	{"clean", "quarantine files matched by signature categories", runClean},
	{"rollback", "restore files from a rollback manifest", runRollback},
	{"purge", "delete quarantine runs", runPurge},
	{"triage", "print a host summary", runTriage},
	{"ports", "list listening sockets", runPorts},
	{"log", "print the tail of the agent audit log", runLog},
}

type app struct {
	cfg config.AgentConfig
	log *logrus.Logger
	out io.Writer
	in  *bufio.Reader
}

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
	failColor = color.New(color.FgRed).SprintFunc()
	headColor = color.New(color.FgCyan, color.Bold).SprintFunc()
)

func main() {
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.WarnLevel)
	log.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(config.GetEnv("LOG_LEVEL", "warn")); err == nil {
		log.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdin, color.Output, log))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, log *logrus.Logger) int {
	global := flag.NewFlagSet("hostwatch", flag.ContinueOnError)
	global.SetOutput(stdout)
	configPath := global.String("config", "", "Path to agent.yml")
	global.Usage = func() { usage(stdout, global) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if global.NArg() == 0 {
		usage(stdout, global)
		return 1
	}

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		log.WithError(err).Warn("Ignoring unreadable agent config, using defaults")
	}
	a := &app{cfg: cfg, log: log, out: stdout, in: bufio.NewReader(stdin)}

	name, rest := global.Arg(0), global.Args()[1:]
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(ctx, a, rest); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return 0
			}
			fmt.Fprintf(stdout, "%s %v\n", failColor("error:"), err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stdout, "%s unknown command %q\n", failColor("error:"), name)
	usage(stdout, global)
	return 1
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "hostwatch %s\n\nUsage: hostwatch [-config path] <command> [flags]\n\nCommands:\n", version.String())
	for _, c := range commands {
		fmt.Fprintf(w, "  %-11s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w, "\nGlobal flags:")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func newFlagSet(a *app, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

// confirm asks before a destructive step. Anything but y/yes declines.
func (a *app) confirm(prompt string) bool {
	fmt.Fprintf(a.out, "%s [y/N]: ", prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func (a *app) manager() *quarantine.Manager {
	return quarantine.New(quarantine.Config{
		Root:       a.cfg.QuarantineDir(),
		ReportsDir: a.cfg.ReportsDir(),
	}, a.log)
}

func status(ok bool) string {
	if ok {
		return okColor("ok")
	}
	return failColor("failed")
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
