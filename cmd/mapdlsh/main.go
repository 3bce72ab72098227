package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/gomapdl/mapdl"
	"github.com/gomapdl/mapdl/internal/config"
)

var BUILD_VERSION = "dev"

var command = flag.String("c", "", "run a single command and exit")
var execPath = flag.String("exec", "", "solver executable (default: discovered)")
var jobname = flag.String("j", "file", "jobname the solver names its files after")
var procs = flag.Int("np", 2, "number of processors")
var runDir = flag.String("dir", "", "run location (default: current directory)")
var serverMode = flag.Bool("server", false, "drive the solver through its server mode")
var override = flag.Bool("override", false, "remove a stale lock file instead of failing")
var watch = flag.Bool("watch", false, "log solve progress from the broadcast file")
var record = flag.String("record", "", "record dispatched commands to this file")
var manual = flag.Bool("manual", false, "ask before answering solver confirmation prompts")
var debug = flag.Bool("debug", false, "log at debug level")

var helpFlag = flag.Bool("h", false, "display help information")
var versionFlag = flag.Bool("ver", false, "display build version")

const helpText = `mapdlsh - An interactive console for MAPDL-style solvers

USAGE:
  mapdlsh [options] [script.inp ...]

MODES:
  mapdlsh                 Start an interactive solver console
  mapdlsh script.inp      Run the commands in a script file
  mapdlsh -c "K,1,0,0,0"  Run a single command

CONSOLE:
  Commands are sent to the solver one at a time. Builtins:
    :batch            queue commands instead of running them
    :end              flush the queued commands as one script
    :history [n]      show the jobname's recent commands
    :history <text>   search recorded commands
    :history clear    wipe the recorded commands
    exit              shut the solver down and leave

OPTIONS:
`

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Println(BUILD_VERSION)
		return
	}

	if *helpFlag {
		fmt.Print(helpText)
		flag.PrintDefaults()
		return
	}

	logger, err := initializeLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("-------- new mapdlsh session --------", zap.Any("args", os.Args))

	session, err := launchSession(logger)
	if err != nil {
		var startupErr *mapdl.StartupError
		if errors.As(err, &startupErr) && startupErr.Transcript != "" {
			fmt.Fprintln(os.Stderr, errorStyle.Render("solver failed to start:"))
			fmt.Fprintln(os.Stderr, startupErr.Transcript)
		} else {
			fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("error:"), err)
		}
		os.Exit(1)
	}

	err = run(session, logger)
	if exitErr := session.Exit(); exitErr != nil {
		logger.Warn("solver shutdown failed", zap.Error(exitErr))
	}

	if err != nil {
		logger.Error("unhandled error", zap.Error(err))
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}

func run(session *mapdl.Session, logger *zap.Logger) error {
	// mapdlsh -c "K,1,0,0,0"
	if *command != "" {
		response, err := session.Run(*command)
		if err != nil {
			return err
		}
		fmt.Println(strings.TrimSpace(response))
		return nil
	}

	// mapdlsh
	if flag.NArg() == 0 {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			console := newConsole(session, os.Stdin, os.Stdout, BUILD_VERSION)
			return console.run()
		}
		return runScriptFromReader(session, os.Stdin)
	}

	// mapdlsh script.inp ...
	for _, filePath := range flag.Args() {
		if err := runScriptFile(session, filePath); err != nil {
			return err
		}
	}
	return nil
}

func launchSession(logger *zap.Logger) (*mapdl.Session, error) {
	opts := []mapdl.Option{
		mapdl.WithJobname(*jobname),
		mapdl.WithProcs(*procs),
		mapdl.WithLogger(logger),
	}
	if *execPath != "" {
		opts = append(opts, mapdl.WithExec(*execPath))
	}
	if *runDir != "" {
		opts = append(opts, mapdl.WithRunLocation(*runDir))
	}
	if *serverMode {
		opts = append(opts, mapdl.WithServerMode())
	}
	if *override {
		opts = append(opts, mapdl.WithLockOverride())
	}
	if *watch {
		opts = append(opts, mapdl.WithProgressWatcher())
	}
	if *record != "" {
		opts = append(opts, mapdl.WithCommandLog(*record, true))
	}
	if *manual {
		opts = append(opts, mapdl.WithoutAutoContinue(),
			mapdl.WithResponder(askOnTerminal))
	}
	opts = append(opts, mapdl.WithHistory(config.HistoryFile()))
	return mapdl.New(opts...)
}

// askOnTerminal surfaces a solver confirmation prompt to the user and
// returns the typed answer.
func askOnTerminal(prompt, response string) (string, error) {
	fmt.Println(strings.TrimSpace(response))
	fmt.Printf("%s %s ", warnStyle.Render("solver asks:"), strings.TrimSpace(prompt))
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func runScriptFile(session *mapdl.Session, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open script file: %w", err)
	}
	defer f.Close()
	return runScriptFromReader(session, f)
}

// runScriptFromReader feeds commands to the solver line by line, skipping
// blanks and comment lines.
func runScriptFromReader(session *mapdl.Session, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}
		response, err := session.Run(line)
		if err != nil {
			return err
		}
		if trimmed := strings.TrimSpace(response); trimmed != "" {
			fmt.Println(trimmed)
		}
	}
	return scanner.Err()
}

func initializeLogger() (*zap.Logger, error) {
	logLevel := zap.NewAtomicLevelAt(zap.InfoLevel)
	if *debug || BUILD_VERSION == "dev" {
		logLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = logLevel
	loggerConfig.OutputPaths = []string{
		config.LogFile(),
	}

	// Logs only go to file to avoid interleaving with solver responses.
	// Use `tail -f ~/.gomapdl/mapdlsh.log` to monitor in real time.

	return loggerConfig.Build()
}
