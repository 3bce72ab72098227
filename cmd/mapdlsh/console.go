package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/gomapdl/mapdl"
)

// ANSI colors, matching the solver console's traditional scheme
const (
	colorYellow = lipgloss.Color("11")
	colorGreen  = lipgloss.Color("10")
	colorRed    = lipgloss.Color("9")
	colorGray   = lipgloss.Color("8")
)

var (
	promptStyle = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	batchStyle  = lipgloss.NewStyle().Foreground(colorGray).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(colorGray)
	valueStyle  = lipgloss.NewStyle().Foreground(colorYellow)
	okStyle     = lipgloss.NewStyle().Foreground(colorGreen)
	errorStyle  = lipgloss.NewStyle().Foreground(colorRed)
	warnStyle   = lipgloss.NewStyle().Foreground(colorYellow)
)

const (
	symbolSuccess = "✓"
	symbolError   = "✗"
)

// solverSession is the part of a session the console drives.
type solverSession interface {
	Run(command string) (string, error)
	BeginBatch()
	EndBatch() (string, error)
	History(limit int) ([]mapdl.HistoryRecord, error)
	SearchHistory(query string, limit int) ([]mapdl.HistoryRecord, error)
	ClearHistory() error
	Jobname() string
	RunLocation() string
	IsAlive() bool
}

type console struct {
	session solverSession
	in      io.Reader
	out     io.Writer
	version string
	batch   bool
}

func newConsole(session solverSession, in io.Reader, out io.Writer, version string) *console {
	return &console{
		session: session,
		in:      in,
		out:     out,
		version: version,
	}
}

// welcome prints the session banner.
func (c *console) welcome() {
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, promptStyle.Render("mapdlsh")+" "+labelStyle.Render(c.version))
	fmt.Fprintln(c.out, labelStyle.Render("jobname: ")+valueStyle.Render(c.session.Jobname()))
	fmt.Fprintln(c.out, labelStyle.Render("rundir:  ")+valueStyle.Render(c.session.RunLocation()))
	fmt.Fprintln(c.out, labelStyle.Render("type exit to shut the solver down"))
	fmt.Fprintln(c.out)
}

func (c *console) prompt() string {
	if c.batch {
		return batchStyle.Render("batch> ")
	}
	return promptStyle.Render("mapdl> ")
}

func (c *console) run() error {
	c.welcome()

	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, c.prompt())
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" {
			return nil
		}
		if strings.HasPrefix(line, ":") {
			c.builtin(line)
			continue
		}
		c.dispatch(line)

		if !c.session.IsAlive() {
			fmt.Fprintln(c.out, errorStyle.Render("solver is gone"))
			return nil
		}
	}
}

// dispatch sends one command and renders the outcome.
func (c *console) dispatch(command string) {
	response, err := c.session.Run(command)
	if err != nil {
		c.renderError(err)
		return
	}
	if c.batch {
		fmt.Fprintln(c.out, labelStyle.Render("queued"))
		return
	}
	if trimmed := strings.TrimSpace(response); trimmed != "" {
		fmt.Fprintln(c.out, trimmed)
	}
}

func (c *console) renderError(err error) {
	var engineErr *mapdl.EngineError
	if errors.As(err, &engineErr) {
		fmt.Fprintln(c.out, errorStyle.Render(symbolError+" solver error"))
		fmt.Fprintln(c.out, strings.TrimSpace(engineErr.Response))
		return
	}
	var invalidErr *mapdl.InvalidCommandError
	if errors.As(err, &invalidErr) {
		fmt.Fprintln(c.out, warnStyle.Render(symbolError+" "+invalidErr.Error()))
		return
	}
	fmt.Fprintf(c.out, "%s %v\n", errorStyle.Render(symbolError), err)
}

func (c *console) builtin(line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case ":batch":
		if c.batch {
			fmt.Fprintln(c.out, warnStyle.Render("already batching; :end flushes"))
			return
		}
		c.session.BeginBatch()
		c.batch = true
		fmt.Fprintln(c.out, labelStyle.Render("queueing commands; :end flushes them as one script"))
	case ":end":
		if !c.batch {
			fmt.Fprintln(c.out, warnStyle.Render("no batch is active; :batch starts one"))
			return
		}
		c.batch = false
		response, err := c.session.EndBatch()
		if err != nil {
			c.renderError(err)
			return
		}
		if trimmed := strings.TrimSpace(response); trimmed != "" {
			fmt.Fprintln(c.out, trimmed)
		}
		fmt.Fprintln(c.out, okStyle.Render(symbolSuccess+" batch flushed"))
	case ":history":
		c.history(fields[1:])
	default:
		fmt.Fprintln(c.out, warnStyle.Render("unknown builtin "+fields[0]))
	}
}

// history handles `:history`, `:history <n>`, `:history <query>` and
// `:history clear`.
func (c *console) history(args []string) {
	if len(args) == 0 {
		records, err := c.session.History(20)
		c.renderHistory(records, err)
		return
	}
	if args[0] == "clear" {
		if err := c.session.ClearHistory(); err != nil {
			c.renderError(err)
			return
		}
		fmt.Fprintln(c.out, okStyle.Render(symbolSuccess+" history cleared"))
		return
	}
	if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
		records, err := c.session.History(n)
		c.renderHistory(records, err)
		return
	}
	records, err := c.session.SearchHistory(strings.Join(args, " "), 20)
	c.renderHistory(records, err)
}

func (c *console) renderHistory(records []mapdl.HistoryRecord, err error) {
	if err != nil {
		c.renderError(err)
		return
	}
	if len(records) == 0 {
		fmt.Fprintln(c.out, labelStyle.Render("no history yet"))
		return
	}
	for _, record := range records {
		marker := okStyle.Render(symbolSuccess)
		if !record.Succeeded {
			marker = errorStyle.Render(symbolError)
		}
		fmt.Fprintf(c.out, "%s %s  %s\n",
			marker,
			record.Command,
			labelStyle.Render(humanize.Time(record.At)),
		)
	}
}
