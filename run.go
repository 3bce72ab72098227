package mapdl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gomapdl/mapdl/internal/history"
	"github.com/gomapdl/mapdl/internal/protocol"
	"github.com/gomapdl/mapdl/internal/transport"
)

// continueAnswer acknowledges solver confirmation prompts when automatic
// continuation is on.
const continueAnswer = "y"

// scratchParameter holds intermediate values for the float helpers.
const scratchParameter = "__floatparameter__"

// invalidCommands are script-only constructs; keyed by the 3- or
// 4-character command prefix, valued by the hint returned to the caller.
var invalidCommands = map[string]string{
	"*IF": "branch on the Go side or wrap the block in NonInteractive",
	"*VWR": "run *VWRITE inside NonInteractive so the whole block " +
		"reaches the solver as one script",
	"*CFO": "run *CFOPEN inside NonInteractive so the whole block " +
		"reaches the solver as one script",
	"*CRE": "define macros inside NonInteractive",
	"*END": "define macros inside NonInteractive",
}

// redirectedCommands run locally instead of reaching the solver.
var redirectedCommands = map[string]func(*Session, string) (string, error){
	"*LIS": (*Session).listFile,
}

var (
	parenPattern = regexp.MustCompile(`\(([^)]+)\)`)
	plotPattern  = regexp.MustCompile(`WRITTEN TO FILE\s+(\S+\.png)`)
)

// Run submits one command and returns the solver's response text. While a
// batch is active the command is queued instead and the response is empty.
func (s *Session) Run(command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("empty command")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runLocked(command, true)
}

func (s *Session) runLocked(command string, writeToLog bool) (string, error) {
	if s.exited {
		return "", fmt.Errorf("%w: session already shut down", ErrTerminated)
	}
	if s.batching {
		s.queued = append(s.queued, command)
		s.logger.Debug("queued command", zap.String("command", command))
		return "", nil
	}

	if len(command) >= 3 {
		if hint, ok := invalidCommands[strings.ToUpper(command[:3])]; ok {
			return "", &InvalidCommandError{Command: command, Hint: hint}
		}
	}
	if len(command) >= 4 {
		if hint, ok := invalidCommands[strings.ToUpper(command[:4])]; ok {
			return "", &InvalidCommandError{Command: command, Hint: hint}
		}
	}

	if writeToLog {
		s.writeCommandLog(command)
	}

	if len(command) >= 4 {
		if handler, ok := redirectedCommands[strings.ToUpper(command[:4])]; ok {
			return handler(s, command)
		}
	}

	var entry *history.HistoryEntry
	if s.history != nil {
		recorded, err := s.history.StartCommand(command, s.jobname)
		if err != nil {
			s.logger.Warn("history record failed", zap.Error(err))
		} else {
			entry = recorded
		}
	}
	started := time.Now()

	s.logger.Debug("running command", zap.String("command", command))
	response, err := s.dispatch(command)

	if entry != nil {
		if _, ferr := s.history.FinishCommand(entry, err == nil, time.Since(started), len(response)); ferr != nil {
			s.logger.Warn("history record failed", zap.Error(ferr))
		}
	}
	if err != nil {
		return response, err
	}

	s.logger.Info("solver response", zap.String("response", response))
	s.lastResponse = response
	if s.outFile != nil {
		if _, werr := s.outFile.WriteString(response); werr != nil {
			s.logger.Warn("output redirect write failed", zap.Error(werr))
		}
	}
	s.firePlotHook(response)
	return response, nil
}

func (s *Session) dispatch(command string) (string, error) {
	if s.remote != nil {
		return s.remoteDispatch(command)
	}
	return s.streamDispatch(command)
}

// streamDispatch sends the command down the pty and resolves the solver's
// prompts until the response is complete.
func (s *Session) streamDispatch(command string) (string, error) {
	if strings.HasPrefix(strings.ToUpper(command), "/MENU") {
		// the GUI toggle never produces a prompt to wait for
		s.logger.Info("passing GUI toggle through", zap.String("command", command))
		return "", s.liveness(s.stream.Send(command))
	}
	if err := s.stream.Send(command); err != nil {
		return "", s.liveness(err)
	}

	var full strings.Builder
	for {
		idx, before, matched, err := s.stream.Expect(protocol.Prompts(), 0)
		full.WriteString(before)
		if err != nil {
			return full.String(), s.liveness(err)
		}
		switch protocol.KindOf(idx) {
		case protocol.Ready:
			return s.checkResponse(full.String())
		case protocol.EngineError:
			full.WriteString(matched)
			response := full.String()
			s.logger.Error("solver raised an error", zap.String("response", response))
			return response, &EngineError{Response: response}
		case protocol.InputPrompt:
			return full.String(), &UserInputError{Response: full.String()}
		case protocol.Warning:
			s.logger.Warn("solver asked for confirmation", zap.String("prompt", matched))
			if err := s.answerPrompt(matched, full.String()); err != nil {
				return full.String(), err
			}
		default: // protocol.Continue
			s.logger.Info("solver paused for an acknowledgement")
			if err := s.answerPrompt(matched, full.String()); err != nil {
				return full.String(), err
			}
		}
	}
}

// answerPrompt resolves a confirmation prompt: automatically, through the
// responder, or by failing when neither applies.
func (s *Session) answerPrompt(prompt, soFar string) error {
	answer := continueAnswer
	if !s.autoContinue {
		if s.responder == nil {
			return &UserInputError{Response: soFar}
		}
		supplied, err := s.responder(prompt, soFar)
		if err != nil {
			return err
		}
		answer = supplied
	}
	return s.liveness(s.stream.Send(answer))
}

// remoteDispatch runs the command through the solver server. Commands the
// server cannot host are handled locally.
func (s *Session) remoteDispatch(command string) (string, error) {
	upper := strings.ToUpper(command)
	switch {
	case strings.HasPrefix(upper, "/COM"):
		// comments never reach the server
		_, text, _ := strings.Cut(command, ",")
		s.logger.Info(text)
		return text, nil
	case strings.HasPrefix(upper, "/OUT"):
		return "", s.redirectOutput(command)
	}
	response, err := s.remote.Call(command)
	if err != nil {
		return response, s.liveness(err)
	}
	return s.checkResponse(response)
}

// checkResponse applies the in-band scans a completed response still has
// to pass.
func (s *Session) checkResponse(response string) (string, error) {
	if protocol.HasError(response) {
		s.logger.Error("solver reported an error", zap.String("response", response))
		return response, &EngineError{Response: response}
	}
	if protocol.WasIgnored(response) {
		if !s.allowIgnore {
			return response, &IgnoredCommandError{Reason: "solver ignored the command", Response: response}
		}
		s.logger.Warn("solver ignored the command", zap.String("response", response))
	}
	if protocol.IsUnrecognized(response) {
		if !s.allowIgnore {
			return response, &IgnoredCommandError{Reason: "solver did not recognize the command", Response: response}
		}
		s.logger.Warn("solver did not recognize the command", zap.String("response", response))
	}
	return response, nil
}

// liveness folds transport failures into ErrTerminated when the solver is
// gone.
func (s *Session) liveness(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrClosed) || !s.backend.IsAlive() {
		return fmt.Errorf("%w: %v", ErrTerminated, err)
	}
	return err
}

// redirectOutput reproduces the solver's output redirection on the client
// side, for backends where the real command is unavailable.
func (s *Session) redirectOutput(command string) error {
	if s.outFile != nil {
		s.outFile.Close()
		s.outFile = nil
	}
	items := strings.Split(command, ",")
	if len(items) < 2 || strings.TrimSpace(items[1]) == "" {
		return nil
	}
	name := strings.TrimSpace(items[1])
	if len(items) >= 3 && strings.TrimSpace(items[2]) != "" {
		name += "." + strings.TrimSpace(items[2])
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if len(items) >= 4 && strings.TrimSpace(items[3]) != "" {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(filepath.Join(s.dir, name), flags, 0644)
	if err != nil {
		return fmt.Errorf("opening redirect target: %w", err)
	}
	s.outFile = f
	return nil
}

// listFile replaces the solver's file listing command with a local read.
func (s *Session) listFile(command string) (string, error) {
	items := strings.Split(command, ",")
	if len(items) < 2 {
		return "", fmt.Errorf("list command needs a file name")
	}
	parts := make([]string, 0, len(items)-1)
	for _, item := range items[1:] {
		parts = append(parts, strings.TrimSpace(item))
	}
	name := strings.Join(parts, ".")
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", name, err)
	}
	return string(raw), nil
}

// firePlotHook hands a freshly written plot image to the registered hook.
func (s *Session) firePlotHook(response string) {
	if s.plotHook == nil {
		return
	}
	m := plotPattern.FindStringSubmatch(response)
	if m == nil {
		return
	}
	path := filepath.Join(s.dir, m[1])
	if _, err := os.Stat(path); err != nil {
		// the solver numbers plot files itself; fall back to the newest
		matches, _ := filepath.Glob(filepath.Join(s.dir, s.jobname+"*.png"))
		if len(matches) == 0 {
			return
		}
		sort.Slice(matches, func(i, j int) bool {
			fi, erri := os.Stat(matches[i])
			fj, errj := os.Stat(matches[j])
			if erri != nil || errj != nil {
				return matches[i] < matches[j]
			}
			return fi.ModTime().After(fj.ModTime())
		})
		path = matches[0]
	}
	s.plotHook(path)
}

// SetPlotHook registers a callback invoked with the path of each plot
// image the solver reports writing. The hook runs on the command's
// goroutine and must not submit commands itself.
func (s *Session) SetPlotHook(fn func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plotHook = fn
}

// Processor reports the routine the solver is currently in, e.g. "BEGIN"
// or "PREP7". The query is itself a command round trip.
func (s *Session) Processor() (string, error) {
	response, err := s.Run("/STATUS")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(response, "\n") {
		if !strings.Contains(line, "Current routine") {
			continue
		}
		if m := parenPattern.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("no routine in status response")
}

// Inquire asks the solver a runtime question, e.g. Inquire("DIRECTORY")
// or Inquire("RSTFILE").
func (s *Session) Inquire(what string) (string, error) {
	response, err := s.Run(fmt.Sprintf("/INQUIRE, , %s", what))
	if err != nil {
		return "", err
	}
	if _, rest, ok := strings.Cut(response, "="); ok {
		value, _, _ := strings.Cut(rest, "\n")
		return strings.TrimSpace(value), nil
	}
	return "", fmt.Errorf("unexpected inquiry response: %q", strings.TrimSpace(response))
}

// ReadFloatParameter evaluates a scalar solver parameter by echoing it
// back through a self-assignment.
func (s *Session) ReadFloatParameter(name string) (float64, error) {
	response, err := s.Run(fmt.Sprintf("%s = %s", name, name))
	if err != nil {
		return 0, err
	}
	return lastFloat(response)
}

// ReadFloatFromInlineFunction evaluates a solver inline expression such
// as "KX(4)" through the scratch parameter.
func (s *Session) ReadFloatFromInlineFunction(expr string) (float64, error) {
	if _, err := s.Run(fmt.Sprintf("%s = %s", scratchParameter, expr)); err != nil {
		return 0, err
	}
	return s.ReadFloatParameter(scratchParameter)
}

// GetFloat runs a retrieval command against the scratch parameter and
// returns the value, e.g. GetFloat("KP", "2", "LOC", "X").
func (s *Session) GetFloat(args ...string) (float64, error) {
	command := fmt.Sprintf("*GET,%s,%s", scratchParameter, strings.Join(args, ","))
	response, err := s.Run(command)
	if err != nil {
		return 0, err
	}
	return lastFloat(response)
}

// lastFloat parses the value after the last "=" in a response, the form
// the solver echoes assignments and retrievals in.
func lastFloat(response string) (float64, error) {
	i := strings.LastIndex(response, "=")
	if i < 0 {
		return 0, fmt.Errorf("no value in response: %q", strings.TrimSpace(response))
	}
	value := response[i+1:]
	if j := strings.IndexByte(value, '\n'); j >= 0 {
		value = value[:j]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing value from response: %w", err)
	}
	return v, nil
}

// LoadParameters snapshots the solver's parameter space by dumping it to
// a file in the run location and parsing it back.
func (s *Session) LoadParameters() (*Parameters, error) {
	path := filepath.Join(s.dir, uuid.New().String()+".parm")
	defer os.Remove(path)
	if _, err := s.Run(fmt.Sprintf("PARSAV,ALL,'%s'", path)); err != nil {
		return nil, err
	}
	return ParseParameterFile(path)
}
