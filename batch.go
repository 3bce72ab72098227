package mapdl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// BeginBatch switches the session into non-interactive mode: commands are
// queued instead of dispatched until EndBatch flushes them to the solver
// as one script.
func (s *Session) BeginBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batching = true
}

// EndBatch flushes the queued commands and returns the output they
// produced.
func (s *Session) EndBatch() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// NonInteractive queues every command fn runs and flushes them as one
// script afterwards. The flush happens even when fn fails; the captured
// output stays available through LastResponse.
func (s *Session) NonInteractive(fn func() error) error {
	s.BeginBatch()
	fnErr := fn()
	_, flushErr := s.EndBatch()
	if fnErr != nil {
		return fnErr
	}
	return flushErr
}

func (s *Session) flushLocked() (string, error) {
	if !s.batching {
		return "", fmt.Errorf("no batch is active")
	}
	// leave batching mode before dispatching, or the flush itself would
	// be queued
	s.batching = false
	commands := s.queued
	s.queued = nil

	tmpID := uuid.New().String()
	outPath := filepath.Join(s.dir, "batch_"+tmpID+".out")
	scriptPath := filepath.Join(s.dir, "batch_"+tmpID+".inp")

	script := make([]string, 0, len(commands)+2)
	script = append(script, fmt.Sprintf("/OUTPUT, '%s'", outPath))
	script = append(script, commands...)
	script = append(script, "/OUTPUT")

	// batched commands still land in the audit log even though only the
	// script runner reaches the solver
	for _, command := range commands {
		s.writeCommandLog(command)
	}

	if err := os.WriteFile(scriptPath, []byte(strings.Join(script, "\n")+"\n"), 0644); err != nil {
		return "", fmt.Errorf("writing batch script: %w", err)
	}
	defer os.Remove(scriptPath)

	if _, err := s.runLocked(fmt.Sprintf("/INPUT, '%s'", scriptPath), false); err != nil {
		return "", err
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		s.logger.Warn("unable to read response from flushed commands")
		return "", nil
	}
	os.Remove(outPath)
	response := "\n" + string(raw)
	s.lastResponse = response
	return response, nil
}
