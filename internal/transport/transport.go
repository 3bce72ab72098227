package transport

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrClosed indicates the solver process is gone or its channel was
	// shut down.
	ErrClosed = errors.New("transport closed")

	// ErrExpectTimeout indicates no prompt pattern matched within the
	// allowed time.
	ErrExpectTimeout = errors.New("timed out waiting for prompt")
)

// StartupError carries everything the solver printed before startup failed.
type StartupError struct {
	Transcript string
	Err        error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed: %v", e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Backend is the minimal contract the session drives: write a line, report
// liveness, terminate. The two implementations extend it with their own
// round-trip call shape.
type Backend interface {
	Send(line string) error
	IsAlive() bool
	Close() error
	Kill() error
}

// Config describes how to launch the solver.
type Config struct {
	Exec     string
	Jobname  string
	Procs    int
	Switches []string
	Dir      string

	StartTimeout time.Duration
	Logger       *zap.Logger
}

const defaultStartTimeout = 20 * time.Second

func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Config) startTimeout() time.Duration {
	if c.StartTimeout <= 0 {
		return defaultStartTimeout
	}
	return c.StartTimeout
}

// Args builds the launch argument list: job identifier, processor count,
// then any raw switches. Server mode appends its own switch in StartRemote.
func (c *Config) Args() []string {
	var args []string
	if c.Jobname != "" {
		args = append(args, "-j", c.Jobname)
	}
	if c.Procs > 0 {
		args = append(args, "-np", strconv.Itoa(c.Procs))
	}
	return append(args, c.Switches...)
}
