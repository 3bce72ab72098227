package mapdl

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResultReader consumes a solver result file. Register one with
// SetResultReader to make Result work; the binary format itself is out of
// this package's scope.
type ResultReader func(path string) (any, error)

// SetResultReader registers the reader Result hands the result file to.
func (s *Session) SetResultReader(reader ResultReader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resultReader = reader
}

// ResultPath resolves the solver's current result file. The solver is
// asked for the name first; the jobname is the fallback.
func (s *Session) ResultPath() (string, error) {
	name := s.jobname
	if inquired, err := s.Inquire("RSTFILE"); err == nil && inquired != "" {
		name = inquired
	}
	path := filepath.Join(s.dir, name)
	if filepath.Ext(path) == "" {
		path += ".rst"
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("result file %s: %w", path, err)
	}
	return path, nil
}

// Result resolves the current result file and reads it through the
// registered reader.
func (s *Session) Result() (any, error) {
	s.mu.Lock()
	reader := s.resultReader
	s.mu.Unlock()
	if reader == nil {
		return nil, ErrNoResultReader
	}
	path, err := s.ResultPath()
	if err != nil {
		return nil, err
	}
	return reader(path)
}
