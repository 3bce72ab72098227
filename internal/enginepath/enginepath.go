// Package enginepath locates the solver executable on this machine.
package enginepath

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/gomapdl/mapdl/internal/config"
)

// Install describes one discovered solver installation.
type Install struct {
	Root    string
	Exec    string
	Version *semver.Version
}

// Installers export the release root through variables like ANSYS211_DIR.
var envPattern = regexp.MustCompile(`^ANSYS([0-9]{3})_DIR$`)

// minServerVersion is the first release whose server mode works.
var minServerVersion = semver.MustParse("17.0.0")

// Discover scans the environment for solver install roots and returns the
// installs whose executable exists, newest release first.
func Discover() []Install {
	var installs []Install
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		m := envPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		version, err := versionFromDigits(m[1])
		if err != nil {
			continue
		}
		exec := filepath.Join(value, "bin", "ansys"+m[1])
		if _, err := os.Stat(exec); err != nil {
			continue
		}
		installs = append(installs, Install{Root: value, Exec: exec, Version: version})
	}
	sort.Slice(installs, func(i, j int) bool {
		return installs[i].Version.GreaterThan(installs[j].Version)
	})
	return installs
}

// versionFromDigits converts the release digits from an environment
// variable name into a version, e.g. "211" into 21.1.
func versionFromDigits(digits string) (*semver.Version, error) {
	if len(digits) != 3 {
		return nil, fmt.Errorf("unexpected release digits %q", digits)
	}
	return semver.NewVersion(digits[:2] + "." + digits[2:])
}

// ServerCapable reports whether the release supports server mode.
func ServerCapable(version *semver.Version) bool {
	return version != nil && !version.LessThan(minServerVersion)
}

// Resolve picks the solver executable: an explicit override always wins,
// then the path cached in the config, then the newest discovered install,
// which is cached for next time.
func Resolve(override string, cfgPath string, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("solver executable %s: %w", override, err)
		}
		return override, nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return "", err
	}
	if cfg.ExecPath != "" {
		if _, err := os.Stat(cfg.ExecPath); err == nil {
			return cfg.ExecPath, nil
		}
		logger.Warn("cached solver path is gone, rediscovering",
			zap.String("path", cfg.ExecPath))
	}

	installs := Discover()
	if len(installs) == 0 {
		return "", fmt.Errorf("no solver installation found; set the executable path explicitly")
	}
	newest := installs[0]
	logger.Info("discovered solver installation",
		zap.String("exec", newest.Exec),
		zap.String("version", newest.Version.String()))

	cfg.ExecPath = newest.Exec
	cfg.Version = newest.Version.String()
	if err := config.Save(cfgPath, cfg); err != nil {
		logger.Warn("failed to cache solver path", zap.Error(err))
	}
	return newest.Exec, nil
}
