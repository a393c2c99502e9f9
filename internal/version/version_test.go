package version

import (
	"strings"
	"testing"
)

func TestSetInfo(t *testing.T) {
	originalVersion, originalBuildTime := Version, BuildTime
	originalGitCommit, originalGoVersion := GitCommit, GoVersion
	defer func() {
		Version, BuildTime = originalVersion, originalBuildTime
		GitCommit, GoVersion = originalGitCommit, originalGoVersion
	}()

	SetInfo("1.0.0", "2026-01-01T00:00:00Z", "abc123", "go1.26")

	if Version != "1.0.0" {
		t.Errorf("Version = %s, want 1.0.0", Version)
	}
	if GitCommit != "abc123" {
		t.Errorf("GitCommit = %s, want abc123", GitCommit)
	}
}

func TestSetInfoEmptyValues(t *testing.T) {
	originalVersion := Version
	defer func() { Version = originalVersion }()

	Version = "test-version"
	SetInfo("", "", "", "")

	if Version != "test-version" {
		t.Errorf("Version should not change with empty value, got %s", Version)
	}
}

func TestString(t *testing.T) {
	originalVersion := Version
	defer func() { Version = originalVersion }()

	Version = "1.2.3"
	if s := String(); !strings.Contains(s, "nexq 1.2.3") {
		t.Errorf("String() = %q, want it to contain version", s)
	}
}
