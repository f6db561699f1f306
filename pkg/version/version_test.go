package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetVersionInfoDefaults(t *testing.T) {
	info := GetVersionInfo()
	for _, want := range []string{"callbridge version", "dev", "unknown", runtime.Version()} {
		if !strings.Contains(info, want) {
			t.Errorf("GetVersionInfo() = %q, missing %q", info, want)
		}
	}
}

func TestGetVersionInfoLinkerOverrides(t *testing.T) {
	defer func(v, c, b string) {
		Version, GitCommit, BuildTime = v, c, b
	}(Version, GitCommit, BuildTime)

	Version, GitCommit, BuildTime = "v1.2.3", "abc123", "2026-08-30T00:00:00Z"
	info := GetVersionInfo()
	for _, want := range []string{"v1.2.3", "abc123", "2026-08-30T00:00:00Z"} {
		if !strings.Contains(info, want) {
			t.Errorf("GetVersionInfo() = %q, missing %q", info, want)
		}
	}
}
