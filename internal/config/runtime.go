package config

import (
	"os"
	"path/filepath"
	"strings"
)

// RuntimeMode represents the execution environment
type RuntimeMode string

const (
	// DockerMode indicates running inside a container
	DockerMode RuntimeMode = "docker"
	// NativeMode indicates running on the host system
	NativeMode RuntimeMode = "native"
)

// RuntimeConfig describes where the server keeps its state on this host.
type RuntimeConfig struct {
	Mode      RuntimeMode
	HomeDir   string
	StateDir  string // ~/.ccui
	TempDir   string
	ListenAll bool // containers must bind every interface to be reachable
}

// DetectRuntime determines the current runtime environment.
func DetectRuntime() *RuntimeConfig {
	mode := detectMode()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.Getenv("HOME")
		if homeDir == "" {
			homeDir = "."
		}
	}

	rc := &RuntimeConfig{
		Mode:     mode,
		HomeDir:  homeDir,
		StateDir: filepath.Join(homeDir, ".ccui"),
		TempDir:  os.TempDir(),
	}
	rc.ListenAll = rc.IsDocker()
	return rc
}

func detectMode() RuntimeMode {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return DockerMode
	}

	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		if strings.Contains(string(data), "docker") || strings.Contains(string(data), "containerd") {
			return DockerMode
		}
	}

	if os.Getenv("CCUI_CONTAINER") == "true" {
		return DockerMode
	}

	return NativeMode
}

// IsDocker returns true if running in Docker mode
func (rc *RuntimeConfig) IsDocker() bool {
	return rc.Mode == DockerMode
}
