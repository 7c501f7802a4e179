// Package hooks writes the per-session agent settings that wire the agent's
// Stop event back to the server.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ccui-dev/ccui/internal/logger"
)

const (
	SettingsFile = "settings.json"
	ScriptFile   = "notify-stop.sh"
)

// ClaudeSettings is the subset of the agent's settings.json we generate.
type ClaudeSettings struct {
	Hooks map[string][]HookMatcher `json:"hooks,omitempty"`
}

type HookMatcher struct {
	Matcher string     `json:"matcher"`
	Hooks   []HookSpec `json:"hooks"`
}

type HookSpec struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// notifyScript is called as: sh notify-stop.sh <port> <sessionId>. The POST
// is backgrounded so the agent never waits on the server, and the script
// exits 0 whatever happens.
const notifyScript = `#!/bin/sh
PORT="$1"
SESSION_ID="$2"
curl -s -m 5 -X POST "http://127.0.0.1:${PORT}/api/internal/sessions/${SESSION_ID}/advance-to-review" >/dev/null 2>&1 &
exit 0
`

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Generator creates hook directories under BaseDir.
type Generator struct {
	BaseDir string
}

// NewGenerator uses baseDir, or $TMPDIR/ccui-hooks when it is empty.
func NewGenerator(baseDir string) *Generator {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "ccui-hooks")
	}
	return &Generator{BaseDir: baseDir}
}

// Dir is the hook directory of a session.
func (g *Generator) Dir(sessionID string) string {
	name := unsafeChars.ReplaceAllString(sessionID, "_")
	if strings.Trim(name, ".") == "" {
		name = strings.Repeat("_", len(name))
	}
	return filepath.Join(g.BaseDir, name)
}

// Settings builds the settings document for a session whose hook dir is dir.
func Settings(dir string, serverPort int, sessionID string) ClaudeSettings {
	// forward slashes survive shell quoting on every platform, and JSON
	// encoding does the only escaping the command needs
	script := filepath.ToSlash(filepath.Join(dir, ScriptFile))
	command := fmt.Sprintf(`sh "%s" %d %s`, script, serverPort, sessionID)

	return ClaudeSettings{
		Hooks: map[string][]HookMatcher{
			"Stop": {{
				Matcher: "*",
				Hooks:   []HookSpec{{Type: "command", Command: command}},
			}},
		},
	}
}

// CreateHookSettings writes the notifier script and settings.json for a
// session and returns the settings path to pass to the agent.
func (g *Generator) CreateHookSettings(sessionID string, serverPort int) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	dir := g.Dir(sessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create hook dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, ScriptFile), []byte(notifyScript), 0755); err != nil {
		return "", fmt.Errorf("write notify script: %w", err)
	}

	data, err := json.MarshalIndent(Settings(dir, serverPort, sessionID), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode hook settings: %w", err)
	}
	path := filepath.Join(dir, SettingsFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write hook settings: %w", err)
	}

	logger.Debugf("🪝 wrote hook settings for session %s to %s", sessionID, path)
	return path, nil
}

// CleanupHookSettings removes the session's hook directory. Failures are
// logged and otherwise ignored.
func (g *Generator) CleanupHookSettings(sessionID string) {
	if sessionID == "" {
		return
	}
	if err := os.RemoveAll(g.Dir(sessionID)); err != nil {
		logger.Debugf("🪝 failed to remove hook dir for %s: %v", sessionID, err)
	}
}
