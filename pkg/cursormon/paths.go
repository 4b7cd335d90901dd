// Package cursormon extracts AI activity from Cursor's SQLite state
// stores: generations, composer sessions, conversation bubbles,
// background composer state and file history. Reads are snapshot-based
// and read-only; Cursor keeps writing while we poll.
package cursormon

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// layout resolves Cursor's on-disk store locations under one user data
// directory.
type layout struct {
	userDir string
}

// defaultUserDir probes the per-platform Cursor user data locations and
// returns the first that exists, or empty when Cursor is not installed.
func defaultUserDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{filepath.Join(home, "Library", "Application Support", "Cursor", "User")}
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			candidates = []string{filepath.Join(appData, "Cursor", "User")}
		}
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			candidates = append(candidates, filepath.Join(xdg, "Cursor", "User"))
		}
		candidates = append(candidates, filepath.Join(home, ".config", "Cursor", "User"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

func (l layout) workspaceStorageDir() string {
	return filepath.Join(l.userDir, "workspaceStorage")
}

func (l layout) globalDBPath() string {
	return filepath.Join(l.userDir, "globalStorage", "state.vscdb")
}

// findWorkspaceDB locates the state.vscdb for a workspace path by
// scanning workspaceStorage/<hash>/workspace.json markers. Returns empty
// when Cursor has no storage for that workspace yet.
func (l layout) findWorkspaceDB(workspacePath string) (string, error) {
	entries, err := os.ReadDir(l.workspaceStorageDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	want := filepath.Clean(workspacePath)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		marker := filepath.Join(l.workspaceStorageDir(), e.Name(), "workspace.json")
		raw, err := os.ReadFile(marker)
		if err != nil {
			continue
		}
		var meta struct {
			Folder string `json:"folder"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		if folderPath(meta.Folder) == want {
			db := filepath.Join(l.workspaceStorageDir(), e.Name(), "state.vscdb")
			if _, err := os.Stat(db); err == nil {
				return db, nil
			}
		}
	}
	return "", nil
}

// folderPath converts Cursor's folder URI (file:///home/dev/proj) into a
// clean filesystem path.
func folderPath(uri string) string {
	if !strings.HasPrefix(uri, "file://") {
		return filepath.Clean(uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return filepath.Clean(strings.TrimPrefix(uri, "file://"))
	}
	p := u.Path
	// Windows URIs carry a leading slash before the drive letter.
	if runtime.GOOS == "windows" && len(p) > 2 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.Clean(p)
}
