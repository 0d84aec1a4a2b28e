package runner

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Filesystem channels between processes. The web layer drops message files;
// the runner consumes them. Writers must write-then-rename and use names
// that sort lexicographically in send order.
const (
	messageDropRoot = "/tmp/agendo-messages"
	teamInboxRoot   = "/tmp/agendo-team"
)

// MessageDir returns the message-drop directory for one execution.
func MessageDir(executionID string) string {
	return filepath.Join(messageDropRoot, executionID)
}

// TeamInboxDir returns the team inbox directory for one session.
func TeamInboxDir(teamID, sessionID string) string {
	return filepath.Join(teamInboxRoot, teamID, sessionID)
}

// DropMessage writes one message file into a drop directory, atomically via
// write-then-rename.
func DropMessage(dir, name, content string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name+".msg"))
}

// NextMessage takes the lexicographically smallest *.msg file from dir,
// deleting it before returning the content so a crash mid-send cannot
// double-deliver. Returns ok=false when the directory is empty or missing.
func NextMessage(dir string) (content string, ok bool, err error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".msg") {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return "", false, nil
	}
	sort.Strings(names)

	path := filepath.Join(dir, names[0])
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, err
	}
	if err := os.Remove(path); err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// CleanupMessages removes an execution's drop directory.
func CleanupMessages(executionID string) {
	_ = os.RemoveAll(MessageDir(executionID))
}
