package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Default values for optional config fields.
const (
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
	DefaultSysRoot           = "/sys"
	DefaultDevRoot           = "/dev"
	DefaultMountInfo         = "/proc/self/mountinfo"
	DefaultQueueDepth        = 64
	DefaultMountPollInterval = Duration(2 * time.Second)
	DefaultRearmInitial      = Duration(500 * time.Millisecond)
	DefaultRearmMax          = Duration(10 * time.Second)
	DefaultRearmAttempts     = 5
	DefaultJournalPath       = "/var/lib/usbmon/journal.db"
	DefaultInspectMaxFiles   = 500
)

// ExampleConfig is the template for -init with documentation comments.
const ExampleConfig = `# usbmon configuration

[log]
# debug, info, warn, error
level = "info"
# console or json
format = "console"

[system]
sys_root = "/sys"
dev_root = "/dev"
mount_info = "/proc/self/mountinfo"

[monitor]
# Events buffered per subscriber before the oldest are dropped
queue_depth = 64
# Fallback rescan of the mount table (duration string: "500ms", "2s", ...)
mount_poll_interval = "2s"
# Backoff when the udev netlink socket has to be re-armed
rearm_initial = "500ms"
rearm_max = "10s"
rearm_attempts = 5

[journal]
# Record every state change in a SQLite database
enabled = false
path = "/var/lib/usbmon/journal.db"

[policy]
# De-authorize devices on the block list as soon as they attach (needs root)
enforce = false
# Also block devices exposing both mass storage and HID interfaces
block_suspect = false

[inspect]
# Scan newly mounted volumes for files whose content does not match their extension
enabled = false
max_files = 500
`

// GenerateExampleConfig writes the example config to the given path.
// If path is empty, it uses the default XDG path.
// An existing file is never overwritten.
// Returns the path where the file was written.
func GenerateExampleConfig(path string) (string, error) {
	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("cannot create config file: %w", err)
	}
	if _, err := f.WriteString(ExampleConfig); err != nil {
		f.Close()
		return "", fmt.Errorf("cannot write config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("cannot write config file: %w", err)
	}
	return path, nil
}
