// Package platform resolves OS-specific directory paths for the frame
// server's data, cache, and scratch space.
package platform

import (
	"os"
	"path/filepath"
)

// AppName is the application name used for directory naming.
const AppName = "xframe"

// AppDisplayName is the display name used on Windows.
const AppDisplayName = "XFrame"

// ServerName is the server name used for temp directories.
const ServerName = "xframe-server"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\XFrame
// Linux: ~/.local/share/xframe
// macOS: ~/Library/Application Support/XFrame
func GetDataDir() string {
	return getDataDir()
}

// GetTempDir returns the scratch directory for in-flight extractions.
func GetTempDir() string {
	return getTempDir()
}

// GetCacheDir returns the cache directory for fetched bundles.
func GetCacheDir() string {
	return getCacheDir()
}

// EnsureExecutable ensures a file has executable permissions.
// On Windows, this is a no-op.
func EnsureExecutable(path string) error {
	return ensureExecutable(path)
}

// UserHomeDir returns the user's home directory with a fallback to the
// current directory.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// JoinPath is a convenience wrapper around filepath.Join.
func JoinPath(elem ...string) string {
	return filepath.Join(elem...)
}
