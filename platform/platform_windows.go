//go:build windows
// +build windows

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	appDataDir := os.Getenv("APPDATA")
	if appDataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		return filepath.Join(home, "."+AppName)
	}
	return filepath.Join(appDataDir, AppDisplayName)
}

func getTempDir() string {
	programData := os.Getenv("ProgramData")
	if programData == "" {
		return filepath.Join(os.TempDir(), ServerName)
	}
	return filepath.Join(programData, AppDisplayName, "tmp")
}

func getCacheDir() string {
	// On Windows, cache and data share a location.
	return getDataDir()
}

func ensureExecutable(path string) error {
	// Executability is determined by file extension on Windows.
	return nil
}
