package appconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lumonic/xframe/frame"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.FrameWidth != frame.DefaultWidth {
		t.Errorf("Default FrameWidth = %d; want %d", cfg.FrameWidth, frame.DefaultWidth)
	}
	if cfg.FrameHeight != frame.DefaultHeight {
		t.Errorf("Default FrameHeight = %d; want %d", cfg.FrameHeight, frame.DefaultHeight)
	}
	if cfg.Endianness != "little" {
		t.Errorf("Default Endianness = %q; want %q", cfg.Endianness, "little")
	}
	if !cfg.Keep16Bit {
		t.Error("Default Keep16Bit should be true")
	}
	if cfg.DenoiseKernel != 3 {
		t.Errorf("Default DenoiseKernel = %d; want 3", cfg.DenoiseKernel)
	}
	if cfg.Calibration.IntensityLow != 15260 {
		t.Errorf("Default IntensityLow = %v; want 15260", cfg.Calibration.IntensityLow)
	}
	if cfg.Calibration.IntensityHigh != 25726 {
		t.Errorf("Default IntensityHigh = %v; want 25726", cfg.Calibration.IntensityHigh)
	}
	if cfg.JWTSecret == "" {
		t.Error("Default JWTSecret should not be empty")
	}
	if cfg.Workers < 1 {
		t.Errorf("Default Workers = %d; want at least 1", cfg.Workers)
	}
}

// TestGetSet verifies Get/Set functions for the in-memory config
func TestGetSet(t *testing.T) {
	orig := Get()
	defer Set(orig)

	c := defaultConfig()
	c.DenoiseKernel = 5
	Set(c)

	if got := Get(); got.DenoiseKernel != 5 {
		t.Errorf("Get().DenoiseKernel = %d; want 5", got.DenoiseKernel)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	SetConfigDir(dir)
	defer SetConfigDir("")
	orig := Get()
	defer Set(orig)

	c := defaultConfig()
	c.DBPath = filepath.Join(dir, "test.db")
	c.FrameWidth = 1024
	c.Endianness = "big"

	path, err := Save(c)
	if err != nil {
		t.Fatalf("Save error = %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("Save path = %q; want inside %q", path, dir)
	}

	loaded, _, err := Load()
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if loaded.FrameWidth != 1024 || loaded.Endianness != "big" {
		t.Errorf("Load = %+v; want saved values back", loaded)
	}
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	SetConfigDir(dir)
	defer SetConfigDir("")
	orig := Get()
	defer Set(orig)

	c, path, err := Load()
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Load did not create config file: %v", err)
	}
	if c.FrameWidth != frame.DefaultWidth {
		t.Errorf("created config FrameWidth = %d; want default", c.FrameWidth)
	}
}

func TestLoadFillsMissingFields(t *testing.T) {
	dir := t.TempDir()
	SetConfigDir(dir)
	defer SetConfigDir("")
	orig := Get()
	defer Set(orig)

	partial := map[string]any{"endianness": "big"}
	data, _ := json.Marshal(partial)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatal(err)
	}

	c, _, err := Load()
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if c.Endianness != "big" {
		t.Errorf("Endianness = %q; want preserved %q", c.Endianness, "big")
	}
	if c.FrameWidth != frame.DefaultWidth || c.DenoiseKernel != 3 {
		t.Error("Load did not fill missing fields with defaults")
	}
	if c.JWTSecret == "" {
		t.Error("Load did not generate a JWT secret")
	}
	if c.Calibration.IntensityLow != 15260 {
		t.Error("Load did not fill missing calibration defaults")
	}
}
