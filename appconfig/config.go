// Package appconfig manages the server configuration: a JSON file in the
// platform data directory with an RWMutex-guarded in-memory copy.
package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/lumonic/xframe/correction"
	"github.com/lumonic/xframe/frame"
	"github.com/lumonic/xframe/platform"
)

// Config holds the frame server configuration: storage paths, detector
// geometry, conversion defaults, and calibration constants.
type Config struct {
	DBPath string `json:"dbPath"`

	// IncomingPath is scanned by ingest jobs for new raw frames.
	IncomingPath string `json:"incomingPath"`
	// OutputPath receives converted PNGs and corrected frames.
	OutputPath string `json:"outputPath"`

	// Detector geometry and raw byte order.
	FrameWidth  int    `json:"frameWidth"`
	FrameHeight int    `json:"frameHeight"`
	Endianness  string `json:"endianness"`

	// Conversion defaults.
	Keep16Bit     bool `json:"keep16Bit"`
	DenoiseKernel int  `json:"denoiseKernel"`
	PreviewMaxDim int  `json:"previewMaxDim"`

	// Workers caps concurrently running conversion jobs.
	Workers int `json:"workers"`

	// Calibration constants and gain map locations.
	Calibration        correction.Calibration `json:"calibration"`
	CorrectionLowPath  string                 `json:"correctionLowPath"`
	CorrectionHighPath string                 `json:"correctionHighPath"`

	// Server settings.
	ListenAddr string `json:"listenAddr"`
	JWTSecret  string `json:"jwtSecret"`
}

var (
	cfgMu  sync.RWMutex
	cfg    Config
	dirMu  sync.RWMutex
	cfgDir string
)

// DefaultDBPath returns the default database path inside the platform
// data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "xframe.db")
}

// defaultFramesPath returns the default incoming frames path (~/frames).
func defaultFramesPath() string {
	return filepath.Join(platform.UserHomeDir(), "frames")
}

// defaultConfig returns a Config populated with sensible defaults for the
// stock detector.
func defaultConfig() Config {
	dataDir := platform.GetDataDir()
	return Config{
		DBPath:             DefaultDBPath(),
		IncomingPath:       defaultFramesPath(),
		OutputPath:         filepath.Join(defaultFramesPath(), "png"),
		FrameWidth:         frame.DefaultWidth,
		FrameHeight:        frame.DefaultHeight,
		Endianness:         "little",
		Keep16Bit:          true,
		DenoiseKernel:      3,
		PreviewMaxDim:      1024,
		Workers:            2,
		Calibration:        correction.Default(),
		CorrectionLowPath:  filepath.Join(dataDir, "correction_low.csv"),
		CorrectionHighPath: filepath.Join(dataDir, "correction_high.csv"),
		ListenAddr:         "127.0.0.1:8750",
		JWTSecret:          uuid.New().String(),
	}
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

// SetConfigDir overrides the directory the config file is read from and
// written to. An empty value restores the platform default.
func SetConfigDir(dir string) {
	dirMu.Lock()
	cfgDir = dir
	dirMu.Unlock()
}

func configDir() string {
	dirMu.RLock()
	defer dirMu.RUnlock()
	if cfgDir != "" {
		return cfgDir
	}
	return platform.GetDataDir()
}

func getConfigPath() string {
	return filepath.Join(configDir(), "config.json")
}

// Load reads the config from disk and updates the in-memory copy,
// returning the config and its path. A missing file is created with
// defaults; missing fields in an existing file are filled in from the
// defaults.
func Load() (Config, string, error) {
	path := getConfigPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			def := defaultConfig()
			if err := os.MkdirAll(filepath.Dir(def.DBPath), 0755); err != nil {
				return Config{}, "", fmt.Errorf("failed to create database directory: %v", err)
			}
			savedPath, saveErr := Save(def)
			if saveErr != nil {
				return Config{}, path, fmt.Errorf("failed to create default config file: %v", saveErr)
			}
			Set(def)
			return def, savedPath, nil
		}
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %v", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %v", err)
	}

	def := defaultConfig()
	needsSave := false

	if c.DBPath == "" {
		c.DBPath = def.DBPath
		needsSave = true
	}
	if c.IncomingPath == "" {
		c.IncomingPath = def.IncomingPath
	}
	if c.OutputPath == "" {
		c.OutputPath = def.OutputPath
	}
	if c.FrameWidth == 0 {
		c.FrameWidth = def.FrameWidth
	}
	if c.FrameHeight == 0 {
		c.FrameHeight = def.FrameHeight
	}
	if c.Endianness == "" {
		c.Endianness = def.Endianness
	}
	if c.DenoiseKernel == 0 {
		c.DenoiseKernel = def.DenoiseKernel
	}
	if c.PreviewMaxDim == 0 {
		c.PreviewMaxDim = def.PreviewMaxDim
	}
	if c.Workers == 0 {
		c.Workers = def.Workers
	}
	if c.Calibration.KernelSize == 0 {
		c.Calibration = def.Calibration
	}
	if c.CorrectionLowPath == "" {
		c.CorrectionLowPath = def.CorrectionLowPath
	}
	if c.CorrectionHighPath == "" {
		c.CorrectionHighPath = def.CorrectionHighPath
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.JWTSecret == "" {
		c.JWTSecret = uuid.New().String()
		needsSave = true
	}

	if err := os.MkdirAll(filepath.Dir(c.DBPath), 0755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create database directory: %v", err)
	}

	if needsSave {
		if _, saveErr := Save(c); saveErr != nil {
			// Continue with the in-memory config.
			fmt.Printf("Warning: failed to save updated config: %v\n", saveErr)
		}
	}

	Set(c)
	return c, path, nil
}

// Save writes the config to disk, creating the directory as needed, and
// updates the in-memory copy. Returns the path.
func Save(c Config) (string, error) {
	path := getConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %v", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return path, fmt.Errorf("failed to write config file: %v", err)
	}
	Set(c)
	return path, nil
}
