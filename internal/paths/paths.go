// Package paths centralizes file and directory names used across the project.
// All data directory file names are defined here as the single source of truth.
package paths

import "path/filepath"

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	PIDFile    = "sigrelay.pid"
	ConfigFile = "config.toml"
	LogFile    = "sigrelay.log"
	StatusFile = "status.json"
)

// Install-level names.
const (
	BinaryName = "sigrelay"
	DataDirRel = ".sigrelay" // relative to $HOME
)

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir provides path construction methods rooted at a data directory.
type DataDir struct {
	Root string
}

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// Status returns the full path to the status snapshot.
func (d DataDir) Status() string { return filepath.Join(d.Root, StatusFile) }
