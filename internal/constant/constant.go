package constant

import (
	"path/filepath"

	"github.com/gatebox-dev/gatebox/pkg/fs"
)

const (
	// ConfigDirName is the main configuration directory name
	ConfigDirName = ".gatebox"

	// ConfigFileName is the JSON configuration file inside the config directory
	ConfigFileName = "config.json"

	LogDirName = "log"

	// ServerLogFileName is the name of the rotating server log file
	ServerLogFileName = "gatebox.log"

	DBDirName = "db"

	// RecordsDirName holds JSONL transaction record files
	RecordsDirName = "records"
)

const DBFileName = "gatebox.db" // Unified SQLite database file

const (
	// DefaultRequestTimeout is the default deadline for a proxy transaction in seconds
	DefaultRequestTimeout = 1800

	// DefaultKeepaliveTimeout is the inactivity window for streaming transactions in seconds
	DefaultKeepaliveTimeout = 30

	// DefaultEgressQueueSize bounds chunks buffered between the policy loop and the client writer
	DefaultEgressQueueSize = 64

	// DefaultMaxTokens is the default max_tokens value for upstream requests
	DefaultMaxTokens = 8192
)

// GetGateboxConfDir returns the config directory path (default: ~/.gatebox)
func GetGateboxConfDir() string {
	homeDir, err := fs.GetUserPath()
	if err != nil {
		// Fallback to current directory if home directory is not accessible
		return ConfigDirName
	}
	return filepath.Join(homeDir, ConfigDirName)
}

// GetConfigFile returns the configuration file path
func GetConfigFile(baseDir string) string {
	return filepath.Join(baseDir, ConfigFileName)
}

// GetLogDir returns the log directory path
func GetLogDir(baseDir string) string {
	return filepath.Join(baseDir, LogDirName)
}

func GetDBDir(baseDir string) string {
	return filepath.Join(baseDir, DBDirName)
}

func GetDBFile(baseDir string) string {
	return filepath.Join(baseDir, DBDirName, DBFileName)
}

// GetRecordsDir returns the JSONL records directory path
func GetRecordsDir(baseDir string) string {
	return filepath.Join(baseDir, RecordsDirName)
}
