package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandConfigDir expands ~ to user home directory and returns absolute path
func ExpandConfigDir(path string) (string, error) {
	if path == "" {
		return path, nil
	}

	// Expand ~ to user home directory
	if strings.HasPrefix(path, "~/") || path == "~" {
		homeDir, err := GetUserPath()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		if path == "~" {
			path = homeDir
		} else {
			path = filepath.Join(homeDir, path[2:])
		}
	}

	// Convert to absolute path
	return filepath.Abs(path)
}

// GetUserPath returns the user's home directory path across all platforms
func GetUserPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	// Ensure the path is cleaned and absolute
	return filepath.Clean(homeDir), nil
}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
