package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetRequiredDirectories returns the directories that must exist in an agentq workspace
func GetRequiredDirectories() []string {
	return []string{
		"instances", // /instances/<user>/<instance>/ (agent working directories)
		"journal",   // /journal/events.ndjson (append-only lifecycle journal)
		"state",     // /state/agentq.db (sqlite store)
	}
}

// Initialize creates all required workspace directories with proper permissions (0700)
// This function is idempotent - safe to call multiple times
func Initialize(workspaceRoot string) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(workspaceRoot, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized checks if a workspace has all required directories
func IsInitialized(workspaceRoot string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(workspaceRoot, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

// InstanceDir returns the isolated working directory for one instance
func InstanceDir(workspaceRoot, userID, instanceID string) (string, error) {
	user, err := safeSegment(userID)
	if err != nil {
		return "", fmt.Errorf("invalid user id: %w", err)
	}
	inst, err := safeSegment(instanceID)
	if err != nil {
		return "", fmt.Errorf("invalid instance id: %w", err)
	}
	return filepath.Join(workspaceRoot, "instances", user, inst), nil
}

// CreateInstanceDir creates and returns the instance working directory (0700)
func CreateInstanceDir(workspaceRoot, userID, instanceID string) (string, error) {
	dir, err := InstanceDir(workspaceRoot, userID, instanceID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create instance directory %s: %w", dir, err)
	}
	return dir, nil
}

// JournalPath returns the lifecycle journal location
func JournalPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, "journal", "events.ndjson")
}

// StorePath returns the default sqlite database location
func StorePath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, "state", "agentq.db")
}

// safeSegment rejects ids that would escape the instances tree
func safeSegment(s string) (string, error) {
	if s == "" || s == "." || s == ".." {
		return "", fmt.Errorf("%q is not a usable path segment", s)
	}
	if strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("%q contains a path separator", s)
	}
	return s, nil
}
