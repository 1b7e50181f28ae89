package paths

import (
	"os"
	"path/filepath"
)

const (
	// State files directory
	StateDir = "/var/lib/vzbox"

	// Logs directory
	LogDir = "/var/log/vzbox"
)

// File names inside a machine directory.
const (
	VariableStoreName    = "efi-variable-store"
	NativeIdentifierName = "vz-identifier"
	ConsoleLogName       = "console.log"
)

// GetStateDir returns the vzbox state directory, checking environment variables first
func GetStateDir() string {
	if dir := os.Getenv("VZBOX_STATE_DIR"); dir != "" {
		return dir
	}
	return StateDir
}

// GetLogDir returns the vzbox log directory, checking environment variables first
func GetLogDir() string {
	if dir := os.Getenv("VZBOX_LOG_DIR"); dir != "" {
		return dir
	}
	return LogDir
}

// IdentityDBPath returns the path to the machine identity database
func IdentityDBPath(stateDir string) string {
	return filepath.Join(stateDir, "identity.db")
}

// MachineDir returns the directory holding the files of one machine
func MachineDir(stateDir, name string) string {
	return filepath.Join(stateDir, "machines", name)
}

// VariableStorePath returns the EFI variable store path of a machine
func VariableStorePath(stateDir, name string) string {
	return filepath.Join(MachineDir(stateDir, name), VariableStoreName)
}

// NativeIdentifierPath returns where the engine-formatted machine identifier
// derived from identity is persisted
func NativeIdentifierPath(stateDir, identity string) string {
	return filepath.Join(stateDir, "identifiers", identity+"."+NativeIdentifierName)
}

// ConsoleLogPath returns the default console log path of a machine
func ConsoleLogPath(logDir, name string) string {
	return filepath.Join(logDir, name, ConsoleLogName)
}

// EnsureMachineDir creates the directory of a machine
func EnsureMachineDir(stateDir, name string) (string, error) {
	dir := MachineDir(stateDir, name)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
