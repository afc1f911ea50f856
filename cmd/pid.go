package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrPipelineRunning is returned when another live process holds the working directory
var ErrPipelineRunning = errors.New("another pipeline is already running in this working directory")

// TaskInfo represents the current pipeline status
type TaskInfo struct {
	PID            int       `json:"pid"`
	StartTime      time.Time `json:"start_time"`
	WorkingDir     string    `json:"working_dir"`
	Tables         []string  `json:"tables"`
	CurrentStage   string    `json:"current_stage"`
	TotalItems     int       `json:"total_items"`
	CompletedItems int       `json:"completed_items"`
	FailedItems    int       `json:"failed_items"`
	LastUpdate     time.Time `json:"last_update"`
}

// stateDir holds lock and task files, outside the working directory so uploads never see them
func stateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".bi-toolkit")
}

// GetPIDFilePath returns the lock file path for a working directory
func GetPIDFilePath(workingDir string) string {
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		abs = workingDir
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(stateDir(), "pipeline-"+hex.EncodeToString(sum[:6])+".pid")
}

// GetTaskFilePath returns the path to the task info file
func GetTaskFilePath() string {
	return filepath.Join(stateDir(), "current_task.json")
}

// AcquireWorkingDirLock writes the current PID into the working directory's lock file.
// A lock left behind by a dead process is taken over.
func AcquireWorkingDirLock(workingDir string) (release func() error, err error) {
	pidPath := GetPIDFilePath(workingDir)
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(pidPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, writeErr := f.WriteString(strconv.Itoa(os.Getpid()))
			closeErr := f.Close()
			if writeErr != nil || closeErr != nil {
				os.Remove(pidPath)
				return nil, fmt.Errorf("failed to write PID file: %w", errors.Join(writeErr, closeErr))
			}
			return func() error { return os.Remove(pidPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create PID file: %w", err)
		}

		pid, readErr := ReadPIDFile(workingDir)
		if readErr == nil && pid != os.Getpid() && IsProcessRunning(pid) {
			return nil, fmt.Errorf("%w (pid %d)", ErrPipelineRunning, pid)
		}
		// stale or unreadable lock
		if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: lock file keeps reappearing", ErrPipelineRunning)
}

// ReadPIDFile reads the PID holding the working directory
func ReadPIDFile(workingDir string) (int, error) {
	data, err := os.ReadFile(GetPIDFilePath(workingDir))
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}

	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// signal 0 only checks that the process exists
	return process.Signal(syscall.Signal(0)) == nil
}

// WriteTaskInfo writes current task information to file
func WriteTaskInfo(info *TaskInfo) error {
	taskPath := GetTaskFilePath()
	if err := os.MkdirAll(filepath.Dir(taskPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.LastUpdate = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task info: %w", err)
	}

	return os.WriteFile(taskPath, data, 0o600)
}

// ReadTaskInfo reads current task information from file
func ReadTaskInfo() (*TaskInfo, error) {
	data, err := os.ReadFile(GetTaskFilePath())
	if err != nil {
		return nil, err
	}

	var info TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task info: %w", err)
	}

	return &info, nil
}

// RemoveTaskFile removes the task info file
func RemoveTaskFile() error {
	return os.Remove(GetTaskFilePath())
}
