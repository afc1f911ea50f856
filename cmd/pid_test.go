package cmd

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestWorkingDirLock(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	workingDir := t.TempDir()

	t.Run("AcquireAndRelease", func(t *testing.T) {
		release, err := AcquireWorkingDirLock(workingDir)
		if err != nil {
			t.Fatal(err)
		}

		pid, err := ReadPIDFile(workingDir)
		if err != nil {
			t.Fatal(err)
		}
		if pid != os.Getpid() {
			t.Fatalf("expected PID %d, got %d", os.Getpid(), pid)
		}

		if err := release(); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(GetPIDFilePath(workingDir)); !os.IsNotExist(err) {
			t.Fatal("PID file should be removed")
		}
	})

	t.Run("LiveHolderBlocks", func(t *testing.T) {
		pidPath := GetPIDFilePath(workingDir)
		if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
			t.Fatal(err)
		}
		// the test runner that started us is alive
		if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getppid())), 0o600); err != nil {
			t.Fatal(err)
		}
		defer os.Remove(pidPath)

		_, err := AcquireWorkingDirLock(workingDir)
		if !errors.Is(err, ErrPipelineRunning) {
			t.Fatalf("expected ErrPipelineRunning, got %v", err)
		}
	})

	t.Run("StaleLockIsTakenOver", func(t *testing.T) {
		for _, content := range []string{"0", "not-a-pid"} {
			pidPath := GetPIDFilePath(workingDir)
			if err := os.WriteFile(pidPath, []byte(content), 0o600); err != nil {
				t.Fatal(err)
			}

			release, err := AcquireWorkingDirLock(workingDir)
			if err != nil {
				t.Fatalf("stale lock %q should be taken over: %v", content, err)
			}
			if err := release(); err != nil {
				t.Fatal(err)
			}
		}
	})

	t.Run("DirectoriesGetTheirOwnLock", func(t *testing.T) {
		other := t.TempDir()
		if GetPIDFilePath(workingDir) == GetPIDFilePath(other) {
			t.Fatal("different working directories should not share a lock file")
		}
		if GetPIDFilePath(workingDir) != GetPIDFilePath(workingDir+string(filepath.Separator)+".") {
			t.Fatal("equivalent paths should share a lock file")
		}
	})

	t.Run("LockLivesOutsideTheWorkingDir", func(t *testing.T) {
		rel, err := filepath.Rel(workingDir, GetPIDFilePath(workingDir))
		if err != nil {
			t.Fatal(err)
		}
		if filepath.IsLocal(rel) {
			t.Fatalf("lock file %s is inside the working directory", rel)
		}
	})

	t.Run("IsProcessRunning", func(t *testing.T) {
		if !IsProcessRunning(os.Getpid()) {
			t.Fatal("current process should be running")
		}
		if IsProcessRunning(-1) {
			t.Fatal("invalid PID should not be running")
		}
	})
}

func TestTaskInfo(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Run("WriteAndRead", func(t *testing.T) {
		info := &TaskInfo{
			PID:            12345,
			StartTime:      time.Now(),
			WorkingDir:     "/tmp/bi",
			Tables:         []string{"get_sales", "get_stock"},
			CurrentStage:   "consolidate",
			TotalItems:     2,
			CompletedItems: 1,
		}

		if err := WriteTaskInfo(info); err != nil {
			t.Fatal(err)
		}

		data, err := os.ReadFile(GetTaskFilePath())
		if err != nil {
			t.Fatal(err)
		}
		var saved TaskInfo
		if err := json.Unmarshal(data, &saved); err != nil {
			t.Fatal(err)
		}
		if saved.LastUpdate.IsZero() {
			t.Fatal("LastUpdate should be set")
		}

		read, err := ReadTaskInfo()
		if err != nil {
			t.Fatal(err)
		}
		if read.PID != info.PID {
			t.Fatalf("expected PID %d, got %d", info.PID, read.PID)
		}
		if read.CurrentStage != info.CurrentStage {
			t.Fatalf("expected stage %s, got %s", info.CurrentStage, read.CurrentStage)
		}
		if len(read.Tables) != 2 || read.Tables[1] != "get_stock" {
			t.Fatalf("unexpected tables: %v", read.Tables)
		}
		if read.CompletedItems != info.CompletedItems {
			t.Fatalf("expected completed %d, got %d", info.CompletedItems, read.CompletedItems)
		}
	})

	t.Run("RemoveTaskFile", func(t *testing.T) {
		if err := WriteTaskInfo(&TaskInfo{PID: 99999}); err != nil {
			t.Fatal(err)
		}
		if err := RemoveTaskFile(); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadTaskInfo(); err == nil {
			t.Fatal("expected error when task file doesn't exist")
		}
	})

	t.Run("GetTaskFilePath", func(t *testing.T) {
		expected := filepath.Join(os.Getenv("HOME"), ".bi-toolkit", "current_task.json")
		if actual := GetTaskFilePath(); actual != expected {
			t.Fatalf("expected path %s, got %s", expected, actual)
		}
	})
}
