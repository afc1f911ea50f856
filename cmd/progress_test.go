package cmd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/airframesio/bi-toolkit/cmd/fanout"
	tea "github.com/charmbracelet/bubbletea"
)

func updateModel(t *testing.T, m progressModel, msg tea.Msg) progressModel {
	t.Helper()
	next, _ := m.Update(msg)
	pm, ok := next.(progressModel)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return pm
}

func TestProgressModel(t *testing.T) {
	t.Run("phase resets counts", func(t *testing.T) {
		m := newProgressModel(nil, nil)
		m = updateModel(t, m, phaseMsg{phase: PhaseExporting, total: 3, message: "Exporting 3 tables"})
		m = updateModel(t, m, taskDoneMsg{outcome: fanout.Outcome{Key: "a"}})
		m = updateModel(t, m, taskDoneMsg{outcome: fanout.Outcome{Key: "b", Err: errors.New("boom")}})

		if m.completed != 2 || m.failed != 1 {
			t.Fatalf("expected 2 completed and 1 failed, got %d and %d", m.completed, m.failed)
		}

		m = updateModel(t, m, phaseMsg{phase: PhaseUploading, total: 5, message: "Uploading"})
		if m.completed != 0 || m.failed != 0 || len(m.results) != 0 {
			t.Fatalf("phase change should reset counts, got %d/%d/%d", m.completed, m.failed, len(m.results))
		}
		if m.total != 5 || m.phase != PhaseUploading {
			t.Fatalf("unexpected phase state: %v total=%d", m.phase, m.total)
		}
	})

	t.Run("recent results are capped", func(t *testing.T) {
		m := newProgressModel(nil, nil)
		m = updateModel(t, m, phaseMsg{phase: PhaseUploading, total: 20})
		for i := 0; i < 12; i++ {
			m = updateModel(t, m, taskDoneMsg{outcome: fanout.Outcome{Key: string(rune('a' + i))}})
		}
		if len(m.results) != maxResults {
			t.Fatalf("expected %d results, got %d", maxResults, len(m.results))
		}
		if m.results[maxResults-1].Key != "l" {
			t.Fatalf("expected newest result last, got %s", m.results[maxResults-1].Key)
		}
	})

	t.Run("messages are capped", func(t *testing.T) {
		m := newProgressModel(nil, nil)
		for i := 0; i < 15; i++ {
			m = updateModel(t, m, messageMsg("line"))
		}
		if len(m.messages) != maxMessages {
			t.Fatalf("expected %d messages, got %d", maxMessages, len(m.messages))
		}
	})

	t.Run("quit key cancels the run", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		m := newProgressModel(cancel, nil)
		m = updateModel(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})

		if ctx.Err() == nil {
			t.Fatal("context should be cancelled")
		}
		if m.stage != "Stopping..." {
			t.Fatalf("unexpected stage %q", m.stage)
		}
	})

	t.Run("view shows failures", func(t *testing.T) {
		m := newProgressModel(nil, nil)
		m = updateModel(t, m, phaseMsg{phase: PhaseExporting, total: 2, message: "Exporting 2 tables"})
		m = updateModel(t, m, taskDoneMsg{outcome: fanout.Outcome{Key: "get_stock", Err: errors.New("quota exceeded")}})

		view := m.View()
		for _, want := range []string{"Exporting 2 tables", "1/2 done, 1 failed", "get_stock", "quota exceeded"} {
			if !strings.Contains(view, want) {
				t.Errorf("view should contain %q", want)
			}
		}
	})

	t.Run("complete clears the view", func(t *testing.T) {
		m := newProgressModel(nil, nil)
		m = updateModel(t, m, allCompleteMsg{})
		if !m.done || m.View() != "" {
			t.Fatal("completed model should render nothing")
		}
	})

	t.Run("task info follows progress", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())

		info := &TaskInfo{PID: 1, WorkingDir: "/tmp/bi"}
		m := newProgressModel(nil, info)
		m = updateModel(t, m, phaseMsg{phase: PhaseConsolidating, total: 2})
		updateModel(t, m, taskDoneMsg{outcome: fanout.Outcome{Key: "get_sales"}})

		read, err := ReadTaskInfo()
		if err != nil {
			t.Fatal(err)
		}
		if read.CurrentStage != "consolidate" || read.TotalItems != 2 || read.CompletedItems != 1 {
			t.Fatalf("unexpected task info: %+v", read)
		}
	})
}

func TestPhaseString(t *testing.T) {
	tests := map[Phase]string{
		PhaseExporting:     "export",
		PhaseFetching:      "fetch",
		PhaseConsolidating: "consolidate",
		PhaseUploading:     "upload",
		Phase(99):          "unknown",
	}
	for phase, want := range tests {
		if got := phase.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", int(phase), got, want)
		}
	}
}

func TestProgressUI(t *testing.T) {
	t.Run("nil display is a no-op", func(t *testing.T) {
		var ui *progressUI
		ui.Phase(PhaseExporting, 1, "noop")
		ui.Message("noop")
		ui.ObserveConsolidation("t", time.Second, nil)
		if ui.Observer() != nil {
			t.Fatal("nil display should not return an observer")
		}
		if err := ui.Stop(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("headless program runs to completion", func(t *testing.T) {
		ui := startProgressUI(nil, nil, tea.WithInput(nil), tea.WithOutput(io.Discard))
		ui.Phase(PhaseUploading, 2, "Uploading 2 files")
		observe := ui.Observer()
		observe(fanout.Outcome{Key: "a.csv.gz"})
		observe(fanout.Outcome{Key: "b.csv.gz"})

		done := make(chan error, 1)
		go func() { done <- ui.Stop() }()

		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("progress display did not stop")
		}
	})

	t.Run("log lines keep their attributes", func(t *testing.T) {
		r := slog.NewRecord(time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC), slog.LevelError, "Couldn't upload file", 0)
		r.AddAttrs(slog.String("file", "get_sales.csv.gz"), slog.Any("error", errors.New("connection reset")))

		got := formatProgressRecord(r)
		want := "09:30:00 Couldn't upload file file=get_sales.csv.gz error=connection reset"
		if got != want {
			t.Fatalf("formatProgressRecord() = %q, want %q", got, want)
		}
	})

	t.Run("log handler respects level", func(t *testing.T) {
		h := newProgressLogHandler(nil, slog.LevelInfo)
		if h.Enabled(context.Background(), slog.LevelDebug) {
			t.Fatal("debug should be filtered at info level")
		}
		if !h.Enabled(context.Background(), slog.LevelError) {
			t.Fatal("errors should pass")
		}
	})
}
