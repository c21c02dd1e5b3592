package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/crate/internal/shared"
	"github.com/desertthunder/crate/internal/tasks"
	"github.com/desertthunder/crate/internal/ui"
)

// TUI runs an analysis in the interactive terminal UI.
func (r *Runner) TUI(ctx context.Context, req tasks.RunRequest) error {
	// Redirect logs to file to avoid interfering with TUI rendering
	fileLogger, err := shared.NewFileLogger("./tmp/crate-tui.log")
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	fileLogger.SetLevel(r.logger.GetLevel())
	r.SetLogger(fileLogger)
	if r.store != nil {
		r.wire(r.store)
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	model := ui.NewModel(ctx, r.engine, r.services.Cleaner, req)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	if result := model.Result(); result != nil && !result.OK() {
		return result.Err
	}
	return nil
}
