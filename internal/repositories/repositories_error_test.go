package repositories

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, transient: true},
		{name: "locked", err: sqlite3.Error{Code: sqlite3.ErrLocked}, transient: true},
		{name: "wrapped busy", err: fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), transient: true},
		{name: "constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}},
		{name: "plain", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrap(tt.err, "failed")
			if got := shared.IsTransient(err); got != tt.transient {
				t.Errorf("expected transient=%v, got %v (%v)", tt.transient, got, err)
			}
			if !errors.Is(err, tt.err) {
				t.Error("wrapped error should keep its cause")
			}
		})
	}

	if wrap(nil, "failed") != nil {
		t.Error("wrap(nil) should be nil")
	}
}

func TestLibraryRepositoryErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("ValidationError", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewLibraryRepository(db)
		err := repo.Create(ctx, &models.Record{Artist: "No Title"})
		if !errors.Is(err, shared.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewLibraryRepository(db)
		if err := repo.Create(ctx, &models.Record{ID: "same", Title: "One"}); err != nil {
			t.Fatalf("failed to create record: %v", err)
		}
		if err := repo.Create(ctx, &models.Record{ID: "same", Title: "Two"}); err == nil {
			t.Fatal("expected error for duplicate id")
		}
	})

	t.Run("ImportIsAtomic", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewLibraryRepository(db)
		_, err := repo.Import(ctx, []models.Record{{Title: "Good"}, {Title: ""}})
		if err == nil {
			t.Fatal("expected import error")
		}

		n, err := repo.Count(ctx, "")
		if err != nil {
			t.Fatalf("failed to count: %v", err)
		}
		if n != 0 {
			t.Errorf("failed import should write nothing, got %d records", n)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		_, err := NewLibraryRepository(db).Get(ctx, "nonexistent-id")
		if !errors.Is(err, shared.ErrRecordNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestRunRepositoryErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("InvalidFilters", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		run := models.NewAnalysisRun(shared.GenerateID(), "owner", models.Filters{MinConfidence: 2}, time.Now())
		if err := NewRunRepository(db).Create(ctx, run); !errors.Is(err, shared.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		_, err := NewRunRepository(db).Get(ctx, shared.GenerateID())
		if !errors.Is(err, shared.ErrRunNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("TerminalStatusIsFinal", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewRunRepository(db)
		run := newRun(t, repo, "owner", models.Filters{})

		diag := shared.NewDiagnostic(shared.CodeCancelled, "analysis cancelled by user", shared.ErrCancelled)
		if err := repo.Finish(ctx, run.ID, models.StatusCancelled, models.RunStats{}, diag); err != nil {
			t.Fatalf("failed to cancel run: %v", err)
		}

		if err := repo.Complete(ctx, run.ID, models.RunStats{}); !errors.Is(err, shared.ErrConsistency) {
			t.Errorf("completing a cancelled run should fail, got %v", err)
		}
		if err := repo.Finish(ctx, run.ID, models.StatusFailed, models.RunStats{}, nil); !errors.Is(err, shared.ErrConsistency) {
			t.Errorf("failing a cancelled run should fail, got %v", err)
		}
		if err := repo.UpdateStatus(ctx, run.ID, models.StatusSavingResults); !errors.Is(err, shared.ErrConsistency) {
			t.Errorf("moving a cancelled run should fail, got %v", err)
		}

		got, err := repo.Get(ctx, run.ID)
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if got.Status != models.StatusCancelled {
			t.Errorf("expected cancelled, got %s", got.Status)
		}
	})

	t.Run("FinishRejectsCompleted", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewRunRepository(db)
		run := newRun(t, repo, "owner", models.Filters{})
		if err := repo.Finish(ctx, run.ID, models.StatusCompleted, models.RunStats{}, nil); !errors.Is(err, shared.ErrInvalidArgument) {
			t.Errorf("expected invalid argument, got %v", err)
		}
	})

	t.Run("CheckpointAfterFinish", func(t *testing.T) {
		db := setupTestDB(t)
		defer db.Close()

		repo := NewRunRepository(db)
		run := newRun(t, repo, "owner", models.Filters{})
		if err := repo.SaveCheckpoint(ctx, run.ID, models.Checkpoint{Processed: 10}); err != nil {
			t.Fatalf("failed to save checkpoint: %v", err)
		}
		if err := repo.Complete(ctx, run.ID, models.RunStats{}); err != nil {
			t.Fatalf("failed to complete run: %v", err)
		}
		if err := repo.SaveCheckpoint(ctx, run.ID, models.Checkpoint{Processed: 99}); err != nil {
			t.Fatalf("checkpoint on finished run should be a no-op, got %v", err)
		}

		got, err := repo.Get(ctx, run.ID)
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if got.Checkpoint.Processed != 10 {
			t.Errorf("last checkpoint should be preserved, got %d", got.Checkpoint.Processed)
		}
	})
}
