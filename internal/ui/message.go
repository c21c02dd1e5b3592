package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/services"
	"github.com/desertthunder/crate/internal/tasks"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
type Msg struct {
	kind MsgKind
	data any
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgProgressUpdate MsgKind = iota
	MsgAnalysisComplete
	MsgGroupsLoaded
	MsgDeleteComplete
)

// progressUpdateMsg is the constructor for [MsgProgressUpdate]
func progressUpdateMsg(update tasks.ProgressUpdate) Msg {
	return Msg{kind: MsgProgressUpdate, data: update}
}

// analysisCompleteMsg is the constructor for [MsgAnalysisComplete]
func analysisCompleteMsg(result *tasks.RunResult) Msg {
	return Msg{kind: MsgAnalysisComplete, data: result}
}

type groupsLoaded struct {
	groups []models.DuplicateGroup
	err    error
}

// groupsLoadedMsg is the constructor for [MsgGroupsLoaded]
func groupsLoadedMsg(groups []models.DuplicateGroup, err error) Msg {
	return Msg{kind: MsgGroupsLoaded, data: groupsLoaded{groups, err}}
}

type deleteComplete struct {
	result services.DeleteResult
	err    error
}

// deleteCompleteMsg is the constructor for [MsgDeleteComplete]
func deleteCompleteMsg(result services.DeleteResult, err error) Msg {
	return Msg{kind: MsgDeleteComplete, data: deleteComplete{result, err}}
}
