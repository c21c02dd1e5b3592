package ui

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/services"
	"github.com/desertthunder/crate/internal/tasks"
)

// ViewState represents the current view in the TUI.
type ViewState int

const (
	AnalysisView ViewState = iota
	GroupListView
	GroupView
	ConfirmView
	SummaryView
)

// Analyzer runs analyses and reads their results. Implemented by [tasks.AnalysisEngine].
type Analyzer interface {
	Run(ctx context.Context, req tasks.RunRequest, progress chan<- tasks.ProgressUpdate) *tasks.RunResult
	Cancel(runID string) bool
	Groups(ctx context.Context, runID string) ([]models.DuplicateGroup, error)
}

// Deleter removes library records. Implemented by [services.Cleaner].
type Deleter interface {
	DeleteRecords(ctx context.Context, req services.DeleteRequest) (services.DeleteResult, error)
}

// Model represents the TUI application state.
type Model struct {
	ctx       context.Context
	view      ViewState
	engine    Analyzer
	cleaner   Deleter
	req       tasks.RunRequest
	width     int
	height    int
	groupList list.Model
	groups    []models.DuplicateGroup
	members   list.Model
	selected  *models.DuplicateGroup
	updates   chan tasks.ProgressUpdate
	done      chan *tasks.RunResult
	progress  tasks.ProgressUpdate
	result    *tasks.RunResult
	status    string
	err       error
	bar       progress.Model
	spinner   spinner.Model
	help      help.Model
	keys      keyMap
}

// NewModel creates a new TUI model that analyzes req with engine and deletes through cleaner.
func NewModel(ctx context.Context, engine Analyzer, cleaner Deleter, req tasks.RunRequest) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.canon

	return &Model{
		ctx:     ctx,
		view:    AnalysisView,
		engine:  engine,
		cleaner: cleaner,
		req:     req,
		bar:     progress.New(progress.WithDefaultGradient()),
		spinner: sp,
		help:    help.New(),
		keys:    newKeyMap(),
	}
}

// Result returns the last analysis result, or nil while the analysis is running.
func (m *Model) Result() *tasks.RunResult {
	return m.result
}

// Init starts the analysis.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.startAnalysis())
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = min(max(msg.Width-8, 10), 80)
		if m.groups != nil {
			m.groupList.SetSize(msg.Width-4, msg.Height-8)
		}
		if m.selected != nil {
			m.members.SetSize(msg.Width-4, msg.Height-8)
		}
		return m, nil

	case spinner.TickMsg:
		if m.view != AnalysisView {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch m.view {
		case AnalysisView:
			return m.handleAnalysisKeys(msg)
		case GroupListView:
			return m.handleGroupListKeys(msg)
		case GroupView:
			return m.handleGroupKeys(msg)
		case ConfirmView:
			return m.handleConfirmKeys(msg)
		case SummaryView:
			return m.handleSummaryKeys(msg)
		}

	case Msg:
		return m.handleMsg(msg)
	}

	return m.updateLists(msg)
}

func (m *Model) handleMsg(msg Msg) (tea.Model, tea.Cmd) {
	switch msg.kind {
	case MsgProgressUpdate:
		m.progress = msg.data.(tasks.ProgressUpdate)
		return m, m.waitForProgress()

	case MsgAnalysisComplete:
		m.result = msg.data.(*tasks.RunResult)
		m.updates, m.done = nil, nil
		if !m.result.OK() {
			m.view = SummaryView
			return m, nil
		}
		m.setGroups(m.result.Groups)
		m.status = fmt.Sprintf("Found %d duplicate groups", len(m.result.Groups))
		if m.result.FromCache {
			m.status = fmt.Sprintf("Reused %d duplicate groups from run %s", len(m.result.Groups), m.result.RunID)
		}
		m.view = GroupListView
		return m, nil

	case MsgGroupsLoaded:
		data := msg.data.(groupsLoaded)
		if data.err != nil {
			m.err = data.err
			return m, nil
		}
		m.setGroups(data.groups)
		if m.selected != nil {
			for i := range data.groups {
				if data.groups[i].ID == m.selected.ID {
					m.selectGroup(data.groups[i])
					break
				}
			}
		}
		return m, nil

	case MsgDeleteComplete:
		data := msg.data.(deleteComplete)
		m.view = GroupView
		if data.err != nil {
			m.err = data.err
			return m, nil
		}
		m.err = nil
		m.status = fmt.Sprintf("Deleted %d records (audit %s)", len(data.result.Deleted), data.result.AuditID)
		return m, m.loadGroups()
	}
	return m, nil
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	if m.err != nil && m.view != SummaryView {
		return styles.err.Render(fmt.Sprintf("Error: %v", m.err)) + "\n\n" + m.viewFor(m.view)
	}
	return m.viewFor(m.view)
}

func (m *Model) viewFor(view ViewState) string {
	switch view {
	case AnalysisView:
		return m.renderAnalysis()
	case GroupListView:
		return m.renderGroupList()
	case GroupView:
		return m.renderGroup()
	case ConfirmView:
		return m.renderConfirm()
	case SummaryView:
		return m.renderSummary()
	default:
		return ""
	}
}

func (m *Model) handleAnalysisKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		m.cancelAnalysis()
		return m, tea.Quit
	case key.Matches(msg, m.keys.cancel):
		if m.cancelAnalysis() {
			m.status = "Cancelling..."
		}
	}
	return m, nil
}

func (m *Model) handleGroupListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.groupList.FilterState() == list.Filtering {
		var cmd tea.Cmd
		m.groupList, cmd = m.groupList.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.restart):
		return m, m.restart()
	case key.Matches(msg, m.keys.enter):
		if item, ok := m.groupList.SelectedItem().(groupItem); ok {
			m.selectGroup(item.group)
			m.err = nil
			m.view = GroupView
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.groupList, cmd = m.groupList.Update(msg)
	return m, cmd
}

func (m *Model) handleGroupKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.back):
		m.selected = nil
		m.err = nil
		m.view = GroupListView
		return m, nil
	case key.Matches(msg, m.keys.remove):
		if len(m.deletable()) > 0 {
			m.view = ConfirmView
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.members, cmd = m.members.Update(msg)
	return m, cmd
}

func (m *Model) handleConfirmKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.yes):
		return m, m.deleteDuplicates()
	case key.Matches(msg, m.keys.no), key.Matches(msg, m.keys.back), key.Matches(msg, m.keys.quit):
		m.view = GroupView
	}
	return m, nil
}

func (m *Model) handleSummaryKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.restart):
		return m, m.restart()
	}
	return m, nil
}

func (m *Model) updateLists(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.view {
	case GroupListView:
		m.groupList, cmd = m.groupList.Update(msg)
	case GroupView:
		m.members, cmd = m.members.Update(msg)
	}
	return m, cmd
}

func (m *Model) setGroups(groups []models.DuplicateGroup) {
	m.groups = groups
	index := m.groupList.Index()
	m.groupList = list.New(groupItems(groups), list.NewDefaultDelegate(), max(m.width-4, 0), max(m.height-8, 0))
	m.groupList.Title = fmt.Sprintf("Duplicate groups by %s", m.req.Filters.SortBy)
	if index < len(groups) {
		m.groupList.Select(index)
	}
}

func (m *Model) selectGroup(g models.DuplicateGroup) {
	m.selected = &g
	m.members = list.New(memberItems(g), list.NewDefaultDelegate(), max(m.width-4, 0), max(m.height-8, 0))
	m.members.Title = fmt.Sprintf("%s - %s", g.Canonical.Artist, g.Canonical.Title)
}

// deletable returns the duplicates of the selected group that still exist.
func (m *Model) deletable() []string {
	if m.selected == nil {
		return nil
	}
	var ids []string
	for _, d := range m.selected.Duplicates {
		if d.StillExists {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

func (m *Model) runID() string {
	if m.result != nil && m.result.RunID != "" {
		return m.result.RunID
	}
	return m.progress.RunID
}

func (m *Model) cancelAnalysis() bool {
	if m.done == nil || m.progress.RunID == "" {
		return false
	}
	return m.engine.Cancel(m.progress.RunID)
}

func (m *Model) restart() tea.Cmd {
	m.req.ForceRefresh = true
	m.view = AnalysisView
	m.progress = tasks.ProgressUpdate{}
	m.result = nil
	m.selected = nil
	m.status = ""
	m.err = nil
	return tea.Batch(m.spinner.Tick, m.startAnalysis())
}

func (m *Model) startAnalysis() tea.Cmd {
	m.updates = make(chan tasks.ProgressUpdate, 50)
	m.done = make(chan *tasks.RunResult, 1)

	updates, done := m.updates, m.done
	go func() {
		done <- m.engine.Run(m.ctx, m.req, updates)
	}()

	return m.waitForProgress()
}

func (m *Model) waitForProgress() tea.Cmd {
	updates, done := m.updates, m.done
	if done == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case update := <-updates:
			return progressUpdateMsg(update)
		case result := <-done:
			return analysisCompleteMsg(result)
		}
	}
}

func (m *Model) loadGroups() tea.Cmd {
	runID := m.runID()
	return func() tea.Msg {
		groups, err := m.engine.Groups(m.ctx, runID)
		return groupsLoadedMsg(groups, err)
	}
}

func (m *Model) deleteDuplicates() tea.Cmd {
	req := services.DeleteRequest{
		OwnerID:   m.req.OwnerID,
		RunID:     m.runID(),
		RecordIDs: m.deletable(),
	}
	return func() tea.Msg {
		result, err := m.cleaner.DeleteRecords(m.ctx, req)
		return deleteCompleteMsg(result, err)
	}
}

func phaseLabel(u tasks.ProgressUpdate) string {
	switch u.Phase {
	case tasks.Starting:
		return "Starting analysis..."
	case tasks.LoadingTracks:
		return fmt.Sprintf("Loading %d tracks...", u.Total)
	case tasks.AnalyzingSimilarities:
		return fmt.Sprintf("Comparing tracks (%d/%d)", u.Step, u.Total)
	case tasks.OrganizingResults:
		return "Organizing results..."
	case tasks.SavingResults:
		return "Saving groups..."
	default:
		return "Finishing..."
	}
}

func (m *Model) renderAnalysis() string {
	title := styles.title.Render("Analyzing Library")
	phase := fmt.Sprintf("%s %s", m.spinner.View(), phaseLabel(m.progress))
	groups := styles.help.Render(fmt.Sprintf("%d groups found", m.progress.Groups))

	helpView := m.help.ShortHelpView([]key.Binding{m.keys.cancel, m.keys.quit})

	parts := []string{title, phase, m.bar.ViewAs(m.progress.Percent()), groups}
	if m.progress.Message != "" {
		parts = append(parts, m.progress.Message)
	}
	if m.status != "" {
		parts = append(parts, styles.warn.Render(m.status))
	}
	return strings.Join(parts, "\n") + "\n\n" + helpView
}

func (m *Model) renderGroupList() string {
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.enter, m.keys.restart, m.keys.quit})
	status := ""
	if m.status != "" {
		status = styles.ok.Render(m.status) + "\n"
	}
	if m.result != nil {
		for _, w := range m.result.Warnings {
			status += styles.warn.Render("! "+w) + "\n"
		}
	}
	if len(m.groups) == 0 {
		return fmt.Sprintf("%s\n%s\n\n%s", status, styles.ok.Render("✓ No duplicates found"), helpView)
	}
	return fmt.Sprintf("%s%s\n\n%s", status, m.groupList.View(), helpView)
}

func (m *Model) renderGroup() string {
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.remove, m.keys.back, m.keys.quit})
	status := ""
	if m.status != "" {
		status = styles.ok.Render(m.status) + "\n"
	}
	return fmt.Sprintf("%s%s\n\n%s", status, m.members.View(), helpView)
}

func (m *Model) renderConfirm() string {
	g := m.selected
	ids := m.deletable()
	title := styles.title.Render(fmt.Sprintf("Delete %d duplicates of '%s'?", len(ids), g.Canonical.Title))
	info := fmt.Sprintf("\nKeeping: %s - %s (%d plays)\nSuggested action: %s\n",
		g.Canonical.Artist, g.Canonical.Title, g.Canonical.PlayCount,
		styles.action(g.SuggestedAction).Render(string(g.SuggestedAction)),
	)
	if g.SuggestedAction == models.ActionReview {
		info += styles.warn.Render("These records look like different versions of the song.") + "\n"
	}

	helpView := m.help.ShortHelpView([]key.Binding{m.keys.yes, m.keys.no})
	return fmt.Sprintf("%s\n%s\n%s", title, info, helpView)
}

func (m *Model) renderSummary() string {
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.restart, m.keys.quit})
	if m.result == nil {
		return styles.err.Render("No result available") + "\n\n" + helpView
	}

	title := styles.err.Render(fmt.Sprintf("✗ Analysis %s", m.result.Outcome))
	info := fmt.Sprintf("\nRun: %s\nProcessed: %d/%d tracks\nGroups found before stopping: %d\n",
		m.result.RunID,
		m.result.Checkpoint.Processed,
		m.result.Checkpoint.Total,
		m.result.PartialGroups,
	)
	if m.result.Err != nil {
		info += styles.warn.Render(fmt.Sprintf("%s: %s", m.result.Err.Code, m.result.Err.Message)) + "\n"
		for _, k := range slices.Sorted(maps.Keys(m.result.Err.Details)) {
			info += styles.help.Render(fmt.Sprintf("  • %s: %v", k, m.result.Err.Details[k])) + "\n"
		}
	}
	return fmt.Sprintf("%s\n%s\n%s", title, info, helpView)
}
