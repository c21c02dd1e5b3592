// Package ui implements an interactive terminal interface using bubbletea's Elm architecture.
//
// The TUI runs one duplicate analysis and lets the user work through its results:
//  1. [AnalysisView] : Monitor phase, progress bar and groups found while the analysis runs
//  2. [GroupListView] : Browse duplicate groups in the requested sort order
//  3. [GroupView] : Inspect the members of one group, canonical record first
//  4. [ConfirmView] : Confirm deleting the duplicates of the selected group
//  5. [SummaryView] : Display why an analysis failed, timed out or was cancelled
//
// The (view) [Model] implements bubbletea/Elm's standard Init/Update/View pattern, receiving messages via the Msg union type.
// Progress updates flow through a channel from the [tasks.AnalysisEngine], providing non-blocking status reporting.
// Deleting from the TUI goes through the same cleaner as the CLI so resolution tracking and the audit trail stay in step.
//
// Keyboard navigation uses vim-style bindings (j/k, enter, esc, d, y/n, c, r, q) with contextual help displayed via charmbracelet/bubbles/help.
package ui
