// package formatter streams analysis results to JSON, CSV and Markdown and reads library imports from CSV
package formatter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "markdown"
)

// ParseFormat resolves a user-supplied format name. Empty defaults to JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatMarkdown:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("%w: unsupported format %q", shared.ErrValidation, s)
	}
}

// Extension returns the file extension for f, without the dot.
func (f Format) Extension() string {
	if f == FormatMarkdown {
		return "md"
	}
	return string(f)
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return "application/json"
	}
}

// GroupWriter streams the groups of one run.
//
// Begin is called once, WriteGroups once per page, and Close once to terminate the document.
// Nothing is buffered beyond the current page.
type GroupWriter interface {
	Begin(run *models.AnalysisRun) error
	WriteGroups(groups []models.DuplicateGroup) error
	Close() error
}

// NewGroupWriter returns a [GroupWriter] for format over w.
func NewGroupWriter(w io.Writer, format Format) (GroupWriter, error) {
	switch format {
	case FormatJSON, "":
		return &jsonWriter{w: w}, nil
	case FormatCSV:
		return &csvWriter{w: csv.NewWriter(w)}, nil
	case FormatMarkdown:
		return &markdownWriter{w: w}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", shared.ErrValidation, format)
	}
}

// jsonWriter emits {"run": {...}, "groups": [...]} one group at a time.
type jsonWriter struct {
	w       io.Writer
	written int
}

func (j *jsonWriter) Begin(run *models.AnalysisRun) error {
	data, err := shared.MarshalJSON(run, false)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	if _, err := fmt.Fprintf(j.w, "{\"run\":%s,\"groups\":[", data); err != nil {
		return fmt.Errorf("failed to write JSON header: %w", err)
	}
	return nil
}

func (j *jsonWriter) WriteGroups(groups []models.DuplicateGroup) error {
	for _, g := range groups {
		data, err := shared.MarshalJSON(g, false)
		if err != nil {
			return fmt.Errorf("failed to marshal group %s: %w", g.ID, err)
		}
		if j.written > 0 {
			if _, err := io.WriteString(j.w, ","); err != nil {
				return fmt.Errorf("failed to write JSON: %w", err)
			}
		}
		if _, err := j.w.Write(data); err != nil {
			return fmt.Errorf("failed to write JSON: %w", err)
		}
		j.written++
	}
	return nil
}

func (j *jsonWriter) Close() error {
	if _, err := io.WriteString(j.w, "]}\n"); err != nil {
		return fmt.Errorf("failed to write JSON footer: %w", err)
	}
	return nil
}

// GroupColumns are the CSV export headers. Each row is one group member.
var GroupColumns = []string{
	"group_id", "role", "record_id", "title", "artist", "album", "play_count",
	"last_played_at", "date_added", "similarity", "still_exists", "suggested_action", "resolved", "resolution",
}

type csvWriter struct {
	w *csv.Writer
}

func (c *csvWriter) Begin(*models.AnalysisRun) error {
	if err := c.w.Write(GroupColumns); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	return nil
}

func (c *csvWriter) WriteGroups(groups []models.DuplicateGroup) error {
	for _, g := range groups {
		for _, m := range g.Members() {
			role := "duplicate"
			if m.IsCanonical {
				role = "canonical"
			}
			row := []string{
				g.ID,
				role,
				m.ID,
				m.Title,
				m.Artist,
				m.Album,
				strconv.Itoa(m.PlayCount),
				formatTime(m.LastPlayedAt),
				m.DateAdded.UTC().Format(time.RFC3339),
				strconv.FormatFloat(m.Similarity, 'f', 4, 64),
				strconv.FormatBool(m.StillExists),
				string(g.SuggestedAction),
				strconv.FormatBool(g.Resolved),
				string(g.Resolution),
			}
			if err := c.w.Write(row); err != nil {
				return fmt.Errorf("failed to write CSV record: %w", err)
			}
		}
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

// markdownWriter renders a human-readable report with one section per group.
type markdownWriter struct {
	w       io.Writer
	written int
}

func (m *markdownWriter) Begin(run *models.AnalysisRun) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Duplicate analysis %s\n\n", run.ID)
	fmt.Fprintf(&b, "**Status:** %s  \n", run.Status)
	fmt.Fprintf(&b, "**Created:** %s  \n", run.CreatedAt.UTC().Format(time.RFC3339))
	if run.Filters.SearchTerm != "" {
		fmt.Fprintf(&b, "**Search:** %s  \n", run.Filters.SearchTerm)
	}
	fmt.Fprintf(&b, "**Groups:** %d  \n", run.Stats.GroupsFound)
	fmt.Fprintf(&b, "**Duplicates:** %d\n\n", run.Stats.DuplicatesFound)

	_, err := io.WriteString(m.w, b.String())
	return err
}

func (m *markdownWriter) WriteGroups(groups []models.DuplicateGroup) error {
	var b strings.Builder
	for _, g := range groups {
		m.written++
		fmt.Fprintf(&b, "## %d. %s - %s\n\n", m.written, g.Canonical.Artist, g.Canonical.Title)
		if g.Resolved {
			fmt.Fprintf(&b, "_Resolved: %s_\n\n", g.Resolution)
		}
		b.WriteString("| # | Title | Artist | Plays | Similarity | Status |\n")
		b.WriteString("|---|-------|--------|-------|------------|--------|\n")
		for i, member := range g.Members() {
			status := "keep"
			if !member.IsCanonical {
				status = string(g.SuggestedAction)
			}
			if !member.StillExists {
				status = "deleted"
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %d | %.0f%% | %s |\n",
				i+1, escapeMarkdown(member.Title), escapeMarkdown(member.Artist), member.PlayCount, member.Similarity*100, status)
		}
		b.WriteString("\n")
	}
	_, err := io.WriteString(m.w, b.String())
	return err
}

func (m *markdownWriter) Close() error {
	if m.written == 0 {
		_, err := io.WriteString(m.w, "No duplicate groups.\n")
		return err
	}
	return nil
}

func escapeMarkdown(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// WriteGroups writes a complete document for run and groups.
func WriteGroups(w io.Writer, format Format, run *models.AnalysisRun, groups []models.DuplicateGroup) error {
	gw, err := NewGroupWriter(w, format)
	if err != nil {
		return err
	}
	if err := gw.Begin(run); err != nil {
		return err
	}
	if err := gw.WriteGroups(groups); err != nil {
		return err
	}
	return gw.Close()
}

// RecordColumns are the recognised CSV import headers. Only title is required.
var RecordColumns = []string{"id", "title", "artist", "album", "play_count", "last_played_at", "date_added"}

// ReadRecordsCSV parses a library import.
//
// Columns are matched by header name, case-insensitively, and unknown columns are ignored.
// Timestamps may be RFC 3339 or YYYY-MM-DD.
func ReadRecordsCSV(r io.Reader) ([]models.Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty CSV input", shared.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	index := map[string]int{}
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := index["title"]; !ok {
		return nil, fmt.Errorf("%w: CSV input has no title column", shared.ErrValidation)
	}

	field := func(row []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []models.Record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}

		rec := models.Record{
			ID:     field(row, "id"),
			Title:  field(row, "title"),
			Artist: field(row, "artist"),
			Album:  field(row, "album"),
		}
		if rec.Title == "" {
			return nil, fmt.Errorf("%w: line %d has no title", shared.ErrValidation, line)
		}
		if v := field(row, "play_count"); v != "" {
			if rec.PlayCount, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("%w: line %d: invalid play_count %q", shared.ErrValidation, line, v)
			}
		}
		if v := field(row, "last_played_at"); v != "" {
			t, err := parseDate(v)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: invalid last_played_at %q", shared.ErrValidation, line, v)
			}
			rec.LastPlayedAt = &t
		}
		if v := field(row, "date_added"); v != "" {
			if rec.DateAdded, err = parseDate(v); err != nil {
				return nil, fmt.Errorf("%w: line %d: invalid date_added %q", shared.ErrValidation, line, v)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}

// ReadRecordsFile opens path and parses it with [ReadRecordsCSV].
func ReadRecordsFile(path string) ([]models.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadRecordsCSV(f)
}

// AuditColumns are the CSV headers of an audit trail export.
var AuditColumns = []string{
	"id", "created_at", "action", "strategy", "run_id", "requested", "affected", "groups", "success", "duration_ms", "efficiency", "error",
}

// WriteAuditTrail writes audit entries as CSV or a JSON array.
func WriteAuditTrail(w io.Writer, format Format, entries []models.AuditLogEntry) error {
	if format != FormatCSV {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []models.AuditLogEntry{}
		}
		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("failed to encode audit trail: %w", err)
		}
		return nil
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(AuditColumns); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, e := range entries {
		row := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			string(e.Action),
			e.Strategy,
			e.RunID,
			strconv.Itoa(e.RequestedCount),
			strconv.Itoa(e.AffectedCount),
			strconv.Itoa(e.GroupsAffected),
			strconv.FormatBool(e.Success),
			strconv.FormatInt(e.Duration.Milliseconds(), 10),
			strconv.FormatFloat(e.Efficiency(), 'f', 2, 64),
			e.ErrorMessage,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

// ManifestEntry describes one exported run.
type ManifestEntry struct {
	RunID   string `json:"run_id"`
	File    string `json:"file,omitempty"`
	Groups  int    `json:"groups"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Manifest summarises a bulk export.
type Manifest struct {
	Format     Format          `json:"format"`
	ExportedAt time.Time       `json:"exported_at"`
	Total      int             `json:"total"`
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
	Runs       []ManifestEntry `json:"runs"`
}

// WriteManifest writes m as indented JSON to path.
func WriteManifest(m Manifest, path string) error {
	data, err := shared.MarshalJSON(m, true)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
