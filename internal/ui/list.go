package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"

	"github.com/desertthunder/crate/internal/models"
)

var (
	_ list.Item = groupItem{}
	_ list.Item = memberItem{}
)

// groupItem wraps [models.DuplicateGroup] to implement [list.Item].
type groupItem struct {
	group models.DuplicateGroup
}

func (i groupItem) FilterValue() string {
	return i.group.Canonical.Artist + " " + i.group.Canonical.Title
}

func (i groupItem) Title() string {
	title := fmt.Sprintf("%s - %s", i.group.Canonical.Artist, i.group.Canonical.Title)
	if i.group.Resolved {
		return styles.strike.Render(title)
	}
	return title
}

func (i groupItem) Description() string {
	g := i.group
	parts := []string{
		fmt.Sprintf("%d copies", g.Size()),
		styles.confidence(g.AverageSimilarity).Render(fmt.Sprintf("%.0f%% match", g.AverageSimilarity*100)),
		styles.action(g.SuggestedAction).Render(string(g.SuggestedAction)),
	}
	if g.Resolution != models.ResolutionNone {
		parts = append(parts, string(g.Resolution))
	}
	return strings.Join(parts, " • ")
}

// memberItem wraps [models.GroupMember] to implement [list.Item].
type memberItem struct {
	member models.GroupMember
}

func (i memberItem) FilterValue() string { return i.member.Title }

func (i memberItem) Title() string {
	title := i.member.Title
	switch {
	case !i.member.StillExists:
		return styles.strike.Render(title)
	case i.member.IsCanonical:
		return styles.canon.Render("★ " + title)
	}
	return title
}

func (i memberItem) Description() string {
	m := i.member
	desc := m.Artist
	if m.Album != "" {
		desc = fmt.Sprintf("%s • %s", desc, m.Album)
	}
	desc = fmt.Sprintf("%s • %d plays", desc, m.PlayCount)
	if !m.IsCanonical {
		desc = fmt.Sprintf("%s • %.0f%%", desc, m.Similarity*100)
	}
	return desc
}

func groupItems(groups []models.DuplicateGroup) []list.Item {
	items := make([]list.Item, len(groups))
	for i, g := range groups {
		items[i] = groupItem{group: g}
	}
	return items
}

func memberItems(g models.DuplicateGroup) []list.Item {
	members := g.Members()
	items := make([]list.Item, len(members))
	for i, m := range members {
		items[i] = memberItem{member: m}
	}
	return items
}
