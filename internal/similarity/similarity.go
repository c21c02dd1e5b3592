package similarity

import (
	"regexp"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/desertthunder/crate/internal/models"
)

const (
	// Threshold is the minimum weighted similarity for two records to share a group.
	Threshold = 0.8

	titleWeight  = 0.7
	artistWeight = 0.3

	suffixArtistMin = 0.9
	suffixTitleMin  = 0.95
)

// qualifiers are the release/version words stripped from titles.
const qualifiers = `(\d{4}\s+)?remaster(ed)?(\s+\d{4})?|deluxe(\s+edition)?|radio\s+edit|live|acoustic|instrumental|explicit|clean|mono|stereo`

var suffixPatterns = []*regexp.Regexp{
	// (Remastered 2011), [Live at Wembley], (feat. Someone)
	regexp.MustCompile(`(?i)\s*[\(\[][^\)\]]*\b(` + qualifiers + `|feat\.?|featuring|ft\.)[^\)\]]*[\)\]]`),
	// Song - 2020 Remaster, Song - Live
	regexp.MustCompile(`(?i)\s+[-–]\s+(` + qualifiers + `)\b.*$`),
	// Song feat. Someone
	regexp.MustCompile(`(?i)\s+(feat\.?|featuring|ft\.)\s+.*$`),
	// Song 2009 Remaster
	regexp.MustCompile(`(?i)\s+(\d{4}\s+)?remaster(ed)?(\s+\d{4})?$`),
}

// versionPattern matches qualifiers that denote a different performance rather than a copy.
var versionPattern = regexp.MustCompile(`(?i)([\(\[]|\s[-–]\s)[^\)\]]*\b(live|acoustic|instrumental|demo|radio\s+edit)\b`)

func newMetric() *metrics.Levenshtein {
	m := metrics.NewLevenshtein()
	m.CaseSensitive = false
	return m
}

// ratio returns the normalized edit-distance similarity of a and b in [0,1].
func ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	return strutil.Similarity(a, b, newMetric())
}

// Normalize strips release qualifiers, collapses whitespace and lowercases a title.
//
// Normalize(Normalize(t)) == Normalize(t) for every t.
func Normalize(title string) string {
	s := strings.ToLower(title)
	for {
		next := s
		for _, re := range suffixPatterns {
			next = re.ReplaceAllString(next, " ")
		}
		next = strings.Join(strings.Fields(next), " ")
		next = strings.TrimRight(next, " -–:")
		if next == s {
			return s
		}
		s = next
	}
}

// comparableTitle returns the normalized title, or the collapsed raw title when
// normalizing would leave nothing to compare.
func comparableTitle(title string) string {
	if s := Normalize(title); s != "" {
		return s
	}
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

func normalizeArtist(artist string) string {
	return strings.Join(strings.Fields(strings.ToLower(artist)), " ")
}

func missingTitle(r *models.Record) bool {
	return r == nil || strings.TrimSpace(r.Title) == ""
}

// Similarity scores two records as 0.7 × title ratio + 0.3 × artist ratio.
//
// Titles are compared after [Normalize]; a title that is only a qualifier is compared as written. Nil records and records without a title score 0.
func Similarity(a, b *models.Record) float64 {
	if missingTitle(a) || missingTitle(b) {
		return 0
	}

	title := ratio(comparableTitle(a.Title), comparableTitle(b.Title))
	artist := ratio(normalizeArtist(a.Artist), normalizeArtist(b.Artist))
	return titleWeight*title + artistWeight*artist
}

// IsSuffixVariation reports whether b is the same song as a under a different release qualifier.
func IsSuffixVariation(a, b *models.Record) bool {
	if missingTitle(a) || missingTitle(b) {
		return false
	}
	if ratio(normalizeArtist(a.Artist), normalizeArtist(b.Artist)) < suffixArtistMin {
		return false
	}
	return ratio(comparableTitle(a.Title), comparableTitle(b.Title)) >= suffixTitleMin
}

// Matches reports whether two records belong in the same group.
func Matches(a, b *models.Record) bool {
	return Similarity(a, b) >= Threshold || IsSuffixVariation(a, b)
}

// IsVersion reports whether a title carries a live, acoustic or similar performance qualifier.
func IsVersion(title string) bool {
	return versionPattern.MatchString(title)
}
