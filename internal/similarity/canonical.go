package similarity

import (
	"unicode/utf8"

	"github.com/desertthunder/crate/internal/models"
)

const (
	playWeight    = 0.4
	lengthWeight  = 0.3
	recencyWeight = 0.2
	addedWeight   = 0.1

	scoreEpsilon = 1e-9
)

// span tracks the range of a factor within a member set.
type span struct {
	min, max float64
	set      bool
}

func (s *span) add(v float64) {
	if !s.set {
		s.min, s.max, s.set = v, v, true
		return
	}
	s.min = min(s.min, v)
	s.max = max(s.max, v)
}

// scale maps v into [0,1] within the span. A flat span contributes nothing.
func (s span) scale(v float64) float64 {
	if s.max-s.min < scoreEpsilon {
		return 0
	}
	return (v - s.min) / (s.max - s.min)
}

// inverse is scale with the lowest value scoring 1.
func (s span) inverse(v float64) float64 {
	if s.max-s.min < scoreEpsilon {
		return 0
	}
	return (s.max - v) / (s.max - s.min)
}

func lastPlayed(r models.Record) float64 {
	if r.LastPlayedAt == nil {
		return 0
	}
	return float64(r.LastPlayedAt.Unix())
}

func added(r models.Record) float64 {
	return float64(r.DateAdded.Unix())
}

// CanonicalScores returns the canonical score of each member, in input order.
//
// Each factor is min-max normalized within the set: play count (40%),
// shorter title (30%), most recent play (20%) and earliest date added (10%).
func CanonicalScores(members []models.Record) []float64 {
	var plays, lengths, recency, dates span
	for _, m := range members {
		plays.add(float64(m.PlayCount))
		lengths.add(float64(utf8.RuneCountInString(m.Title)))
		recency.add(lastPlayed(m))
		dates.add(added(m))
	}

	scores := make([]float64, len(members))
	for i, m := range members {
		scores[i] = playWeight*plays.scale(float64(m.PlayCount)) +
			lengthWeight*lengths.inverse(float64(utf8.RuneCountInString(m.Title))) +
			recencyWeight*recency.scale(lastPlayed(m)) +
			addedWeight*dates.inverse(added(m))
	}
	return scores
}

// CanonicalPick returns the index of the member to keep.
//
// Ties on score go to the lexically smallest id, so the result does not depend on input order.
// Returns -1 for an empty set.
func CanonicalPick(members []models.Record) int {
	if len(members) == 0 {
		return -1
	}

	scores := CanonicalScores(members)
	best := 0
	for i := 1; i < len(members); i++ {
		switch {
		case scores[i] > scores[best]+scoreEpsilon:
			best = i
		case scores[i] > scores[best]-scoreEpsilon && members[i].ID < members[best].ID:
			best = i
		}
	}
	return best
}
