// Package similarity implements fuzzy duplicate detection over library records.
//
// All functions are pure. Title comparison runs on [Normalize]d titles so that
// remasters, edits and featured-artist credits of the same song compare as equal.
// Edit distance ratios come from [github.com/adrg/strutil] (Levenshtein).
//
// Grouping is a single O(n²) pass over the input: every unprocessed record seeds
// a group and absorbs the remaining unprocessed records that score at or above
// [Threshold] against it, or that are suffix variations of it. Libraries are
// expected to hold thousands of records, not millions.
package similarity
