// Package consensus implements the peer-ranking strategies of the
// council: Borda-Count over position sums and Chairman-Cut over the
// Borda top-3. Ballots are validated on ingest; a malformed ballot is
// discarded, never repaired.
package consensus

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Tie-break identifiers recorded in results
const (
	TieBreakMeanRank    = "mean_rank"
	TieBreakStableOrder = "stable_order"
)

// ErrInsufficientBallots is returned when fewer than ceil(N/2) valid
// ballots survive validation.
var ErrInsufficientBallots = errors.New("insufficient_ballots")

// Ballot is one member's validated ranking
type Ballot struct {
	Model   string   // ranking member
	Ranking []string // labels in ranked order, best first
}

// Result is the outcome of a consensus computation
type Result struct {
	WinnerLabel    string
	Ordering       []string
	PerLabelScores map[string]int
	MeanRanks      map[string]float64
	TiesBrokenBy   string
	ValidBallots   int
}

// Labels returns the blinded response labels for n drafts: A, B, C, ...
func Labels(n int) []string {
	labels := make([]string, n)
	for i := 0; i < n; i++ {
		labels[i] = string(rune('A' + i))
	}
	return labels
}

// Quorum returns the minimum count required out of n: ceil(n/2)
func Quorum(n int) int {
	return (n + 1) / 2
}

var (
	rankingLinePattern = regexp.MustCompile(`(?is)ranking:\s*(.+)`)
	numberedPattern    = regexp.MustCompile(`\d+\.\s*(?:Response\s+)?([A-Z])\b`)
	responsePattern    = regexp.MustCompile(`Response\s+([A-Z])\b`)
	barePattern        = regexp.MustCompile(`\b([A-Z])\b`)
)

// ParseBallot extracts a ranking from a judge's free-text reply.
// Accepted formats, tried in order:
//
//	"Ranking: Response B > Response A > Response C"
//	numbered lines ("1. Response B" / "1. B")
//	any ordered "Response X" mentions
//	comma/">"-separated bare labels
//
// The parsed ranking must be a full permutation of expected; anything
// else returns an error and the ballot is discarded. Labels are never
// guessed or filled in.
func ParseBallot(text string, expected []string) ([]string, error) {
	allowed := make(map[string]bool, len(expected))
	for _, l := range expected {
		allowed[l] = true
	}

	candidates := extractLabels(text)

	// Keep first occurrence of each allowed label, in order
	seen := make(map[string]bool)
	var ranking []string
	for _, l := range candidates {
		if allowed[l] && !seen[l] {
			seen[l] = true
			ranking = append(ranking, l)
		}
	}

	if len(ranking) != len(expected) {
		return nil, fmt.Errorf("ballot is not a full permutation: got %d of %d labels", len(ranking), len(expected))
	}
	// Any allowed label mentioned twice in contradictory order would have
	// been deduplicated above; a label outside the set invalidates nothing
	// by itself, but the permutation check already guarantees coverage.
	return ranking, nil
}

// extractLabels pulls ordered label candidates out of judge text
func extractLabels(text string) []string {
	// Prefer an explicit "Ranking:" line — judges are instructed to end
	// with one, and evaluation prose above it mentions labels out of order.
	if m := rankingLinePattern.FindStringSubmatch(text); m != nil {
		section := m[1]
		if labels := matchesOf(numberedPattern, section); len(labels) > 0 {
			return labels
		}
		if labels := matchesOf(responsePattern, section); len(labels) > 0 {
			return labels
		}
		if labels := matchesOf(barePattern, section); len(labels) > 0 {
			return labels
		}
	}

	if labels := matchesOf(numberedPattern, text); len(labels) > 0 {
		return labels
	}
	if labels := matchesOf(responsePattern, text); len(labels) > 0 {
		return labels
	}

	// Last resort: bare letters separated by ">" or ","
	if strings.ContainsAny(text, ">,") {
		return matchesOf(barePattern, text)
	}
	return nil
}

func matchesOf(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// ValidateBallots parses raw ballots and partitions them into valid and
// discarded. Each member's expected label set excludes their own label.
func ValidateBallots(raw []RawBallot, labelForModel map[string]string, allLabels []string) (valid []Ballot, discarded int) {
	for _, rb := range raw {
		expected := excludeLabel(allLabels, labelForModel[rb.Model])
		ranking, err := ParseBallot(rb.Text, expected)
		if err != nil {
			discarded++
			continue
		}
		valid = append(valid, Ballot{Model: rb.Model, Ranking: ranking})
	}
	return valid, discarded
}

// RawBallot is an unparsed judge reply
type RawBallot struct {
	Model string
	Text  string
}

func excludeLabel(labels []string, own string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != own {
			out = append(out, l)
		}
	}
	return out
}

// BordaCount scores each label by summing its 1-indexed rank position
// across ballots (lower is better). The winner is the arg-min; ties are
// broken by lower mean rank, then by stable label order.
//
// Requires at least Quorum(len(expectedBallots)) valid ballots; the
// caller passes the expected ballot count (the member count).
func BordaCount(ballots []Ballot, labels []string, expectedBallots int) (*Result, error) {
	if len(ballots) < Quorum(expectedBallots) {
		return nil, ErrInsufficientBallots
	}

	scores := make(map[string]int, len(labels))
	counts := make(map[string]int, len(labels))
	for _, l := range labels {
		scores[l] = 0
	}

	for _, b := range ballots {
		for pos, label := range b.Ranking {
			scores[label] += pos + 1
			counts[label]++
		}
	}

	means := make(map[string]float64, len(labels))
	for _, l := range labels {
		if counts[l] > 0 {
			means[l] = float64(scores[l]) / float64(counts[l])
		}
	}

	ordering := append([]string(nil), labels...)
	tieBreak := ""
	sort.SliceStable(ordering, func(i, j int) bool {
		a, b := ordering[i], ordering[j]
		if scores[a] != scores[b] {
			return scores[a] < scores[b]
		}
		if means[a] != means[b] {
			tieBreak = TieBreakMeanRank
			return means[a] < means[b]
		}
		tieBreak = TieBreakStableOrder
		return false // SliceStable keeps original label order
	})

	return &Result{
		WinnerLabel:    ordering[0],
		Ordering:       ordering,
		PerLabelScores: scores,
		MeanRanks:      means,
		TiesBrokenBy:   tieBreak,
		ValidBallots:   len(ballots),
	}, nil
}

// Top3 returns the best three labels of a Borda result (fewer when the
// council is smaller), the candidate set handed to the chairman under
// Chairman-Cut.
func (r *Result) Top3() []string {
	n := 3
	if len(r.Ordering) < n {
		n = len(r.Ordering)
	}
	return append([]string(nil), r.Ordering[:n]...)
}

// ParseChairmanChoice extracts a single winner label from the chairman's
// Chairman-Cut reply. The chairman is asked for a label only; any prose
// around it is tolerated. Returns false when no allowed label is found.
func ParseChairmanChoice(text string, allowed []string) (string, bool) {
	allowedSet := make(map[string]bool, len(allowed))
	for _, l := range allowed {
		allowedSet[l] = true
	}

	for _, l := range matchesOf(responsePattern, text) {
		if allowedSet[l] {
			return l, true
		}
	}
	for _, l := range matchesOf(barePattern, text) {
		if allowedSet[l] {
			return l, true
		}
	}
	return "", false
}
