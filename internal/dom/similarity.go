package dom

import (
	"math"
	"strings"
)

// NormalizeText lowercases and collapses whitespace for comparison.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// TextSimilarity compares recorded vs candidate visible text, normalized.
// Returns 1 for an exact normalized match, otherwise a token Dice
// coefficient in [0,1). Two empty strings carry no signal and score 0.
func TextSimilarity(recorded, candidate string) float64 {
	a := NormalizeText(recorded)
	b := NormalizeText(candidate)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	at := strings.Fields(a)
	bt := strings.Fields(b)
	set := make(map[string]bool, len(at))
	for _, t := range at {
		set[t] = true
	}
	shared := 0
	for _, t := range bt {
		if set[t] {
			shared++
		}
	}
	dice := 2 * float64(shared) / float64(len(at)+len(bt))
	// Containment of one text in the other is a strong signal buttons
	// keep after copy tweaks ("Save" -> "Save changes").
	if dice < 0.8 && (strings.Contains(a, b) || strings.Contains(b, a)) {
		dice = 0.8
	}
	return dice
}

// AncestorSimilarity compares ancestor chains by the longest common
// subsequence of tag+role keys, normalized by the longer chain.
func AncestorSimilarity(recorded, candidate []AncestorLink) float64 {
	if len(recorded) == 0 || len(candidate) == 0 {
		return 0
	}
	n, m := len(recorded), len(candidate)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if recorded[i-1].key() == candidate[j-1].key() {
				lcs[i][j] = lcs[i-1][j-1] + 1
			} else if lcs[i-1][j] >= lcs[i][j-1] {
				lcs[i][j] = lcs[i-1][j]
			} else {
				lcs[i][j] = lcs[i][j-1]
			}
		}
	}
	longer := n
	if m > n {
		longer = m
	}
	return float64(lcs[n][m]) / float64(longer)
}

// LandmarkSimilarity compares nearby landmark text. Landmarks survive
// reflow far better than coordinates, so equality is rewarded highly and
// partial token overlap still counts.
func LandmarkSimilarity(recorded, candidate string) float64 {
	a := NormalizeText(recorded)
	b := NormalizeText(candidate)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return 0.7 * TextSimilarity(a, b)
}

// RectProximity scores how close a candidate sits to the recorded relative
// position. Distance is between centers in relative viewport coordinates.
func RectProximity(recorded *Rect, candidate Rect) float64 {
	if recorded == nil {
		return 0
	}
	rx, ry := recorded.Center()
	cx, cy := candidate.Center()
	dist := math.Hypot(rx-cx, ry-cy)
	// sqrt(2) is the viewport diagonal in relative coordinates.
	score := 1 - dist/math.Sqrt2
	if score < 0 {
		return 0
	}
	return score
}

// ClassOverlap is the Jaccard index of the two class lists.
func ClassOverlap(recorded, candidate []string) float64 {
	if len(recorded) == 0 || len(candidate) == 0 {
		return 0
	}
	set := make(map[string]bool, len(recorded))
	for _, c := range recorded {
		set[c] = true
	}
	shared := 0
	for _, c := range candidate {
		if set[c] {
			shared++
		}
	}
	union := len(recorded) + len(candidate) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
