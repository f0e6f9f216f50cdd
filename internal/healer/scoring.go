package healer

import (
	"context"
	"sort"

	"overlay/internal/dom"
	"overlay/internal/logging"
)

// reasonThreshold is the minimum per-signal similarity for that signal to
// be listed in MatchReasons.
const reasonThreshold = 0.5

// scoreCandidates enumerates tag/role-compatible live elements and scores
// each against the recorded descriptor. Returned slice is sorted by score
// descending; ties break toward the candidate closer to the main content
// landmark, since decorative chrome duplicates main-content markup more
// often than the reverse.
func (h *AutoHealer) scoreCandidates(ctx context.Context, d dom.ElementDescriptor, cfg Config) []Candidate {
	if d.Meta.Tag == "" {
		return nil
	}
	nodes, err := h.doc.Candidates(ctx, d.Meta.Tag, d.Meta.Role, d.Meta.InputType)
	if err != nil {
		logging.HealerDebug("candidate enumeration failed: %v", err)
		return nil
	}
	if len(nodes) == 0 {
		return nil
	}

	out := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, scoreOne(d, n, cfg.Weights))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Node.MainDistance < out[j].Node.MainDistance
	})
	return out
}

func scoreOne(d dom.ElementDescriptor, n dom.Node, w Weights) Candidate {
	text := dom.TextSimilarity(d.Meta.Text, n.Text)
	landmark := dom.LandmarkSimilarity(d.Meta.Landmark, n.Landmark)
	ancestor := dom.AncestorSimilarity(d.Meta.Ancestors, n.Ancestors)
	position := dom.RectProximity(d.Meta.Bounds, n.Bounds)
	class := dom.ClassOverlap(d.Meta.Classes, n.Classes)

	total := w.total()
	score := (w.Text*text + w.Landmark*landmark + w.Ancestor*ancestor +
		w.Position*position + w.Class*class) / total

	var reasons []string
	if text >= reasonThreshold {
		reasons = append(reasons, "text match")
	}
	if ancestor >= reasonThreshold {
		reasons = append(reasons, "ancestor chain")
	}
	if landmark >= reasonThreshold {
		reasons = append(reasons, "landmark match")
	}
	if position >= reasonThreshold {
		reasons = append(reasons, "position proximity")
	}
	if class >= reasonThreshold {
		reasons = append(reasons, "class overlap")
	}

	return Candidate{Node: n, Score: score, MatchReasons: reasons}
}
