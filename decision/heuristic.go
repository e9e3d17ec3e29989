package decision

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/V-prajit/Terminator/pattern"
	"github.com/V-prajit/Terminator/protocol"
)

const (
	// strongCorrelation is the correlation above which a pattern is acted on.
	strongCorrelation = 0.6
	// minConfidence is the confidence a pattern needs before it is trusted.
	minConfidence = 0.5
)

// HeuristicEngine decides locally from the pattern metrics and the lanes the
// participants are heading for.
type HeuristicEngine struct{}

func NewHeuristicEngine() *HeuristicEngine { return &HeuristicEngine{} }

func (e *HeuristicEngine) Name() string { return "heuristic" }

func (e *HeuristicEngine) Decide(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if len(req.Participants) == 0 {
		return Response{}, fmt.Errorf("decision request for %s has no participants", req.SessionID)
	}

	predicted := make([]int, len(req.Participants))
	for i, p := range req.Participants {
		predicted[i] = predictLane(p)
	}

	resp := Response{RequestID: req.RequestID, SessionID: req.SessionID}
	mirror := req.CrossPatternMetrics[pattern.MirrorMovement]
	inverse := req.CrossPatternMetrics[pattern.InverseMovement]

	switch {
	case trusted(mirror) && mirror.Correlation >= inverse.Correlation:
		resp.Decision = "block_lane"
		resp.Params = mustParams(map[string]any{"lanes": []int{predicted[0]}})
		resp.Explain = fmt.Sprintf("participants move in step (%.0f%%), blocking lane %d", mirror.Correlation*100, predicted[0])
		resp.Debate = []protocol.DebateEntry{
			{Speaker: "hunter", Text: "They are copying each other. One wall catches both."},
			{Speaker: "warden", Text: fmt.Sprintf("Agreed, lane %d.", predicted[0])},
		}
	case trusted(inverse):
		resp.Decision = "block_lanes"
		resp.Params = mustParams(map[string]any{"lanes": dedupe(predicted)})
		resp.Explain = fmt.Sprintf("participants move apart (%.0f%%), blocking both targets", inverse.Correlation*100)
		resp.Debate = []protocol.DebateEntry{
			{Speaker: "hunter", Text: "They split up to cover more ground."},
			{Speaker: "warden", Text: "Then we close both exits."},
		}
	default:
		lane := busiestLane(req.Participants)
		resp.Decision = "spawn_obstacle"
		resp.Params = mustParams(map[string]any{"lane": lane})
		resp.Explain = fmt.Sprintf("no reliable pattern, targeting the busiest lane %d", lane)
	}
	return resp, nil
}

func trusted(m pattern.Metric) bool {
	return m.Confidence >= minConfidence && m.Correlation >= strongCorrelation
}

// predictLane extrapolates the last step.
func predictLane(p Participant) int {
	n := len(p.RecentPositions)
	if n < 2 {
		return p.CurrentPosition
	}
	next := p.CurrentPosition + p.RecentPositions[n-1] - p.RecentPositions[n-2]
	if next < 0 {
		return 0
	}
	return next
}

func busiestLane(ps []Participant) int {
	counts := map[int]int{}
	best, bestCount := ps[0].CurrentPosition, 0
	for _, p := range ps {
		for _, lane := range p.RecentPositions {
			counts[lane]++
			if c := counts[lane]; c > bestCount || (c == bestCount && lane < best) {
				best, bestCount = lane, c
			}
		}
	}
	return best
}

func dedupe(lanes []int) []int {
	seen := map[int]bool{}
	out := make([]int, 0, len(lanes))
	for _, l := range lanes {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

func mustParams(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
