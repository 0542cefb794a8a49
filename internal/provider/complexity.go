package provider

import "github.com/toolgate/backend/internal/config"

// ComplexityInput feeds the complexity_score function.
type ComplexityInput struct {
	// WorkflowTool marks multi-step tools, which score higher.
	WorkflowTool bool

	// FileCount is the number of files attached to the request.
	FileCount int

	// ClientHint is an explicit complexity hint in [0,1]; it acts as a
	// floor on the computed score.
	ClientHint float64
}

// ComplexityScore computes the routing complexity score in [0,1]. The
// weights come from configuration; the ordering of routing checks that
// consume the score does not.
func ComplexityScore(in ComplexityInput, cfg config.RoutingConfig) float64 {
	score := 0.0
	if in.WorkflowTool {
		score += cfg.WorkflowWeight
	}

	fileScore := float64(in.FileCount) * cfg.FileWeight
	if fileScore > cfg.FileWeightCap {
		fileScore = cfg.FileWeightCap
	}
	score += fileScore

	if in.ClientHint > score {
		score = in.ClientHint
	}
	if score > 1 {
		score = 1
	}
	return score
}
