package graph

// Metrics aggregates structural counts and shape ratios for one room.
type Metrics struct {
	NodeCount      int     `json:"nodeCount"`
	BranchCount    int     `json:"branchCount"`
	MergeCount     int     `json:"mergeCount"`
	MilestoneCount int     `json:"milestoneCount"`
	AverageDepth   float64 `json:"averageDepth"`
	// BranchingFactor is branch points per node, MergeRate merges per
	// node. ConvergenceScore is merges per branch point, capped at 1.0;
	// a room with no branches counts as fully converged.
	BranchingFactor  float64 `json:"branchingFactor"`
	MergeRate        float64 `json:"mergeRate"`
	ConvergenceScore float64 `json:"convergenceScore"`
}

// CalculateMetrics walks the live (non-tombstoned) nodes once.
func (idx *TopologyIndex) CalculateMetrics() Metrics {
	var m Metrics
	var depthSum int
	for _, n := range idx.arena {
		if n.Tombstoned {
			continue
		}
		m.NodeCount++
		depthSum += n.Point.ThreadDepth
		if len(n.BranchTargets) > 0 {
			m.BranchCount++
		}
		if n.MergeSource != "" {
			m.MergeCount++
		}
		if n.Status == StatusConfirmed {
			m.MilestoneCount++
		}
	}
	if m.NodeCount == 0 {
		m.ConvergenceScore = 1.0
		return m
	}
	m.AverageDepth = float64(depthSum) / float64(m.NodeCount)
	m.BranchingFactor = float64(m.BranchCount) / float64(m.NodeCount)
	m.MergeRate = float64(m.MergeCount) / float64(m.NodeCount)
	if m.BranchCount == 0 {
		m.ConvergenceScore = 1.0
	} else {
		m.ConvergenceScore = float64(m.MergeCount) / float64(m.BranchCount)
		if m.ConvergenceScore > 1.0 {
			m.ConvergenceScore = 1.0
		}
	}
	return m
}
