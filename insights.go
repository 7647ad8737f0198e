package casebank

import "context"

// Insights aggregates observable bank state: record counts, score
// averages, and maintenance-event counters.
type Insights struct {
	TotalCases   int            `json:"total_cases"`
	CasesByKind  map[string]int `json:"cases_by_kind"`
	Consolidated int            `json:"consolidated_cases"`

	AvgSuccessScore    float64 `json:"avg_success_score"`
	AvgImportanceScore float64 `json:"avg_importance_score"`
	TotalUsage         int     `json:"total_usage"`

	ConsolidationRuns uint64 `json:"consolidation_runs"`
	CasesMerged       uint64 `json:"cases_merged"`
	DecayRuns         uint64 `json:"decay_runs"`
	CasesEvicted      uint64 `json:"cases_evicted"`
	MaintenanceErrors uint64 `json:"maintenance_errors"`
}

// GetInsights scans the store and folds in the scheduler's counters.
func (m *Manager) GetInsights(ctx context.Context) (*Insights, error) {
	ins := &Insights{CasesByKind: make(map[string]int)}
	var successSum, importanceSum float64
	err := m.store.Scan(ctx, ScanFilter{}, func(c *Case) bool {
		ins.TotalCases++
		ins.CasesByKind[c.Kind]++
		if c.ConsolidationGroup != "" {
			ins.Consolidated++
		}
		successSum += c.SuccessScore
		importanceSum += c.ImportanceScore
		ins.TotalUsage += c.UsageCount
		return true
	})
	if err != nil {
		return nil, err
	}
	if ins.TotalCases > 0 {
		ins.AvgSuccessScore = successSum / float64(ins.TotalCases)
		ins.AvgImportanceScore = importanceSum / float64(ins.TotalCases)
	}
	stats := &m.sched.stats
	ins.ConsolidationRuns = stats.consolidationRuns.Load()
	ins.CasesMerged = stats.casesMerged.Load()
	ins.DecayRuns = stats.decayRuns.Load()
	ins.CasesEvicted = stats.casesEvicted.Load()
	ins.MaintenanceErrors = stats.errors.Load()
	return ins, nil
}
