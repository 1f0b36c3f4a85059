package analytics

import (
	"math"
	"sort"
)

// LanguageShare aggregates one language across projects.
type LanguageShare struct {
	Name            string  `json:"name"`
	TotalPercentage float64 `json:"total_percentage"`
	Percentage      float64 `json:"percentage"` // average over the projects using it
	Projects        int     `json:"projects"`
}

// LanguageStats is the language breakdown of a set of projects.
type LanguageStats struct {
	Languages        []LanguageShare `json:"languages"`
	ProjectsAnalyzed int             `json:"projects_analyzed"`
	Diversity        float64         `json:"diversity"`
}

// AggregateLanguages combines per-project language percentages, sorted by
// total percentage, highest first.
func AggregateLanguages(perProject []map[string]float64) LanguageStats {
	totals := map[string]*LanguageShare{}
	for _, langs := range perProject {
		for name, pct := range langs {
			share, ok := totals[name]
			if !ok {
				share = &LanguageShare{Name: name}
				totals[name] = share
			}
			share.TotalPercentage += pct
			share.Projects++
		}
	}

	stats := LanguageStats{
		Languages:        make([]LanguageShare, 0, len(totals)),
		ProjectsAnalyzed: len(perProject),
	}
	weights := make([]float64, 0, len(totals))
	for _, share := range totals {
		weights = append(weights, share.TotalPercentage)
		share.Percentage = round2(share.TotalPercentage / float64(share.Projects))
		share.TotalPercentage = round2(share.TotalPercentage)
		stats.Languages = append(stats.Languages, *share)
	}
	sort.Slice(stats.Languages, func(i, j int) bool {
		a, b := stats.Languages[i], stats.Languages[j]
		if a.TotalPercentage != b.TotalPercentage {
			return a.TotalPercentage > b.TotalPercentage
		}
		return a.Name < b.Name
	})
	stats.Diversity = Diversity(weights)
	return stats
}

// Diversity is the Shannon entropy of weights normalized to 0..1: 0 for a
// single language, 1 for a perfectly even spread. Fewer than two non-zero
// weights yield 0.
func Diversity(weights []float64) float64 {
	var sum float64
	n := 0
	for _, w := range weights {
		if w > 0 {
			sum += w
			n++
		}
	}
	if n < 2 {
		return 0
	}
	var h float64
	for _, w := range weights {
		if w <= 0 {
			continue
		}
		p := w / sum
		h -= p * math.Log(p)
	}
	return math.Round(h/math.Log(float64(n))*1000) / 1000
}
