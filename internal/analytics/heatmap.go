package analytics

import "time"

// HeatmapCell is one calendar day.
type HeatmapCell struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
	Level int    `json:"level"`
}

// HeatmapSummary aggregates the cells of a Heatmap.
type HeatmapSummary struct {
	TotalDays            int     `json:"total_days"`
	ActiveDays           int     `json:"active_days"`
	MaxCommitsInDay      int     `json:"max_commits_in_day"`
	AverageCommitsPerDay float64 `json:"average_commits_per_day"`
}

// Heatmap is a per-day activity grid, oldest day first.
type Heatmap struct {
	Cells   []HeatmapCell  `json:"cells"`
	Summary HeatmapSummary `json:"summary"`
}

// HeatLevel buckets a daily commit count into 0..4.
func HeatLevel(count int) int {
	switch {
	case count <= 0:
		return 0
	case count <= 2:
		return 1
	case count <= 5:
		return 2
	case count <= 10:
		return 3
	default:
		return 4
	}
}

// BuildHeatmap emits one cell for each of the days calendar days ending today,
// including days without commits. Commits outside the window are ignored.
func BuildHeatmap(commits []CommitRecord, now time.Time, days int) Heatmap {
	if days <= 0 {
		return Heatmap{Cells: []HeatmapCell{}}
	}

	counts := make(map[string]int, len(commits))
	for _, c := range commits {
		counts[c.CreatedAt.UTC().Format(dayLayout)]++
	}

	today := now.UTC()
	start := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))

	h := Heatmap{Cells: make([]HeatmapCell, 0, days)}
	total := 0
	for i := 0; i < days; i++ {
		date := start.AddDate(0, 0, i).Format(dayLayout)
		n := counts[date]
		h.Cells = append(h.Cells, HeatmapCell{Date: date, Count: n, Level: HeatLevel(n)})

		total += n
		if n > 0 {
			h.Summary.ActiveDays++
		}
		if n > h.Summary.MaxCommitsInDay {
			h.Summary.MaxCommitsInDay = n
		}
	}
	h.Summary.TotalDays = days
	h.Summary.AverageCommitsPerDay = round2(float64(total) / float64(days))
	return h
}
