package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"

	// maxStreakScan bounds how far back the current streak is followed.
	maxStreakScan = 365
)

// CommitStatistics summarizes a set of commits. All buckets are in UTC.
type CommitStatistics struct {
	TotalCommits int `json:"total_commits"`
	ActiveDays   int `json:"active_days"`

	ByDay     map[string]int `json:"by_day"`   // YYYY-MM-DD
	ByWeek    map[string]int `json:"by_week"`  // ISO 8601, YYYY-Www
	ByMonth   map[string]int `json:"by_month"` // YYYY-MM
	ByHour    [24]int        `json:"by_hour"`
	ByWeekday [7]int         `json:"by_weekday"` // Sunday first

	CurrentStreak int `json:"current_streak"`
	LongestStreak int `json:"longest_streak"`

	AveragePerDay       float64 `json:"average_per_day"`
	AveragePerWeek      float64 `json:"average_per_week"`
	AveragePerActiveDay float64 `json:"average_per_active_day"`

	MostActiveDay     string `json:"most_active_day,omitempty"`
	MostActiveHour    int    `json:"most_active_hour"` // -1 without commits
	MostActiveProject string `json:"most_active_project,omitempty"`

	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// ComputeStatistics derives CommitStatistics from commits. days is the length
// of the window the commits were fetched for and only affects the averages.
// The result depends on nothing but its arguments.
func ComputeStatistics(commits []CommitRecord, now time.Time, days int) CommitStatistics {
	s := CommitStatistics{
		TotalCommits:   len(commits),
		ByDay:          map[string]int{},
		ByWeek:         map[string]int{},
		ByMonth:        map[string]int{},
		MostActiveHour: -1,
	}

	projects := map[string]int{}
	for _, c := range commits {
		t := c.CreatedAt.UTC()
		s.ByDay[t.Format(dayLayout)]++
		s.ByWeek[WeekKey(t)]++
		s.ByMonth[t.Format(monthLayout)]++
		s.ByHour[t.Hour()]++
		s.ByWeekday[t.Weekday()]++
		projects[c.Project.Path]++
		if c.Stats != nil {
			s.Additions += c.Stats.Additions
			s.Deletions += c.Stats.Deletions
		}
	}
	s.ActiveDays = len(s.ByDay)

	s.LongestStreak = longestStreak(s.ByDay)
	s.CurrentStreak = currentStreak(s.ByDay, now)

	if days > 0 {
		s.AveragePerDay = round2(float64(s.TotalCommits) / float64(days))
		s.AveragePerWeek = round2(float64(s.TotalCommits) / (float64(days) / 7))
	}
	if s.ActiveDays > 0 {
		s.AveragePerActiveDay = round2(float64(s.TotalCommits) / float64(s.ActiveDays))
	}

	if s.TotalCommits > 0 {
		best := 0
		for d := 1; d < 7; d++ {
			if s.ByWeekday[d] > s.ByWeekday[best] {
				best = d
			}
		}
		s.MostActiveDay = time.Weekday(best).String()

		s.MostActiveHour = 0
		for h := 1; h < 24; h++ {
			if s.ByHour[h] > s.ByHour[s.MostActiveHour] {
				s.MostActiveHour = h
			}
		}
		s.MostActiveProject = maxKey(projects)
	}
	return s
}

// WeekKey formats t's ISO 8601 week as YYYY-Www.
func WeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func longestStreak(byDay map[string]int) int {
	if len(byDay) == 0 {
		return 0
	}
	days := make([]time.Time, 0, len(byDay))
	for k := range byDay {
		d, err := time.Parse(dayLayout, k)
		if err != nil {
			continue
		}
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	longest, run := 1, 1
	for i := 1; i < len(days); i++ {
		if days[i].Equal(days[i-1].AddDate(0, 0, 1)) {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

// currentStreak counts consecutive days with commits backwards from today
// inclusive. No commit today means a streak of 0.
func currentStreak(byDay map[string]int, now time.Time) int {
	day := now.UTC()
	streak := 0
	for i := 0; i < maxStreakScan; i++ {
		if byDay[day.Format(dayLayout)] == 0 {
			break
		}
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}

// maxKey returns the key with the highest count, the lexically smallest on ties.
func maxKey(counts map[string]int) string {
	best, bestN := "", -1
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
