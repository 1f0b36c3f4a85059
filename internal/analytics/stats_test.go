package analytics

import (
	"math"
	"reflect"
	"testing"
	"time"
)

func commitAt(ts string) CommitRecord {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		panic(err)
	}
	return CommitRecord{ID: ts, CreatedAt: t, Project: ProjectRef{ID: 1, Path: "group/app"}}
}

func day(s string) time.Time {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		panic(err)
	}
	return t.Add(18 * time.Hour)
}

func TestComputeStatistics_Streaks(t *testing.T) {
	commits := []CommitRecord{
		commitAt("2024-01-10T09:00:00Z"),
		commitAt("2024-01-11T14:30:00Z"),
		commitAt("2024-01-12T08:15:00Z"),
	}

	s := ComputeStatistics(commits, day("2024-01-12"), 30)
	if s.LongestStreak != 3 {
		t.Errorf("LongestStreak = %d, want 3", s.LongestStreak)
	}
	if s.CurrentStreak != 3 {
		t.Errorf("CurrentStreak = %d, want 3", s.CurrentStreak)
	}

	tests := []struct {
		today string
		want  int
	}{
		{"2024-01-11", 2},
		{"2024-01-13", 0},
		{"2024-01-20", 0},
	}
	for _, tt := range tests {
		got := ComputeStatistics(commits, day(tt.today), 30).CurrentStreak
		if got != tt.want {
			t.Errorf("CurrentStreak(today=%s) = %d, want %d", tt.today, got, tt.want)
		}
	}
}

func TestComputeStatistics_LongestStreakWithGaps(t *testing.T) {
	commits := []CommitRecord{
		commitAt("2024-01-01T10:00:00Z"),
		commitAt("2024-01-02T10:00:00Z"),
		commitAt("2024-01-04T10:00:00Z"),
		commitAt("2024-01-05T10:00:00Z"),
		commitAt("2024-01-05T11:00:00Z"),
		commitAt("2024-01-06T10:00:00Z"),
		commitAt("2024-01-07T10:00:00Z"),
		commitAt("2024-01-20T10:00:00Z"),
	}

	s := ComputeStatistics(commits, day("2024-01-20"), 30)
	if s.LongestStreak != 4 {
		t.Errorf("LongestStreak = %d, want 4", s.LongestStreak)
	}
	if s.CurrentStreak != 1 {
		t.Errorf("CurrentStreak = %d, want 1", s.CurrentStreak)
	}
	if s.ActiveDays != 7 {
		t.Errorf("ActiveDays = %d, want 7", s.ActiveDays)
	}
}

func TestComputeStatistics_StreakAcrossMonthAndYear(t *testing.T) {
	commits := []CommitRecord{
		commitAt("2023-12-30T10:00:00Z"),
		commitAt("2023-12-31T10:00:00Z"),
		commitAt("2024-01-01T10:00:00Z"),
	}
	s := ComputeStatistics(commits, day("2024-01-01"), 7)
	if s.LongestStreak != 3 || s.CurrentStreak != 3 {
		t.Errorf("streaks = %d/%d, want 3/3", s.LongestStreak, s.CurrentStreak)
	}
}

func TestComputeStatistics_Idempotent(t *testing.T) {
	commits := []CommitRecord{
		commitAt("2024-03-01T10:00:00Z"),
		commitAt("2024-03-02T23:59:59Z"),
		commitAt("2024-03-04T00:00:00Z"),
		commitAt("2024-03-04T13:00:00Z"),
	}
	now := day("2024-03-04")

	first := ComputeStatistics(commits, now, 14)
	second := ComputeStatistics(commits, now, 14)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("statistics differ between runs:\n%+v\n%+v", first, second)
	}
}

func TestComputeStatistics_Buckets(t *testing.T) {
	commits := []CommitRecord{
		{ID: "a", CreatedAt: mustTime("2024-01-01T10:00:00Z"), Project: ProjectRef{Path: "g/a"}, Stats: &LineStats{Additions: 5, Deletions: 1}},
		{ID: "b", CreatedAt: mustTime("2024-01-01T10:30:00Z"), Project: ProjectRef{Path: "g/b"}, Stats: &LineStats{Additions: 3}},
		{ID: "c", CreatedAt: mustTime("2024-01-03T22:00:00Z"), Project: ProjectRef{Path: "g/b"}},
		{ID: "d", CreatedAt: mustTime("2024-02-01T10:00:00+02:00"), Project: ProjectRef{Path: "g/b"}},
	}

	s := ComputeStatistics(commits, day("2024-02-01"), 35)
	if s.TotalCommits != 4 {
		t.Errorf("TotalCommits = %d, want 4", s.TotalCommits)
	}
	if s.ByDay["2024-01-01"] != 2 || s.ByDay["2024-01-03"] != 1 || s.ByDay["2024-02-01"] != 1 {
		t.Errorf("ByDay = %v", s.ByDay)
	}
	if s.ByMonth["2024-01"] != 3 || s.ByMonth["2024-02"] != 1 {
		t.Errorf("ByMonth = %v", s.ByMonth)
	}
	if s.ByWeek["2024-W01"] != 3 || s.ByWeek["2024-W05"] != 1 {
		t.Errorf("ByWeek = %v", s.ByWeek)
	}
	// 10:00+02:00 is 08:00 UTC.
	if s.ByHour[10] != 2 || s.ByHour[8] != 1 || s.ByHour[22] != 1 {
		t.Errorf("ByHour = %v", s.ByHour)
	}
	if s.ByWeekday[time.Monday] != 2 || s.ByWeekday[time.Wednesday] != 1 || s.ByWeekday[time.Thursday] != 1 {
		t.Errorf("ByWeekday = %v", s.ByWeekday)
	}
	if s.MostActiveDay != "Monday" {
		t.Errorf("MostActiveDay = %q, want Monday", s.MostActiveDay)
	}
	if s.MostActiveHour != 10 {
		t.Errorf("MostActiveHour = %d, want 10", s.MostActiveHour)
	}
	if s.MostActiveProject != "g/b" {
		t.Errorf("MostActiveProject = %q, want g/b", s.MostActiveProject)
	}
	if s.Additions != 8 || s.Deletions != 1 {
		t.Errorf("lines = +%d -%d, want +8 -1", s.Additions, s.Deletions)
	}
	if s.AveragePerWeek != 0.8 {
		t.Errorf("AveragePerWeek = %v, want 0.8", s.AveragePerWeek)
	}
	if s.AveragePerActiveDay != 1.33 {
		t.Errorf("AveragePerActiveDay = %v, want 1.33", s.AveragePerActiveDay)
	}
}

func TestComputeStatistics_Empty(t *testing.T) {
	s := ComputeStatistics(nil, day("2024-01-01"), 30)
	if s.TotalCommits != 0 || s.LongestStreak != 0 || s.CurrentStreak != 0 {
		t.Errorf("unexpected non-zero statistics: %+v", s)
	}
	if s.MostActiveHour != -1 || s.MostActiveDay != "" {
		t.Errorf("MostActive = %q/%d, want empty/-1", s.MostActiveDay, s.MostActiveHour)
	}
}

func TestWeekKey(t *testing.T) {
	tests := []struct {
		date string
		want string
	}{
		{"2024-01-01", "2024-W01"},
		{"2021-01-03", "2020-W53"},
		{"2019-12-30", "2020-W01"},
		{"2026-12-31", "2026-W53"},
		{"2024-06-15", "2024-W24"},
	}
	for _, tt := range tests {
		if got := WeekKey(day(tt.date)); got != tt.want {
			t.Errorf("WeekKey(%s) = %q, want %q", tt.date, got, tt.want)
		}
	}
}

func TestBuildHeatmap_Completeness(t *testing.T) {
	now := day("2024-04-30")
	var commits []CommitRecord
	// inside the window: 2024-02-01 .. 2024-04-30
	for i := 0; i < 12; i++ {
		commits = append(commits, CommitRecord{ID: "in", CreatedAt: now.AddDate(0, 0, -i*7)})
	}
	commits = append(commits,
		CommitRecord{ID: "first-day", CreatedAt: mustTime("2024-02-01T00:00:00Z")},
		CommitRecord{ID: "too-old", CreatedAt: mustTime("2024-01-31T23:59:59Z")},
	)

	h := BuildHeatmap(commits, now, 90)
	if len(h.Cells) != 90 {
		t.Fatalf("len(Cells) = %d, want 90", len(h.Cells))
	}
	if h.Cells[0].Date != "2024-02-01" {
		t.Errorf("first cell = %s, want 2024-02-01", h.Cells[0].Date)
	}
	if h.Cells[89].Date != "2024-04-30" {
		t.Errorf("last cell = %s, want 2024-04-30", h.Cells[89].Date)
	}

	sum := 0
	for i, c := range h.Cells {
		sum += c.Count
		if i > 0 {
			prev := mustDay(h.Cells[i-1].Date)
			if !mustDay(c.Date).Equal(prev.AddDate(0, 0, 1)) {
				t.Fatalf("cell %d (%s) does not follow %s", i, c.Date, h.Cells[i-1].Date)
			}
		}
	}
	if sum != 13 {
		t.Errorf("sum(counts) = %d, want 13", sum)
	}
	if h.Summary.TotalDays != 90 || h.Summary.ActiveDays != 13 {
		t.Errorf("Summary = %+v", h.Summary)
	}
}

func TestHeatLevel(t *testing.T) {
	tests := []struct {
		count int
		want  int
	}{
		{0, 0}, {1, 1}, {2, 1}, {3, 2}, {5, 2}, {6, 3}, {10, 3}, {11, 4}, {50, 4},
	}
	for _, tt := range tests {
		if got := HeatLevel(tt.count); got != tt.want {
			t.Errorf("HeatLevel(%d) = %d, want %d", tt.count, got, tt.want)
		}
	}
}

func TestAggregateLanguages(t *testing.T) {
	stats := AggregateLanguages([]map[string]float64{
		{"Go": 80, "Shell": 20},
		{"Go": 60, "TypeScript": 40},
		{"Python": 100},
	})

	if stats.ProjectsAnalyzed != 3 {
		t.Errorf("ProjectsAnalyzed = %d, want 3", stats.ProjectsAnalyzed)
	}
	names := make([]string, len(stats.Languages))
	for i, l := range stats.Languages {
		names[i] = l.Name
	}
	want := []string{"Go", "Python", "TypeScript", "Shell"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("order = %v, want %v", names, want)
	}
	goShare := stats.Languages[0]
	if goShare.TotalPercentage != 140 || goShare.Percentage != 70 || goShare.Projects != 2 {
		t.Errorf("Go = %+v", goShare)
	}
	if stats.Diversity <= 0 || stats.Diversity >= 1 {
		t.Errorf("Diversity = %v, want within (0, 1)", stats.Diversity)
	}
}

func TestDiversity(t *testing.T) {
	if got := Diversity([]float64{100}); got != 0 {
		t.Errorf("Diversity(single) = %v, want 0", got)
	}
	if got := Diversity(nil); got != 0 {
		t.Errorf("Diversity(nil) = %v, want 0", got)
	}
	if got := Diversity([]float64{25, 25, 25, 25}); got != 1 {
		t.Errorf("Diversity(even) = %v, want 1", got)
	}
	skewed := Diversity([]float64{99, 1})
	even := Diversity([]float64{50, 50})
	if !(skewed < even) {
		t.Errorf("Diversity(99,1) = %v should be below Diversity(50,50) = %v", skewed, even)
	}
	want := -(0.99*math.Log(0.99) + 0.01*math.Log(0.01)) / math.Log(2)
	if math.Abs(skewed-want) > 0.001 {
		t.Errorf("Diversity(99,1) = %v, want %.3f", skewed, want)
	}
}

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func mustDay(s string) time.Time {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}
