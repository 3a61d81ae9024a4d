package diagnostics

import (
	"sort"
	"strings"
)

type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceMedium Importance = "medium"
	ImportanceLow    Importance = "low"
)

type TestInfo struct {
	Category    string     `json:"category"`
	Importance  Importance `json:"importance"`
	Description string     `json:"description"`
}

type testInfoEntry struct {
	name string
	info TestInfo
}

// knownTests is searched in order for substring matches.
var knownTests = []testInfoEntry{
	{"Glucosa", TestInfo{"Metabolism", ImportanceHigh, "Blood sugar level"}},
	{"Hemoglobina", TestInfo{"Hematology", ImportanceHigh, "Oxygen-carrying protein"}},
	{"Colesterol Total", TestInfo{"Lipids", ImportanceHigh, "Total cholesterol level"}},
	{"HDL", TestInfo{"Lipids", ImportanceHigh, "Good cholesterol"}},
	{"LDL", TestInfo{"Lipids", ImportanceHigh, "Bad cholesterol"}},
	{"Triglicéridos", TestInfo{"Lipids", ImportanceHigh, "Blood fats"}},
	{"Creatinina", TestInfo{"Kidney Function", ImportanceHigh, "Kidney function"}},
	{"TSH", TestInfo{"Thyroid", ImportanceHigh, "Thyroid-stimulating hormone"}},
	{"T3", TestInfo{"Thyroid", ImportanceMedium, "Thyroid hormone T3"}},
	{"T4", TestInfo{"Thyroid", ImportanceMedium, "Thyroid hormone T4"}},
	{"Vitamina D", TestInfo{"Vitamins", ImportanceMedium, "Blood vitamin D"}},
	{"Vitamina B12", TestInfo{"Vitamins", ImportanceMedium, "Blood vitamin B12"}},
	{"Hierro", TestInfo{"Minerals", ImportanceMedium, "Iron level"}},
	{"Ferritina", TestInfo{"Minerals", ImportanceMedium, "Iron stores"}},
}

var otherTest = TestInfo{Category: "Other", Importance: ImportanceLow, Description: "Clinical test"}

// TestDisplayInfo returns presentation metadata for a lab test name: an exact
// match first, then the first known name contained in it.
func TestDisplayInfo(testName string) TestInfo {
	name := strings.TrimSpace(testName)
	for _, e := range knownTests {
		if e.name == name {
			return e.info
		}
	}
	lower := strings.ToLower(name)
	for _, e := range knownTests {
		if strings.Contains(lower, strings.ToLower(e.name)) {
			return e.info
		}
	}
	return otherTest
}

// TestGroup is the history of one test, ascending by date.
type TestGroup struct {
	TestName string      `json:"test_name"`
	Results  []LabResult `json:"results"`
}

// GroupByTest groups results by exact test name. Groups keep first-seen order
// and each group is sorted ascending by test date.
func GroupByTest(results []LabResult) []TestGroup {
	index := make(map[string]int)
	var groups []TestGroup
	for _, r := range results {
		i, ok := index[r.TestName]
		if !ok {
			i = len(groups)
			index[r.TestName] = i
			groups = append(groups, TestGroup{TestName: r.TestName})
		}
		groups[i].Results = append(groups[i].Results, r)
	}
	for _, g := range groups {
		sortByTestDate(g.Results)
	}
	return groups
}

// sortByTestDate sorts ascending by test date. Same-day results keep
// insertion order, so the last one is the most recently stored.
func sortByTestDate(results []LabResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := &results[i], &results[j]
		if !a.TestDate.Equal(b.TestDate) {
			return a.TestDate.Before(b.TestDate)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
