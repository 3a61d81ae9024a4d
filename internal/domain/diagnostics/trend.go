package diagnostics

import (
	"fmt"
	"math"
	"strconv"
)

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendWorsening Trend = "worsening"
	TrendStable    Trend = "stable"
	TrendVariable  Trend = "variable"
)

const (
	// stableChangePct is the largest percent change still considered stable.
	stableChangePct = 5.0
	// variableCV is the coefficient of variation above which a series is variable.
	variableCV = 20.0
	// trendWindow is the size of the recent and older windows.
	trendWindow = 3
	// bigChangePct triggers the change-from-previous insight.
	bigChangePct = 20.0
)

// TrendAnalysis summarises one test's history.
type TrendAnalysis struct {
	Trend                Trend    `json:"trend"`
	Summary              string   `json:"summary"`
	Insights             []string `json:"insights"`
	LastValue            *float64 `json:"last_value"`
	AverageValue         *float64 `json:"average_value"`
	PercentageOutOfRange float64  `json:"percentage_out_of_range"`
	ChangeFromPrevious   *float64 `json:"change_from_previous"`
}

// AnalyzeTrend classifies the history of a single test. Results are sorted
// ascending by test date first; results without a numeric value are ignored.
func AnalyzeTrend(results []LabResult) TrendAnalysis {
	if len(results) == 0 {
		return degenerate("Not enough data for analysis")
	}

	sorted := make([]LabResult, len(results))
	copy(sorted, results)
	sortByTestDate(sorted)

	var valid []LabResult
	var values []float64
	for _, r := range sorted {
		if r.Value != nil {
			valid = append(valid, r)
			values = append(values, *r.Value)
		}
	}
	if len(values) == 0 {
		return degenerate("No numeric values to analyze")
	}

	last := values[len(values)-1]
	avg := mean(values)

	critical := 0
	for _, r := range valid {
		if r.IsCritical {
			critical++
		}
	}
	outOfRange := float64(critical) / float64(len(valid)) * 100

	var change *float64
	if len(values) > 1 {
		if prev := values[len(values)-2]; prev != 0 {
			c := (last - prev) / prev * 100
			change = &c
		}
	}

	trend := classifyTrend(values, &valid[len(valid)-1])

	return TrendAnalysis{
		Trend:                trend,
		Summary:              trendSummary(&valid[len(valid)-1], trend, outOfRange),
		Insights:             trendInsights(valid, last, outOfRange, change, trend),
		LastValue:            &last,
		AverageValue:         &avg,
		PercentageOutOfRange: outOfRange,
		ChangeFromPrevious:   change,
	}
}

func degenerate(summary string) TrendAnalysis {
	return TrendAnalysis{Trend: TrendStable, Summary: summary, Insights: []string{}}
}

// classifyTrend applies the window rules. The reference range of the latest
// result, when known, always decides direction over the sign of the change.
func classifyTrend(values []float64, latest *LabResult) Trend {
	n := len(values)
	if n < 2 {
		return TrendStable
	}

	if n < 2*trendWindow {
		if n != 2 {
			return TrendStable
		}
		diff := values[1] - values[0]
		if diff == 0 || (values[0] != 0 && math.Abs(diff/values[0])*100 < stableChangePct) {
			return TrendStable
		}
		if latest.HasRange() {
			return towardsMidpoint(values[0], values[1], latest)
		}
		return TrendStable
	}

	if coefficientOfVariation(values) > variableCV {
		return TrendVariable
	}

	recent := mean(values[n-trendWindow:])
	older := mean(values[n-2*trendWindow : n-trendWindow])
	if recent == older {
		return TrendStable
	}
	pct := math.Inf(1)
	if older != 0 {
		pct = (recent - older) / older * 100
	} else if recent < older {
		pct = math.Inf(-1)
	}
	if math.Abs(pct) < stableChangePct {
		return TrendStable
	}
	if latest.HasRange() {
		return towardsMidpoint(older, recent, latest)
	}
	if pct > 0 {
		return TrendImproving
	}
	return TrendWorsening
}

func towardsMidpoint(before, after float64, r *LabResult) Trend {
	mid := (*r.ReferenceMin + *r.ReferenceMax) / 2
	if math.Abs(after-mid) < math.Abs(before-mid) {
		return TrendImproving
	}
	return TrendWorsening
}

// coefficientOfVariation is the population stddev over the mean, in percent.
func coefficientOfVariation(values []float64) float64 {
	m := mean(values)
	var ss float64
	for _, v := range values {
		ss += (v - m) * (v - m)
	}
	sd := math.Sqrt(ss / float64(len(values)))
	if m == 0 {
		if sd == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return sd / m * 100
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func trendInsights(valid []LabResult, last, outOfRange float64, change *float64, trend Trend) []string {
	insights := []string{}
	latest := valid[len(valid)-1]

	switch trend {
	case TrendImproving:
		insights = append(insights, "Values show an improving trend")
	case TrendWorsening:
		insights = append(insights, "Values show a worsening trend")
	case TrendVariable:
		insights = append(insights, "Values show high variability")
	default:
		insights = append(insights, "Values remain stable")
	}

	if outOfRange > 50 {
		insights = append(insights, fmt.Sprintf("%.0f%% of values are outside the normal range", outOfRange))
	} else if outOfRange > 0 {
		insights = append(insights, fmt.Sprintf("%.0f%% of values are out of range", outOfRange))
	}

	if change != nil && math.Abs(*change) > bigChangePct {
		direction := "decreased"
		if *change > 0 {
			direction = "increased"
		}
		insights = append(insights, fmt.Sprintf("The latest value %s %.1f%% from the previous one", direction, math.Abs(*change)))
	}

	if latest.IsCritical {
		insights = append(insights, "The latest result is outside the normal range")
	} else if latest.HasRange() {
		position := (last - *latest.ReferenceMin) / (*latest.ReferenceMax - *latest.ReferenceMin) * 100
		switch {
		case position < 20:
			insights = append(insights, "The current value is near the lower bound of the normal range")
		case position > 80:
			insights = append(insights, "The current value is near the upper bound of the normal range")
		default:
			insights = append(insights, "The current value is within the optimal range")
		}
	}

	if len(valid) >= trendWindow {
		allCritical := true
		for _, r := range valid[len(valid)-trendWindow:] {
			if !r.IsCritical {
				allCritical = false
				break
			}
		}
		if allCritical {
			insights = append(insights, "The last 3 results are outside the normal range")
		}
	}

	return insights
}

func trendSummary(latest *LabResult, trend Trend, outOfRange float64) string {
	summary := fmt.Sprintf("Trend %s.", trend)
	if latest.Value == nil {
		return summary
	}

	value := strconv.FormatFloat(*latest.Value, 'f', -1, 64)
	if unit := latest.UnitOrEmpty(); unit != "" {
		value += " " + unit
	}
	summary += " Latest value: " + value + "."

	if latest.IsCritical {
		summary += " Requires medical attention."
	} else if outOfRange == 0 {
		summary += " All values within normal range."
	}
	return summary
}
