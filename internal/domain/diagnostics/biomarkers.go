package diagnostics

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type BiomarkerStatus string

const (
	StatusNormal   BiomarkerStatus = "normal"
	StatusAbnormal BiomarkerStatus = "abnormal"
	StatusCritical BiomarkerStatus = "critical"
)

type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

// CategoryOther is used for tests without a matching reference biomarker.
const CategoryOther = "other"

// labNameAliases maps lab report names (as printed by the lab) to biomarker
// standard names. Keys are normalized.
var labNameAliases = func() map[string]string {
	raw := map[string]string{
		"Creatinina suero":            "creatinine",
		"Hemoglobina":                 "hemoglobin",
		"Glucosa":                     "glucose",
		"Colesterol total":            "total_cholesterol",
		"Colesterol LDL":              "ldl_cholesterol",
		"Colesterol HDL":              "hdl_cholesterol",
		"Triglicéridos":               "triglycerides",
		"Urea suero":                  "bun",
		"Calcio suero":                "calcium",
		"Potasio suero":               "potassium",
		"Sodio suero":                 "sodium",
		"Cloro suero":                 "chloride",
		"Fosfato suero":               "phosphate",
		"Magnesio":                    "magnesium",
		"Bilirrubina total":           "total_bilirubin",
		"Bilirrubina directa":         "direct_bilirubin",
		"Alanina aminotransferasa":    "alt",
		"Aspartato amino transferasa": "ast",
		"Fosfatasa alcalina":          "alkaline_phosphatase",
		"Albúmina suero":              "albumin",
		"Proteínas totales":           "total_protein",
		"Ferritina":                   "ferritin",
		"Hemoglobina A1c":             "hba1c",
		"PTH (Paratohormona)":         "pth",
		"Tirotropina":                 "tsh",
		"Tiroxina libre (T4 libre)":   "t4_free",
		"T3 total (Triiodotironina)":  "t3_total",
		"Hematocrito":                 "hematocrit",
		"Leucocitos":                  "wbc",
		"Plaquetas":                   "platelets",
		"Neutrófilos segmentados":     "neutrophils",
		"Linfocitos":                  "lymphocytes",
		"Ácido úrico suero":           "uric_acid",
	}
	m := make(map[string]string, len(raw))
	for k, v := range raw {
		m[NormalizeName(k)] = v
	}
	return m
}()

// NormalizeName trims, lower-cases and collapses inner whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// StandardName is the biomarker key for a lab test name.
func StandardName(testName string) string {
	n := NormalizeName(testName)
	if std, ok := labNameAliases[n]; ok {
		return std
	}
	return strings.ReplaceAll(n, " ", "_")
}

// BiomarkerMatcher resolves lab test names against the reference table by
// exact standard name or exact normalized display name. There is no fuzzy
// matching.
type BiomarkerMatcher struct {
	byName    map[string]*Biomarker
	byDisplay map[string]*Biomarker
}

func NewBiomarkerMatcher(biomarkers []Biomarker) *BiomarkerMatcher {
	m := &BiomarkerMatcher{
		byName:    make(map[string]*Biomarker, len(biomarkers)),
		byDisplay: make(map[string]*Biomarker, len(biomarkers)),
	}
	for i := range biomarkers {
		b := &biomarkers[i]
		if _, ok := m.byName[b.Name]; !ok {
			m.byName[b.Name] = b
		}
		d := NormalizeName(b.DisplayName)
		if _, ok := m.byDisplay[d]; !ok {
			m.byDisplay[d] = b
		}
	}
	return m
}

func (m *BiomarkerMatcher) Match(testName string) *Biomarker {
	if b, ok := m.byName[StandardName(testName)]; ok {
		return b
	}
	if b, ok := m.byDisplay[NormalizeName(testName)]; ok {
		return b
	}
	return nil
}

// MatchID is Match returning only the biomarker id.
func (m *BiomarkerMatcher) MatchID(testName string) *uuid.UUID {
	if b := m.Match(testName); b != nil {
		id := b.ID
		return &id
	}
	return nil
}

type HistoricalPoint struct {
	Date       time.Time `json:"date"`
	Value      float64   `json:"value"`
	Unit       *string   `json:"unit,omitempty"`
	IsAbnormal bool      `json:"is_abnormal"`
}

// BiomarkerSummary is the current state of one test for a patient.
type BiomarkerSummary struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	DisplayName    string            `json:"display_name"`
	Category       string            `json:"category"`
	CurrentValue   *float64          `json:"current_value,omitempty"`
	CurrentUnit    *string           `json:"current_unit,omitempty"`
	LastTestDate   time.Time         `json:"last_test_date"`
	Status         BiomarkerStatus   `json:"status"`
	Trend          Direction         `json:"trend"`
	ReferenceMin   *float64          `json:"reference_min,omitempty"`
	ReferenceMax   *float64          `json:"reference_max,omitempty"`
	PercentChange  *float64          `json:"percent_change,omitempty"`
	HistoricalData []HistoricalPoint `json:"historical_data"`
}

// AggregateBiomarkers builds one summary per distinct test name, sorted by
// category and then display name.
func AggregateBiomarkers(results []LabResult, biomarkers []Biomarker) []BiomarkerSummary {
	matcher := NewBiomarkerMatcher(biomarkers)
	out := make([]BiomarkerSummary, 0)

	for _, g := range GroupByTest(results) {
		// newest first
		history := make([]LabResult, len(g.Results))
		for i, r := range g.Results {
			history[len(history)-1-i] = r
		}
		out = append(out, summarize(g.TestName, history, matcher.Match(g.TestName)))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

func summarize(testName string, history []LabResult, ref *Biomarker) BiomarkerSummary {
	latest := history[0]

	s := BiomarkerSummary{
		ID:           StandardName(testName),
		Name:         testName,
		DisplayName:  testName,
		Category:     CategoryOther,
		CurrentValue: latest.Value,
		CurrentUnit:  latest.Unit,
		LastTestDate: latest.TestDate,
		Trend:        DirectionStable,
		ReferenceMin: latest.ReferenceMin,
		ReferenceMax: latest.ReferenceMax,
	}
	if ref != nil {
		if ref.DisplayName != "" {
			s.DisplayName = ref.DisplayName
		}
		if ref.Category != "" {
			s.Category = ref.Category
		}
		if s.ReferenceMin == nil {
			s.ReferenceMin = ref.ReferenceMin
		}
		if s.ReferenceMax == nil {
			s.ReferenceMax = ref.ReferenceMax
		}
	}

	if len(history) >= 2 && latest.Value != nil && history[1].Value != nil {
		s.Trend, s.PercentChange = twoPointTrend(*history[1].Value, *latest.Value)
	}

	s.Status = biomarkerStatus(&latest, s.ReferenceMin, s.ReferenceMax, ref)

	s.HistoricalData = make([]HistoricalPoint, 0, len(history))
	for _, r := range history {
		if r.Value == nil {
			continue
		}
		s.HistoricalData = append(s.HistoricalData, HistoricalPoint{
			Date:       r.TestDate,
			Value:      *r.Value,
			Unit:       r.Unit,
			IsAbnormal: r.IsCritical,
		})
	}
	return s
}

// twoPointTrend compares the two most recent values. A zero previous value has
// no finite percentage; direction then comes from the sign of the change.
func twoPointTrend(prev, latest float64) (Direction, *float64) {
	if prev == 0 {
		switch {
		case latest > 0:
			return DirectionUp, nil
		case latest < 0:
			return DirectionDown, nil
		}
		return DirectionStable, nil
	}

	change := (latest - prev) / prev * 100
	pct := round1(change)
	switch {
	case math.Abs(change) < stableChangePct:
		return DirectionStable, &pct
	case change > 0:
		return DirectionUp, &pct
	}
	return DirectionDown, &pct
}

func biomarkerStatus(latest *LabResult, refMin, refMax *float64, ref *Biomarker) BiomarkerStatus {
	if latest.IsCritical {
		return StatusCritical
	}
	if latest.Value == nil {
		return StatusNormal
	}
	v := *latest.Value
	if ref != nil {
		if ref.CriticalMin != nil && v < *ref.CriticalMin {
			return StatusCritical
		}
		if ref.CriticalMax != nil && v > *ref.CriticalMax {
			return StatusCritical
		}
	}
	if refMin != nil && v < *refMin {
		return StatusAbnormal
	}
	if refMax != nil && v > *refMax {
		return StatusAbnormal
	}
	return StatusNormal
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

type StatsTrend string

const (
	StatsImproving StatsTrend = "improving"
	StatsWorsening StatsTrend = "worsening"
	StatsStable    StatsTrend = "stable"
)

type BiomarkerStats struct {
	Min    float64    `json:"min"`
	Max    float64    `json:"max"`
	Avg    float64    `json:"avg"`
	Median float64    `json:"median"`
	Latest float64    `json:"latest"`
	Trend  StatsTrend `json:"trend"`
}

// ComputeStats summarises historical points ordered newest first. The trend
// compares the oldest third against the newest third; a rise of more than 10%
// counts as worsening.
func ComputeStats(points []HistoricalPoint) *BiomarkerStats {
	if len(points) == 0 {
		return nil
	}
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	n := len(values)
	var median float64
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		median = sorted[n/2]
	}

	st := &BiomarkerStats{
		Min:    sorted[0],
		Max:    sorted[n-1],
		Avg:    round1(mean(values)),
		Median: round1(median),
		Latest: values[0],
		Trend:  StatsStable,
	}

	if n >= 3 {
		oldest := values[int(math.Floor(float64(n)*0.67)):]
		newest := values[:int(math.Floor(float64(n)*0.33))]
		if len(oldest) > 0 && len(newest) > 0 {
			oldAvg, newAvg := mean(oldest), mean(newest)
			if oldAvg != 0 {
				change := (newAvg - oldAvg) / oldAvg * 100
				if math.Abs(change) > 10 {
					if change > 0 {
						st.Trend = StatsWorsening
					} else {
						st.Trend = StatsImproving
					}
				}
			}
		}
	}
	return st
}
