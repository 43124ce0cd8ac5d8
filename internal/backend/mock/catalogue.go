package mock

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

// Trial is one entry of the mock trial registry.
type Trial struct {
	NCTID       string   `json:"nct_id"`
	Title       string   `json:"title"`
	Phase       string   `json:"phase"`
	CancerTypes []string `json:"-"`
	Biomarkers  []string `json:"-"`
}

// Match is a trial selected for a patient, as sent in the final frame.
type Match struct {
	NCTID      string  `json:"nct_id"`
	Title      string  `json:"title"`
	Phase      string  `json:"phase"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence"`
}

// DefaultCatalogue is a small fixed registry.
var DefaultCatalogue = []Trial{
	{NCTID: "NCT04487080", Title: "Osimertinib plus savolitinib in EGFR-mutant NSCLC", Phase: "Phase 3", CancerTypes: []string{"nsclc", "lung"}, Biomarkers: []string{"EGFR", "MET"}},
	{NCTID: "NCT03521154", Title: "Amivantamab in EGFR exon 20 insertion NSCLC", Phase: "Phase 2", CancerTypes: []string{"nsclc", "lung"}, Biomarkers: []string{"EGFR"}},
	{NCTID: "NCT04613596", Title: "Adagrasib with pembrolizumab in KRAS G12C NSCLC", Phase: "Phase 2", CancerTypes: []string{"nsclc", "lung"}, Biomarkers: []string{"KRAS", "PD-L1"}},
	{NCTID: "NCT02576574", Title: "Alectinib versus crizotinib in ALK-positive NSCLC", Phase: "Phase 3", CancerTypes: []string{"nsclc", "lung"}, Biomarkers: []string{"ALK"}},
	{NCTID: "NCT03155620", Title: "Trastuzumab deruxtecan in HER2-low breast cancer", Phase: "Phase 3", CancerTypes: []string{"breast"}, Biomarkers: []string{"HER2"}},
	{NCTID: "NCT04191135", Title: "Olaparib maintenance in BRCA-mutated breast cancer", Phase: "Phase 2", CancerTypes: []string{"breast"}, Biomarkers: []string{"BRCA1", "BRCA2"}},
	{NCTID: "NCT03901339", Title: "Sotorasib in KRAS G12C colorectal cancer", Phase: "Phase 2", CancerTypes: []string{"colorectal", "crc"}, Biomarkers: []string{"KRAS"}},
	{NCTID: "NCT04008030", Title: "Nivolumab plus ipilimumab in MSI-high colorectal cancer", Phase: "Phase 3", CancerTypes: []string{"colorectal", "crc"}, Biomarkers: []string{"MSI"}},
	{NCTID: "NCT03834519", Title: "Pembrolizumab plus olaparib in metastatic prostate cancer", Phase: "Phase 3", CancerTypes: []string{"prostate"}, Biomarkers: []string{"BRCA2"}},
	{NCTID: "NCT04262466", Title: "Basket study of selpercatinib in RET-altered solid tumors", Phase: "Phase 2", CancerTypes: []string{"*"}, Biomarkers: []string{"RET"}},
}

// retrieve returns the trials whose cancer types match the profile. A
// profile without a cancer type retrieves the whole registry.
func retrieve(catalogue []Trial, p domain.PatientProfile) []Trial {
	cancer, ok := p.CancerType.Get()
	cancer = strings.ToLower(strings.TrimSpace(cancer))
	if !ok || cancer == "" {
		return slices.Clone(catalogue)
	}

	var out []Trial
	for _, t := range catalogue {
		for _, ct := range t.CancerTypes {
			if ct == "*" || strings.Contains(cancer, ct) || strings.Contains(ct, cancer) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// prefilter keeps trials with no biomarker requirement the patient is known
// to fail.
func prefilter(trials []Trial, p domain.PatientProfile) []Trial {
	var out []Trial
	for _, t := range trials {
		excluded := len(t.Biomarkers) > 0
		for _, b := range t.Biomarkers {
			status, known := lookupBiomarker(p.Biomarkers, b)
			if !known || !isNegative(status) {
				excluded = false
				break
			}
		}
		if !excluded {
			out = append(out, t)
		}
	}
	return out
}

// assess scores one trial deterministically from biomarker overlap.
func assess(t Trial, p domain.PatientProfile) Match {
	confidence := 0.5
	for _, b := range t.Biomarkers {
		if status, ok := lookupBiomarker(p.Biomarkers, b); ok && !isNegative(status) {
			confidence += 0.2
		}
	}
	if ecog, ok := p.ECOG.Get(); ok && ecog <= 1 {
		confidence += 0.05
	}
	confidence = math.Round(min(confidence, 0.95)*100) / 100

	status := "uncertain"
	switch {
	case confidence >= 0.7:
		status = "eligible"
	case confidence < 0.55:
		status = "unlikely"
	}

	return Match{NCTID: t.NCTID, Title: t.Title, Phase: t.Phase, Status: status, Confidence: confidence}
}

// rank orders matches by confidence, highest first, keeping registry order
// between equals.
func rank(matches []Match) []Match {
	out := slices.Clone(matches)
	slices.SortStableFunc(out, func(a, b Match) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	return out
}

func lookupBiomarker(markers map[string]string, name string) (string, bool) {
	for k, v := range markers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func isNegative(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "neg") || s == "-" || s == "wild-type" || s == "wt"
}
