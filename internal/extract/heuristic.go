// Package extract produces patient-profile deltas from free text.
//
// Two extractors are provided: Heuristic, a set of regular expressions
// for the fields clinicians usually state explicitly, and OpenAIExtractor,
// which asks a chat model for the same fields in JSON. Both return only the
// fields the text mentions, so the result can be merged as a delta.
package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

var (
	ageRe = regexp.MustCompile(`(?i)\b(\d{1,3})[\s-]*(?:years?|yrs?|y)[\s-]*(?:old|/o)\b|\bage[:\s]+(\d{1,3})\b|\b(\d{1,3})\s*yo\b`)

	femaleRe = regexp.MustCompile(`(?i)\b(female|woman|lady|she|her)\b`)
	maleRe   = regexp.MustCompile(`(?i)\b(male|man|gentleman|he|his)\b`)

	ecogRe  = regexp.MustCompile(`(?i)\becog(?:\s*ps|\s*performance\s*status)?\s*(?:of|is|:|=)?\s*([0-4])\b`)
	pdl1Re  = regexp.MustCompile(`(?i)\bpd-?l1\b[^0-9%\n]{0,24}(\d{1,3}(?:\.\d+)?)\s*%`)
	stageRe = regexp.MustCompile(`(?i)\bstage\s+(iv|iii|ii|i|[1-4])([abc])?\b`)

	biomarkerRe = regexp.MustCompile(`\b(EGFR|ALK|ROS1|KRAS|BRAF|HER2|BRCA1|BRCA2|MET|RET|NTRK|PD-?L1|MSI)` +
		`(?:[\s:=]*-?\s*((?i:positive|negative|pos|neg|mutant|mutated|mutation|wild[- ]?type|amplified|high|low)|[A-Z]\d{1,4}[A-Z])\b|\s*([+-])(?:\W|$))`)
)

// cancerTypes is checked in order; more specific names come first.
var cancerTypes = []struct {
	pattern *regexp.Regexp
	name    string
}{
	{regexp.MustCompile(`(?i)\bnon[- ]small[- ]cell\s+lung|\bnsclc\b`), "NSCLC"},
	{regexp.MustCompile(`(?i)\bsmall[- ]cell\s+lung|\bsclc\b`), "SCLC"},
	{regexp.MustCompile(`(?i)\blung\s+(?:cancer|adenocarcinoma|carcinoma)`), "NSCLC"},
	{regexp.MustCompile(`(?i)\bbreast\b`), "breast cancer"},
	{regexp.MustCompile(`(?i)\b(?:colorectal|colon|rectal)\b|\bcrc\b`), "colorectal cancer"},
	{regexp.MustCompile(`(?i)\bprostate\b`), "prostate cancer"},
	{regexp.MustCompile(`(?i)\bmelanoma\b`), "melanoma"},
	{regexp.MustCompile(`(?i)\bpancrea(?:s|tic)\b`), "pancreatic cancer"},
	{regexp.MustCompile(`(?i)\bovarian\b`), "ovarian cancer"},
	{regexp.MustCompile(`(?i)\bglioblastoma\b|\bgbm\b`), "glioblastoma"},
}

// knownTreatments are matched as whole words, case-insensitively.
var knownTreatments = []string{
	"carboplatin", "cisplatin", "pemetrexed", "paclitaxel", "docetaxel", "gemcitabine",
	"pembrolizumab", "nivolumab", "atezolizumab", "durvalumab", "ipilimumab",
	"osimertinib", "erlotinib", "gefitinib", "afatinib", "alectinib", "crizotinib", "lorlatinib",
	"sotorasib", "adagrasib", "trastuzumab", "pertuzumab", "olaparib", "tamoxifen", "letrozole",
	"bevacizumab", "folfox", "folfiri", "capecitabine", "enzalutamide", "abiraterone",
	"radiotherapy", "radiation",
}

var treatmentRe = regexp.MustCompile(`(?i)\b(` + strings.Join(knownTreatments, "|") + `)\b`)

var romanStages = map[string]string{"1": "I", "2": "II", "3": "III", "4": "IV"}

// Heuristic extracts profile fields with regular expressions.
type Heuristic struct{}

// NewHeuristic creates a heuristic extractor.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Extract returns the fields mentioned in text. current is not consulted.
func (h *Heuristic) Extract(_ context.Context, text string, _ domain.PatientProfile) (domain.PatientProfile, error) {
	var p domain.PatientProfile

	if m := ageRe.FindStringSubmatch(text); m != nil {
		for _, g := range m[1:] {
			if age, err := strconv.Atoi(g); err == nil && age > 0 && age < 120 {
				p.Age = domain.Some(age)
				break
			}
		}
	}

	switch {
	case femaleRe.MatchString(text):
		p.Sex = domain.Some("female")
	case maleRe.MatchString(text):
		p.Sex = domain.Some("male")
	}

	for _, ct := range cancerTypes {
		if ct.pattern.MatchString(text) {
			p.CancerType = domain.Some(ct.name)
			break
		}
	}

	if m := stageRe.FindStringSubmatch(text); m != nil {
		stage := strings.ToUpper(m[1])
		if roman, ok := romanStages[stage]; ok {
			stage = roman
		}
		p.Stage = domain.Some(stage + strings.ToUpper(m[2]))
	}

	if m := ecogRe.FindStringSubmatch(text); m != nil {
		ecog, _ := strconv.Atoi(m[1])
		p.ECOG = domain.Some(ecog)
	}

	if m := pdl1Re.FindStringSubmatch(text); m != nil {
		if score, err := strconv.ParseFloat(m[1], 64); err == nil && score <= 100 {
			p.PDL1 = domain.Some(score)
		}
	}

	for _, m := range biomarkerRe.FindAllStringSubmatch(text, -1) {
		status := biomarkerStatus(m[2], m[3])
		if status == "" {
			continue
		}
		if p.Biomarkers == nil {
			p.Biomarkers = make(map[string]string)
		}
		p.Biomarkers[biomarkerName(m[1])] = status
	}

	seen := make(map[string]bool)
	for _, m := range treatmentRe.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(m[1])
		if name == "radiation" {
			name = "radiotherapy"
		}
		if !seen[name] {
			seen[name] = true
			p.PriorTreatments = append(p.PriorTreatments, name)
		}
	}

	return p, nil
}

func biomarkerName(raw string) string {
	if strings.HasPrefix(raw, "PD") {
		return "PD-L1"
	}
	return raw
}

func biomarkerStatus(word, sign string) string {
	switch sign {
	case "+":
		return "positive"
	case "-":
		return "negative"
	}

	w := strings.ToLower(word)
	switch {
	case w == "":
		return ""
	case w == "positive" || w == "pos":
		return "positive"
	case w == "negative" || w == "neg" || strings.HasPrefix(w, "wild"):
		return "negative"
	case w == "mutant" || w == "mutated" || w == "mutation":
		return "mutated"
	case w == "amplified", w == "high", w == "low":
		return w
	default:
		// A specific variant such as G12C.
		return strings.ToUpper(word)
	}
}
