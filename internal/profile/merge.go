// Package profile accumulates partial patient-profile deltas.
package profile

import "github.com/tjfontaine/trialmatch/internal/core/domain"

// Merge folds delta into current and returns the result; neither input is
// modified.
//
// Scalars are replaced only when the delta explicitly carries them (an
// explicit null clears the field, absence keeps it). Biomarkers merge key by
// key with the delta winning. Prior treatments are a set union that keeps
// current entries first and appends unseen delta entries in order.
//
// A final-response profile snapshot goes through Merge like any other delta
// so that a later extraction pass cannot drop fields captured earlier.
func Merge(current, delta domain.PatientProfile) domain.PatientProfile {
	out := current.Clone()

	out.Age = pick(out.Age, delta.Age)
	out.Sex = pick(out.Sex, delta.Sex)
	out.CancerType = pick(out.CancerType, delta.CancerType)
	out.Stage = pick(out.Stage, delta.Stage)
	out.ECOG = pick(out.ECOG, delta.ECOG)
	out.PDL1 = pick(out.PDL1, delta.PDL1)
	out.Source = pick(out.Source, delta.Source)

	if len(delta.Biomarkers) > 0 {
		if out.Biomarkers == nil {
			out.Biomarkers = make(map[string]string, len(delta.Biomarkers))
		}
		for name, status := range delta.Biomarkers {
			out.Biomarkers[name] = status
		}
	}

	out.PriorTreatments = union(out.PriorTreatments, delta.PriorTreatments)

	return out
}

func pick[T any](current, delta domain.Optional[T]) domain.Optional[T] {
	if delta.IsSet() {
		return delta
	}
	return current
}

// union appends the entries of add not already in base, preserving order
// and dropping duplicates within add itself.
func union(base, add []string) []string {
	if len(add) == 0 {
		return base
	}
	seen := make(map[string]struct{}, len(base)+len(add))
	for _, v := range base {
		seen[v] = struct{}{}
	}
	for _, v := range add {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		base = append(base, v)
	}
	return base
}
