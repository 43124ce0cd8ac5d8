package domain

import (
	"bytes"
	"encoding/json"
)

// Optional holds a field that may be absent, explicitly null, or set.
// Absence and null are different: a delta carrying "age": null clears
// the age, a delta without "age" leaves it alone.
type Optional[T any] struct {
	set bool
	val *T
}

// Some returns a present, non-null Optional.
func Some[T any](v T) Optional[T] {
	return Optional[T]{set: true, val: &v}
}

// Null returns a present Optional with no value.
func Null[T any]() Optional[T] {
	return Optional[T]{set: true}
}

// IsSet reports whether the field was supplied at all (value or null).
func (o Optional[T]) IsSet() bool { return o.set }

// IsZero reports absence; it drives the omitzero JSON option.
func (o Optional[T]) IsZero() bool { return !o.set }

// Get returns the value and whether one is present.
func (o Optional[T]) Get() (T, bool) {
	if o.val == nil {
		var zero T
		return zero, false
	}
	return *o.val, true
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if o.val == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*o.val)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.val = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.val = &v
	return nil
}

// PatientProfile is the structured patient description accumulated over a
// session. The same type is used for partial deltas: only the fields a
// delta explicitly carries take part in a merge.
type PatientProfile struct {
	Age             Optional[int]     `json:"age,omitzero"`
	Sex             Optional[string]  `json:"sex,omitzero"`
	CancerType      Optional[string]  `json:"cancer_type,omitzero"`
	Stage           Optional[string]  `json:"stage,omitzero"`
	ECOG            Optional[int]     `json:"ecog,omitzero"`
	PDL1            Optional[float64] `json:"pdl1_score,omitzero"`
	Biomarkers      map[string]string `json:"biomarkers,omitempty"`
	PriorTreatments []string          `json:"prior_treatments,omitempty"`
	Source          Optional[string]  `json:"source,omitzero"`
}

// IsEmpty reports whether the profile carries no information at all.
func (p PatientProfile) IsEmpty() bool {
	return !p.Age.IsSet() && !p.Sex.IsSet() && !p.CancerType.IsSet() &&
		!p.Stage.IsSet() && !p.ECOG.IsSet() && !p.PDL1.IsSet() &&
		!p.Source.IsSet() && len(p.Biomarkers) == 0 && len(p.PriorTreatments) == 0
}

// Clone returns a deep copy.
func (p PatientProfile) Clone() PatientProfile {
	out := p
	if p.Biomarkers != nil {
		out.Biomarkers = make(map[string]string, len(p.Biomarkers))
		for k, v := range p.Biomarkers {
			out.Biomarkers[k] = v
		}
	}
	if p.PriorTreatments != nil {
		out.PriorTreatments = append([]string(nil), p.PriorTreatments...)
	}
	return out
}
