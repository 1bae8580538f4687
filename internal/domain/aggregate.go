package domain

import "slices"

// AggregateMax collapses observations that share a key. The retained value is the
// maximum concrete value for the key; the key is absent only when every copy is
// absent. Output is sorted by key, so the result is independent of input order.
func AggregateMax(obs []Observation) []Observation {
	groups := make(map[ObservationKey]*float64, len(obs))
	for _, o := range obs {
		cur, seen := groups[o.ObservationKey]
		if !seen {
			groups[o.ObservationKey] = copyValue(o.Value)
			continue
		}
		if o.Value == nil {
			continue
		}
		if cur == nil || *o.Value > *cur {
			groups[o.ObservationKey] = copyValue(o.Value)
		}
	}

	out := make([]Observation, 0, len(groups))
	for k, v := range groups {
		out = append(out, Observation{ObservationKey: k, Value: v})
	}
	slices.SortFunc(out, func(a, b Observation) int {
		return a.ObservationKey.Compare(b.ObservationKey)
	})
	return out
}

func copyValue(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
