package algorithm

// Preferences optionally biases negotiation toward one algorithm.
type Preferences struct {
	// Preferred overrides the priority order when it is a member of the
	// intersection; otherwise it is ignored.
	Preferred ID
}

// Negotiate selects the algorithm for a set of devices from their advertised
// capability token lists.
//
// A device advertising nothing at all pins the result to the classical
// baseline: it cannot follow any negotiated upgrade. Unknown or unparseable
// tokens are discarded without affecting the result, so a list that becomes
// empty only after discarding is excluded from the intersection rather than
// vetoing it. The intersection of the remaining sets is ranked by the fixed
// priority order and the highest member wins; an empty intersection resolves
// to the classical baseline. Negotiation is deterministic, side-effect free
// and never fails.
func Negotiate(deviceCapabilities [][]string, prefs *Preferences) ID {
	var sets []map[ID]bool
	for _, tokens := range deviceCapabilities {
		if len(tokens) == 0 {
			return Baseline
		}
		set := make(map[ID]bool)
		for _, token := range tokens {
			if id, ok := Parse(token); ok {
				set[id] = true
			}
		}
		if len(set) > 0 {
			sets = append(sets, set)
		}
	}
	if len(sets) == 0 {
		return Baseline
	}

	common := sets[0]
	for _, set := range sets[1:] {
		next := make(map[ID]bool)
		for id := range common {
			if set[id] {
				next[id] = true
			}
		}
		common = next
	}
	if len(common) == 0 {
		return Baseline
	}

	if prefs != nil && common[prefs.Preferred] {
		return prefs.Preferred
	}

	best := Unknown
	for id := range common {
		if id.priority() > best.priority() {
			best = id
		}
	}
	return best
}

// NegotiateIDs is Negotiate over already-parsed capability sets. Used where
// the caller holds stored ID values rather than wire tokens. Invalid ids are
// discarded; a device left with none pins the baseline.
func NegotiateIDs(deviceCapabilities [][]ID, prefs *Preferences) ID {
	tokens := make([][]string, len(deviceCapabilities))
	for i, ids := range deviceCapabilities {
		for _, id := range ids {
			if id.Valid() {
				tokens[i] = append(tokens[i], id.String())
			}
		}
	}
	return Negotiate(tokens, prefs)
}
