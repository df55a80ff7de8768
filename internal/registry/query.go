package registry

// mergeQueryResults applies criteria matching and find-first deduplication
// to candidate references grouped by collection, in search order. Both
// registry implementations funnel through this so their query semantics
// cannot drift.
func mergeQueryResults(q QueryCriteria, ordered [][]DatasetRef) []DatasetRef {
	var out []DatasetRef

	// seen maps content key to index in out.
	seen := make(map[string]int)

	for _, candidates := range ordered {
		for _, ref := range candidates {
			if !q.Matches(ref) {
				continue
			}

			if !q.FindFirst {
				out = append(out, ref)

				continue
			}

			idx, dup := seen[ref.ContentKey()]
			if !dup {
				seen[ref.ContentKey()] = len(out)
				out = append(out, ref)

				continue
			}

			// Same dataset held under several validity windows in one
			// collection: the most recently started window wins.
			if out[idx].Run == ref.Run && beginsAfter(ref, out[idx]) {
				out[idx] = ref
			}
		}
	}

	return out
}

func beginsAfter(a, b DatasetRef) bool {
	if a.Validity == nil || a.Validity.Begin == nil {
		return false
	}

	if b.Validity == nil || b.Validity.Begin == nil {
		return true
	}

	return a.Validity.Begin.After(*b.Validity.Begin)
}
