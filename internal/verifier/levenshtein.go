package verifier

// editDistance computes the Levenshtein distance between two strings using
// two rolling rows.
func editDistance(s, t string) int {
	sr, tr := []rune(s), []rune(t)
	if len(sr) == 0 {
		return len(tr)
	}
	if len(tr) == 0 {
		return len(sr)
	}
	if len(sr) > len(tr) {
		sr, tr = tr, sr
	}

	prev := make([]int, len(sr)+1)
	curr := make([]int, len(sr)+1)
	for i := range prev {
		prev[i] = i
	}

	for j, tc := range tr {
		curr[0] = j + 1
		for i, sc := range sr {
			cost := 1
			if sc == tc {
				cost = 0
			}
			del := curr[i] + 1
			ins := prev[i+1] + 1
			sub := prev[i] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[i+1] = m
		}
		prev, curr = curr, prev
	}
	return prev[len(sr)]
}
