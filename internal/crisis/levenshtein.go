package crisis

// withinDistance reports whether the Levenshtein edit distance between a and b
// is at most max. Two-row dynamic programming with a row-minimum early exit,
// so mismatched candidates bail out after a couple of rows instead of filling
// the full matrix.
func withinDistance(a, b string, max int) bool {
	la, lb := len(a), len(b)
	if la-lb > max || lb-la > max {
		return false
	}
	if la == 0 {
		return lb <= max
	}
	if lb == 0 {
		return la <= max
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			d := prev[j-1] + cost // substitution
			if del := prev[j] + 1; del < d {
				d = del
			}
			if ins := curr[j-1] + 1; ins < d {
				d = ins
			}
			curr[j] = d
			if d < rowMin {
				rowMin = d
			}
		}
		if rowMin > max {
			return false
		}
		prev, curr = curr, prev
	}
	return prev[lb] <= max
}
