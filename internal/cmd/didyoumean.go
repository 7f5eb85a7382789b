package cmd

import "strings"

// maxSuggestDistance is the largest edit distance still worth suggesting.
const maxSuggestDistance = 3

// levenshtein computes the edit distance between a and b with one row.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}
	if b == "" {
		return len(a)
	}
	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(a); i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur := min(row[j]+1, row[j-1]+1, prev+cost)
			prev = row[j]
			row[j] = cur
		}
	}
	return row[len(b)]
}

func closest(unknown string, candidates []string, key func(string) string) string {
	best, bestDist := "", maxSuggestDistance+1
	for _, c := range candidates {
		if d := levenshtein(unknown, key(c)); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// suggestCommand returns the command name closest to unknown, or "".
func suggestCommand(unknown string, commands []string) string {
	return closest(strings.ToLower(unknown), commands, strings.ToLower)
}

// suggestFlag compares flags without their dashes and returns the match
// with its original prefix.
func suggestFlag(unknown string, known []string) string {
	stripped := strings.ToLower(strings.TrimLeft(unknown, "-"))
	if stripped == "" {
		return ""
	}
	return closest(stripped, known, func(f string) string {
		return strings.ToLower(strings.TrimLeft(f, "-"))
	})
}
