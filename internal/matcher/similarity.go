package matcher

import (
	"path"
	"strings"
)

// extension families whose members are interchangeable for base-name matching
var extensionFamilies = [][]string{
	{"jpg", "jpeg"},
	{"tif", "tiff"},
	{"htm", "html"},
	{"mpg", "mpeg"},
	{"yml", "yaml"},
}

// extFamily returns the canonical family name for an extension, or the
// extension itself when it belongs to no family
func extFamily(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	for _, family := range extensionFamilies {
		for _, member := range family {
			if ext == member {
				return family[0]
			}
		}
	}
	return ext
}

// sameExtensionFamily reports whether two file names carry interchangeable
// extensions
func sameExtensionFamily(a, b string) bool {
	return extFamily(a) == extFamily(b)
}

// levenshtein computes the edit distance between a and b, giving up early
// when the distance provably exceeds max (returns max+1).
func levenshtein(a, b string, max int) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)

	if la == 0 {
		return min(lb, max+1)
	}
	if lb == 0 {
		return min(la, max+1)
	}
	if abs(la-lb) > max {
		return max + 1
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
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(min(curr[j-1]+1, prev[j]+1), prev[j-1]+cost)
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}

		// every cell in this row already exceeds max, no path can recover
		if rowMin > max {
			return max + 1
		}
		prev, curr = curr, prev
	}

	return min(prev[lb], max+1)
}

// similarity maps edit distance onto [0,1]: 1 - distance/longestLength
func similarity(a, b string) float64 {
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1.0
	}
	d := levenshtein(a, b, longest)
	return 1.0 - float64(d)/float64(longest)
}

// prefixDistance returns the edit distance between the first n characters
func prefixDistance(a, b string, n int) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) > n {
		ra = ra[:n]
	}
	if len(rb) > n {
		rb = rb[:n]
	}
	return levenshtein(string(ra), string(rb), n)
}

// lengthRatio returns len(a)/len(b), zero when either string is empty
func lengthRatio(a, b string) float64 {
	la, lb := float64(len([]rune(a))), float64(len([]rune(b)))
	if la == 0 || lb == 0 {
		return 0
	}
	return la / lb
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
