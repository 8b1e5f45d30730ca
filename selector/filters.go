package selector

import (
	"regexp"
	"slices"
	"strings"
)

// DefaultGenericIDs are container ids frameworks put on every page. They
// identify nothing in particular and are skipped by the id strategy.
var DefaultGenericIDs = []string{
	"root", "app", "__next", "__nuxt", "main", "content", "wrapper", "container", "page",
}

// maxClasses bounds the classes kept in a class selector.
const maxClasses = 2

var (
	hexRun       = regexp.MustCompile(`[a-f0-9]{6,}`)
	hexOnly      = regexp.MustCompile(`^[a-f0-9-]+$`)
	cssHash      = regexp.MustCompile(`^css-[a-z0-9]+$`)
	underscoreID = regexp.MustCompile(`^_(?:[a-f0-9]+|\d[a-z0-9]*)$`)
	moduleHash   = regexp.MustCompile(`__[A-Za-z0-9_-]{5,}$`)
	letterDigits = regexp.MustCompile(`^[a-zA-Z]\d+`)
	base62Blob   = regexp.MustCompile(`^[A-Za-z0-9_-]{16,}$`)
	digitRe      = regexp.MustCompile(`\d`)
)

var frameworkPrefixes = []string{
	"sc-", "jsx-", "svelte-", "ng-", "emotion-", "chakra-", "mui-", "Mui",
}

var stateSuffixes = []string{"-active", "-focused", "-hover", "-selected"}

var stateWords = []string{
	"active", "focus", "focused", "hover", "selected", "disabled", "open",
	"opened", "closed", "visible", "hidden", "checked", "current",
}

// LooksHashed reports whether s resembles a generated token rather than a
// name a person chose: hex runs, uuid-ish strings, long base62 blobs.
func LooksHashed(s string) bool {
	if s == "" {
		return false
	}
	if hexOnly.MatchString(s) && digitRe.MatchString(s) {
		return true
	}
	if m := hexRun.FindString(s); m != "" && digitRe.MatchString(m) {
		return true
	}
	if base62Blob.MatchString(s) && digitRe.MatchString(s) && hasUpperAndLower(s) {
		return true
	}
	return false
}

func hasUpperAndLower(s string) bool {
	return strings.ToLower(s) != s && strings.ToUpper(s) != s
}

// StableClasses filters out generated, framework, state and too-short
// classes and returns at most two survivors in their original order.
func StableClasses(classes []string) []string {
	var out []string
	for _, c := range classes {
		if !stableClass(c) || slices.Contains(out, c) {
			continue
		}
		out = append(out, c)
		if len(out) == maxClasses {
			break
		}
	}
	return out
}

func stableClass(c string) bool {
	if len(c) <= 2 {
		return false
	}
	if cssHash.MatchString(c) || underscoreID.MatchString(c) {
		return false
	}
	if m := moduleHash.FindString(c); m != "" && digitRe.MatchString(m) {
		return false
	}
	if LooksHashed(c) || letterDigits.MatchString(c) {
		return false
	}
	for _, p := range frameworkPrefixes {
		if strings.HasPrefix(c, p) {
			return false
		}
	}
	lc := strings.ToLower(c)
	if strings.HasPrefix(lc, "is-") || strings.HasPrefix(lc, "has-") {
		return false
	}
	for _, s := range stateSuffixes {
		if strings.HasSuffix(lc, s) {
			return false
		}
	}
	return !slices.Contains(stateWords, lc)
}

func (s *Synthesizer) genericID(id string) bool {
	return slices.Contains(s.genericIDs, id)
}
