// Package naming resolves downstream resource names from entity base names
// and back.
//
// Every resource name (channel, group, collection, list, base title) derives
// from a pattern containing the literal placeholder {base_name}. Render
// substitutes the placeholder; Extract inverts it, recovering the base name
// from an actual resource name. Slugify reproduces the chat platform's
// channel-slug derivation so display-name patterns can be matched against
// channel slugs when the pattern itself is slug-shaped.
package naming

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Placeholder is the literal token substituted by Render and located by
// Extract. Patterns must contain it exactly once.
const Placeholder = "{base_name}"

// slugMaxLen matches the chat platform's channel-name length cap.
const slugMaxLen = 64

// FallbackSlug is returned by Slugify when nothing usable survives
// normalization.
const FallbackSlug = "default-channel-name"

var (
	spaceRun   = regexp.MustCompile(`[\s_]+`)
	invalidRun = regexp.MustCompile(`[^a-z0-9-]+`)
	dashRun    = regexp.MustCompile(`-+`)
)

// asciiFold strips combining marks after canonical decomposition, folding
// accented characters to their ASCII base.
var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Render substitutes the base name into a pattern.
func Render(pattern, baseName string) string {
	return strings.ReplaceAll(pattern, Placeholder, baseName)
}

// Extract recovers the base name from an actual resource name given the
// pattern it was rendered from. The empty string is a valid extraction,
// distinct from no match: ok is false only when the pattern lacks the
// placeholder or the name does not fit the pattern's prefix and suffix.
func Extract(actualName, pattern string) (string, bool) {
	if !strings.Contains(pattern, Placeholder) {
		return "", false
	}

	parts := strings.Split(pattern, Placeholder)
	prefix := parts[0]
	suffix := ""
	if len(parts) > 1 {
		suffix = parts[1]
	}

	if !strings.HasPrefix(actualName, prefix) || !strings.HasSuffix(actualName, suffix) {
		return "", false
	}
	// Reject names where prefix and suffix would overlap.
	if len(actualName) < len(prefix)+len(suffix) {
		return "", false
	}

	return actualName[len(prefix) : len(actualName)-len(suffix)], true
}

// Slugify derives a channel slug from a display name: diacritics folded to
// ASCII, lowercased, whitespace and underscore runs collapsed to dashes,
// remaining non-alphanumerics dashed, dash runs consolidated, trimmed, and
// capped at 64 characters.
func Slugify(displayName string) string {
	s, _, err := transform.String(asciiFold, displayName)
	if err != nil {
		s = displayName
	}
	s = strings.ToLower(s)
	s = spaceRun.ReplaceAllString(s, "-")
	s = invalidRun.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	s = dashRun.ReplaceAllString(s, "-")
	if len(s) > slugMaxLen {
		// ASCII-only by now, byte slicing is safe.
		s = strings.Trim(s[:slugMaxLen], "-")
	}
	if s == "" {
		s = FallbackSlug
	}
	return s
}

// KindPatterns carries one entity kind's name patterns for a single naming
// domain (channel display names, provider group names, collection names).
// Admin is empty when the kind has no admin block.
type KindPatterns struct {
	Kind     string
	Admin    string
	Standard string
}

// Match resolves a resource name to its entity (kind, baseName). Kinds are
// tried in the order given; within a kind the admin pattern is tried before
// the standard one, since admin patterns are the more specific of the two.
func Match(name string, kinds []KindPatterns) (kind, baseName string, ok bool) {
	for _, kp := range kinds {
		if kp.Admin != "" {
			if base, matched := Extract(name, kp.Admin); matched {
				return kp.Kind, base, true
			}
		}
		if kp.Standard != "" {
			if base, matched := Extract(name, kp.Standard); matched {
				return kp.Kind, base, true
			}
		}
	}
	return "", "", false
}

// MatchChannel resolves a channel to its entity (kind, baseName). The display
// name is checked against every kind first. The slug is consulted only for
// patterns whose rendered output survives slugification unchanged; slugs are
// a lossy projection of display names, so extraction against a non-slug
// pattern would recover garbage.
func MatchChannel(displayName, slug string, kinds []KindPatterns) (kind, baseName string, ok bool) {
	if k, base, matched := Match(displayName, kinds); matched {
		return k, base, true
	}

	for _, kp := range kinds {
		if kp.Admin != "" && slugStable(kp.Admin) {
			if base, matched := Extract(slug, strings.ToLower(kp.Admin)); matched {
				return kp.Kind, base, true
			}
		}
		if kp.Standard != "" && slugStable(kp.Standard) {
			if base, matched := Extract(slug, strings.ToLower(kp.Standard)); matched {
				return kp.Kind, base, true
			}
		}
	}
	return "", "", false
}

// slugStable reports whether a pattern's rendered output is already a valid
// slug, i.e. slugifying a probe rendering changes nothing but case.
func slugStable(pattern string) bool {
	probe := Render(pattern, "test-slug")
	return Slugify(probe) == strings.ToLower(probe)
}

// ValidatePattern checks that a pattern contains the placeholder exactly
// once. Matrix loading rejects patterns that fail this.
func ValidatePattern(pattern string) bool {
	return strings.Count(pattern, Placeholder) == 1
}
