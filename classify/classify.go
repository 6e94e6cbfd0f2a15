// Package classify maps ESI endpoint paths to rate-limit groups and flags
// special endpoint families, following the teacher's substring-based path
// matching (engine/internal/crawler/crawler.go's isAllowedURL/pathDepth).
package classify

import (
	"regexp"
	"strings"
)

var contractItemsRE = regexp.MustCompile(`^/(characters|corporations)/\d+/contracts/\d+/items/?$`)

// Group classifies an endpoint into a rate-limit bucket. First match wins.
func Group(endpoint string) string {
	isChar := strings.Contains(endpoint, "/characters/")
	isCorp := strings.Contains(endpoint, "/corporations/")

	switch {
	case isChar && strings.Contains(endpoint, "/assets"):
		return "char-asset"
	case isCorp && strings.Contains(endpoint, "/assets"):
		return "corp-asset"
	case isChar && strings.Contains(endpoint, "/wallet"):
		return "char-wallet"
	case isCorp && strings.Contains(endpoint, "/wallet"):
		return "corp-wallet"
	case isChar && (strings.Contains(endpoint, "/industry") || strings.Contains(endpoint, "/blueprints")):
		return "char-industry"
	case isCorp && (strings.Contains(endpoint, "/industry") || strings.Contains(endpoint, "/blueprints")):
		return "corp-industry"
	case isChar && strings.Contains(endpoint, "/contracts"):
		return "char-contract"
	case isCorp && strings.Contains(endpoint, "/contracts"):
		return "corp-contract"
	case isChar && strings.Contains(endpoint, "/clones"):
		return "char-location"
	case isChar && strings.Contains(endpoint, "/implants"):
		return "char-detail"
	case isCorp && (strings.Contains(endpoint, "/starbases") || strings.Contains(endpoint, "/structures")):
		return "corp-structure"
	case strings.Contains(endpoint, "/markets/"):
		return "market"
	case strings.Contains(endpoint, "/universe/"):
		return "universe"
	default:
		return "default"
	}
}

// IsContractItems reports whether endpoint matches
// /characters/<id>/contracts/<id>/items or the corporation equivalent.
func IsContractItems(endpoint string) bool {
	path := endpoint
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	return contractItemsRE.MatchString(path)
}

// ExtractBase returns the first path segment used for health-gating, e.g.
// "/markets/prices" -> "/markets/"; an empty path yields "/".
func ExtractBase(endpoint string) string {
	if endpoint == "" {
		return "/"
	}
	trimmed := strings.TrimPrefix(endpoint, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return "/" + trimmed + "/"
	}
	return "/" + trimmed[:idx] + "/"
}
