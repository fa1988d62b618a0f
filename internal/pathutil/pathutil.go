// Package pathutil provides filename helpers shared by the catalog, the
// library layout, and the HLS fetcher.
package pathutil

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// NormalizePath converts all path separators to forward slashes.
// Go's os.Open/os.Stat accept forward slashes on all platforms.
func NormalizePath(p string) string {
	return filepath.ToSlash(p)
}

// forbidden holds characters that are invalid in filenames on at least one
// supported platform.
const forbidden = `<>:"/\|?*`

// SanitizeName strips characters that cannot appear in a filename and
// collapses runs of whitespace into a single space. The operation is closed:
// SanitizeName(SanitizeName(s)) == SanitizeName(s).
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if strings.ContainsRune(forbidden, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// episodeRe recovers the episode number from files named like
// "Show - Episode 12.mp4". Matching is case-insensitive.
var episodeRe = regexp.MustCompile(`(?i).*Episode\s+(\d+)\.mp4$`)

// EpisodeNumber extracts the episode number from a filename produced by the
// anime layout. The second return value is false when the name does not
// match.
func EpisodeNumber(filename string) (int, bool) {
	m := episodeRe.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
