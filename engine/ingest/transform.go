package ingest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/abadojack/whatlanggo"
)

var (
	tagPattern    = regexp.MustCompile(`<[^>]*>`)
	entityPattern = regexp.MustCompile(`&[a-zA-Z#0-9]+;`)
)

var htmlEntities = map[string]string{
	"&amp;":  "&",
	"&lt;":   "<",
	"&gt;":   ">",
	"&quot;": `"`,
	"&#39;":  "'",
	"&apos;": "'",
	"&nbsp;": " ",
}

// cleanText strips HTML tags, decodes common entities, and collapses
// whitespace runs to single spaces.
func cleanText(text string) string {
	text = tagPattern.ReplaceAllString(text, " ")
	text = entityPattern.ReplaceAllStringFunc(text, func(e string) string {
		if r, ok := htmlEntities[e]; ok {
			return r
		}
		return " "
	})
	return strings.Join(strings.Fields(text), " ")
}

// detectLang tags the document with an ISO 639-1 code. Detection is best
// effort: an unreliable guess reads as "unknown" and never fails ingestion.
func detectLang(text string) string {
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return "unknown"
	}
	if code := info.Lang.Iso6391(); code != "" {
		return code
	}
	return "unknown"
}

// chunkTitle labels a chunk node after its parent document.
func chunkTitle(title string, index int) string {
	if title == "" {
		return fmt.Sprintf("Chunk %d", index+1)
	}
	return fmt.Sprintf("%s (Chunk %d)", title, index+1)
}
