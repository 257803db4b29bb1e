package app

import (
	"html"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	minTitleLength   = 3
	maxTitleLength   = 150
	minContentLength = 1
	maxContentLength = 20000
	maxSlugLength    = 80
	excerptLength    = 140
)

var strictPolicy = bluemonday.StrictPolicy()

// plainText strips all markup and returns unescaped text.
func plainText(value string) string {
	return html.UnescapeString(strictPolicy.Sanitize(value))
}

func cleanTitle(value string) string {
	return strings.TrimSpace(plainText(value))
}

func cleanContent(value string) string {
	return strings.TrimSpace(value)
}

func textLength(value string) int {
	return utf8.RuneCountInString(value)
}

func validateTitle(title string) error {
	switch n := textLength(title); {
	case n < minTitleLength:
		return errValidation("title", "Title is too short")
	case n > maxTitleLength:
		return errValidation("title", "Title is too long")
	}
	return nil
}

func validateContent(content string) error {
	switch n := textLength(content); {
	case n < minContentLength:
		return errValidation("content", "Content is too short")
	case n > maxContentLength:
		return errValidation("content", "Content is too long")
	}
	return nil
}

// slugify folds to ASCII, lowercases and joins alphanumeric runs with
// hyphens. It returns "" when nothing usable remains.
func slugify(value string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn))), value)
	if err != nil {
		folded = value
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	pendingHyphen := false
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}

	slug := b.String()
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	return slug
}

func slugOrID(title, id string) string {
	if slug := slugify(title); slug != "" {
		return slug
	}
	return id
}

// excerpt collapses whitespace and truncates to excerptLength runes,
// marking the cut with "...".
func excerpt(content string) string {
	cleaned := strings.Join(strings.Fields(plainText(content)), " ")
	if textLength(cleaned) <= excerptLength {
		return cleaned
	}
	cut := []rune(cleaned)[:excerptLength-1]
	return string(cut) + "..."
}

type sortKey struct {
	order int
	title string
	id    string
}

// sortByOrder sorts by order, then title under the forum locale, then id.
func sortByOrder[T any](items []T, tag language.Tag, key func(T) sortKey) {
	collator := collate.New(tag, collate.Loose)
	sort.SliceStable(items, func(i, j int) bool {
		a, b := key(items[i]), key(items[j])
		if a.order != b.order {
			return a.order < b.order
		}
		if cmp := collator.CompareString(a.title, b.title); cmp != 0 {
			return cmp < 0
		}
		return a.id < b.id
	})
}
