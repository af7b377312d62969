package workflow

import (
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var umlauts = strings.NewReplacer("ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss")

// A Caser keeps state between calls, so each goroutine borrows its own.
var lowerers = sync.Pool{
	New: func() any {
		c := cases.Lower(language.German)
		return &c
	},
}

// Fold normalizes a raw status or service token: trimmed, lower case, umlauts
// spelled out, spaces collapsed to underscores.
func Fold(raw string) string {
	token := strings.TrimSpace(raw)
	if token == "" {
		return ""
	}
	token = norm.NFC.String(token)
	lower := lowerers.Get().(*cases.Caser)
	token = lower.String(token)
	lowerers.Put(lower)
	token = umlauts.Replace(token)
	return strings.Join(strings.Fields(token), "_")
}
