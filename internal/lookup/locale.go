package lookup

import (
	"fmt"
	"slices"
	"strings"
)

// LocalePolicy decides which localized name is returned. For a requested
// locale the candidates are, in order: the locale itself, its configured
// fallbacks, its base language ("pt" for "pt-BR") and the default locale.
// Every name in one result is resolved against the same candidate list.
type LocalePolicy struct {
	Default   string
	Fallbacks map[string][]string
}

// DefaultLocalePolicy returns English with no fallbacks.
func DefaultLocalePolicy() LocalePolicy {
	return LocalePolicy{Default: "en"}
}

// ParseFallbacks parses "pt-BR:pt|es,zh-CN:zh" into a fallback table.
func ParseFallbacks(s string) (map[string][]string, error) {
	out := make(map[string][]string)
	for item := range strings.SplitSeq(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		locale, list, ok := strings.Cut(item, ":")
		locale = strings.TrimSpace(locale)
		if !ok || locale == "" {
			return nil, fmt.Errorf("invalid locale fallback %q (want locale:fallback|fallback)", item)
		}
		for fb := range strings.SplitSeq(list, "|") {
			if fb = strings.TrimSpace(fb); fb != "" {
				out[locale] = append(out[locale], fb)
			}
		}
	}
	return out, nil
}

// Candidates returns the ordered, de-duplicated locale candidates for
// requested. An empty request starts at the default locale.
func (p LocalePolicy) Candidates(requested string) []string {
	def := p.Default
	if def == "" {
		def = "en"
	}
	var out []string
	add := func(l string) {
		if l != "" && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	add(requested)
	for _, fb := range p.Fallbacks[requested] {
		add(fb)
	}
	if base, _, ok := strings.Cut(requested, "-"); ok {
		add(base)
	}
	add(def)
	return out
}

// picker returns a function resolving a name map against candidates.
func picker(candidates []string) func(map[string]string) string {
	return func(names map[string]string) string {
		for _, l := range candidates {
			if n, ok := names[l]; ok {
				return n
			}
		}
		return ""
	}
}

// effectiveLocale is the first candidate the database has names for.
func effectiveLocale(candidates, languages []string) string {
	for _, l := range candidates {
		if slices.Contains(languages, l) {
			return l
		}
	}
	return candidates[len(candidates)-1]
}
