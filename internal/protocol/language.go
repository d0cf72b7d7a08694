package protocol

import (
	"fmt"
	"strings"
)

// Language is the engine mark a request's text is tagged with.
type Language string

const (
	LanguageEnglish Language = "EN"
	LanguageChinese Language = "ZH"
)

// supportedLanguages is the full set of marks the synthesis engine accepts,
// keyed by lowercase language name.
var supportedLanguages = map[string]Language{
	"english": LanguageEnglish,
	"chinese": LanguageChinese,
}

// Languages lists supported marks in a stable order.
func Languages() []Language {
	return []Language{LanguageEnglish, LanguageChinese}
}

// ParseLanguage resolves a language name ("English") or mark ("en") into a
// supported Language.
func ParseLanguage(tag string) (Language, error) {
	key := strings.ToLower(strings.TrimSpace(tag))
	if mark, ok := supportedLanguages[key]; ok {
		return mark, nil
	}
	for _, mark := range supportedLanguages {
		if strings.EqualFold(string(mark), key) {
			return mark, nil
		}
	}
	supported := make([]string, 0, len(supportedLanguages))
	for _, mark := range Languages() {
		supported = append(supported, string(mark))
	}
	return "", fmt.Errorf("language %q, expected one of %s: %w", tag, strings.Join(supported, ", "), ErrUnsupportedLanguage)
}

// Wrap tags a piece of text with the language mark, e.g. "[EN]hello[EN]".
func (l Language) Wrap(text string) string {
	return "[" + string(l) + "]" + text + "[" + string(l) + "]"
}

// Latin reports whether the language is segmented on word boundaries.
func (l Language) Latin() bool {
	return l != LanguageChinese
}
