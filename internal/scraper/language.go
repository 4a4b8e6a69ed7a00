package scraper

import "strings"

// functionWords are high-frequency words per language, keyed by ISO 639-1
// code. Detection scores a text by counting occurrences from each list.
var functionWords = map[string][]string{
	"en": {"the", "and", "of", "to", "in", "is", "that", "for", "with", "as", "on", "at", "by", "this", "are", "was", "be", "it"},
	"es": {"el", "la", "de", "que", "y", "en", "un", "una", "los", "las", "por", "con", "para", "es", "se", "del", "no"},
	"fr": {"le", "la", "les", "de", "des", "et", "en", "un", "une", "du", "que", "pour", "dans", "est", "qui", "sur", "pas"},
	"de": {"der", "die", "das", "und", "in", "den", "von", "zu", "mit", "sich", "des", "auf", "ist", "im", "nicht", "ein", "eine"},
	"pt": {"o", "os", "as", "de", "do", "da", "que", "e", "em", "um", "uma", "para", "com", "por", "mais", "dos"},
	"it": {"il", "lo", "la", "le", "di", "che", "e", "in", "un", "una", "per", "con", "del", "della", "sono", "non", "si"},
}

// languageOrder fixes the tie-break: English wins any draw.
var languageOrder = []string{"en", "es", "fr", "de", "pt", "it"}

// DetectLanguage guesses the language of a text by function-word scoring.
// The highest score wins; ties and empty scores default to English.
func DetectLanguage(text string) string {
	if text == "" {
		return "en"
	}
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return "en"
	}

	counts := make(map[string]int, len(tokens))
	for _, token := range tokens {
		token = strings.Trim(token, ".,;:!?\"'()[]{}«»")
		if token != "" {
			counts[token]++
		}
	}

	best := "en"
	bestScore := 0
	tied := false
	for _, lang := range languageOrder {
		score := 0
		for _, word := range functionWords[lang] {
			score += counts[word]
		}
		if score > bestScore {
			best = lang
			bestScore = score
			tied = false
		} else if score > 0 && score == bestScore {
			tied = true
		}
	}
	if tied {
		return "en"
	}
	return best
}
