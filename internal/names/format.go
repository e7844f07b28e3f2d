package names

import (
	"regexp"
	"strings"
)

// formatDisplayName renders a standardized text_name with the embedded
// bold/italic markers used throughout the UI layer. Deprecated names lose
// the bold markers. The author is inserted before any trailing autonym
// repetition ("Acarospora nodulosa (Dufour) Hue var. nodulosa").
func formatDisplayName(textName, author string, deprecated bool) string {
	words := strings.Fields(textName)

	// Trailing group/clade/complex words are plain text.
	tag := ""
	if len(words) > 1 {
		switch words[len(words)-1] {
		case "group", "clade", "complex":
			tag = words[len(words)-1]
			words = words[:len(words)-1]
		}
	}

	base := strings.Join(words, " ")
	head, tail := splitAutonymTail(words)
	var out string
	if author != "" && tail != "" {
		out = italicize(head, deprecated) + " " + author + " " + italicize(tail, deprecated)
	} else {
		out = italicize(base, deprecated)
		if author != "" {
			out += " " + author
		}
	}
	if tag != "" {
		if author != "" && tail == "" {
			// "Xxx yyy group Author": tag goes before the author.
			out = italicize(base, deprecated) + " " + tag + " " + author
		} else {
			out += " " + tag
		}
	}
	return out
}

// splitAutonymTail finds the longest trailing run of "<abbrev> <epithet>"
// pairs whose epithet repeats the last epithet of the head, which is where
// the author belongs in natural varieties.
func splitAutonymTail(words []string) (head, tail string) {
	cut := len(words)
	for cut >= 4 {
		kw := words[cut-2]
		ep := words[cut-1]
		if _, ok := rankForKeyword(kw); !ok {
			break
		}
		headWords := words[:cut-2]
		if headWords[len(headWords)-1] != ep {
			break
		}
		cut -= 2
	}
	if cut == len(words) {
		return strings.Join(words, " "), ""
	}
	return strings.Join(words[:cut], " "), strings.Join(words[cut:], " ")
}

// italicize wraps epithet runs in __ __ markers, with ** ** boldface for
// accepted names. Rank abbreviations and the provisional-genus sentinel
// stay plain; consecutive epithets share one span ("Amanita vaginata").
func italicize(name string, deprecated bool) string {
	bold := "**"
	if deprecated {
		bold = ""
	}
	var out, run []string
	flush := func() {
		if len(run) > 0 {
			out = append(out, bold+"__"+strings.Join(run, " ")+"__"+bold)
			run = nil
		}
	}
	for _, word := range tokenize(name) {
		_, keyword := rankForKeyword(word)
		if (keyword && strings.ToLower(word) == word) || word == ProvisionalGenusPrefix {
			flush()
			out = append(out, word)
			continue
		}
		run = append(run, word)
	}
	flush()
	return strings.Join(out, " ")
}

var sortInfixes = []struct{ from, to string }{
	{" subg. ", " {1subg. "},
	{" sect. ", " {2sect. "},
	{" subsect. ", " {3subsect. "},
	{" stirps ", " {4stirps "},
	{" subsp. ", " {5subsp. "},
	{" var. ", " {6var. "},
	{" f. ", " {7f. "},
}

var sortSuffixes = []struct {
	re  *regexp.Regexp
	rep string
}{
	{regexp.MustCompile(`(^\S+)aceae$`), "${1}!7"},
	{regexp.MustCompile(`(^\S+)ineae$`), "${1}!6"},
	{regexp.MustCompile(`(^\S+)ales$`), "${1}!5"},
	{regexp.MustCompile(`(^\S+?)o?mycetidae$`), "${1}!4"},
	{regexp.MustCompile(`(^\S+?)o?mycetes$`), "${1}!3"},
	{regexp.MustCompile(`(^\S+?)o?mycotina$`), "${1}!2"},
	{regexp.MustCompile(`(^\S+?)o?mycota$`), "${1}!1"},
}

// formatSortName builds a collation key: rank infixes get numbered brace
// prefixes so siblings group by rank, the standard family/order/class
// suffixes collapse so a kingdom's tree sorts hierarchically, quoted
// provisional epithets collate with their plain spelling, autonyms float
// to the top of their siblings, and the author trails after two spaces.
func formatSortName(textName, author string) string {
	str := textName
	str = strings.ReplaceAll(str, `"`, "")
	str = regexp.MustCompile(` (sp[\-.])`).ReplaceAllString(str, " {$1")
	for _, infix := range sortInfixes {
		str = strings.Replace(str, infix.from, infix.to, 1)
	}
	for _, suffix := range sortSuffixes {
		str = suffix.re.ReplaceAllString(str, suffix.rep)
	}

	// Autonyms sort before other children of the same parent.
	words := strings.Fields(str)
	seen := make(map[string]bool, len(words))
	for i, word := range words {
		bare := strings.TrimLeft(word, "{1234567")
		if seen[bare] && i == len(words)-1 {
			words[i] = "!" + word
		}
		seen[bare] = true
	}
	str = strings.Join(words, " ")

	if author != "" {
		a := strings.ReplaceAll(author, `"`, "")
		a = strings.Map(func(r rune) rune {
			switch r {
			case 'Đ', 'đ':
				return 'd'
			case 'Ø', 'ø':
				return 'O'
			}
			return r
		}, a)
		str += "  " + strings.TrimSpace(a)
	}
	return str
}

// FormatDisplayName is the exported entry used when a stored name needs its
// display form recomputed after a deprecation flip.
func FormatDisplayName(textName, author string, deprecated bool) string {
	return formatDisplayName(textName, author, deprecated)
}
