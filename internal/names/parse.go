package names

import (
	"fmt"
	"regexp"
	"strings"
)

// ProvisionalGenusPrefix is the sentinel prepended to quoted, unrecognized
// genera so provisional names sort and search deterministically.
const ProvisionalGenusPrefix = "Gen."

// ParsedName is the structured result of parsing a free-text name.
type ParsedName struct {
	Rank        Rank
	TextName    string
	Author      string
	SearchName  string
	SortName    string
	DisplayName string
	// ParentName is the text_name of the immediate parent for ranks below
	// genus, "" otherwise.
	ParentName string
}

// ParseError reports malformed input with a diagnostic the caller can show
// to the user verbatim.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q: %s", e.Input, e.Reason)
}

func parseError(input, format string, args ...any) *ParseError {
	return &ParseError{Input: input, Reason: fmt.Sprintf(format, args...)}
}

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	curlyQuotesRe = regexp.MustCompile("[“”]")
	curlyTicksRe  = regexp.MustCompile("[‘’]")

	genusWordRe   = regexp.MustCompile(`^[A-Z][a-zë\-]+$`)
	epithetRe     = regexp.MustCompile(`^[a-zë\-]+$`)
	quotedWordRe  = regexp.MustCompile(`^"[^"]+"$`)
	infraWordRe   = regexp.MustCompile(`^[A-Za-z][a-zë\-]+$`)
	groupWordRe   = regexp.MustCompile(`^(group|gr\.?|gp\.?|clade|complex)$`)
	spNovQuotedRe = regexp.MustCompile(`^"sp\.?[\s\-]?(.+)"$`)
	initialPairRe = regexp.MustCompile(`([A-Z]\.) ([A-Z]\.)`)
)

// CleanIncoming normalizes a raw user string: straightens curly quotes,
// turns underscores into spaces, collapses whitespace runs, trims.
func CleanIncoming(s string) string {
	s = curlyQuotesRe.ReplaceAllString(s, `"`)
	s = curlyTicksRe.ReplaceAllString(s, `'`)
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, "\u2028", "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Parse parses a free-text scientific name, inferring the rank from the
// epithet structure.
func Parse(raw string) (*ParsedName, error) {
	return parse(raw, -1)
}

// ParseWithRank parses like Parse but requires the result to come out at
// the given rank. For single-word names the rank disambiguates genus from
// the higher ranks, which are structurally identical.
func ParseWithRank(raw string, rank Rank) (*ParsedName, error) {
	return parse(raw, rank)
}

func parse(raw string, wantRank Rank) (*ParsedName, error) {
	str := CleanIncoming(raw)
	if str == "" {
		return nil, parseError(raw, "name is blank")
	}
	if strings.HasPrefix(str, ",") || strings.HasSuffix(str, ",") {
		return nil, parseError(raw, "dangling comma")
	}

	// "Agaricus sp." means the genus itself.
	for _, suffix := range []string{" sp.", " sp", " species"} {
		if strings.HasSuffix(str, suffix) {
			str = strings.TrimSuffix(str, suffix)
			break
		}
	}

	namePart, author, groupTag, err := splitParts(str)
	if err != nil {
		return nil, err
	}

	namePart, author, err = fixAutonym(namePart, author, raw)
	if err != nil {
		return nil, err
	}

	tokens := tokenize(namePart)
	if len(tokens) == 0 {
		return nil, parseError(raw, "name is blank")
	}

	genus, tokens, err := parseGenus(tokens, raw)
	if err != nil {
		return nil, err
	}

	segments, err := parseSegments(tokens, raw)
	if err != nil {
		return nil, err
	}

	rank := RankGenus
	if len(segments) > 0 {
		rank = segments[len(segments)-1].rank
	} else if wantRank >= 0 && wantRank.AboveGenus() {
		rank = wantRank
	}

	textName := genus
	for _, seg := range segments {
		if seg.rank == RankSpecies {
			textName += " " + seg.epithet
		} else {
			textName += " " + seg.rank.Abbrev() + " " + seg.epithet
		}
	}
	textName = strings.ReplaceAll(textName, "ë", "e")

	author = StandardizeAuthor(author)
	if strings.HasPrefix(author, ",") || strings.HasSuffix(author, ",") {
		return nil, parseError(raw, "author has dangling punctuation")
	}

	if groupTag != "" {
		textName += " " + groupTag
		rank = RankGroup
	}

	if wantRank >= 0 && wantRank != rank {
		// Single words are genus by default but legal at any higher rank.
		if !(len(segments) == 0 && groupTag == "" && wantRank.AboveGenus()) {
			return nil, parseError(raw, "%q is invalid for rank %s", str, wantRank)
		}
		rank = wantRank
	}

	parent := ""
	if rank.BelowGenus() && len(segments) > 0 {
		parent = parentTextName(textName)
	} else if rank == RankGroup && len(segments) > 0 {
		parent = strings.TrimSuffix(textName, " "+groupTag)
	}

	searchName := textName
	if author != "" {
		searchName += " " + author
	}

	p := &ParsedName{
		Rank:        rank,
		TextName:    textName,
		Author:      author,
		SearchName:  searchName,
		SortName:    formatSortName(textName, author),
		DisplayName: formatDisplayName(textName, author, false),
		ParentName:  parent,
	}
	return p, nil
}

type segment struct {
	rank    Rank
	epithet string
}

// tokenize splits on spaces but keeps double-quoted spans whole, so
// provisional epithets like `"sp. T44"` survive as single tokens.
func tokenize(s string) []string {
	var tokens []string
	var b strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == ' ' && !inQuote:
			if b.Len() > 0 {
				tokens = append(tokens, b.String())
				b.Reset()
			}
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}

// splitParts separates the epithet structure, the author tail, and an
// optional trailing group keyword.
func splitParts(str string) (namePart, author, groupTag string, err error) {
	tokens := tokenize(str)

	// Trailing group/clade/complex keyword binds tighter than the author.
	for i, tok := range tokens {
		if i > 0 && groupWordRe.MatchString(strings.ToLower(tok)) {
			groupTag = standardizeGroupWord(tok)
			author = strings.Join(tokens[i+1:], " ")
			tokens = tokens[:i]
			return strings.Join(tokens, " "), author, groupTag, nil
		}
	}

	// "sensu Xxx" swallows the rest of the line.
	if idx := strings.Index(" "+str+" ", " sensu "); idx >= 0 {
		namePart = strings.TrimSpace((" " + str + " ")[:idx])
		author = strings.TrimSpace((" " + str + " ")[idx+1:])
		return namePart, author, "", nil
	}

	// Otherwise the author begins at the first token that cannot be part
	// of the epithet structure: a capitalized word in epithet position, a
	// parenthesis, "auct.", a number.
	split := len(tokens)
	expectInfra := false
	for i := 1; i < len(tokens); i++ {
		tok := tokens[i]
		if _, ok := rankForKeyword(tok); ok {
			expectInfra = true
			continue
		}
		if expectInfra {
			// Epithets after subg./sect. may be capitalized.
			if infraWordRe.MatchString(tok) || quotedWordRe.MatchString(tok) {
				expectInfra = false
				continue
			}
			split = i - 1 // keyword belonged to the author after all
			break
		}
		if epithetRe.MatchString(tok) || quotedWordRe.MatchString(tok) ||
			strings.HasPrefix(tok, `'`) || strings.HasPrefix(tok, `"`) {
			continue
		}
		split = i
		break
	}
	namePart = strings.Join(tokens[:split], " ")
	author = strings.Join(tokens[split:], " ")
	return namePart, author, "", nil
}

func standardizeGroupWord(word string) string {
	w := strings.ToLower(strings.TrimSuffix(word, "."))
	if strings.HasPrefix(w, "g") {
		return "group"
	}
	return w
}

// parseGenus consumes the genus token, normalizing quoted provisional
// genera to the `Gen. "Xxx"` sentinel form.
func parseGenus(tokens []string, raw string) (string, []string, error) {
	tok := tokens[0]
	switch {
	case genusWordRe.MatchString(tok):
		return tok, tokens[1:], nil
	case quotedWordRe.MatchString(tok) || (strings.HasPrefix(tok, "'") && strings.HasSuffix(tok, "'")):
		inner := strings.Trim(tok, `"'`)
		return ProvisionalGenusPrefix + ` "` + inner + `"`, tokens[1:], nil
	default:
		return "", nil, parseError(raw, "unexpected term %q where a genus was expected", tok)
	}
}

// parseSegments consumes the epithet structure after the genus: an optional
// bare species epithet followed by explicitly ranked segments, each rank
// strictly below the one before it.
func parseSegments(tokens []string, raw string) ([]segment, error) {
	var segs []segment
	prev := RankGenus
	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		if rank, ok := rankForKeyword(tok); ok {
			if i+1 >= len(tokens) {
				return nil, parseError(raw, "rank keyword %q has no epithet", tok)
			}
			epithet := tokens[i+1]
			if rank.BetweenGenusAndSpecies() {
				if !infraWordRe.MatchString(epithet) && !quotedWordRe.MatchString(epithet) {
					return nil, parseError(raw, "unexpected term %q", epithet)
				}
			} else if !epithetRe.MatchString(epithet) && !isQuotedEpithet(epithet) {
				return nil, parseError(raw, "unexpected term %q", epithet)
			}
			if CompareRanks(rank, prev) >= 0 {
				return nil, parseError(raw, "rank %s out of order after %s", rank, prev)
			}
			if prev.BetweenGenusAndSpecies() && rank.BelowSpecies() {
				return nil, parseError(raw, "rank %s out of order after %s", rank, prev)
			}
			segs = append(segs, segment{rank: rank, epithet: normalizeEpithet(epithet)})
			prev = rank
			i += 2
			continue
		}
		if i == 0 && (epithetRe.MatchString(tok) || isQuotedEpithet(tok)) {
			segs = append(segs, segment{rank: RankSpecies, epithet: normalizeSpeciesEpithet(tok)})
			prev = RankSpecies
			i++
			continue
		}
		return nil, parseError(raw, "unexpected term %q", tok)
	}
	return segs, nil
}

func isQuotedEpithet(tok string) bool {
	return quotedWordRe.MatchString(tok) ||
		(strings.HasPrefix(tok, "'") && strings.HasSuffix(tok, "'") && len(tok) > 2)
}

func normalizeEpithet(tok string) string {
	if strings.HasPrefix(tok, "'") && strings.HasSuffix(tok, "'") {
		return `"` + strings.Trim(tok, "'") + `"`
	}
	return tok
}

// normalizeSpeciesEpithet also standardizes the "sp. nov." convention:
// `"sp. T44"` and friends become `"sp-T44"`.
func normalizeSpeciesEpithet(tok string) string {
	tok = normalizeEpithet(tok)
	if m := spNovQuotedRe.FindStringSubmatch(tok); m != nil {
		return `"sp-` + m[1] + `"`
	}
	return tok
}

var capEpithetRe = regexp.MustCompile(`^([A-Z][a-zë\-]+) ([A-Z][a-zë\-]+)$`)

// FixCapitalizedEpithet lowercases the epithet of a two-word name typed
// as "Genus Epithet". Real authors virtually always carry initials,
// punctuation, or several words, so they do not match.
func FixCapitalizedEpithet(s string) string {
	if m := capEpithetRe.FindStringSubmatch(s); m != nil {
		return m[1] + " " + strings.ToLower(m[2])
	}
	return s
}

// fixAutonym repairs the common error of placing the author before the
// autonym repetition: "Amanita vaginatae Author var. vaginatae" becomes
// "Amanita vaginatae var. vaginatae" with "Author".
func fixAutonym(namePart, author, raw string) (string, string, error) {
	nameWords := strings.Fields(namePart)
	if len(nameWords) == 0 || author == "" {
		return namePart, author, nil
	}
	last := nameWords[len(nameWords)-1]

	authorWords := strings.Fields(author)
	// Find the trailing run of "<rank-keyword> <last>" pairs.
	cut := len(authorWords)
	for cut >= 2 {
		kw := authorWords[cut-2]
		ep := authorWords[cut-1]
		if _, ok := rankForKeyword(kw); !ok || ep != last {
			break
		}
		cut -= 2
	}
	if cut == len(authorWords) {
		return namePart, author, nil
	}

	moved := authorWords[cut:]
	for i := 0; i < len(moved); i += 2 {
		rank, _ := rankForKeyword(moved[i])
		namePart += " " + rank.Abbrev() + " " + moved[i+1]
	}
	return namePart, strings.Join(authorWords[:cut], " "), nil
}

var authorAbbrevFixes = []struct {
	re  *regexp.Regexp
	rep string
}{
	{regexp.MustCompile(`^auct\.? ?`), "auct. "},
	{regexp.MustCompile(`^ined\.? ?`), "ined. "},
	{regexp.MustCompile(`^nom\.? ?`), "nom. "},
	{regexp.MustCompile(`^comb\.? ?`), "comb. "},
	{regexp.MustCompile(`^sensu ?`), "sensu "},
	{regexp.MustCompile(`(comb\. |nom\. )nov\.? ?`), "${1}nov. "},
	{regexp.MustCompile(`(comb\. |nom\. )prov\.? ?`), "${1}prov. "},
}

// StandardizeAuthor normalizes the common nomenclatural abbreviations and
// squeezes initials ("A. H. Smith" -> "A.H. Smith").
func StandardizeAuthor(author string) string {
	author = strings.TrimSpace(whitespaceRe.ReplaceAllString(author, " "))
	if author == "" {
		return ""
	}
	for _, fix := range authorAbbrevFixes {
		author = fix.re.ReplaceAllString(author, fix.rep)
	}
	author = strings.TrimSpace(whitespaceRe.ReplaceAllString(author, " "))
	for {
		next := initialPairRe.ReplaceAllString(author, "$1$2")
		if next == author {
			return author
		}
		author = next
	}
}

// parentTextName strips the last epithet segment: the species loses its
// epithet, lower ranks lose their "<abbrev> <epithet>" tail.
func parentTextName(textName string) string {
	words := strings.Fields(textName)
	if len(words) < 2 {
		return ""
	}
	if words[0] == ProvisionalGenusPrefix && len(words) == 2 {
		return ""
	}
	tail := 1
	if _, ok := rankForKeyword(words[len(words)-2]); ok && len(words) > 2 {
		tail = 2
	}
	return strings.Join(words[:len(words)-tail], " ")
}

// AncestorSpec names one implied ancestor of a below-genus name.
type AncestorSpec struct {
	Rank     Rank
	TextName string
}

// Ancestors returns the chain of implied ancestors of a parsed name in
// root-to-leaf order, excluding the name itself. Names at or above genus
// have none.
func Ancestors(p *ParsedName) []AncestorSpec {
	var start string
	switch {
	case p.Rank == RankGroup:
		// The base taxon the group is built on is itself an ancestor.
		start = strings.TrimSuffix(p.TextName, " "+lastWord(p.TextName))
	case p.Rank.BelowGenus():
		start = parentTextName(p.TextName)
	default:
		return nil
	}
	var chain []AncestorSpec
	for text := start; text != ""; text = parentTextName(text) {
		chain = append([]AncestorSpec{{Rank: rankOfTextName(text), TextName: text}}, chain...)
	}
	return chain
}

func lastWord(s string) string {
	words := strings.Fields(s)
	return words[len(words)-1]
}

// rankOfTextName infers a rank from a standardized text_name alone.
func rankOfTextName(textName string) Rank {
	words := strings.Fields(textName)
	if len(words) >= 2 {
		if rank, ok := rankForKeyword(words[len(words)-2]); ok {
			return rank
		}
		if words[0] == ProvisionalGenusPrefix && len(words) == 2 {
			return RankGenus
		}
		return RankSpecies
	}
	return RankGenus
}

// GuessRank infers the rank of a standardized text_name string.
func GuessRank(textName string) Rank {
	if lastWord(textName) == "group" || lastWord(textName) == "clade" || lastWord(textName) == "complex" {
		return RankGroup
	}
	return rankOfTextName(textName)
}
