// Package names parses free-text scientific names into structured taxa and
// provides the rank lattice and canonical formatting used everywhere else.
package names

import "strings"

// Rank is a taxonomic level. Values are ordered from lowest (Form) to
// highest (Domain); Group is informal and sorts above Domain so the total
// order stays strict.
type Rank int

const (
	RankForm Rank = iota
	RankVariety
	RankSubspecies
	RankSpecies
	RankStirps
	RankSubsection
	RankSection
	RankSubgenus
	RankGenus
	RankFamily
	RankOrder
	RankClass
	RankPhylum
	RankKingdom
	RankDomain
	RankGroup
)

var rankNames = map[Rank]string{
	RankForm:       "Form",
	RankVariety:    "Variety",
	RankSubspecies: "Subspecies",
	RankSpecies:    "Species",
	RankStirps:     "Stirps",
	RankSubsection: "Subsection",
	RankSection:    "Section",
	RankSubgenus:   "Subgenus",
	RankGenus:      "Genus",
	RankFamily:     "Family",
	RankOrder:      "Order",
	RankClass:      "Class",
	RankPhylum:     "Phylum",
	RankKingdom:    "Kingdom",
	RankDomain:     "Domain",
	RankGroup:      "Group",
}

func (r Rank) String() string {
	if name, ok := rankNames[r]; ok {
		return name
	}
	return "Unknown"
}

// ParseRank maps a rank label (case-insensitive) to its Rank.
func ParseRank(s string) (Rank, bool) {
	for rank, name := range rankNames {
		if strings.EqualFold(name, s) {
			return rank, true
		}
	}
	return 0, false
}

// CompareRanks returns <0 if a is below b, 0 if equal, >0 if a is above b.
func CompareRanks(a, b Rank) int {
	return int(a) - int(b)
}

func (r Rank) BelowGenus() bool     { return r < RankGenus }
func (r Rank) AtOrBelowGenus() bool { return r <= RankGenus }
func (r Rank) AboveGenus() bool     { return r > RankGenus && r != RankGroup }
func (r Rank) BelowSpecies() bool   { return r < RankSpecies }

// BetweenGenusAndSpecies reports the infrageneric ranks (subgenus, section,
// subsection, stirps).
func (r Rank) BetweenGenusAndSpecies() bool {
	return r > RankSpecies && r < RankGenus
}

// secondary rank abbreviations in standardized form
var rankAbbrevs = map[Rank]string{
	RankSubgenus:   "subg.",
	RankSection:    "sect.",
	RankSubsection: "subsect.",
	RankStirps:     "stirps",
	RankSubspecies: "subsp.",
	RankVariety:    "var.",
	RankForm:       "f.",
}

// Abbrev returns the standardized infix used in text names for ranks below
// genus, or "" for ranks that never appear as infixes.
func (r Rank) Abbrev() string {
	return rankAbbrevs[r]
}

// rankFromAbbrev maps every accepted spelling of a secondary rank keyword
// to its rank. Keys are stored without the trailing period.
var rankFromAbbrev = map[string]Rank{
	"subgenus":   RankSubgenus,
	"subg":       RankSubgenus,
	"sg":         RankSubgenus,
	"section":    RankSection,
	"sect":       RankSection,
	"subsection": RankSubsection,
	"subsect":    RankSubsection,
	"stirps":     RankStirps,
	"subspecies": RankSubspecies,
	"subsp":      RankSubspecies,
	"ssp":        RankSubspecies,
	"s":          RankSubspecies,
	"variety":    RankVariety,
	"var":        RankVariety,
	"v":          RankVariety,
	"forma":      RankForm,
	"form":       RankForm,
	"f":          RankForm,
}

func rankForKeyword(word string) (Rank, bool) {
	rank, ok := rankFromAbbrev[strings.ToLower(strings.TrimSuffix(word, "."))]
	return rank, ok
}

// Registrable reports whether a name at this rank with this text may carry
// a nomenclatural registry identifier. Group and Domain are informal or too
// high to register; quoted (provisional) epithets at or above Class are
// placeholders, not published names.
func Registrable(rank Rank, textName string) bool {
	if rank == RankGroup || rank == RankDomain {
		return false
	}
	if strings.Contains(textName, `"`) && rank >= RankClass {
		return false
	}
	return true
}
