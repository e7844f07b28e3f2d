package search

import (
	"strconv"

	"mycoatlas/api/internal/store"
)

// Result is one name hit: either a direct candidate or an alternate
// spelling suggested for a string that matched nothing exactly.
type Result struct {
	ID          int64   `json:"id"`
	TextName    string  `json:"textName"`
	Author      string  `json:"author"`
	SearchName  string  `json:"searchName"`
	DisplayName string  `json:"displayName"`
	Rank        string  `json:"rank"`
	Deprecated  bool    `json:"deprecated"`
	Score       float64 `json:"score,omitempty"`
}

// Query describes one lookup against the names index.
type Query struct {
	Text  string
	Limit int
}

// Searcher can find names similar to a query string.
type Searcher interface {
	Suggest(q Query) ([]Result, error)
	Healthy() bool
}

// Indexer pushes names into the search index.
type Indexer interface {
	IndexName(rec NameRecord) error
	DeleteName(id int64) error
}

// NameRecord is the data we index for a name. IDs are stringified for
// the index's primary key; Result carries them back as int64.
type NameRecord struct {
	ID          string `json:"id"`
	TextName    string `json:"textName"`
	Author      string `json:"author"`
	SearchName  string `json:"searchName"`
	DisplayName string `json:"displayName"`
	Rank        string `json:"rank"`
	Deprecated  bool   `json:"deprecated"`
}

// RecordFromName converts a stored name to its index record.
func RecordFromName(n store.Name) NameRecord {
	return NameRecord{
		ID:          strconv.FormatInt(n.ID, 10),
		TextName:    n.TextName,
		Author:      n.Author,
		SearchName:  n.SearchName,
		DisplayName: n.DisplayName,
		Rank:        n.Rank.String(),
		Deprecated:  n.Deprecated,
	}
}
