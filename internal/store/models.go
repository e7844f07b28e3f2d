package store

import (
	"time"

	"mycoatlas/api/internal/names"
)

type User struct {
	ID        string
	Login     string
	Email     string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Name is one row of the names table. SearchName is unique across the
// table; TextName alone is not (homonyms with different authors).
// SynonymID groups names that refer to the same taxon; nil means the
// name stands alone.
type Name struct {
	ID                int64
	Rank              names.Rank
	TextName          string
	Author            string
	SearchName        string
	SortName          string
	DisplayName       string
	Deprecated        bool
	CorrectSpellingID *int64
	SynonymID         *int64
	Locked            bool
	RegistryID        *string
	Citation          string
	Notes             string
	Version           int
	UserID            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NameVersion is an append-only snapshot of a name as of one version.
type NameVersion struct {
	ID          int64
	NameID      int64
	Version     int
	Rank        names.Rank
	TextName    string
	Author      string
	SearchName  string
	SortName    string
	DisplayName string
	Deprecated  bool
	Locked      bool
	RegistryID  *string
	Citation    string
	Notes       string
	UserID      string
	CreatedAt   time.Time
}

// MergeLogEntry records one completed merge. The table is immutable: a
// trigger rejects UPDATE and DELETE, so the discarded record's display
// form survives its row.
type MergeLogEntry struct {
	ID                int64
	SurvivorID        int64
	MergedID          int64
	MergedDisplayName string
	MergedSearchName  string
	UserID            string
	AdminMode         bool
	NamingsMoved      int
	Note              string
	CreatedAt         time.Time
}

type Naming struct {
	ID            int64
	ObservationID int64
	NameID        int64
	UserID        string
	Reasons       string
	CreatedAt     time.Time
}

type Vote struct {
	ID         int64
	NamingID   int64
	UserID     string
	Confidence float64
	CreatedAt  time.Time
}

// NameDescription is the row-level description record; the body text
// lives in a git repo keyed by RepoKey, with RepoHead the latest commit.
type NameDescription struct {
	ID         int64
	NameID     int64
	SourceType string
	Notes      string
	RepoKey    string
	RepoHead   string
	UserID     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Interest struct {
	ID        int64
	UserID    string
	NameID    int64
	State     bool
	CreatedAt time.Time
}

// NameTracker is a pending-notification subscription on a name.
type NameTracker struct {
	ID           int64
	UserID       string
	NameID       int64
	NoteTemplate string
	CreatedAt    time.Time
}

// Dependents counts the rows that reference a name. A name with any
// dependents cannot be silently destroyed by a non-admin merge.
type Dependents struct {
	Namings      int
	Descriptions int
	Interests    int
	Trackers     int
	Misspellings int
	Children     int
}

func (d Dependents) Any() bool {
	return d.Namings > 0 || d.Descriptions > 0 || d.Interests > 0 ||
		d.Trackers > 0 || d.Misspellings > 0 || d.Children > 0
}

// MergeSpec is the store-level instruction for one merge: both ids, the
// survivor's post-merge field values (already computed by the caller),
// and audit details.
type MergeSpec struct {
	SurvivorID int64
	MergedID   int64
	Survivor   Name
	UserID     string
	AdminMode  bool
	Note       string
}

// MergeResult reports what the merge transaction moved.
type MergeResult struct {
	Survivor          Name
	NamingsMoved      int
	DescriptionsMoved int
	InterestsMoved    int
	TrackersMoved     int
	MisspellingsMoved int
}
