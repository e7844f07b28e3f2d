package app

import (
	"mycoatlas/api/internal/names"
	"mycoatlas/api/internal/search"
	"mycoatlas/api/internal/store"
)

type ResolutionStatus string

const (
	// ResolutionUnique means exactly one accepted name matched.
	ResolutionUnique ResolutionStatus = "unique"
	// ResolutionCreated means no name matched and one was created.
	ResolutionCreated ResolutionStatus = "created"
	// ResolutionNoMatch means no name matched and creation was not asked for.
	ResolutionNoMatch ResolutionStatus = "no_match"
	// ResolutionAmbiguous means several names matched and none stood out.
	ResolutionAmbiguous ResolutionStatus = "ambiguous"
	// ResolutionDeprecatedMatch means the match is deprecated and the caller
	// has not yet accepted it explicitly.
	ResolutionDeprecatedMatch ResolutionStatus = "deprecated_match"
	// ResolutionParentDeprecated means nothing matched and the name was
	// not created because its genus is deprecated; ValidNames offers the
	// same epithet under accepted genera instead.
	ResolutionParentDeprecated ResolutionStatus = "parent_deprecated"
)

// ResolveInput carries one resolution request. Rank below zero means
// "infer from the text". ChosenID breaks a previously reported ambiguity.
// AcceptDeprecated acknowledges a previously reported deprecated match.
// ApprovedText authorizes creation: a name is created only when it echoes
// the candidate search_name the caller was shown on the previous no-match
// round. Left empty, nothing is ever created.
type ResolveInput struct {
	Text             string
	Rank             names.Rank
	ChosenID         int64
	AcceptDeprecated bool
	ApprovedText     string
}

// Resolution is the outcome of resolving one name string. Exactly the
// fields relevant to Status are set. ValidNames lists accepted
// alternatives: the approved synonyms of a deprecated match, or epithet
// rewrites under accepted genera when the genus is deprecated.
type Resolution struct {
	Status           ResolutionStatus
	Parsed           *names.ParsedName
	Name             *store.Name
	CorrectedFrom    *store.Name
	Candidates       []store.Name
	ValidNames       []store.Name
	CreatedAncestors []store.Name
	Suggestions      []search.Result
	DeprecatedParent *store.Name
}

// EditInput lists requested changes to one name. Nil pointers mean "keep".
// NameText, when set, replaces the whole identity (text, author, rank); a
// negative Rank means infer from the text, or keep the current rank when
// NameText is empty. SynonymOf links the name into the target's synonym
// group; ClearSynonym detaches it.
type EditInput struct {
	NameText          string
	Rank              names.Rank
	Deprecated        *bool
	Locked            *bool
	Citation          *string
	Notes             *string
	RegistryID        *string
	CorrectSpellingOf int64
	ClearMisspelling  bool
	SynonymOf         int64
	ClearSynonym      bool
}

// EditOutcome reports what an edit did. IgnoredFields lists fields the
// caller asked to change but was not allowed to on a locked name. Merge
// is set when the new identity collided with an existing name and the
// edit turned into a merge.
type EditOutcome struct {
	Name          store.Name
	Changed       bool
	IgnoredFields []string
	Merge         *MergeOutcome
}

type MergeStatus string

const (
	MergeCompleted MergeStatus = "completed"
	MergeBlocked   MergeStatus = "blocked"
)

type BlockReason string

const (
	// BlockRequiresAdmin: both names carry dependents, so someone's usage
	// would be rewritten whichever way the merge runs.
	BlockRequiresAdmin BlockReason = "requires_admin"
	// BlockRegistryConflict: both names carry different registry ids.
	BlockRegistryConflict BlockReason = "registry_conflict"
	// BlockMultipleTargets: the destination string matched several names.
	BlockMultipleTargets BlockReason = "multiple_targets"
)

// MergeInput names the two sides of a merge. The destination may be given
// by id or by name string; the survivor always ends up with the
// destination's identity even when the rows are swapped underneath.
type MergeInput struct {
	MergedID      int64
	SurvivorID    int64
	SurvivorText  string
	AdminMode     bool
	ForceRegistry bool
	Note          string
}

// MergeOutcome reports a completed or blocked merge.
type MergeOutcome struct {
	Status      MergeStatus
	Reason      BlockReason
	Survivor    *store.Name
	Result      store.MergeResult
	Swapped     bool
	Candidates  []store.Name
	RequestSent bool
}
