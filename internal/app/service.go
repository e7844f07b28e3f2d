package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"mycoatlas/api/internal/descrepo"
	"mycoatlas/api/internal/names"
	"mycoatlas/api/internal/notify"
	"mycoatlas/api/internal/rbac"
	"mycoatlas/api/internal/search"
	"mycoatlas/api/internal/store"
	"mycoatlas/api/internal/util"
)

const suggestionLimit = 10

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetName(context.Context, int64) (store.Name, error)
	FindBySearchName(context.Context, string) (store.Name, error)
	FindByTextName(context.Context, string) ([]store.Name, error)
	InsertName(context.Context, store.Name) (store.Name, error)
	CreateNameWithAncestors(context.Context, store.Name, []store.Name) (store.Name, []store.Name, error)
	EnsureNames(context.Context, []store.Name) ([]store.Name, error)
	UpdateName(context.Context, store.Name, string) (store.Name, error)
	ListNameVersions(context.Context, int64) ([]store.NameVersion, error)
	CountDependents(context.Context, int64) (store.Dependents, error)
	ListMisspellings(context.Context, int64) ([]store.Name, error)
	ListSynonyms(context.Context, int64) ([]store.Name, error)
	LinkSynonyms(context.Context, int64, int64) ([]store.Name, error)
	ClearSynonym(context.Context, int64) error
	MergeNames(context.Context, store.MergeSpec) (store.MergeResult, error)
	ListMergeLog(context.Context, int64, int) ([]store.MergeLogEntry, error)
	InsertDescription(context.Context, store.NameDescription) (store.NameDescription, error)
	GetDescription(context.Context, int64) (store.NameDescription, error)
	ListDescriptions(context.Context, int64) ([]store.NameDescription, error)
	UpdateDescriptionHead(context.Context, int64, string) error
}

type searchIndex interface {
	Suggest(text string, limit int) []search.Result
	IndexName(rec search.NameRecord)
	DeleteName(id int64)
}

type descRepo interface {
	EnsureRepo(key, initialBody, author string) (descrepo.CommitInfo, error)
	CommitBody(key, body, author, message string) (descrepo.CommitInfo, error)
	BodyAt(key, hash string) (string, error)
	History(key string, limit int) ([]descrepo.CommitInfo, error)
}

// Service ties name resolution, editing and merging to the store and the
// side channels. search and repos may be nil when those backends are not
// configured; sink may be nil to drop notices.
type Service struct {
	store  dataStore
	sink   notify.Sink
	search searchIndex
	repos  descRepo
}

func NewService(st dataStore, sink notify.Sink, idx searchIndex, repos descRepo) *Service {
	return &Service{store: st, sink: sink, search: idx, repos: repos}
}

// Resolve turns a free-text name into a Resolution. A negative in.Rank
// lets the parser infer the rank.
func (s *Service) Resolve(ctx context.Context, userName string, in ResolveInput) (Resolution, error) {
	return s.resolve(ctx, userName, in, false)
}

func (s *Service) resolve(ctx context.Context, userName string, in ResolveInput, retried bool) (Resolution, error) {
	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Resolution{}, fmt.Errorf("ensure user: %w", err)
	}
	role := rbac.Normalize(user.Role)
	if in.ApprovedText != "" && !rbac.Can(role, rbac.ActionWrite) {
		return Resolution{}, domainError("forbidden", "role may not create names",
			map[string]string{"role": string(role)})
	}

	text := names.FixCapitalizedEpithet(names.CleanIncoming(in.Text))
	parsed, err := s.parseInput(text, in.Rank)
	if err != nil {
		return Resolution{}, err
	}

	if in.ChosenID != 0 {
		n, err := s.store.GetName(ctx, in.ChosenID)
		if errors.Is(err, store.ErrNotFound) {
			return Resolution{}, domainError("name_not_found",
				fmt.Sprintf("no name with id %d", in.ChosenID), nil)
		}
		if err != nil {
			return Resolution{}, fmt.Errorf("get chosen name: %w", err)
		}
		if n.TextName != parsed.TextName {
			return Resolution{}, domainError("chosen_name_mismatch",
				fmt.Sprintf("name %d is %q, not %q", n.ID, n.TextName, parsed.TextName), nil)
		}
		return s.matchOutcome(ctx, parsed, n, in.AcceptDeprecated)
	}

	exact, err := s.store.FindBySearchName(ctx, parsed.SearchName)
	switch {
	case err == nil:
		return s.matchOutcome(ctx, parsed, exact, in.AcceptDeprecated)
	case !errors.Is(err, store.ErrNotFound):
		return Resolution{}, fmt.Errorf("find by search name: %w", err)
	}

	matches, err := s.store.FindByTextName(ctx, parsed.TextName)
	if err != nil {
		return Resolution{}, fmt.Errorf("find by text name: %w", err)
	}

	if parsed.Author != "" {
		// The exact search_name lookup already missed, so none of these
		// carry the incoming author. An authorless one adopts it; homonyms
		// under other authors are not matches at all.
		var authorless []store.Name
		for _, m := range matches {
			if m.Author == "" {
				authorless = append(authorless, m)
			}
		}
		if len(authorless) == 1 {
			adopted, err := s.adoptAuthor(ctx, authorless[0], parsed, user)
			if err != nil {
				return Resolution{}, err
			}
			return s.matchOutcome(ctx, parsed, adopted, in.AcceptDeprecated)
		}
		matches = nil
	}

	switch len(matches) {
	case 0:
	case 1:
		return s.matchOutcome(ctx, parsed, matches[0], in.AcceptDeprecated)
	default:
		// Homonyms always need an explicit chosen_id. When every match is
		// deprecated, surface their shared accepted synonyms so the caller
		// is not stuck choosing between two rejected names.
		res := Resolution{Status: ResolutionAmbiguous, Parsed: parsed, Candidates: matches}
		if allDeprecated(matches) {
			valid, err := s.unionApprovedSynonyms(ctx, matches)
			if err != nil {
				return Resolution{}, err
			}
			res.ValidNames = valid
		}
		return res, nil
	}

	if approvalEchoes(in.ApprovedText, parsed) {
		return s.createResolved(ctx, user, parsed, in, retried)
	}

	// Creation was not approved; this is a branch point, not a write.
	if parent, err := s.deprecatedGenus(ctx, parsed); err != nil {
		return Resolution{}, err
	} else if parent != nil {
		valid, err := s.synonymousGenusNames(ctx, parsed, *parent)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{
			Status:           ResolutionParentDeprecated,
			Parsed:           parsed,
			DeprecatedParent: parent,
			ValidNames:       valid,
		}, nil
	}

	res := Resolution{Status: ResolutionNoMatch, Parsed: parsed}
	if s.search != nil {
		res.Suggestions = s.search.Suggest(parsed.TextName, suggestionLimit)
	}
	return res, nil
}

// approvalEchoes reports whether the caller's approval echoes back the
// exact candidate they were shown on the earlier no-match round.
func approvalEchoes(approved string, parsed *names.ParsedName) bool {
	approved = names.CleanIncoming(approved)
	return approved != "" && approved == parsed.SearchName
}

func (s *Service) createResolved(ctx context.Context, user store.User, parsed *names.ParsedName, in ResolveInput, retried bool) (Resolution, error) {
	leaf := nameFromParsed(parsed, user.ID)
	ancestors, err := ancestorRows(parsed, user.ID)
	if err != nil {
		return Resolution{}, err
	}

	created, createdAncestors, err := s.store.CreateNameWithAncestors(ctx, leaf, ancestors)
	if errors.Is(err, store.ErrDuplicateName) {
		// Lost a race with a concurrent insert; the name is there now.
		if retried {
			return Resolution{}, fmt.Errorf("create name %q: %w", parsed.SearchName, err)
		}
		return s.resolve(ctx, user.Login, in, true)
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("create name %q: %w", parsed.SearchName, err)
	}

	if s.search != nil {
		s.search.IndexName(search.RecordFromName(created))
		for _, anc := range createdAncestors {
			s.search.IndexName(search.RecordFromName(anc))
		}
	}

	return Resolution{
		Status:           ResolutionCreated,
		Parsed:           parsed,
		Name:             &created,
		CreatedAncestors: createdAncestors,
	}, nil
}

// matchOutcome follows misspelling pointers to the correctly spelled name
// and gates deprecated matches behind explicit acceptance.
func (s *Service) matchOutcome(ctx context.Context, parsed *names.ParsedName, n store.Name, accept bool) (Resolution, error) {
	res := Resolution{Parsed: parsed}
	cur := n
	for hops := 0; cur.CorrectSpellingID != nil && hops < 5; hops++ {
		target, err := s.store.GetName(ctx, *cur.CorrectSpellingID)
		if err != nil {
			return Resolution{}, fmt.Errorf("follow correct spelling of %d: %w", cur.ID, err)
		}
		if res.CorrectedFrom == nil {
			orig := cur
			res.CorrectedFrom = &orig
		}
		cur = target
	}
	res.Name = &cur
	if cur.Deprecated && !accept {
		res.Status = ResolutionDeprecatedMatch
		valid, err := s.approvedSynonyms(ctx, cur)
		if err != nil {
			return Resolution{}, err
		}
		res.ValidNames = valid
	} else {
		res.Status = ResolutionUnique
	}
	return res, nil
}

// approvedSynonyms returns the non-deprecated members of a name's synonym
// group, excluding the name itself.
func (s *Service) approvedSynonyms(ctx context.Context, n store.Name) ([]store.Name, error) {
	if n.SynonymID == nil {
		return nil, nil
	}
	group, err := s.store.ListSynonyms(ctx, *n.SynonymID)
	if err != nil {
		return nil, fmt.Errorf("list synonyms of %d: %w", n.ID, err)
	}
	var out []store.Name
	for _, m := range group {
		if !m.Deprecated && m.ID != n.ID {
			out = append(out, m)
		}
	}
	return out, nil
}

// unionApprovedSynonyms collects the approved synonyms of every match,
// deduplicated, in sort_name order.
func (s *Service) unionApprovedSynonyms(ctx context.Context, matches []store.Name) ([]store.Name, error) {
	seen := make(map[int64]bool)
	var out []store.Name
	for _, m := range matches {
		valid, err := s.approvedSynonyms(ctx, m)
		if err != nil {
			return nil, err
		}
		for _, v := range valid {
			if !seen[v.ID] {
				seen[v.ID] = true
				out = append(out, v)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortName != out[j].SortName {
			return out[i].SortName < out[j].SortName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func allDeprecated(matches []store.Name) bool {
	for _, m := range matches {
		if !m.Deprecated {
			return false
		}
	}
	return true
}

// adoptAuthor fills the author of an authorless name from the incoming
// string, first-author-wins.
func (s *Service) adoptAuthor(ctx context.Context, n store.Name, parsed *names.ParsedName, editor store.User) (store.Name, error) {
	n.Author = parsed.Author
	n.SearchName = parsed.SearchName
	n.SortName = parsed.SortName
	n.DisplayName = names.FormatDisplayName(n.TextName, n.Author, n.Deprecated)
	updated, err := s.store.UpdateName(ctx, n, editor.ID)
	if err != nil {
		return store.Name{}, fmt.Errorf("adopt author on name %d: %w", n.ID, err)
	}
	if s.search != nil {
		s.search.IndexName(search.RecordFromName(updated))
	}
	return updated, nil
}

// deprecatedGenus reports the deprecated genus above an infrageneric
// name, nil when the genus is accepted or absent.
func (s *Service) deprecatedGenus(ctx context.Context, parsed *names.ParsedName) (*store.Name, error) {
	if !parsed.Rank.BelowGenus() {
		return nil, nil
	}
	words := strings.Fields(parsed.TextName)
	genusText := words[0]
	if genusText == names.ProvisionalGenusPrefix && len(words) > 1 {
		genusText = words[0] + " " + words[1]
	}
	matches, err := s.store.FindByTextName(ctx, genusText)
	if err != nil {
		return nil, fmt.Errorf("find genus %q: %w", genusText, err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	for _, m := range matches {
		if !m.Deprecated {
			return nil, nil
		}
	}
	return &matches[0], nil
}

// synonymousGenusNames looks for the same epithet already recorded under
// the accepted synonyms of a deprecated genus.
func (s *Service) synonymousGenusNames(ctx context.Context, parsed *names.ParsedName, genus store.Name) ([]store.Name, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(parsed.TextName, genus.TextName))
	if rest == "" {
		return nil, nil
	}
	genera, err := s.approvedSynonyms(ctx, genus)
	if err != nil {
		return nil, err
	}
	var out []store.Name
	for _, g := range genera {
		matches, err := s.store.FindByTextName(ctx, g.TextName+" "+rest)
		if err != nil {
			return nil, fmt.Errorf("find under genus %q: %w", g.TextName, err)
		}
		for _, m := range matches {
			if !m.Deprecated {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// EnsureAncestors fills in any missing ancestors implied by the given
// name without touching the name itself. It returns the names created.
func (s *Service) EnsureAncestors(ctx context.Context, userName, text string, rank names.Rank) ([]store.Name, error) {
	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	if !rbac.Can(rbac.Normalize(user.Role), rbac.ActionWrite) {
		return nil, domainError("forbidden", "role may not create names",
			map[string]string{"role": user.Role})
	}
	parsed, err := s.parseInput(text, rank)
	if err != nil {
		return nil, err
	}
	rows, err := ancestorRows(parsed, user.ID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	created, err := s.store.EnsureNames(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("ensure ancestors: %w", err)
	}
	if s.search != nil {
		for _, n := range created {
			s.search.IndexName(search.RecordFromName(n))
		}
	}
	return created, nil
}

// Edit applies the requested changes to one name. Identity fields on a
// locked name are silently skipped for non-admins and reported back in
// IgnoredFields. An identity change that collides with an existing name
// turns the edit into a merge of this name into that one.
func (s *Service) Edit(ctx context.Context, userName string, nameID int64, in EditInput, adminMode bool) (EditOutcome, error) {
	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return EditOutcome{}, fmt.Errorf("ensure user: %w", err)
	}
	role := rbac.Normalize(user.Role)
	if !rbac.Can(role, rbac.ActionWrite) {
		return EditOutcome{}, domainError("forbidden", "role may not edit names",
			map[string]string{"role": string(role)})
	}

	n, err := s.store.GetName(ctx, nameID)
	if errors.Is(err, store.ErrNotFound) {
		return EditOutcome{}, domainError("name_not_found",
			fmt.Sprintf("no name with id %d", nameID), nil)
	}
	if err != nil {
		return EditOutcome{}, fmt.Errorf("get name: %w", err)
	}

	before := n
	out := EditOutcome{}
	lockedToCaller := n.Locked && !rbac.CanEditLocked(role)
	var newParsed *names.ParsedName

	if in.NameText != "" {
		if lockedToCaller {
			out.IgnoredFields = append(out.IgnoredFields, "name")
		} else {
			parsed, err := s.parseInput(in.NameText, in.Rank)
			if err != nil {
				return EditOutcome{}, err
			}
			newParsed = parsed
			n.Rank = parsed.Rank
			n.TextName = parsed.TextName
			n.Author = parsed.Author
			n.SearchName = parsed.SearchName
			n.SortName = parsed.SortName
		}
	} else if in.Rank >= 0 && in.Rank != n.Rank {
		if lockedToCaller {
			out.IgnoredFields = append(out.IgnoredFields, "rank")
		} else {
			parsed, err := s.parseInput(n.SearchName, in.Rank)
			if err != nil {
				return EditOutcome{}, err
			}
			n.Rank = parsed.Rank
			n.TextName = parsed.TextName
			n.SearchName = parsed.SearchName
			n.SortName = parsed.SortName
		}
	}

	if in.Deprecated != nil && *in.Deprecated != n.Deprecated {
		if lockedToCaller {
			out.IgnoredFields = append(out.IgnoredFields, "deprecated")
		} else {
			n.Deprecated = *in.Deprecated
		}
	}
	if in.Locked != nil && *in.Locked != n.Locked {
		if !rbac.CanEditLocked(role) {
			out.IgnoredFields = append(out.IgnoredFields, "locked")
		} else {
			n.Locked = *in.Locked
		}
	}
	if in.RegistryID != nil {
		switch {
		case lockedToCaller:
			out.IgnoredFields = append(out.IgnoredFields, "registry_id")
		case *in.RegistryID == "":
			n.RegistryID = nil
		case !names.Registrable(n.Rank, n.TextName):
			return EditOutcome{}, domainError("not_registrable",
				fmt.Sprintf("%q (%s) cannot carry a registry id", n.TextName, n.Rank), nil)
		default:
			id := *in.RegistryID
			n.RegistryID = &id
		}
	}
	if in.Citation != nil {
		n.Citation = *in.Citation
	}
	if in.Notes != nil {
		n.Notes = *in.Notes
	}

	// Synonym links live in their own table and are written immediately;
	// they are group state, not a versioned field of the row.
	if in.ClearSynonym && n.SynonymID != nil {
		if err := s.store.ClearSynonym(ctx, n.ID); err != nil {
			return EditOutcome{}, fmt.Errorf("clear synonym: %w", err)
		}
		n.SynonymID = nil
		before.SynonymID = nil
		out.Changed = true
	} else if in.SynonymOf != 0 && in.SynonymOf != n.ID {
		if !rbac.Can(role, rbac.ActionCurate) {
			return EditOutcome{}, domainError("forbidden",
				"linking synonyms requires a curator", nil)
		}
		group, err := s.store.LinkSynonyms(ctx, n.ID, in.SynonymOf)
		if errors.Is(err, store.ErrNotFound) {
			return EditOutcome{}, domainError("name_not_found",
				fmt.Sprintf("no name with id %d", in.SynonymOf), nil)
		}
		if err != nil {
			return EditOutcome{}, fmt.Errorf("link synonyms: %w", err)
		}
		for _, m := range group {
			if m.ID == n.ID {
				n.SynonymID = m.SynonymID
			}
		}
		before.SynonymID = n.SynonymID
		out.Changed = true
	}

	if in.ClearMisspelling {
		n.CorrectSpellingID = nil
	} else if in.CorrectSpellingOf != 0 {
		if !rbac.Can(role, rbac.ActionCurate) {
			return EditOutcome{}, domainError("forbidden",
				"marking misspellings requires a curator", nil)
		}
		if err := s.checkSpellingTarget(ctx, n.ID, in.CorrectSpellingOf); err != nil {
			return EditOutcome{}, err
		}
		target := in.CorrectSpellingOf
		n.CorrectSpellingID = &target
		// A misspelling is never the accepted form.
		n.Deprecated = true
	}

	n.DisplayName = names.FormatDisplayName(n.TextName, n.Author, n.Deprecated)

	if n == before {
		out.Name = n
		return out, nil
	}

	if n.SearchName != before.SearchName {
		other, err := s.store.FindBySearchName(ctx, n.SearchName)
		if err == nil && other.ID != n.ID {
			mo, err := s.Merge(ctx, userName, MergeInput{
				MergedID:   n.ID,
				SurvivorID: other.ID,
				AdminMode:  adminMode,
				Note:       fmt.Sprintf("edit of %q collided with %q", before.SearchName, other.SearchName),
			})
			if err != nil {
				return EditOutcome{}, err
			}
			out.Merge = &mo
			out.Changed = mo.Status == MergeCompleted
			if mo.Survivor != nil {
				out.Name = *mo.Survivor
			} else {
				out.Name = before
			}
			return out, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return EditOutcome{}, fmt.Errorf("check collision: %w", err)
		}
	}

	updated, err := s.store.UpdateName(ctx, n, user.ID)
	if errors.Is(err, store.ErrDuplicateName) {
		return EditOutcome{}, domainError("duplicate_name",
			fmt.Sprintf("%q already exists", n.SearchName), nil)
	}
	if err != nil {
		return EditOutcome{}, fmt.Errorf("update name: %w", err)
	}

	if newParsed != nil && updated.TextName != before.TextName {
		// The new identity may imply ancestors the old one did not have.
		rows, err := ancestorRows(newParsed, user.ID)
		if err == nil && len(rows) > 0 {
			if _, err := s.store.EnsureNames(ctx, rows); err != nil {
				return EditOutcome{}, fmt.Errorf("refresh ancestors: %w", err)
			}
		}
	}
	if updated.TextName != before.TextName || updated.Author != before.Author {
		s.noticeNontrivialChange(ctx, user, before, updated)
	}
	if s.search != nil {
		s.search.IndexName(search.RecordFromName(updated))
	}
	out.Name = updated
	out.Changed = true
	return out, nil
}

func (s *Service) noticeNontrivialChange(ctx context.Context, user store.User, before, after store.Name) {
	if s.sink == nil {
		return
	}
	deps, err := s.store.CountDependents(ctx, after.ID)
	if err != nil || deps.Namings == 0 {
		return
	}
	_ = s.sink.Record(ctx, notify.Payload{
		Kind:           notify.KindNontrivialChange,
		RequesterID:    user.ID,
		RequesterLogin: user.Login,
		NameID:         after.ID,
		OldName:        before.SearchName,
		NewName:        after.SearchName,
		Namings:        deps.Namings,
	})
}

// checkSpellingTarget rejects self-references, dangling targets, and
// pointer cycles before a misspelling mark is written.
func (s *Service) checkSpellingTarget(ctx context.Context, nameID, targetID int64) error {
	if targetID == nameID {
		return domainError("spelling_cycle", "a name cannot be a misspelling of itself", nil)
	}
	seen := 0
	for id := targetID; seen < 10; seen++ {
		target, err := s.store.GetName(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return domainError("name_not_found", fmt.Sprintf("no name with id %d", id), nil)
		}
		if err != nil {
			return fmt.Errorf("check spelling target: %w", err)
		}
		if target.CorrectSpellingID == nil {
			return nil
		}
		if *target.CorrectSpellingID == nameID {
			return domainError("spelling_cycle",
				fmt.Sprintf("name %d already points back at %d", targetID, nameID), nil)
		}
		id = *target.CorrectSpellingID
	}
	return domainError("spelling_cycle", "misspelling chain too deep", nil)
}

// Merge folds one name into another. The survivor always ends up with
// the destination's identity; when the merged name is the one carrying
// dependents and the destination carries none, the rows are swapped
// underneath so nothing is re-identified.
func (s *Service) Merge(ctx context.Context, userName string, in MergeInput) (MergeOutcome, error) {
	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("ensure user: %w", err)
	}
	// A nondestructive merge is an edit; only the destructive branch
	// below needs more than write permission.
	role := rbac.Normalize(user.Role)
	if !rbac.Can(role, rbac.ActionWrite) {
		return MergeOutcome{}, domainError("forbidden", "role may not merge names",
			map[string]string{"role": string(role)})
	}

	merged, err := s.store.GetName(ctx, in.MergedID)
	if errors.Is(err, store.ErrNotFound) {
		return MergeOutcome{}, domainError("name_not_found",
			fmt.Sprintf("no name with id %d", in.MergedID), nil)
	}
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("get merged name: %w", err)
	}

	dest, blocked, err := s.mergeDestination(ctx, in)
	if err != nil {
		return MergeOutcome{}, err
	}
	if blocked != nil {
		return *blocked, nil
	}
	if dest.ID == merged.ID {
		return MergeOutcome{}, domainError("merge_self", "a name cannot be merged into itself", nil)
	}

	mergedDeps, err := s.store.CountDependents(ctx, merged.ID)
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("count dependents of %d: %w", merged.ID, err)
	}
	destDeps, err := s.store.CountDependents(ctx, dest.ID)
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("count dependents of %d: %w", dest.ID, err)
	}

	keep, drop, swapped := dest, merged, false
	if mergedDeps.Any() {
		if !destDeps.Any() {
			keep, drop, swapped = merged, dest, true
		} else if !rbac.CanDestroyInMerge(role, in.AdminMode) {
			out := MergeOutcome{Status: MergeBlocked, Reason: BlockRequiresAdmin}
			if s.sink != nil {
				err := s.sink.Record(ctx, notify.Payload{
					Kind:           notify.KindAdminMergeRequest,
					RequesterID:    user.ID,
					RequesterLogin: user.Login,
					SurvivorID:     dest.ID,
					MergedID:       merged.ID,
					SurvivorName:   dest.SearchName,
					MergedName:     merged.SearchName,
					Namings:        mergedDeps.Namings,
					Note:           in.Note,
				})
				out.RequestSent = err == nil
			}
			return out, nil
		}
	}

	if merged.RegistryID != nil && dest.RegistryID != nil &&
		*merged.RegistryID != *dest.RegistryID && !in.ForceRegistry {
		if s.sink != nil {
			_ = s.sink.Record(ctx, notify.Payload{
				Kind:           notify.KindIDConflict,
				RequesterID:    user.ID,
				RequesterLogin: user.Login,
				SurvivorID:     dest.ID,
				MergedID:       merged.ID,
				SurvivorName:   dest.SearchName,
				MergedName:     merged.SearchName,
				Note:           fmt.Sprintf("registry ids %s vs %s", *dest.RegistryID, *merged.RegistryID),
			})
		}
		return MergeOutcome{Status: MergeBlocked, Reason: BlockRegistryConflict}, nil
	}

	spec := store.MergeSpec{
		SurvivorID: keep.ID,
		MergedID:   drop.ID,
		Survivor:   mergeFields(keep, drop, dest, merged),
		UserID:     user.ID,
		AdminMode:  in.AdminMode,
		Note:       in.Note,
	}
	result, err := s.store.MergeNames(ctx, spec)
	if errors.Is(err, store.ErrNotFound) {
		return MergeOutcome{}, domainError("name_not_found", "a name disappeared mid-merge", nil)
	}
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("merge names: %w", err)
	}

	if s.search != nil {
		s.search.DeleteName(drop.ID)
		s.search.IndexName(search.RecordFromName(result.Survivor))
	}
	return MergeOutcome{
		Status:   MergeCompleted,
		Survivor: &result.Survivor,
		Result:   result,
		Swapped:  swapped,
	}, nil
}

func (s *Service) mergeDestination(ctx context.Context, in MergeInput) (store.Name, *MergeOutcome, error) {
	if in.SurvivorID != 0 {
		n, err := s.store.GetName(ctx, in.SurvivorID)
		if errors.Is(err, store.ErrNotFound) {
			return store.Name{}, nil, domainError("name_not_found",
				fmt.Sprintf("no name with id %d", in.SurvivorID), nil)
		}
		if err != nil {
			return store.Name{}, nil, fmt.Errorf("get destination name: %w", err)
		}
		return n, nil, nil
	}

	parsed, err := s.parseInput(in.SurvivorText, -1)
	if err != nil {
		return store.Name{}, nil, err
	}
	n, err := s.store.FindBySearchName(ctx, parsed.SearchName)
	if err == nil {
		return n, nil, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Name{}, nil, fmt.Errorf("find destination: %w", err)
	}
	matches, err := s.store.FindByTextName(ctx, parsed.TextName)
	if err != nil {
		return store.Name{}, nil, fmt.Errorf("find destination: %w", err)
	}
	switch len(matches) {
	case 0:
		return store.Name{}, nil, domainError("name_not_found",
			fmt.Sprintf("no name matches %q", in.SurvivorText), nil)
	case 1:
		return matches[0], nil, nil
	default:
		return store.Name{}, &MergeOutcome{
			Status:     MergeBlocked,
			Reason:     BlockMultipleTargets,
			Candidates: matches,
		}, nil
	}
}

// WouldRequireAdminRequest reports whether merging mergedID into
// survivorID would need the admin request flow.
func (s *Service) WouldRequireAdminRequest(ctx context.Context, survivorID, mergedID int64) (bool, error) {
	mergedDeps, err := s.store.CountDependents(ctx, mergedID)
	if err != nil {
		return false, fmt.Errorf("count dependents of %d: %w", mergedID, err)
	}
	survivorDeps, err := s.store.CountDependents(ctx, survivorID)
	if err != nil {
		return false, fmt.Errorf("count dependents of %d: %w", survivorID, err)
	}
	return mergedDeps.Any() && survivorDeps.Any(), nil
}

// History returns a name's version snapshots, oldest first.
func (s *Service) History(ctx context.Context, nameID int64) ([]store.NameVersion, error) {
	versions, err := s.store.ListNameVersions(ctx, nameID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	if len(versions) == 0 {
		if _, err := s.store.GetName(ctx, nameID); errors.Is(err, store.ErrNotFound) {
			return nil, domainError("name_not_found",
				fmt.Sprintf("no name with id %d", nameID), nil)
		} else if err != nil {
			return nil, fmt.Errorf("get name: %w", err)
		}
	}
	return versions, nil
}

// MergeLog returns merge records, newest first. nameID zero lists across
// all names.
func (s *Service) MergeLog(ctx context.Context, nameID int64, limit int) ([]store.MergeLogEntry, error) {
	entries, err := s.store.ListMergeLog(ctx, nameID, limit)
	if err != nil {
		return nil, fmt.Errorf("list merge log: %w", err)
	}
	return entries, nil
}

func (s *Service) Misspellings(ctx context.Context, nameID int64) ([]store.Name, error) {
	return s.store.ListMisspellings(ctx, nameID)
}

// Synonyms lists a name's synonym group, itself included. A name outside
// any group is its own group of one.
func (s *Service) Synonyms(ctx context.Context, nameID int64) ([]store.Name, error) {
	n, err := s.GetName(ctx, nameID)
	if err != nil {
		return nil, err
	}
	if n.SynonymID == nil {
		return []store.Name{n}, nil
	}
	return s.store.ListSynonyms(ctx, *n.SynonymID)
}

func (s *Service) Dependents(ctx context.Context, nameID int64) (store.Dependents, error) {
	return s.store.CountDependents(ctx, nameID)
}

func (s *Service) GetName(ctx context.Context, nameID int64) (store.Name, error) {
	n, err := s.store.GetName(ctx, nameID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Name{}, domainError("name_not_found",
			fmt.Sprintf("no name with id %d", nameID), nil)
	}
	return n, err
}

// Suggest returns fuzzy matches for a partial or misspelled name.
func (s *Service) Suggest(text string, limit int) []search.Result {
	if s.search == nil {
		return nil
	}
	if limit <= 0 {
		limit = suggestionLimit
	}
	return s.search.Suggest(text, limit)
}

// CreateDescription adds a description row and initializes its git repo
// with the given body.
func (s *Service) CreateDescription(ctx context.Context, userName string, nameID int64, sourceType, notes, body string) (store.NameDescription, error) {
	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return store.NameDescription{}, fmt.Errorf("ensure user: %w", err)
	}
	if !rbac.Can(rbac.Normalize(user.Role), rbac.ActionWrite) {
		return store.NameDescription{}, domainError("forbidden",
			"role may not write descriptions", map[string]string{"role": user.Role})
	}
	if _, err := s.store.GetName(ctx, nameID); errors.Is(err, store.ErrNotFound) {
		return store.NameDescription{}, domainError("name_not_found",
			fmt.Sprintf("no name with id %d", nameID), nil)
	} else if err != nil {
		return store.NameDescription{}, fmt.Errorf("get name: %w", err)
	}

	d := store.NameDescription{
		NameID:     nameID,
		SourceType: sourceType,
		Notes:      notes,
		RepoKey:    util.NewID("desc"),
		UserID:     user.ID,
	}
	created, err := s.store.InsertDescription(ctx, d)
	if err != nil {
		return store.NameDescription{}, fmt.Errorf("insert description: %w", err)
	}
	if s.repos != nil {
		info, err := s.repos.EnsureRepo(created.RepoKey, body, user.Login)
		if err != nil {
			return store.NameDescription{}, fmt.Errorf("init description repo: %w", err)
		}
		if err := s.store.UpdateDescriptionHead(ctx, created.ID, info.Hash); err != nil {
			return store.NameDescription{}, fmt.Errorf("record description head: %w", err)
		}
		created.RepoHead = info.Hash
	}
	return created, nil
}

// EditDescription commits a new body and advances the stored head.
func (s *Service) EditDescription(ctx context.Context, userName string, descID int64, body, message string) (store.NameDescription, error) {
	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return store.NameDescription{}, fmt.Errorf("ensure user: %w", err)
	}
	if !rbac.Can(rbac.Normalize(user.Role), rbac.ActionWrite) {
		return store.NameDescription{}, domainError("forbidden",
			"role may not write descriptions", map[string]string{"role": user.Role})
	}
	d, err := s.store.GetDescription(ctx, descID)
	if errors.Is(err, store.ErrNotFound) {
		return store.NameDescription{}, domainError("description_not_found",
			fmt.Sprintf("no description with id %d", descID), nil)
	}
	if err != nil {
		return store.NameDescription{}, fmt.Errorf("get description: %w", err)
	}
	if s.repos == nil {
		return store.NameDescription{}, domainError("descriptions_disabled",
			"no description repository configured", nil)
	}
	if message == "" {
		message = "Update description"
	}
	info, err := s.repos.CommitBody(d.RepoKey, body, user.Login, message)
	if err != nil {
		return store.NameDescription{}, fmt.Errorf("commit description: %w", err)
	}
	if info.Hash != d.RepoHead {
		if err := s.store.UpdateDescriptionHead(ctx, d.ID, info.Hash); err != nil {
			return store.NameDescription{}, fmt.Errorf("record description head: %w", err)
		}
		d.RepoHead = info.Hash
	}
	return d, nil
}

// DescriptionBody reads the body text at the stored head.
func (s *Service) DescriptionBody(ctx context.Context, descID int64) (string, error) {
	d, err := s.store.GetDescription(ctx, descID)
	if errors.Is(err, store.ErrNotFound) {
		return "", domainError("description_not_found",
			fmt.Sprintf("no description with id %d", descID), nil)
	}
	if err != nil {
		return "", fmt.Errorf("get description: %w", err)
	}
	if s.repos == nil || d.RepoHead == "" {
		return "", nil
	}
	body, err := s.repos.BodyAt(d.RepoKey, d.RepoHead)
	if err != nil {
		return "", fmt.Errorf("read description body: %w", err)
	}
	return body, nil
}

// DescriptionHistory lists commits for one description, newest first.
func (s *Service) DescriptionHistory(ctx context.Context, descID int64, limit int) ([]descrepo.CommitInfo, error) {
	d, err := s.store.GetDescription(ctx, descID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domainError("description_not_found",
			fmt.Sprintf("no description with id %d", descID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get description: %w", err)
	}
	if s.repos == nil {
		return nil, nil
	}
	return s.repos.History(d.RepoKey, limit)
}

func (s *Service) Descriptions(ctx context.Context, nameID int64) ([]store.NameDescription, error) {
	return s.store.ListDescriptions(ctx, nameID)
}

func (s *Service) parseInput(text string, rank names.Rank) (*names.ParsedName, error) {
	var (
		parsed *names.ParsedName
		err    error
	)
	if rank >= 0 {
		parsed, err = names.ParseWithRank(text, rank)
	} else {
		parsed, err = names.Parse(text)
	}
	if err != nil {
		var pe *names.ParseError
		if errors.As(err, &pe) {
			return nil, domainError("invalid_name", pe.Error(), map[string]string{"input": text})
		}
		return nil, err
	}
	return parsed, nil
}

func nameFromParsed(p *names.ParsedName, userID string) store.Name {
	return store.Name{
		Rank:        p.Rank,
		TextName:    p.TextName,
		Author:      p.Author,
		SearchName:  p.SearchName,
		SortName:    p.SortName,
		DisplayName: p.DisplayName,
		UserID:      userID,
	}
}

func ancestorRows(p *names.ParsedName, userID string) ([]store.Name, error) {
	var rows []store.Name
	for _, anc := range names.Ancestors(p) {
		parsed, err := names.ParseWithRank(anc.TextName, anc.Rank)
		if err != nil {
			return nil, fmt.Errorf("ancestor %q: %w", anc.TextName, err)
		}
		rows = append(rows, nameFromParsed(parsed, userID))
	}
	return rows, nil
}

// mergeFields computes the survivor row: keep's primary key and version
// lineage, dest's identity, and the best of both for everything else.
func mergeFields(keep, drop, dest, merged store.Name) store.Name {
	out := keep
	out.Rank = dest.Rank
	out.TextName = dest.TextName
	out.Author = dest.Author
	out.SearchName = dest.SearchName
	out.SortName = dest.SortName
	out.Deprecated = dest.Deprecated
	out.Locked = dest.Locked || merged.Locked
	out.DisplayName = names.FormatDisplayName(out.TextName, out.Author, out.Deprecated)

	out.Citation = dest.Citation
	if out.Citation == "" {
		out.Citation = merged.Citation
	}
	out.Notes = combineNotes(dest.Notes, merged.Notes)
	out.RegistryID = dest.RegistryID
	if out.RegistryID == nil {
		out.RegistryID = merged.RegistryID
	}
	if out.CorrectSpellingID != nil && *out.CorrectSpellingID == drop.ID {
		out.CorrectSpellingID = nil
	}
	return out
}

func combineNotes(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case b == "" || a == b:
		return a
	case a == "":
		return b
	default:
		return a + "\n\n" + b
	}
}
