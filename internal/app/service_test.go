package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"mycoatlas/api/internal/descrepo"
	"mycoatlas/api/internal/names"
	"mycoatlas/api/internal/notify"
	"mycoatlas/api/internal/search"
	"mycoatlas/api/internal/store"
)

type fakeStore struct {
	ensureUserByNameFn        func(context.Context, string) (store.User, error)
	getUserByIDFn             func(context.Context, string) (store.User, error)
	getNameFn                 func(context.Context, int64) (store.Name, error)
	findBySearchNameFn        func(context.Context, string) (store.Name, error)
	findByTextNameFn          func(context.Context, string) ([]store.Name, error)
	insertNameFn              func(context.Context, store.Name) (store.Name, error)
	createNameWithAncestorsFn func(context.Context, store.Name, []store.Name) (store.Name, []store.Name, error)
	ensureNamesFn             func(context.Context, []store.Name) ([]store.Name, error)
	updateNameFn              func(context.Context, store.Name, string) (store.Name, error)
	listNameVersionsFn        func(context.Context, int64) ([]store.NameVersion, error)
	countDependentsFn         func(context.Context, int64) (store.Dependents, error)
	listMisspellingsFn        func(context.Context, int64) ([]store.Name, error)
	listSynonymsFn            func(context.Context, int64) ([]store.Name, error)
	linkSynonymsFn            func(context.Context, int64, int64) ([]store.Name, error)
	clearSynonymFn            func(context.Context, int64) error
	mergeNamesFn              func(context.Context, store.MergeSpec) (store.MergeResult, error)
	listMergeLogFn            func(context.Context, int64, int) ([]store.MergeLogEntry, error)
	insertDescriptionFn       func(context.Context, store.NameDescription) (store.NameDescription, error)
	getDescriptionFn          func(context.Context, int64) (store.NameDescription, error)
	listDescriptionsFn        func(context.Context, int64) ([]store.NameDescription, error)
	updateDescriptionHeadFn   func(context.Context, int64, string) error
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, login string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, login)
	}
	return store.User{ID: "u1", Login: login, Role: "curator"}, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{}, store.ErrNotFound
}
func (f *fakeStore) GetName(ctx context.Context, id int64) (store.Name, error) {
	if f.getNameFn != nil {
		return f.getNameFn(ctx, id)
	}
	return store.Name{}, store.ErrNotFound
}
func (f *fakeStore) FindBySearchName(ctx context.Context, searchName string) (store.Name, error) {
	if f.findBySearchNameFn != nil {
		return f.findBySearchNameFn(ctx, searchName)
	}
	return store.Name{}, store.ErrNotFound
}
func (f *fakeStore) FindByTextName(ctx context.Context, textName string) ([]store.Name, error) {
	if f.findByTextNameFn != nil {
		return f.findByTextNameFn(ctx, textName)
	}
	return nil, nil
}
func (f *fakeStore) InsertName(ctx context.Context, n store.Name) (store.Name, error) {
	if f.insertNameFn != nil {
		return f.insertNameFn(ctx, n)
	}
	return n, nil
}
func (f *fakeStore) CreateNameWithAncestors(ctx context.Context, leaf store.Name, ancestors []store.Name) (store.Name, []store.Name, error) {
	if f.createNameWithAncestorsFn != nil {
		return f.createNameWithAncestorsFn(ctx, leaf, ancestors)
	}
	return leaf, nil, nil
}
func (f *fakeStore) EnsureNames(ctx context.Context, wanted []store.Name) ([]store.Name, error) {
	if f.ensureNamesFn != nil {
		return f.ensureNamesFn(ctx, wanted)
	}
	return nil, nil
}
func (f *fakeStore) UpdateName(ctx context.Context, n store.Name, editorID string) (store.Name, error) {
	if f.updateNameFn != nil {
		return f.updateNameFn(ctx, n, editorID)
	}
	return n, nil
}
func (f *fakeStore) ListNameVersions(ctx context.Context, nameID int64) ([]store.NameVersion, error) {
	if f.listNameVersionsFn != nil {
		return f.listNameVersionsFn(ctx, nameID)
	}
	return nil, nil
}
func (f *fakeStore) CountDependents(ctx context.Context, nameID int64) (store.Dependents, error) {
	if f.countDependentsFn != nil {
		return f.countDependentsFn(ctx, nameID)
	}
	return store.Dependents{}, nil
}
func (f *fakeStore) ListMisspellings(ctx context.Context, nameID int64) ([]store.Name, error) {
	if f.listMisspellingsFn != nil {
		return f.listMisspellingsFn(ctx, nameID)
	}
	return nil, nil
}
func (f *fakeStore) ListSynonyms(ctx context.Context, synonymID int64) ([]store.Name, error) {
	if f.listSynonymsFn != nil {
		return f.listSynonymsFn(ctx, synonymID)
	}
	return nil, nil
}
func (f *fakeStore) LinkSynonyms(ctx context.Context, nameID, targetID int64) ([]store.Name, error) {
	if f.linkSynonymsFn != nil {
		return f.linkSynonymsFn(ctx, nameID, targetID)
	}
	return nil, nil
}
func (f *fakeStore) ClearSynonym(ctx context.Context, nameID int64) error {
	if f.clearSynonymFn != nil {
		return f.clearSynonymFn(ctx, nameID)
	}
	return nil
}
func (f *fakeStore) MergeNames(ctx context.Context, spec store.MergeSpec) (store.MergeResult, error) {
	if f.mergeNamesFn != nil {
		return f.mergeNamesFn(ctx, spec)
	}
	return store.MergeResult{Survivor: spec.Survivor}, nil
}
func (f *fakeStore) ListMergeLog(ctx context.Context, nameID int64, limit int) ([]store.MergeLogEntry, error) {
	if f.listMergeLogFn != nil {
		return f.listMergeLogFn(ctx, nameID, limit)
	}
	return nil, nil
}
func (f *fakeStore) InsertDescription(ctx context.Context, d store.NameDescription) (store.NameDescription, error) {
	if f.insertDescriptionFn != nil {
		return f.insertDescriptionFn(ctx, d)
	}
	d.ID = 1
	return d, nil
}
func (f *fakeStore) GetDescription(ctx context.Context, id int64) (store.NameDescription, error) {
	if f.getDescriptionFn != nil {
		return f.getDescriptionFn(ctx, id)
	}
	return store.NameDescription{}, store.ErrNotFound
}
func (f *fakeStore) ListDescriptions(ctx context.Context, nameID int64) ([]store.NameDescription, error) {
	if f.listDescriptionsFn != nil {
		return f.listDescriptionsFn(ctx, nameID)
	}
	return nil, nil
}
func (f *fakeStore) UpdateDescriptionHead(ctx context.Context, id int64, head string) error {
	if f.updateDescriptionHeadFn != nil {
		return f.updateDescriptionHeadFn(ctx, id, head)
	}
	return nil
}

type fakeIndex struct {
	suggestions []search.Result
	indexed     []search.NameRecord
	deleted     []int64
}

func (f *fakeIndex) Suggest(text string, limit int) []search.Result { return f.suggestions }
func (f *fakeIndex) IndexName(rec search.NameRecord)                { f.indexed = append(f.indexed, rec) }
func (f *fakeIndex) DeleteName(id int64)                            { f.deleted = append(f.deleted, id) }

func storedName(t *testing.T, raw string, id int64) store.Name {
	t.Helper()
	p, err := names.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", raw, err)
	}
	n := nameFromParsed(p, "u1")
	n.ID = id
	n.Version = 1
	return n
}

func TestResolveExactMatch(t *testing.T) {
	ctx := context.Background()
	existing := storedName(t, "Amanita muscaria (L.) Lam.", 7)
	fs := &fakeStore{
		findBySearchNameFn: func(_ context.Context, sn string) (store.Name, error) {
			if sn != existing.SearchName {
				return store.Name{}, store.ErrNotFound
			}
			return existing, nil
		},
	}
	svc := NewService(fs, nil, nil, nil)

	res, err := svc.Resolve(ctx, "mary", ResolveInput{Text: "Amanita muscaria (L.) Lam.", Rank: -1})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionUnique {
		t.Fatalf("Status = %q, want %q", res.Status, ResolutionUnique)
	}
	if res.Name == nil || res.Name.ID != 7 {
		t.Fatalf("Name = %+v, want id 7", res.Name)
	}
}

func TestResolveDeprecatedMatchNeedsAcceptance(t *testing.T) {
	ctx := context.Background()
	groupID := int64(40)
	existing := storedName(t, "Agaricus muscarius L.", 3)
	existing.Deprecated = true
	existing.SynonymID = &groupID
	accepted := storedName(t, "Amanita muscaria (L.) Lam.", 7)
	accepted.SynonymID = &groupID
	fs := &fakeStore{
		findBySearchNameFn: func(context.Context, string) (store.Name, error) {
			return existing, nil
		},
		listSynonymsFn: func(_ context.Context, synonymID int64) ([]store.Name, error) {
			if synonymID != groupID {
				t.Fatalf("ListSynonyms(%d), want group %d", synonymID, groupID)
			}
			return []store.Name{existing, accepted}, nil
		},
	}
	svc := NewService(fs, nil, nil, nil)

	res, err := svc.Resolve(ctx, "mary", ResolveInput{Text: "Agaricus muscarius L.", Rank: -1})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionDeprecatedMatch {
		t.Fatalf("Status = %q, want %q", res.Status, ResolutionDeprecatedMatch)
	}
	if len(res.ValidNames) != 1 || res.ValidNames[0].ID != 7 {
		t.Fatalf("ValidNames = %+v, want the accepted synonym id 7", res.ValidNames)
	}

	res, err = svc.Resolve(ctx, "mary", ResolveInput{
		Text: "Agaricus muscarius L.", Rank: -1, AcceptDeprecated: true,
	})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionUnique {
		t.Fatalf("accepted Status = %q, want %q", res.Status, ResolutionUnique)
	}
}

func TestResolveFollowsMisspelling(t *testing.T) {
	ctx := context.Background()
	correct := storedName(t, "Amanita muscaria", 9)
	wrong := storedName(t, "Amanita muscarria", 4)
	wrong.CorrectSpellingID = &correct.ID
	wrong.Deprecated = true
	fs := &fakeStore{
		findBySearchNameFn: func(context.Context, string) (store.Name, error) {
			return wrong, nil
		},
		getNameFn: func(_ context.Context, id int64) (store.Name, error) {
			if id != 9 {
				return store.Name{}, store.ErrNotFound
			}
			return correct, nil
		},
	}
	svc := NewService(fs, nil, nil, nil)

	res, err := svc.Resolve(ctx, "mary", ResolveInput{Text: "Amanita muscarria", Rank: -1})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionUnique {
		t.Fatalf("Status = %q, want %q", res.Status, ResolutionUnique)
	}
	if res.Name.ID != 9 {
		t.Fatalf("Name.ID = %d, want 9", res.Name.ID)
	}
	if res.CorrectedFrom == nil || res.CorrectedFrom.ID != 4 {
		t.Fatalf("CorrectedFrom = %+v, want id 4", res.CorrectedFrom)
	}
}

func TestResolveHomonymsAlwaysAmbiguous(t *testing.T) {
	ctx := context.Background()
	a := storedName(t, "Amanita muscaria (L.) Lam.", 1)
	b := storedName(t, "Amanita muscaria Pers.", 2)
	b.Deprecated = true

	fs := &fakeStore{
		getNameFn: func(_ context.Context, id int64) (store.Name, error) {
			if id != 1 {
				return store.Name{}, store.ErrNotFound
			}
			return a, nil
		},
		findByTextNameFn: func(_ context.Context, textName string) ([]store.Name, error) {
			if textName != "Amanita muscaria" {
				return nil, nil
			}
			return []store.Name{a, b}, nil
		},
	}
	svc := NewService(fs, nil, nil, nil)

	// One candidate being accepted is not a tie-break; homonyms always
	// need an explicit chosen id.
	res, err := svc.Resolve(ctx, "mary", ResolveInput{Text: "Amanita muscaria", Rank: -1})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionAmbiguous {
		t.Fatalf("Status = %q, want %q", res.Status, ResolutionAmbiguous)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("len(Candidates) = %d, want 2", len(res.Candidates))
	}

	res, err = svc.Resolve(ctx, "mary", ResolveInput{
		Text: "Amanita muscaria", Rank: -1, ChosenID: 1,
	})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionUnique || res.Name == nil || res.Name.ID != 1 {
		t.Fatalf("chosen got %q %+v, want unique id 1", res.Status, res.Name)
	}
}

func TestResolveAllDeprecatedHomonymsListSharedSynonyms(t *testing.T) {
	ctx := context.Background()
	groupID := int64(50)
	a := storedName(t, "Helvella infula Fr.", 1)
	a.Deprecated = true
	a.SynonymID = &groupID
	b := storedName(t, "Helvella infula Schaeff.", 2)
	b.Deprecated = true
	b.SynonymID = &groupID
	accepted := storedName(t, "Gyromitra infula (Schaeff.) Quél.", 9)
	accepted.SynonymID = &groupID

	fs := &fakeStore{
		findByTextNameFn: func(_ context.Context, textName string) ([]store.Name, error) {
			if textName != "Helvella infula" {
				return nil, nil
			}
			return []store.Name{a, b}, nil
		},
		listSynonymsFn: func(context.Context, int64) ([]store.Name, error) {
			return []store.Name{a, b, accepted}, nil
		},
	}
	svc := NewService(fs, nil, nil, nil)

	res, err := svc.Resolve(ctx, "mary", ResolveInput{Text: "Helvella infula", Rank: -1})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionAmbiguous {
		t.Fatalf("Status = %q, want %q", res.Status, ResolutionAmbiguous)
	}
	if len(res.ValidNames) != 1 || res.ValidNames[0].ID != 9 {
		t.Fatalf("ValidNames = %+v, want the shared accepted synonym id 9", res.ValidNames)
	}
}

func TestResolveAdoptsAuthorOnAuthorlessMatch(t *testing.T) {
	ctx := context.Background()
	existing := storedName(t, "Amanita muscaria", 4)
	var updated store.Name
	fs := &fakeStore{
		findByTextNameFn: func(context.Context, string) ([]store.Name, error) {
			return []store.Name{existing}, nil
		},
		updateNameFn: func(_ context.Context, n store.Name, editorID string) (store.Name, error) {
			if editorID != "u1" {
				t.Fatalf("editorID = %q, want u1", editorID)
			}
			n.Version = 2
			updated = n
			return n, nil
		},
	}
	idx := &fakeIndex{}
	svc := NewService(fs, nil, idx, nil)

	res, err := svc.Resolve(ctx, "mary", ResolveInput{Text: "Amanita muscaria (L.) Lam.", Rank: -1})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionUnique {
		t.Fatalf("Status = %q, want %q", res.Status, ResolutionUnique)
	}
	if updated.Author != "(L.) Lam." {
		t.Fatalf("updated author = %q, want %q", updated.Author, "(L.) Lam.")
	}
	if updated.SearchName != "Amanita muscaria (L.) Lam." {
		t.Fatalf("updated search name = %q", updated.SearchName)
	}
	if len(idx.indexed) != 1 {
		t.Fatalf("indexed %d records, want 1", len(idx.indexed))
	}
}

func TestResolveNoMatchReturnsSuggestions(t *testing.T) {
	ctx := context.Background()
	idx := &fakeIndex{suggestions: []search.Result{{ID: 12, TextName: "Amanita muscaria"}}}
	svc := NewService(&fakeStore{}, nil, idx, nil)

	res, err := svc.Resolve(ctx, "mary", ResolveInput{Text: "Amanita muscarja", Rank: -1})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionNoMatch {
		t.Fatalf("Status = %q, want %q", res.Status, ResolutionNoMatch)
	}
	if len(res.Suggestions) != 1 || res.Suggestions[0].ID != 12 {
		t.Fatalf("Suggestions = %+v, want one with id 12", res.Suggestions)
	}
}

func TestResolveCreatesWithAncestors(t *testing.T) {
	ctx := context.Background()
	var gotAncestors []string
	fs := &fakeStore{
		createNameWithAncestorsFn: func(_ context.Context, leaf store.Name, ancestors []store.Name) (store.Name, []store.Name, error) {
			for _, a := range ancestors {
				gotAncestors = append(gotAncestors, a.TextName)
			}
			leaf.ID = 10
			created := make([]store.Name, len(ancestors))
			for i, a := range ancestors {
				a.ID = int64(20 + i)
				created[i] = a
			}
			return leaf, created, nil
		},
	}
	idx := &fakeIndex{}
	svc := NewService(fs, nil, idx, nil)

	res, err := svc.Resolve(ctx, "mary", ResolveInput{
		Text:         "Amanita muscaria var. alba Peck",
		Rank:         -1,
		ApprovedText: "Amanita muscaria var. alba Peck",
	})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionCreated {
		t.Fatalf("Status = %q, want %q", res.Status, ResolutionCreated)
	}
	if res.Name.ID != 10 {
		t.Fatalf("Name.ID = %d, want 10", res.Name.ID)
	}
	want := []string{"Amanita", "Amanita muscaria"}
	if len(gotAncestors) != len(want) {
		t.Fatalf("ancestors = %v, want %v", gotAncestors, want)
	}
	for i := range want {
		if gotAncestors[i] != want[i] {
			t.Fatalf("ancestors[%d] = %q, want %q", i, gotAncestors[i], want[i])
		}
	}
	if len(idx.indexed) != 3 {
		t.Fatalf("indexed %d records, want 3", len(idx.indexed))
	}
}

func TestResolveCreateRetriesAfterDuplicate(t *testing.T) {
	ctx := context.Background()
	existing := storedName(t, "Amanita muscaria", 6)
	searchCalls := 0
	fs := &fakeStore{
		findBySearchNameFn: func(context.Context, string) (store.Name, error) {
			searchCalls++
			if searchCalls == 1 {
				return store.Name{}, store.ErrNotFound
			}
			return existing, nil
		},
		createNameWithAncestorsFn: func(context.Context, store.Name, []store.Name) (store.Name, []store.Name, error) {
			return store.Name{}, nil, store.ErrDuplicateName
		},
	}
	svc := NewService(fs, nil, nil, nil)

	res, err := svc.Resolve(ctx, "mary", ResolveInput{
		Text: "Amanita muscaria", Rank: -1, ApprovedText: "Amanita muscaria",
	})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionUnique || res.Name.ID != 6 {
		t.Fatalf("got %q name %+v, want unique id 6", res.Status, res.Name)
	}
}

func TestResolveCreateRequiresApprovalEcho(t *testing.T) {
	ctx := context.Background()
	creates := 0
	fs := &fakeStore{
		createNameWithAncestorsFn: func(_ context.Context, leaf store.Name, _ []store.Name) (store.Name, []store.Name, error) {
			creates++
			leaf.ID = 14
			return leaf, nil, nil
		},
	}
	svc := NewService(fs, nil, nil, nil)

	// First round: nothing matches and nothing was approved yet.
	res, err := svc.Resolve(ctx, "mary", ResolveInput{Text: "Lactarius deliciosus", Rank: -1})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionNoMatch {
		t.Fatalf("Status = %q, want %q", res.Status, ResolutionNoMatch)
	}

	// Approving some other string is not approving this candidate.
	res, err = svc.Resolve(ctx, "mary", ResolveInput{
		Text: "Lactarius deliciosus", Rank: -1, ApprovedText: "Lactarius deliciosus Gray",
	})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionNoMatch {
		t.Fatalf("mismatched approval Status = %q, want %q", res.Status, ResolutionNoMatch)
	}
	if creates != 0 {
		t.Fatalf("created %d names without a matching approval", creates)
	}

	// Echoing the candidate back creates it.
	res, err = svc.Resolve(ctx, "mary", ResolveInput{
		Text: "Lactarius deliciosus", Rank: -1, ApprovedText: "Lactarius deliciosus",
	})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionCreated || res.Name == nil || res.Name.ID != 14 {
		t.Fatalf("got %q %+v, want created id 14", res.Status, res.Name)
	}
	if creates != 1 {
		t.Fatalf("creates = %d, want 1", creates)
	}
}

func TestResolveDeprecatedGenusBlocksCreation(t *testing.T) {
	ctx := context.Background()
	groupID := int64(60)
	genus := storedName(t, "Amanitopsis", 2)
	genus.Deprecated = true
	genus.SynonymID = &groupID
	validGenus := storedName(t, "Amanita", 3)
	validGenus.SynonymID = &groupID
	sibling := storedName(t, "Amanita vaginata (Bull.) Lam.", 12)
	creates := 0
	fs := &fakeStore{
		findByTextNameFn: func(_ context.Context, textName string) ([]store.Name, error) {
			switch textName {
			case "Amanitopsis":
				return []store.Name{genus}, nil
			case "Amanita vaginata":
				return []store.Name{sibling}, nil
			}
			return nil, nil
		},
		listSynonymsFn: func(context.Context, int64) ([]store.Name, error) {
			return []store.Name{genus, validGenus}, nil
		},
		createNameWithAncestorsFn: func(_ context.Context, leaf store.Name, _ []store.Name) (store.Name, []store.Name, error) {
			creates++
			leaf.ID = 11
			return leaf, nil, nil
		},
	}
	svc := NewService(fs, nil, nil, nil)

	// Without approval, the deprecated genus is a branch point: nothing is
	// written, and the epithet under the accepted genus is offered instead.
	res, err := svc.Resolve(ctx, "mary", ResolveInput{Text: "Amanitopsis vaginata", Rank: -1})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionParentDeprecated {
		t.Fatalf("Status = %q, want %q", res.Status, ResolutionParentDeprecated)
	}
	if res.DeprecatedParent == nil || res.DeprecatedParent.ID != 2 {
		t.Fatalf("DeprecatedParent = %+v, want id 2", res.DeprecatedParent)
	}
	if len(res.ValidNames) != 1 || res.ValidNames[0].ID != 12 {
		t.Fatalf("ValidNames = %+v, want the rewrite id 12", res.ValidNames)
	}
	if res.Name != nil || creates != 0 {
		t.Fatalf("name %+v created %d times, want no write", res.Name, creates)
	}

	// An explicit approval echo still creates under the deprecated genus.
	res, err = svc.Resolve(ctx, "mary", ResolveInput{
		Text: "Amanitopsis vaginata", Rank: -1, ApprovedText: "Amanitopsis vaginata",
	})
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Status != ResolutionCreated || creates != 1 {
		t.Fatalf("approved got %q with %d creates, want created once", res.Status, creates)
	}
}

func TestResolveCreateForbiddenForViewer(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{
		ensureUserByNameFn: func(_ context.Context, login string) (store.User, error) {
			return store.User{ID: "u9", Login: login, Role: "viewer"}, nil
		},
	}
	svc := NewService(fs, nil, nil, nil)

	_, err := svc.Resolve(ctx, "guest", ResolveInput{
		Text: "Amanita muscaria", Rank: -1, ApprovedText: "Amanita muscaria",
	})
	var de *DomainError
	if !errors.As(err, &de) || de.Code != "forbidden" {
		t.Fatalf("err = %v, want forbidden DomainError", err)
	}
}

func TestEditLockedNameIgnoresIdentityFields(t *testing.T) {
	ctx := context.Background()
	locked := storedName(t, "Amanita muscaria (L.) Lam.", 8)
	locked.Locked = true
	var updated store.Name
	fs := &fakeStore{
		getNameFn: func(context.Context, int64) (store.Name, error) { return locked, nil },
		updateNameFn: func(_ context.Context, n store.Name, _ string) (store.Name, error) {
			updated = n
			return n, nil
		},
	}
	svc := NewService(fs, nil, nil, nil)

	notes := "common fly agaric"
	out, err := svc.Edit(ctx, "mary", 8, EditInput{
		NameText: "Amanita vaginata", Rank: -1, Notes: &notes,
	}, false)
	if err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	if !out.Changed {
		t.Fatal("Changed = false, want true")
	}
	if len(out.IgnoredFields) != 1 || out.IgnoredFields[0] != "name" {
		t.Fatalf("IgnoredFields = %v, want [name]", out.IgnoredFields)
	}
	if updated.TextName != "Amanita muscaria" {
		t.Fatalf("TextName = %q, want unchanged", updated.TextName)
	}
	if updated.Notes != notes {
		t.Fatalf("Notes = %q, want %q", updated.Notes, notes)
	}
}

func TestEditIdentityChangeEmitsNotice(t *testing.T) {
	ctx := context.Background()
	n := storedName(t, "Amanita muscaria (L.) Lam.", 8)
	fs := &fakeStore{
		getNameFn: func(context.Context, int64) (store.Name, error) { return n, nil },
		countDependentsFn: func(context.Context, int64) (store.Dependents, error) {
			return store.Dependents{Namings: 3}, nil
		},
	}
	sink := notify.NewMemorySink()
	svc := NewService(fs, sink, nil, nil)

	out, err := svc.Edit(ctx, "mary", 8, EditInput{
		NameText: "Amanita muscaria (L.) Hook.", Rank: -1,
	}, false)
	if err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	if !out.Changed {
		t.Fatal("Changed = false, want true")
	}
	payloads := sink.Payloads()
	if len(payloads) != 1 {
		t.Fatalf("got %d payloads, want 1", len(payloads))
	}
	p := payloads[0]
	if p.Kind != notify.KindNontrivialChange {
		t.Fatalf("Kind = %q, want %q", p.Kind, notify.KindNontrivialChange)
	}
	if p.OldName != "Amanita muscaria (L.) Lam." || p.NewName != "Amanita muscaria (L.) Hook." {
		t.Fatalf("payload names = %q -> %q", p.OldName, p.NewName)
	}
	if p.Namings != 3 {
		t.Fatalf("Namings = %d, want 3", p.Namings)
	}
}

func TestEditCollisionTurnsIntoMerge(t *testing.T) {
	ctx := context.Background()
	edited := storedName(t, "Amanita muscarja (L.) Lam.", 2)
	target := storedName(t, "Amanita muscaria (L.) Lam.", 5)
	byID := map[int64]store.Name{2: edited, 5: target}
	fs := &fakeStore{
		getNameFn: func(_ context.Context, id int64) (store.Name, error) {
			n, ok := byID[id]
			if !ok {
				return store.Name{}, store.ErrNotFound
			}
			return n, nil
		},
		findBySearchNameFn: func(_ context.Context, sn string) (store.Name, error) {
			if sn == target.SearchName {
				return target, nil
			}
			return store.Name{}, store.ErrNotFound
		},
	}
	svc := NewService(fs, nil, nil, nil)

	out, err := svc.Edit(ctx, "mary", 2, EditInput{
		NameText: "Amanita muscaria (L.) Lam.", Rank: -1,
	}, false)
	if err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	if out.Merge == nil {
		t.Fatal("Merge = nil, want a merge outcome")
	}
	if out.Merge.Status != MergeCompleted {
		t.Fatalf("merge Status = %q, want %q", out.Merge.Status, MergeCompleted)
	}
	if out.Name.ID != 5 {
		t.Fatalf("Name.ID = %d, want 5", out.Name.ID)
	}
}

func TestMergeSwapsWhenMergedCarriesDependents(t *testing.T) {
	ctx := context.Background()
	merged := storedName(t, "Agaricus muscarius L.", 3)
	dest := storedName(t, "Amanita muscaria (L.) Lam.", 4)
	byID := map[int64]store.Name{3: merged, 4: dest}
	var gotSpec store.MergeSpec
	fs := &fakeStore{
		getNameFn: func(_ context.Context, id int64) (store.Name, error) {
			n, ok := byID[id]
			if !ok {
				return store.Name{}, store.ErrNotFound
			}
			return n, nil
		},
		countDependentsFn: func(_ context.Context, id int64) (store.Dependents, error) {
			if id == 3 {
				return store.Dependents{Namings: 2}, nil
			}
			return store.Dependents{}, nil
		},
		mergeNamesFn: func(_ context.Context, spec store.MergeSpec) (store.MergeResult, error) {
			gotSpec = spec
			return store.MergeResult{Survivor: spec.Survivor, NamingsMoved: 0}, nil
		},
	}
	idx := &fakeIndex{}
	svc := NewService(fs, nil, idx, nil)

	out, err := svc.Merge(ctx, "mary", MergeInput{MergedID: 3, SurvivorID: 4})
	if err != nil {
		t.Fatalf("Merge error: %v", err)
	}
	if out.Status != MergeCompleted {
		t.Fatalf("Status = %q, want %q", out.Status, MergeCompleted)
	}
	if !out.Swapped {
		t.Fatal("Swapped = false, want true")
	}
	if gotSpec.SurvivorID != 3 || gotSpec.MergedID != 4 {
		t.Fatalf("spec ids = %d/%d, want survivor 3, merged 4", gotSpec.SurvivorID, gotSpec.MergedID)
	}
	if gotSpec.Survivor.SearchName != dest.SearchName {
		t.Fatalf("survivor search name = %q, want destination identity %q",
			gotSpec.Survivor.SearchName, dest.SearchName)
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != 4 {
		t.Fatalf("deleted = %v, want [4]", idx.deleted)
	}
}

func TestMergeBothWithDependentsNeedsAdmin(t *testing.T) {
	ctx := context.Background()
	merged := storedName(t, "Agaricus muscarius L.", 3)
	dest := storedName(t, "Amanita muscaria (L.) Lam.", 4)
	byID := map[int64]store.Name{3: merged, 4: dest}
	role := "curator"
	merges := 0
	fs := &fakeStore{
		ensureUserByNameFn: func(_ context.Context, login string) (store.User, error) {
			return store.User{ID: "u1", Login: login, Role: role}, nil
		},
		getNameFn: func(_ context.Context, id int64) (store.Name, error) {
			return byID[id], nil
		},
		countDependentsFn: func(context.Context, int64) (store.Dependents, error) {
			return store.Dependents{Namings: 1}, nil
		},
		mergeNamesFn: func(_ context.Context, spec store.MergeSpec) (store.MergeResult, error) {
			merges++
			return store.MergeResult{Survivor: spec.Survivor}, nil
		},
	}
	sink := notify.NewMemorySink()
	svc := NewService(fs, sink, nil, nil)

	out, err := svc.Merge(ctx, "mary", MergeInput{MergedID: 3, SurvivorID: 4, Note: "same taxon"})
	if err != nil {
		t.Fatalf("Merge error: %v", err)
	}
	if out.Status != MergeBlocked || out.Reason != BlockRequiresAdmin {
		t.Fatalf("got %q/%q, want blocked/requires_admin", out.Status, out.Reason)
	}
	if !out.RequestSent {
		t.Fatal("RequestSent = false, want true")
	}
	if merges != 0 {
		t.Fatalf("MergeNames ran %d times, want 0", merges)
	}
	payloads := sink.Payloads()
	if len(payloads) != 1 || payloads[0].Kind != notify.KindAdminMergeRequest {
		t.Fatalf("payloads = %+v, want one admin merge request", payloads)
	}
	if payloads[0].Note != "same taxon" {
		t.Fatalf("Note = %q, want %q", payloads[0].Note, "same taxon")
	}

	role = "admin"
	out, err = svc.Merge(ctx, "root", MergeInput{MergedID: 3, SurvivorID: 4, AdminMode: true})
	if err != nil {
		t.Fatalf("admin Merge error: %v", err)
	}
	if out.Status != MergeCompleted {
		t.Fatalf("admin Status = %q, want %q", out.Status, MergeCompleted)
	}
	if merges != 1 {
		t.Fatalf("MergeNames ran %d times, want 1", merges)
	}
}

func TestMergeRegistryConflict(t *testing.T) {
	ctx := context.Background()
	srcID, dstID := "MB#111", "MB#222"
	merged := storedName(t, "Agaricus muscarius L.", 3)
	merged.RegistryID = &srcID
	dest := storedName(t, "Amanita muscaria (L.) Lam.", 4)
	dest.RegistryID = &dstID
	byID := map[int64]store.Name{3: merged, 4: dest}
	var gotSpec store.MergeSpec
	fs := &fakeStore{
		getNameFn: func(_ context.Context, id int64) (store.Name, error) {
			return byID[id], nil
		},
		mergeNamesFn: func(_ context.Context, spec store.MergeSpec) (store.MergeResult, error) {
			gotSpec = spec
			return store.MergeResult{Survivor: spec.Survivor}, nil
		},
	}
	sink := notify.NewMemorySink()
	svc := NewService(fs, sink, nil, nil)

	out, err := svc.Merge(ctx, "mary", MergeInput{MergedID: 3, SurvivorID: 4})
	if err != nil {
		t.Fatalf("Merge error: %v", err)
	}
	if out.Status != MergeBlocked || out.Reason != BlockRegistryConflict {
		t.Fatalf("got %q/%q, want blocked/registry_conflict", out.Status, out.Reason)
	}
	payloads := sink.Payloads()
	if len(payloads) != 1 || payloads[0].Kind != notify.KindIDConflict {
		t.Fatalf("payloads = %+v, want one id conflict", payloads)
	}

	out, err = svc.Merge(ctx, "mary", MergeInput{MergedID: 3, SurvivorID: 4, ForceRegistry: true})
	if err != nil {
		t.Fatalf("forced Merge error: %v", err)
	}
	if out.Status != MergeCompleted {
		t.Fatalf("forced Status = %q, want %q", out.Status, MergeCompleted)
	}
	if gotSpec.Survivor.RegistryID == nil || *gotSpec.Survivor.RegistryID != dstID {
		t.Fatalf("survivor registry id = %v, want %q", gotSpec.Survivor.RegistryID, dstID)
	}
}

func TestMergeDestinationByTextAmbiguous(t *testing.T) {
	ctx := context.Background()
	merged := storedName(t, "Agaricus muscarius L.", 3)
	a := storedName(t, "Amanita muscaria Pers.", 4)
	b := storedName(t, "Amanita muscaria Gray", 5)
	fs := &fakeStore{
		getNameFn: func(_ context.Context, id int64) (store.Name, error) {
			if id == 3 {
				return merged, nil
			}
			return store.Name{}, store.ErrNotFound
		},
		findByTextNameFn: func(context.Context, string) ([]store.Name, error) {
			return []store.Name{a, b}, nil
		},
	}
	svc := NewService(fs, nil, nil, nil)

	out, err := svc.Merge(ctx, "mary", MergeInput{MergedID: 3, SurvivorText: "Amanita muscaria"})
	if err != nil {
		t.Fatalf("Merge error: %v", err)
	}
	if out.Status != MergeBlocked || out.Reason != BlockMultipleTargets {
		t.Fatalf("got %q/%q, want blocked/multiple_targets", out.Status, out.Reason)
	}
	if len(out.Candidates) != 2 {
		t.Fatalf("len(Candidates) = %d, want 2", len(out.Candidates))
	}
}

func TestMergeNondestructiveNeedsOnlyEditPermission(t *testing.T) {
	ctx := context.Background()
	merged := storedName(t, "Agaricus campester L.", 3)
	dest := storedName(t, "Agaricus campestris L.", 4)
	byID := map[int64]store.Name{3: merged, 4: dest}
	role := "contributor"
	fs := &fakeStore{
		ensureUserByNameFn: func(_ context.Context, login string) (store.User, error) {
			return store.User{ID: "u2", Login: login, Role: role}, nil
		},
		getNameFn: func(_ context.Context, id int64) (store.Name, error) {
			n, ok := byID[id]
			if !ok {
				return store.Name{}, store.ErrNotFound
			}
			return n, nil
		},
	}
	svc := NewService(fs, nil, nil, nil)

	out, err := svc.Merge(ctx, "mary", MergeInput{MergedID: 3, SurvivorID: 4})
	if err != nil {
		t.Fatalf("Merge error: %v", err)
	}
	if out.Status != MergeCompleted {
		t.Fatalf("Status = %q, want %q", out.Status, MergeCompleted)
	}

	role = "viewer"
	_, err = svc.Merge(ctx, "guest", MergeInput{MergedID: 3, SurvivorID: 4})
	var de *DomainError
	if !errors.As(err, &de) || de.Code != "forbidden" {
		t.Fatalf("viewer merge err = %v, want forbidden DomainError", err)
	}
}

func TestEditLinksAndClearsSynonyms(t *testing.T) {
	ctx := context.Background()
	groupID := int64(70)
	n := storedName(t, "Agaricus muscarius L.", 3)
	target := storedName(t, "Amanita muscaria (L.) Lam.", 7)
	role := "curator"
	fs := &fakeStore{
		ensureUserByNameFn: func(_ context.Context, login string) (store.User, error) {
			return store.User{ID: "u1", Login: login, Role: role}, nil
		},
		getNameFn: func(context.Context, int64) (store.Name, error) { return n, nil },
		linkSynonymsFn: func(_ context.Context, nameID, targetID int64) ([]store.Name, error) {
			if nameID != 3 || targetID != 7 {
				t.Fatalf("LinkSynonyms(%d, %d), want (3, 7)", nameID, targetID)
			}
			a, b := n, target
			a.SynonymID = &groupID
			b.SynonymID = &groupID
			return []store.Name{a, b}, nil
		},
	}
	svc := NewService(fs, nil, nil, nil)

	out, err := svc.Edit(ctx, "mary", 3, EditInput{Rank: -1, SynonymOf: 7}, false)
	if err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	if !out.Changed {
		t.Fatal("Changed = false, want true")
	}
	if out.Name.SynonymID == nil || *out.Name.SynonymID != groupID {
		t.Fatalf("SynonymID = %v, want %d", out.Name.SynonymID, groupID)
	}

	role = "contributor"
	_, err = svc.Edit(ctx, "joe", 3, EditInput{Rank: -1, SynonymOf: 7}, false)
	var de *DomainError
	if !errors.As(err, &de) || de.Code != "forbidden" {
		t.Fatalf("contributor link err = %v, want forbidden DomainError", err)
	}

	role = "curator"
	n.SynonymID = &groupID
	cleared := false
	fs.clearSynonymFn = func(_ context.Context, nameID int64) error {
		if nameID != 3 {
			t.Fatalf("ClearSynonym(%d), want 3", nameID)
		}
		cleared = true
		return nil
	}
	out, err = svc.Edit(ctx, "mary", 3, EditInput{Rank: -1, ClearSynonym: true}, false)
	if err != nil {
		t.Fatalf("Edit error: %v", err)
	}
	if !cleared || out.Name.SynonymID != nil {
		t.Fatalf("cleared = %v, SynonymID = %v, want detached", cleared, out.Name.SynonymID)
	}
}

func TestWouldRequireAdminRequest(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name     string
		survivor store.Dependents
		merged   store.Dependents
		want     bool
	}{
		{"neither", store.Dependents{}, store.Dependents{}, false},
		{"merged only", store.Dependents{}, store.Dependents{Namings: 1}, false},
		{"survivor only", store.Dependents{Interests: 2}, store.Dependents{}, false},
		{"both", store.Dependents{Namings: 1}, store.Dependents{Descriptions: 1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeStore{
				countDependentsFn: func(_ context.Context, id int64) (store.Dependents, error) {
					if id == 1 {
						return tc.survivor, nil
					}
					return tc.merged, nil
				},
			}
			svc := NewService(fs, nil, nil, nil)
			got, err := svc.WouldRequireAdminRequest(ctx, 1, 2)
			if err != nil {
				t.Fatalf("WouldRequireAdminRequest error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDescriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	name := storedName(t, "Amanita muscaria", 7)
	var saved store.NameDescription
	fs := &fakeStore{
		getNameFn: func(context.Context, int64) (store.Name, error) { return name, nil },
		insertDescriptionFn: func(_ context.Context, d store.NameDescription) (store.NameDescription, error) {
			d.ID = 1
			saved = d
			return d, nil
		},
		getDescriptionFn: func(context.Context, int64) (store.NameDescription, error) {
			return saved, nil
		},
		updateDescriptionHeadFn: func(_ context.Context, _ int64, head string) error {
			saved.RepoHead = head
			return nil
		},
	}
	repos := descrepo.New(t.TempDir())
	svc := NewService(fs, nil, nil, repos)

	created, err := svc.CreateDescription(ctx, "mary", 7, "user", "", "The fly agaric.\n")
	if err != nil {
		t.Fatalf("CreateDescription error: %v", err)
	}
	if created.RepoHead == "" {
		t.Fatal("RepoHead is empty after create")
	}

	edited, err := svc.EditDescription(ctx, "mary", 1, "The fly agaric, revised.\n", "")
	if err != nil {
		t.Fatalf("EditDescription error: %v", err)
	}
	if edited.RepoHead == created.RepoHead {
		t.Fatal("RepoHead did not advance after edit")
	}

	body, err := svc.DescriptionBody(ctx, 1)
	if err != nil {
		t.Fatalf("DescriptionBody error: %v", err)
	}
	if !strings.Contains(body, "revised") {
		t.Fatalf("body = %q, want the revised text", body)
	}

	history, err := svc.DescriptionHistory(ctx, 1, 10)
	if err != nil {
		t.Fatalf("DescriptionHistory error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
}
