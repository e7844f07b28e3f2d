package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"mycoatlas/api/internal/names"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// ErrDuplicateName reports a unique violation on names.search_name. The
// caller is expected to re-resolve rather than fail: another writer got
// there first and the row they created is the answer.
var ErrDuplicateName = errors.New("duplicate search_name")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, login string) (User, error) {
	const findUser = `SELECT id, login, email, role FROM users WHERE login = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, login).Scan(&user.ID, &user.Login, &user.Email, &user.Role)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (login, email, role)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.mycoatlas.dev'), 'contributor')
		RETURNING id, login, email, role
	`
	if err := s.db.QueryRowContext(ctx, insertUser, login).Scan(&user.ID, &user.Login, &user.Email, &user.Role); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, login, email, role FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.Login, &user.Email, &user.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by id: %w", err)
	}
	return user, nil
}

const nameColumns = `
	id, rank, text_name, author, search_name, sort_name, display_name,
	deprecated, correct_spelling_id, synonym_id, locked, registry_id,
	citation, notes, version, user_id, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanName(row rowScanner) (Name, error) {
	var n Name
	var rank string
	err := row.Scan(&n.ID, &rank, &n.TextName, &n.Author, &n.SearchName,
		&n.SortName, &n.DisplayName, &n.Deprecated, &n.CorrectSpellingID,
		&n.SynonymID, &n.Locked, &n.RegistryID, &n.Citation, &n.Notes,
		&n.Version, &n.UserID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return Name{}, err
	}
	r, ok := names.ParseRank(rank)
	if !ok {
		return Name{}, fmt.Errorf("name %d has unknown rank %q", n.ID, rank)
	}
	n.Rank = r
	return n, nil
}

func (s *PostgresStore) GetName(ctx context.Context, id int64) (Name, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nameColumns+` FROM names WHERE id=$1`, id)
	n, err := scanName(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Name{}, ErrNotFound
	}
	if err != nil {
		return Name{}, fmt.Errorf("get name %d: %w", id, err)
	}
	return n, nil
}

func (s *PostgresStore) FindBySearchName(ctx context.Context, searchName string) (Name, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nameColumns+` FROM names WHERE search_name=$1`, searchName)
	n, err := scanName(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Name{}, ErrNotFound
	}
	if err != nil {
		return Name{}, fmt.Errorf("find by search_name: %w", err)
	}
	return n, nil
}

// FindByTextName returns every homonym of a text_name regardless of
// author, sorted for stable presentation.
func (s *PostgresStore) FindByTextName(ctx context.Context, textName string) ([]Name, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nameColumns+` FROM names WHERE text_name=$1 ORDER BY sort_name, id`, textName)
	if err != nil {
		return nil, fmt.Errorf("find by text_name: %w", err)
	}
	defer rows.Close()

	var out []Name
	for rows.Next() {
		n, err := scanName(rows)
		if err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func insertNameTx(ctx context.Context, tx *sql.Tx, n Name) (Name, error) {
	const query = `
		INSERT INTO names (rank, text_name, author, search_name, sort_name,
			display_name, deprecated, correct_spelling_id, synonym_id, locked,
			registry_id, citation, notes, version, user_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1,$14)
		RETURNING id, version, created_at, updated_at
	`
	err := tx.QueryRowContext(ctx, query, n.Rank.String(), n.TextName, n.Author,
		n.SearchName, n.SortName, n.DisplayName, n.Deprecated, n.CorrectSpellingID,
		n.SynonymID, n.Locked, n.RegistryID, n.Citation, n.Notes, n.UserID).
		Scan(&n.ID, &n.Version, &n.CreatedAt, &n.UpdatedAt)
	if isUniqueViolation(err) {
		return Name{}, fmt.Errorf("insert name %q: %w", n.SearchName, ErrDuplicateName)
	}
	if err != nil {
		return Name{}, fmt.Errorf("insert name %q: %w", n.SearchName, err)
	}
	if err := snapshotNameTx(ctx, tx, n, n.UserID); err != nil {
		return Name{}, err
	}
	return n, nil
}

func snapshotNameTx(ctx context.Context, tx *sql.Tx, n Name, editorID string) error {
	const query = `
		INSERT INTO name_versions (name_id, version, rank, text_name, author,
			search_name, sort_name, display_name, deprecated, locked,
			registry_id, citation, notes, user_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`
	_, err := tx.ExecContext(ctx, query, n.ID, n.Version, n.Rank.String(),
		n.TextName, n.Author, n.SearchName, n.SortName, n.DisplayName,
		n.Deprecated, n.Locked, n.RegistryID, n.Citation, n.Notes, editorID)
	if err != nil {
		return fmt.Errorf("snapshot name %d v%d: %w", n.ID, n.Version, err)
	}
	return nil
}

// InsertName creates one name at version 1 with its first snapshot.
func (s *PostgresStore) InsertName(ctx context.Context, n Name) (Name, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Name{}, fmt.Errorf("begin insert name: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := insertNameTx(ctx, tx, n)
	if err != nil {
		return Name{}, err
	}
	if err := tx.Commit(); err != nil {
		return Name{}, fmt.Errorf("commit insert name: %w", err)
	}
	return created, nil
}

// CreateNameWithAncestors inserts the leaf and any missing ancestors in a
// single transaction, root to leaf. Ancestors that already exist (by
// text_name, any author) are left untouched.
func (s *PostgresStore) CreateNameWithAncestors(ctx context.Context, leaf Name, ancestors []Name) (Name, []Name, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Name{}, nil, fmt.Errorf("begin create name: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var created []Name
	for _, anc := range ancestors {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM names WHERE text_name=$1)`, anc.TextName).Scan(&exists)
		if err != nil {
			return Name{}, nil, fmt.Errorf("check ancestor %q: %w", anc.TextName, err)
		}
		if exists {
			continue
		}
		inserted, err := insertNameTx(ctx, tx, anc)
		if err != nil {
			return Name{}, nil, err
		}
		created = append(created, inserted)
	}

	insertedLeaf, err := insertNameTx(ctx, tx, leaf)
	if err != nil {
		return Name{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return Name{}, nil, fmt.Errorf("commit create name: %w", err)
	}
	return insertedLeaf, created, nil
}

// EnsureNames inserts the given names in order, skipping any whose
// text_name already exists, in one transaction. It returns the names it
// actually created.
func (s *PostgresStore) EnsureNames(ctx context.Context, wanted []Name) ([]Name, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ensure names: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var created []Name
	for _, n := range wanted {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM names WHERE text_name=$1)`, n.TextName).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check name %q: %w", n.TextName, err)
		}
		if exists {
			continue
		}
		inserted, err := insertNameTx(ctx, tx, n)
		if err != nil {
			return nil, err
		}
		created = append(created, inserted)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ensure names: %w", err)
	}
	return created, nil
}

// UpdateName writes every mutable field of n, bumps the version, and
// appends a snapshot attributed to editorID. The row is locked for the
// duration so concurrent edits serialize.
func (s *PostgresStore) UpdateName(ctx context.Context, n Name, editorID string) (Name, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Name{}, fmt.Errorf("begin update name: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	err = tx.QueryRowContext(ctx, `SELECT version FROM names WHERE id=$1 FOR UPDATE`, n.ID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return Name{}, ErrNotFound
	}
	if err != nil {
		return Name{}, fmt.Errorf("lock name %d: %w", n.ID, err)
	}
	n.Version = version + 1

	const query = `
		UPDATE names SET rank=$2, text_name=$3, author=$4, search_name=$5,
			sort_name=$6, display_name=$7, deprecated=$8,
			correct_spelling_id=$9, synonym_id=$10, locked=$11,
			registry_id=$12, citation=$13, notes=$14, version=$15,
			updated_at=NOW()
		WHERE id=$1
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, query, n.ID, n.Rank.String(), n.TextName,
		n.Author, n.SearchName, n.SortName, n.DisplayName, n.Deprecated,
		n.CorrectSpellingID, n.SynonymID, n.Locked, n.RegistryID, n.Citation,
		n.Notes, n.Version).Scan(&n.CreatedAt, &n.UpdatedAt)
	if isUniqueViolation(err) {
		return Name{}, fmt.Errorf("update name %d: %w", n.ID, ErrDuplicateName)
	}
	if err != nil {
		return Name{}, fmt.Errorf("update name %d: %w", n.ID, err)
	}
	if err := snapshotNameTx(ctx, tx, n, editorID); err != nil {
		return Name{}, err
	}
	if err := tx.Commit(); err != nil {
		return Name{}, fmt.Errorf("commit update name: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListNameVersions(ctx context.Context, nameID int64) ([]NameVersion, error) {
	const query = `
		SELECT id, name_id, version, rank, text_name, author, search_name,
			sort_name, display_name, deprecated, locked, registry_id,
			citation, notes, user_id, created_at
		FROM name_versions
		WHERE name_id=$1
		ORDER BY version ASC
	`
	rows, err := s.db.QueryContext(ctx, query, nameID)
	if err != nil {
		return nil, fmt.Errorf("list name versions: %w", err)
	}
	defer rows.Close()

	var out []NameVersion
	for rows.Next() {
		var v NameVersion
		var rank string
		if err := rows.Scan(&v.ID, &v.NameID, &v.Version, &rank, &v.TextName,
			&v.Author, &v.SearchName, &v.SortName, &v.DisplayName,
			&v.Deprecated, &v.Locked, &v.RegistryID, &v.Citation, &v.Notes,
			&v.UserID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan name version: %w", err)
		}
		if r, ok := names.ParseRank(rank); ok {
			v.Rank = r
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountDependents tallies every table that references the name, plus
// implied taxonomic children (text_name prefix) and misspellings.
func (s *PostgresStore) CountDependents(ctx context.Context, nameID int64) (Dependents, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM namings WHERE name_id=$1),
			(SELECT COUNT(*) FROM name_descriptions WHERE name_id=$1),
			(SELECT COUNT(*) FROM interests WHERE name_id=$1),
			(SELECT COUNT(*) FROM name_trackers WHERE name_id=$1),
			(SELECT COUNT(*) FROM names WHERE correct_spelling_id=$1),
			(SELECT COUNT(*) FROM names c, names n
				WHERE n.id=$1 AND c.id <> n.id
				AND c.text_name LIKE n.text_name || ' %')
	`
	var d Dependents
	err := s.db.QueryRowContext(ctx, query, nameID).Scan(&d.Namings,
		&d.Descriptions, &d.Interests, &d.Trackers, &d.Misspellings, &d.Children)
	if err != nil {
		return Dependents{}, fmt.Errorf("count dependents of %d: %w", nameID, err)
	}
	return d, nil
}

func (s *PostgresStore) ListMisspellings(ctx context.Context, nameID int64) ([]Name, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nameColumns+` FROM names WHERE correct_spelling_id=$1 ORDER BY id`, nameID)
	if err != nil {
		return nil, fmt.Errorf("list misspellings: %w", err)
	}
	defer rows.Close()

	var out []Name
	for rows.Next() {
		m, err := scanName(rows)
		if err != nil {
			return nil, fmt.Errorf("scan misspelling: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListSynonyms returns every member of one synonym group, sorted for
// stable presentation.
func (s *PostgresStore) ListSynonyms(ctx context.Context, synonymID int64) ([]Name, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nameColumns+` FROM names WHERE synonym_id=$1 ORDER BY sort_name, id`, synonymID)
	if err != nil {
		return nil, fmt.Errorf("list synonyms: %w", err)
	}
	defer rows.Close()

	var out []Name
	for rows.Next() {
		n, err := scanName(rows)
		if err != nil {
			return nil, fmt.Errorf("scan synonym: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// LinkSynonyms makes two names synonymous, creating a group when neither
// has one and unioning the groups when both do. It returns the combined
// group's members.
func (s *PostgresStore) LinkSynonyms(ctx context.Context, nameID, targetID int64) ([]Name, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin link synonyms: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	first, second := nameID, targetID
	if first > second {
		first, second = second, first
	}
	var a, b *int64
	if err := tx.QueryRowContext(ctx,
		`SELECT synonym_id FROM names WHERE id=$1 FOR UPDATE`, first).Scan(&a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock name %d: %w", first, err)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT synonym_id FROM names WHERE id=$1 FOR UPDATE`, second).Scan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock name %d: %w", second, err)
	}

	var group int64
	switch {
	case a == nil && b == nil:
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO synonyms DEFAULT VALUES RETURNING id`).Scan(&group); err != nil {
			return nil, fmt.Errorf("create synonym group: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE names SET synonym_id=$1 WHERE id IN ($2,$3)`, group, first, second); err != nil {
			return nil, fmt.Errorf("assign synonym group: %w", err)
		}
	case a == nil:
		group = *b
		if _, err := tx.ExecContext(ctx,
			`UPDATE names SET synonym_id=$1 WHERE id=$2`, group, first); err != nil {
			return nil, fmt.Errorf("join synonym group: %w", err)
		}
	case b == nil:
		group = *a
		if _, err := tx.ExecContext(ctx,
			`UPDATE names SET synonym_id=$1 WHERE id=$2`, group, second); err != nil {
			return nil, fmt.Errorf("join synonym group: %w", err)
		}
	case *a == *b:
		group = *a
	default:
		// Union the two groups: every member of b's moves to a's.
		group = *a
		if _, err := tx.ExecContext(ctx,
			`UPDATE names SET synonym_id=$1 WHERE synonym_id=$2`, group, *b); err != nil {
			return nil, fmt.Errorf("union synonym groups: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM synonyms WHERE id=$1`, *b); err != nil {
			return nil, fmt.Errorf("drop emptied synonym group: %w", err)
		}
	}

	members, err := listSynonymsTx(ctx, tx, group)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit link synonyms: %w", err)
	}
	return members, nil
}

func listSynonymsTx(ctx context.Context, tx *sql.Tx, synonymID int64) ([]Name, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+nameColumns+` FROM names WHERE synonym_id=$1 ORDER BY sort_name, id`, synonymID)
	if err != nil {
		return nil, fmt.Errorf("list synonyms: %w", err)
	}
	defer rows.Close()

	var out []Name
	for rows.Next() {
		n, err := scanName(rows)
		if err != nil {
			return nil, fmt.Errorf("scan synonym: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ClearSynonym detaches a name from its group. A group left with a
// single member is dissolved entirely. Misspellings pointing at the
// detached name are unmarked, since their correction followed the group.
func (s *PostgresStore) ClearSynonym(ctx context.Context, nameID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear synonym: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var group *int64
	err = tx.QueryRowContext(ctx,
		`SELECT synonym_id FROM names WHERE id=$1 FOR UPDATE`, nameID).Scan(&group)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock name %d: %w", nameID, err)
	}
	if group == nil {
		return nil
	}

	var members int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM names WHERE synonym_id=$1`, *group).Scan(&members); err != nil {
		return fmt.Errorf("count synonym group: %w", err)
	}
	if members <= 2 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE names SET synonym_id=NULL WHERE synonym_id=$1`, *group); err != nil {
			return fmt.Errorf("dissolve synonym group: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM synonyms WHERE id=$1`, *group); err != nil {
			return fmt.Errorf("drop synonym group: %w", err)
		}
	} else if _, err := tx.ExecContext(ctx,
		`UPDATE names SET synonym_id=NULL WHERE id=$1`, nameID); err != nil {
		return fmt.Errorf("detach from synonym group: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE names SET correct_spelling_id=NULL WHERE correct_spelling_id=$1`, nameID); err != nil {
		return fmt.Errorf("unmark misspellings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear synonym: %w", err)
	}
	return nil
}

// mergeSynonymGroupsTx unions the two sides' synonym groups onto the
// survivor, writing the survivor's synonym_id in place. The merged row is
// already gone; a group the survivor would be alone in dissolves.
func mergeSynonymGroupsTx(ctx context.Context, tx *sql.Tx, survivor, merged Name) (*int64, error) {
	group := survivor.SynonymID
	switch {
	case merged.SynonymID == nil:
	case group == nil:
		group = merged.SynonymID
	case *group != *merged.SynonymID:
		if _, err := tx.ExecContext(ctx,
			`UPDATE names SET synonym_id=$1 WHERE synonym_id=$2`, *group, *merged.SynonymID); err != nil {
			return nil, fmt.Errorf("union synonym groups: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM synonyms WHERE id=$1`, *merged.SynonymID); err != nil {
			return nil, fmt.Errorf("drop emptied synonym group: %w", err)
		}
	}
	if group == nil {
		return nil, nil
	}

	var others int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM names WHERE synonym_id=$1 AND id<>$2`,
		*group, survivor.ID).Scan(&others); err != nil {
		return nil, fmt.Errorf("count synonym group: %w", err)
	}
	if others == 0 {
		// The FK nulls out the survivor's synonym_id.
		if _, err := tx.ExecContext(ctx, `DELETE FROM synonyms WHERE id=$1`, *group); err != nil {
			return nil, fmt.Errorf("drop synonym group: %w", err)
		}
		return nil, nil
	}
	if survivor.SynonymID == nil || *survivor.SynonymID != *group {
		if _, err := tx.ExecContext(ctx,
			`UPDATE names SET synonym_id=$1 WHERE id=$2`, *group, survivor.ID); err != nil {
			return nil, fmt.Errorf("adopt synonym group: %w", err)
		}
	}
	return group, nil
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameNameFields reports whether the versioned fields of two name rows
// agree. Synonym group membership is not versioned.
func sameNameFields(a, b Name) bool {
	return a.Rank == b.Rank && a.TextName == b.TextName && a.Author == b.Author &&
		a.SearchName == b.SearchName && a.SortName == b.SortName &&
		a.DisplayName == b.DisplayName && a.Deprecated == b.Deprecated &&
		a.Locked == b.Locked && a.Citation == b.Citation && a.Notes == b.Notes &&
		ptrEqual(a.CorrectSpellingID, b.CorrectSpellingID) &&
		ptrEqual(a.RegistryID, b.RegistryID)
}

// MergeNames performs the destructive half of a merge in one transaction:
// both rows locked, dependents repointed (interests and trackers deduped
// per user), synonym groups unioned, the survivor rewritten from
// spec.Survivor, the merged row deleted, and an immutable merge_log entry
// appended. A merge that changes no survivor field leaves the version
// untouched and appends no snapshot.
func (s *PostgresStore) MergeNames(ctx context.Context, spec MergeSpec) (MergeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MergeResult{}, fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock in id order so concurrent merges of the same pair cannot
	// deadlock.
	first, second := spec.SurvivorID, spec.MergedID
	if first > second {
		first, second = second, first
	}
	var locked int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (SELECT id FROM names WHERE id IN ($1,$2) ORDER BY id FOR UPDATE) x`,
		first, second).Scan(&locked)
	if err != nil {
		return MergeResult{}, fmt.Errorf("lock merge rows: %w", err)
	}
	if locked != 2 {
		return MergeResult{}, ErrNotFound
	}

	var merged Name
	merged, err = scanName(tx.QueryRowContext(ctx,
		`SELECT `+nameColumns+` FROM names WHERE id=$1`, spec.MergedID))
	if err != nil {
		return MergeResult{}, fmt.Errorf("read merged name: %w", err)
	}
	var current Name
	current, err = scanName(tx.QueryRowContext(ctx,
		`SELECT `+nameColumns+` FROM names WHERE id=$1`, spec.SurvivorID))
	if err != nil {
		return MergeResult{}, fmt.Errorf("read survivor name: %w", err)
	}

	var result MergeResult
	count := func(dest *int, query string, args ...any) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		*dest += int(affected)
		return nil
	}

	if err := count(&result.NamingsMoved,
		`UPDATE namings SET name_id=$1 WHERE name_id=$2`, spec.SurvivorID, spec.MergedID); err != nil {
		return MergeResult{}, fmt.Errorf("move namings: %w", err)
	}
	if err := count(&result.DescriptionsMoved,
		`UPDATE name_descriptions SET name_id=$1 WHERE name_id=$2`, spec.SurvivorID, spec.MergedID); err != nil {
		return MergeResult{}, fmt.Errorf("move descriptions: %w", err)
	}

	// Interests and trackers dedup per user: a user already watching the
	// survivor loses the duplicate rather than gaining a second row.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM interests i
		WHERE i.name_id=$2
			AND EXISTS (SELECT 1 FROM interests k WHERE k.name_id=$1 AND k.user_id=i.user_id)
	`, spec.SurvivorID, spec.MergedID); err != nil {
		return MergeResult{}, fmt.Errorf("dedup interests: %w", err)
	}
	if err := count(&result.InterestsMoved,
		`UPDATE interests SET name_id=$1 WHERE name_id=$2`, spec.SurvivorID, spec.MergedID); err != nil {
		return MergeResult{}, fmt.Errorf("move interests: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM name_trackers t
		WHERE t.name_id=$2
			AND EXISTS (SELECT 1 FROM name_trackers k WHERE k.name_id=$1 AND k.user_id=t.user_id)
	`, spec.SurvivorID, spec.MergedID); err != nil {
		return MergeResult{}, fmt.Errorf("dedup trackers: %w", err)
	}
	if err := count(&result.TrackersMoved,
		`UPDATE name_trackers SET name_id=$1 WHERE name_id=$2`, spec.SurvivorID, spec.MergedID); err != nil {
		return MergeResult{}, fmt.Errorf("move trackers: %w", err)
	}
	if err := count(&result.MisspellingsMoved,
		`UPDATE names SET correct_spelling_id=$1 WHERE correct_spelling_id=$2`, spec.SurvivorID, spec.MergedID); err != nil {
		return MergeResult{}, fmt.Errorf("repoint misspellings: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM names WHERE id=$1`, spec.MergedID); err != nil {
		return MergeResult{}, fmt.Errorf("delete merged name: %w", err)
	}

	synonymID, err := mergeSynonymGroupsTx(ctx, tx, current, merged)
	if err != nil {
		return MergeResult{}, err
	}

	survivor := spec.Survivor
	survivor.ID = spec.SurvivorID
	survivor.SynonymID = synonymID
	survivor.Version = current.Version
	survivor.UserID = current.UserID
	survivor.CreatedAt = current.CreatedAt
	survivor.UpdatedAt = current.UpdatedAt

	// Versions track substantive changes only: absorbing a duplicate that
	// alters no survivor field appends nothing.
	if sameNameFields(survivor, current) {
		survivor = current
		survivor.SynonymID = synonymID
	} else {
		survivor.Version = current.Version + 1
		const updateSurvivor = `
			UPDATE names SET rank=$2, text_name=$3, author=$4, search_name=$5,
				sort_name=$6, display_name=$7, deprecated=$8,
				correct_spelling_id=$9, synonym_id=$10, locked=$11,
				registry_id=$12, citation=$13, notes=$14, version=$15,
				updated_at=NOW()
			WHERE id=$1
			RETURNING created_at, updated_at
		`
		err = tx.QueryRowContext(ctx, updateSurvivor, survivor.ID,
			survivor.Rank.String(), survivor.TextName, survivor.Author,
			survivor.SearchName, survivor.SortName, survivor.DisplayName,
			survivor.Deprecated, survivor.CorrectSpellingID, survivor.SynonymID,
			survivor.Locked, survivor.RegistryID, survivor.Citation,
			survivor.Notes, survivor.Version).Scan(&survivor.CreatedAt, &survivor.UpdatedAt)
		if err != nil {
			return MergeResult{}, fmt.Errorf("update survivor: %w", err)
		}
		if err := snapshotNameTx(ctx, tx, survivor, spec.UserID); err != nil {
			return MergeResult{}, err
		}
	}

	const insertLog = `
		INSERT INTO merge_log (survivor_id, merged_id, merged_display_name,
			merged_search_name, user_id, admin_mode, namings_moved, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	if _, err := tx.ExecContext(ctx, insertLog, spec.SurvivorID, spec.MergedID,
		merged.DisplayName, merged.SearchName, spec.UserID, spec.AdminMode,
		result.NamingsMoved, spec.Note); err != nil {
		return MergeResult{}, fmt.Errorf("append merge log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return MergeResult{}, fmt.Errorf("commit merge: %w", err)
	}
	result.Survivor = survivor
	return result, nil
}

func (s *PostgresStore) ListMergeLog(ctx context.Context, nameID int64, limit int) ([]MergeLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, survivor_id, merged_id, merged_display_name,
			merged_search_name, user_id, admin_mode, namings_moved, note, created_at
		FROM merge_log
		WHERE survivor_id=$1 OR merged_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, nameID, limit)
	if err != nil {
		return nil, fmt.Errorf("list merge log: %w", err)
	}
	defer rows.Close()

	var out []MergeLogEntry
	for rows.Next() {
		var e MergeLogEntry
		if err := rows.Scan(&e.ID, &e.SurvivorID, &e.MergedID,
			&e.MergedDisplayName, &e.MergedSearchName, &e.UserID,
			&e.AdminMode, &e.NamingsMoved, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan merge log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertDescription(ctx context.Context, d NameDescription) (NameDescription, error) {
	const query = `
		INSERT INTO name_descriptions (name_id, source_type, notes, repo_key, repo_head, user_id)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, d.NameID, d.SourceType, d.Notes,
		d.RepoKey, d.RepoHead, d.UserID).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return NameDescription{}, fmt.Errorf("insert description: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) GetDescription(ctx context.Context, id int64) (NameDescription, error) {
	const query = `
		SELECT id, name_id, source_type, notes, repo_key, repo_head, user_id, created_at, updated_at
		FROM name_descriptions WHERE id=$1
	`
	var d NameDescription
	err := s.db.QueryRowContext(ctx, query, id).Scan(&d.ID, &d.NameID,
		&d.SourceType, &d.Notes, &d.RepoKey, &d.RepoHead, &d.UserID,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return NameDescription{}, ErrNotFound
	}
	if err != nil {
		return NameDescription{}, fmt.Errorf("get description %d: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) ListDescriptions(ctx context.Context, nameID int64) ([]NameDescription, error) {
	const query = `
		SELECT id, name_id, source_type, notes, repo_key, repo_head, user_id, created_at, updated_at
		FROM name_descriptions WHERE name_id=$1 ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, nameID)
	if err != nil {
		return nil, fmt.Errorf("list descriptions: %w", err)
	}
	defer rows.Close()

	var out []NameDescription
	for rows.Next() {
		var d NameDescription
		if err := rows.Scan(&d.ID, &d.NameID, &d.SourceType, &d.Notes,
			&d.RepoKey, &d.RepoHead, &d.UserID, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan description: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDescriptionHead records the latest commit hash of a description's
// body repo after a successful commit.
func (s *PostgresStore) UpdateDescriptionHead(ctx context.Context, id int64, head string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE name_descriptions SET repo_head=$2, updated_at=NOW() WHERE id=$1`, id, head)
	if err != nil {
		return fmt.Errorf("update description head: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}
