package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to
// pg_trgm similarity.
type Service struct {
	meili *Meili
	trgm  *PgTrgm
}

// NewService creates a search service. meili may be nil when Meilisearch
// is not configured.
func NewService(meili *Meili, trgm *PgTrgm) *Service {
	return &Service{meili: meili, trgm: trgm}
}

// Suggest returns names similar to text, best first. It never fails the
// caller: on backend errors it returns an empty list.
func (s *Service) Suggest(text string, limit int) []Result {
	q := Query{Text: text, Limit: limit}
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Suggest(q)
		if err == nil {
			return nonNil(results)
		}
		log.Printf("search: meilisearch error, falling back to pg_trgm: %v", err)
	}
	if s.trgm == nil {
		return []Result{}
	}
	results, err := s.trgm.Suggest(q)
	if err != nil {
		log.Printf("search: pg_trgm error: %v", err)
		return []Result{}
	}
	return nonNil(results)
}

// IndexName pushes one name into Meilisearch, fire-and-forget.
func (s *Service) IndexName(rec NameRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexName(rec); err != nil {
			log.Printf("search: index name %s: %v", rec.ID, err)
		}
	}()
}

// DeleteName removes one name from Meilisearch, fire-and-forget.
func (s *Service) DeleteName(id int64) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteName(id); err != nil {
			log.Printf("search: delete name %d: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reads every name from Postgres and bulk-indexes it.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.trgm == nil {
		return
	}
	records, err := s.trgm.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexNames(records); err != nil {
		log.Printf("search: reindex: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
