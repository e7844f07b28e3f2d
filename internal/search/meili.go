package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxNames = "mycoatlas_names"

// Meili implements Searcher and Indexer via Meilisearch. Its typo
// tolerance is what turns a misspelled epithet into suggestions.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the names index.
// The caller should proceed without it if the backend is down; the
// health loop reconfigures on recovery.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxNames,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxNames, err)
	}

	index := m.client.Index(idxNames)
	searchable := []string{"searchName", "textName", "author"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxNames, err)
	}
	filterable := []interface{}{"rank", "deprecated"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxNames, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Suggest runs a typo-tolerant search over the names index.
func (m *Meili) Suggest(q Query) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 10
	}

	resp, err := m.client.Index(idxNames).Search(q.Text, &meili.SearchRequest{
		Limit:            limit,
		ShowRankingScore: true,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		TextName:    decodeString(hit, "textName"),
		Author:      decodeString(hit, "author"),
		SearchName:  decodeString(hit, "searchName"),
		DisplayName: decodeString(hit, "displayName"),
		Rank:        decodeString(hit, "rank"),
	}
	if id, err := strconv.ParseInt(decodeString(hit, "id"), 10, 64); err == nil {
		r.ID = id
	}
	if raw, ok := hit["deprecated"]; ok {
		_ = json.Unmarshal(raw, &r.Deprecated)
	}
	if raw, ok := hit["_rankingScore"]; ok {
		_ = json.Unmarshal(raw, &r.Score)
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

// IndexName adds or updates one name in the index.
func (m *Meili) IndexName(rec NameRecord) error {
	_, err := m.client.Index(idxNames).AddDocuments([]NameRecord{rec}, nil)
	return err
}

// IndexNames bulk-indexes names.
func (m *Meili) IndexNames(records []NameRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxNames).AddDocuments(records, nil)
	return err
}

// DeleteName removes a name from the index.
func (m *Meili) DeleteName(id int64) error {
	_, err := m.client.Index(idxNames).DeleteDocument(strconv.FormatInt(id, 10), nil)
	return err
}
