package discovery

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/pocketomega/codemode-bridge/internal/upstream"
)

// SearchIndex ranks tool descriptors by BM25 relevance over their qualified
// name and description. No full-text search library appears anywhere in
// the example pack, so this is a small from-scratch implementation rather
// than an ungrounded dependency pull (see DESIGN.md).
type SearchIndex struct {
	source ToolSource

	mu      sync.Mutex
	built   bool
	docs    []searchDoc
	avgLen  float64
	df      map[string]int // document frequency per term
}

type searchDoc struct {
	descriptor upstream.ToolDescriptor
	terms      []string
	termFreq   map[string]int
}

// bm25K1 and bm25B are the standard Okapi BM25 tuning constants.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// NewSearchIndex builds a SearchIndex over source. The index is built
// lazily on first Search call and rebuilt whenever Invalidate is called
// (wired to Reload).
func NewSearchIndex(source ToolSource) *SearchIndex {
	return &SearchIndex{source: source}
}

// Invalidate forces a rebuild on the next Search call. Call on every
// Reload so renamed/removed tools don't linger in stale rankings.
func (idx *SearchIndex) Invalidate() {
	idx.mu.Lock()
	idx.built = false
	idx.docs = nil
	idx.df = nil
	idx.mu.Unlock()
}

func (idx *SearchIndex) ensureBuilt() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.built {
		return
	}

	descs := idx.source.GetAllToolDescriptors()
	docs := make([]searchDoc, 0, len(descs))
	df := map[string]int{}
	totalLen := 0

	for _, d := range descs {
		terms := tokenize(d.QualifiedName + " " + d.Description)
		tf := map[string]int{}
		for _, term := range terms {
			tf[term]++
		}
		for term := range tf {
			df[term]++
		}
		docs = append(docs, searchDoc{descriptor: d, terms: terms, termFreq: tf})
		totalLen += len(terms)
	}

	idx.docs = docs
	idx.df = df
	if len(docs) > 0 {
		idx.avgLen = float64(totalLen) / float64(len(docs))
	} else {
		idx.avgLen = 0
	}
	idx.built = true
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

// SearchResult pairs a descriptor with its relevance score.
type SearchResult struct {
	Descriptor upstream.ToolDescriptor
	Score      float64
}

const (
	defaultSearchLimit = 5
	maxSearchLimit      = 20
)

// Search ranks every indexed tool against query using BM25 and returns the
// top limit results (defaultSearchLimit if limit <= 0, clamped to
// maxSearchLimit). A query that matches nothing returns an empty, non-nil
// slice.
func (idx *SearchIndex) Search(query string, limit int) []SearchResult {
	idx.ensureBuilt()

	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	idx.mu.Lock()
	docs := idx.docs
	df := idx.df
	avgLen := idx.avgLen
	n := len(docs)
	idx.mu.Unlock()

	queryTerms := tokenize(query)
	if n == 0 || len(queryTerms) == 0 {
		return []SearchResult{}
	}

	results := make([]SearchResult, 0, n)
	for _, doc := range docs {
		score := bm25Score(doc, queryTerms, df, n, avgLen)
		if score > 0 {
			results = append(results, SearchResult{Descriptor: doc.descriptor, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Descriptor.QualifiedName < results[j].Descriptor.QualifiedName
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func bm25Score(doc searchDoc, queryTerms []string, df map[string]int, n int, avgLen float64) float64 {
	docLen := float64(len(doc.terms))
	var score float64
	for _, term := range queryTerms {
		freq, ok := doc.termFreq[term]
		if !ok {
			continue
		}
		n_q := df[term]
		idf := math.Log(1 + (float64(n)-float64(n_q)+0.5)/(float64(n_q)+0.5))
		tf := float64(freq)
		denom := tf + bm25K1*(1-bm25B+bm25B*docLen/maxAvgLen(avgLen))
		score += idf * (tf * (bm25K1 + 1)) / denom
	}
	return score
}

func maxAvgLen(avgLen float64) float64 {
	if avgLen <= 0 {
		return 1
	}
	return avgLen
}
