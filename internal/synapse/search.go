package synapse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultSearchLimit is the page size when the caller gives none.
	DefaultSearchLimit = 20

	// MaxSearchLimit is the largest page Synapse search accepts.
	MaxSearchLimit = 100
)

// DefaultReturnFields are requested with every search.
var DefaultReturnFields = []string{"name", "description", "node_type"}

// KeyValue is a search filter.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SearchQuery is the body of POST /search.
type SearchQuery struct {
	QueryTerm    []string   `json:"queryTerm"`
	Start        int        `json:"start"`
	Size         int        `json:"size"`
	ReturnFields []string   `json:"returnFields,omitempty"`
	BooleanQuery []KeyValue `json:"booleanQuery,omitempty"`
}

// SearchParams are the caller-facing search options.
type SearchParams struct {
	QueryTerm   string
	Name        string
	EntityTypes []string
	ParentID    string
	Limit       int
	Offset      int
}

// SearchResult is one page of search hits. When Synapse rejected the
// requested return fields, the query was retried without them and
// OriginalQuery, DroppedReturnFields and Warnings say so.
type SearchResult struct {
	Found               int64            `json:"found"`
	Start               int64            `json:"start"`
	Hits                []map[string]any `json:"hits"`
	Facets              []map[string]any `json:"facets"`
	Query               SearchQuery      `json:"query"`
	OriginalQuery       *SearchQuery     `json:"original_query,omitempty"`
	DroppedReturnFields []string         `json:"dropped_return_fields,omitempty"`
	Warnings            []string         `json:"warnings,omitempty"`
}

// dedupe trims entries and drops blanks and repeats, keeping order.
func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))

	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}

		if _, dup := seen[v]; dup {
			continue
		}

		seen[v] = struct{}{}
		out = append(out, v)
	}

	return out
}

// BuildSearchQuery turns caller options into a search body. Terms are
// NFC-normalized, the page size is clamped to [0, MaxSearchLimit] and
// type and parent filters become boolean query clauses.
func BuildSearchQuery(p SearchParams) SearchQuery {
	q := SearchQuery{
		QueryTerm:    []string{},
		Start:        max(p.Offset, 0),
		Size:         min(max(p.Limit, 0), MaxSearchLimit),
		ReturnFields: dedupe(DefaultReturnFields),
	}

	terms := make([]string, 0, 2)
	if p.QueryTerm != "" {
		terms = append(terms, norm.NFC.String(p.QueryTerm))
	}

	if p.Name != "" {
		terms = append(terms, norm.NFC.String(p.Name))
	}

	q.QueryTerm = append(q.QueryTerm, dedupe(terms)...)

	for _, t := range p.EntityTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}

		q.BooleanQuery = append(q.BooleanQuery, KeyValue{Key: "node_type", Value: t})
	}

	if parent := strings.TrimSpace(p.ParentID); parent != "" {
		q.BooleanQuery = append(q.BooleanQuery, KeyValue{Key: "path", Value: parent})
	}

	return q
}

// Search runs a query. If Synapse rejects the return fields, the query
// is sent once more without them.
func (c *Client) Search(ctx context.Context, token string, q SearchQuery) (*SearchResult, error) {
	raw, err := c.do(ctx, http.MethodPost, "/search", token, q)

	var original *SearchQuery

	var dropped []string

	if err != nil && rejectedReturnFields(err) && len(q.ReturnFields) > 0 {
		first := q
		original = &first
		dropped = q.ReturnFields

		q.ReturnFields = nil
		raw, err = c.do(ctx, http.MethodPost, "/search", token, q)
	}

	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}

	res := &SearchResult{
		Found:               gjson.GetBytes(raw, "found").Int(),
		Start:               int64(q.Start),
		Hits:                []map[string]any{},
		Facets:              []map[string]any{},
		Query:               q,
		OriginalQuery:       original,
		DroppedReturnFields: dropped,
	}

	if start := gjson.GetBytes(raw, "start"); start.Exists() {
		res.Start = start.Int()
	}

	if err := rawJSON(gjson.GetBytes(raw, "hits"), &res.Hits); err != nil {
		return nil, err
	}

	if err := rawJSON(gjson.GetBytes(raw, "facets"), &res.Facets); err != nil {
		return nil, err
	}

	if dropped != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"Synapse rejected requested return fields %v; retried without custom return fields.", dropped))
	}

	return res, nil
}

func rejectedReturnFields(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest &&
		strings.Contains(apiErr.Reason, "Invalid field name")
}
