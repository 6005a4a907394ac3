package synapse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL+"/repo/v1/", srv.Client())
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestEndpointsFor(t *testing.T) {
	prod, err := EndpointsFor("")
	require.NoError(t, err)
	assert.Equal(t, "prod", prod.Name)
	assert.Equal(t, "https://repo-prod.prod.sagebase.org/auth/v1/oauth2/token", prod.TokenURL)
	assert.Equal(t, "https://signin.synapse.org", prod.AuthURL)

	dev, err := EndpointsFor(" DEV ")
	require.NoError(t, err)
	assert.Equal(t, "https://dev-signin.synapse.org", dev.AuthURL)
	assert.Equal(t, "https://repo-dev.dev.sagebase.org/repo/v1", dev.APIBase)

	_, err = EndpointsFor("qa")
	assert.ErrorContains(t, err, "dev, prod, staging")
}

func TestNormalizeID(t *testing.T) {
	id, err := NormalizeID(" SYN123 ")
	require.NoError(t, err)
	assert.Equal(t, "syn123", id)

	for _, bad := range []string{"", "syn", "123", "syn12a", "syn1/../../x"} {
		_, err := NormalizeID(bad)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, bad)
	}
}

func TestEntityType(t *testing.T) {
	assert.Equal(t, "file", EntityType("org.sagebionetworks.repo.model.FileEntity"))
	assert.Equal(t, "project", EntityType("org.sagebionetworks.repo.model.Project"))
	assert.Equal(t, "table", EntityType("org.sagebionetworks.repo.model.table.TableEntity"))
	assert.Equal(t, "entityview", EntityType("org.sagebionetworks.repo.model.table.EntityView"))
	assert.Equal(t, "", EntityType(""))
}

func TestGetEntity_SendsBearer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repo/v1/entity/syn123", r.URL.Path)
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{"id":"syn123","name":"Study","concreteType":"org.sagebionetworks.repo.model.Project"}`)
	})

	entity, err := c.GetEntity(context.Background(), "access-1", "SYN123")
	require.NoError(t, err)
	assert.Equal(t, "Study", entity["name"])
	assert.Equal(t, "project", entity["type"])
}

func TestGetEntity_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"reason":"The resource you are attempting to access cannot be found"}`)
	})

	_, err := c.GetEntity(context.Background(), "tok", "syn9")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, "not_found", apperrors.Kind(err))
	assert.ErrorContains(t, err, "cannot be found")
	assert.False(t, IsTemporary(err))
}

func TestGetEntity_InvalidIDNeverCallsAPI(t *testing.T) {
	var hits atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	_, err := c.GetEntity(context.Background(), "tok", "../admin")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Zero(t, hits.Load())
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		temporary bool
		reason    string
	}{
		{http.StatusForbidden, `{"reason":"no READ access"}`, false, "no READ access"},
		{http.StatusServiceUnavailable, "down\x01for maintenance", true, "down?for maintenance"},
		{http.StatusTooManyRequests, `{}`, true, "{}"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := c.GetEntity(context.Background(), "tok", "syn1")

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.reason, apiErr.Reason)
			assert.Equal(t, tt.temporary, IsTemporary(err))
			assert.ErrorIs(t, err, apperrors.ErrAPIRequest)
		})
	}
}

func TestClient_NetworkFailureIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := NewClient(srv.URL, nil)
	srv.Close()

	_, err := c.GetEntity(context.Background(), "tok", "syn1")
	assert.True(t, IsTemporary(err))
	assert.Equal(t, "api_error", apperrors.Kind(err))
}

func TestClient_InvalidJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":`)
	})

	_, err := c.GetEntity(context.Background(), "tok", "syn1")
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
}

func TestSameHostRedirectPolicy(t *testing.T) {
	orig := httptest.NewRequest(http.MethodGet, "https://repo-prod.prod.sagebase.org/repo/v1/entity/syn1", nil)
	same := httptest.NewRequest(http.MethodGet, "https://repo-prod.prod.sagebase.org/repo/v1/entity/syn2", nil)
	other := httptest.NewRequest(http.MethodGet, "https://evil.example.com/steal", nil)

	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))
	assert.Error(t, sameHostRedirectPolicy(other, []*http.Request{orig}))
}

func TestAnnotations_Flattens(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repo/v1/entity/syn5/annotations2", r.URL.Path)
		writeJSON(w, http.StatusOK, `{
			"id": "syn5",
			"etag": "e",
			"annotations": {
				"assay": {"type": "STRING", "value": ["rnaSeq"]},
				"tissues": {"type": "STRING", "value": ["brain", "liver"]},
				"readLength": {"type": "LONG", "value": ["150"]},
				"quality": {"type": "DOUBLE", "value": ["0.97"]},
				"public": {"type": "BOOLEAN", "value": ["true"]}
			}
		}`)
	})

	ann, err := c.Annotations(context.Background(), "tok", "syn5")
	require.NoError(t, err)

	assert.Equal(t, "rnaSeq", ann["assay"])
	assert.Equal(t, []any{"brain", "liver"}, ann["tissues"])
	assert.Equal(t, int64(150), ann["readLength"])
	assert.InDelta(t, 0.97, ann["quality"], 1e-9)
	assert.Equal(t, true, ann["public"])
}

func TestAnnotations_Empty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"syn5","annotations":{}}`)
	})

	ann, err := c.Annotations(context.Background(), "tok", "syn5")
	require.NoError(t, err)
	assert.Empty(t, ann)
}

func TestProvenance_Paths(t *testing.T) {
	var path string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		writeJSON(w, http.StatusOK, `{"id":"act1","name":"alignment","used":[]}`)
	})

	act, err := c.Provenance(context.Background(), "tok", "syn7", 0)
	require.NoError(t, err)
	assert.Equal(t, "/repo/v1/entity/syn7/generatedBy", path)
	assert.Equal(t, "alignment", act["name"])

	_, err = c.Provenance(context.Background(), "tok", "syn7", 3)
	require.NoError(t, err)
	assert.Equal(t, "/repo/v1/entity/syn7/version/3/generatedBy", path)

	_, err = c.Provenance(context.Background(), "tok", "syn7", -1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestChildren_FollowsPages(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repo/v1/entity/children", r.URL.Path)

		var req childrenRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "syn1", req.ParentID)
		assert.Contains(t, req.IncludeTypes, "folder")

		if calls.Add(1) == 1 {
			assert.Empty(t, req.NextPageToken)
			writeJSON(w, http.StatusOK, `{"page":[{"id":"syn2","name":"raw","type":"org.sagebionetworks.repo.model.Folder"}],"nextPageToken":"p2"}`)
			return
		}

		assert.Equal(t, "p2", req.NextPageToken)
		writeJSON(w, http.StatusOK, `{"page":[{"id":"syn3","name":"reads.bam","type":"org.sagebionetworks.repo.model.FileEntity","versionNumber":2}]}`)
	})

	children, err := c.Children(context.Background(), "tok", "syn1")
	require.NoError(t, err)
	assert.Equal(t, []Child{
		{ID: "syn2", Name: "raw", Type: "folder"},
		{ID: "syn3", Name: "reads.bam", Type: "file", VersionNumber: 2},
	}, children)
}

func TestBuildSearchQuery(t *testing.T) {
	q := BuildSearchQuery(SearchParams{
		QueryTerm:   "Cafe\u0301",
		Name:        "Caf\u00e9",
		EntityTypes: []string{" File ", "", "folder"},
		ParentID:    "syn1",
		Limit:       500,
		Offset:      -3,
	})

	assert.Equal(t, []string{"Caf\u00e9"}, q.QueryTerm, "NFC-equal terms collapse")
	assert.Equal(t, 0, q.Start)
	assert.Equal(t, MaxSearchLimit, q.Size)
	assert.Equal(t, []string{"name", "description", "node_type"}, q.ReturnFields)
	assert.Equal(t, []KeyValue{
		{Key: "node_type", Value: "file"},
		{Key: "node_type", Value: "folder"},
		{Key: "path", Value: "syn1"},
	}, q.BooleanQuery)

	empty := BuildSearchQuery(SearchParams{Limit: -1})
	assert.Equal(t, []string{}, empty.QueryTerm)
	assert.Equal(t, 0, empty.Size)
	assert.Nil(t, empty.BooleanQuery)
}

func TestSearch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var q SearchQuery
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, []string{"cancer"}, q.QueryTerm)
		writeJSON(w, http.StatusOK, `{"found":42,"start":10,"hits":[{"id":"syn1","name":"A"}],"facets":[{"name":"node_type"}]}`)
	})

	res, err := c.Search(context.Background(), "tok", BuildSearchQuery(SearchParams{QueryTerm: "cancer", Limit: 20, Offset: 10}))
	require.NoError(t, err)

	assert.Equal(t, int64(42), res.Found)
	assert.Equal(t, int64(10), res.Start)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "syn1", res.Hits[0]["id"])
	assert.Len(t, res.Facets, 1)
	assert.Nil(t, res.OriginalQuery)
	assert.Empty(t, res.Warnings)
}

func TestSearch_RetriesWithoutReturnFields(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var q SearchQuery
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&q))

		if calls.Add(1) == 1 {
			assert.NotEmpty(t, q.ReturnFields)
			writeJSON(w, http.StatusBadRequest, `{"reason":"Invalid field name: node_type"}`)
			return
		}

		assert.Empty(t, q.ReturnFields)
		writeJSON(w, http.StatusOK, `{"found":1,"hits":[{"id":"syn1"}]}`)
	})

	res, err := c.Search(context.Background(), "tok", BuildSearchQuery(SearchParams{QueryTerm: "x", Limit: 5, Offset: 2}))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(2), res.Start, "start defaults to the requested offset")
	require.NotNil(t, res.OriginalQuery)
	assert.Equal(t, DefaultReturnFields, res.OriginalQuery.ReturnFields)
	assert.Equal(t, DefaultReturnFields, res.DroppedReturnFields)
	assert.Nil(t, res.Query.ReturnFields)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "retried without custom return fields")
}

func TestSearch_OtherBadRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, `{"reason":"size must be positive"}`)
	})

	_, err := c.Search(context.Background(), "tok", BuildSearchQuery(SearchParams{QueryTerm: "x"}))
	assert.ErrorIs(t, err, apperrors.ErrAPIRequest)
	assert.Equal(t, int32(1), calls.Load())
}
