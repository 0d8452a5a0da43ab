package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regledger/internal/accesslist/service"
	"regledger/internal/accesslist/store"
	"regledger/internal/platform/logger"
	"regledger/pkg/testutil"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	svc := service.New(store.NewInMemory(), service.WithLogger(logger.NewNop()))
	h := New(svc, logger.NewNop())
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return testutil.DoRequest(router, testutil.NewJSONRequest(t, method, path, body))
}

func createList(t *testing.T, router http.Handler) {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/access-lists", map[string]string{
		"owner":      "974761076",
		"identifier": "test1",
		"name":       "Test 1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestCreateReturns201ThenLoadReturns200(t *testing.T) {
	router := newTestRouter(t)
	createList(t, router)

	w := doJSON(t, router, http.MethodPost, "/access-lists", map[string]string{
		"owner":      "974761076",
		"identifier": "test1",
		"name":       "Other",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Test 1", body["name"], "existing list is returned untouched")
}

func TestCreateRejectsMissingFields(t *testing.T) {
	router := newTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/access-lists", map[string]string{
		"owner": "974761076",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRejectsMalformedBody(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/access-lists", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	testutil.AssertStatus(t, w, http.StatusBadRequest)
	testutil.AssertErrorCode(t, w, "bad_request")
}

func TestGetUnknownReturns404(t *testing.T) {
	router := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/access-lists/974761076/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateAndGet(t *testing.T) {
	router := newTestRouter(t)
	createList(t, router)

	w := doJSON(t, router, http.MethodPatch, "/access-lists/974761076/test1", map[string]string{
		"name": "Renamed",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/access-lists/974761076/test1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Renamed", body["name"])
	assert.EqualValues(t, 2, body["version"])
}

func TestDeleteReturns204ThenGet404(t *testing.T) {
	router := newTestRouter(t)
	createList(t, router)

	w := doJSON(t, router, http.MethodDelete, "/access-lists/974761076/test1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/access-lists/974761076/test1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConnectionEndpoints(t *testing.T) {
	router := newTestRouter(t)
	createList(t, router)

	w := doJSON(t, router, http.MethodPut, "/access-lists/974761076/test1/resource-connections/resA", map[string]any{
		"actions": []string{"read"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/access-lists/974761076/test1/resource-connections/resA/actions", map[string]any{
		"actions": []string{"write"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/access-lists/974761076/test1/resource-connections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items []struct {
			ResourceID string   `json:"resource_id"`
			Actions    []string `json:"actions"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "resA", page.Items[0].ResourceID)
	assert.Equal(t, []string{"read", "write"}, page.Items[0].Actions)

	// Actions on an unknown connection surface as 404.
	w = doJSON(t, router, http.MethodPost, "/access-lists/974761076/test1/resource-connections/missing/actions", map[string]any{
		"actions": []string{"read"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMemberEndpointsValidateUUIDs(t *testing.T) {
	router := newTestRouter(t)
	createList(t, router)

	w := doJSON(t, router, http.MethodPost, "/access-lists/974761076/test1/members", map[string]any{
		"members": []string{"not-a-uuid"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	router := newTestRouter(t)
	createList(t, router)

	w := doJSON(t, router, http.MethodPut, "/access-lists/974761076/test1/resource-connections/resA", map[string]any{
		"actions": []string{"read"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/access-lists/974761076/test1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var events []struct {
		ID   int64  `json:"id"`
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "created", events[0].Kind)
	assert.Equal(t, "resource_connection_created", events[1].Kind)
	assert.EqualValues(t, 1, events[0].ID)
	assert.EqualValues(t, 2, events[1].ID)
}

func TestOwnerListingPaginates(t *testing.T) {
	router := newTestRouter(t)
	for i := 0; i < 105; i++ {
		w := doJSON(t, router, http.MethodPost, "/access-lists", map[string]string{
			"owner":      "974761076",
			"identifier": fmt.Sprintf("list%03d", i),
			"name":       fmt.Sprintf("List %d", i),
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, router, http.MethodGet, "/access-lists?owner=974761076", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items     []json.RawMessage `json:"items"`
		NextToken string            `json:"next_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Items, 100)
	require.NotEmpty(t, page.NextToken)

	w = doJSON(t, router, http.MethodGet, "/access-lists?owner=974761076&token="+page.NextToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page2 struct {
		Items     []json.RawMessage `json:"items"`
		NextToken string            `json:"next_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page2))
	assert.Len(t, page2.Items, 5)
	assert.Empty(t, page2.NextToken)
}

func TestStalePaginationTokenReturns412(t *testing.T) {
	router := newTestRouter(t)
	createList(t, router)

	for i := 0; i < 150; i++ {
		w := doJSON(t, router, http.MethodPut, fmt.Sprintf("/access-lists/974761076/test1/resource-connections/res%03d", i), map[string]any{
			"actions": []string{"read"},
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doJSON(t, router, http.MethodGet, "/access-lists/974761076/test1/resource-connections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		NextToken string `json:"next_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.NotEmpty(t, page.NextToken)

	// Mutating the list invalidates the pinned token.
	w = doJSON(t, router, http.MethodPatch, "/access-lists/974761076/test1", map[string]string{
		"name": "Renamed",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/access-lists/974761076/test1/resource-connections?token="+page.NextToken, nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}
