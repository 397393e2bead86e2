package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kgraphd/internal/core"
	"kgraphd/internal/shapes"
	"kgraphd/internal/term"
)

const testRulePack = `
name: pets
subclass:
  - sub: dog
    super: mammal
disjoint:
  - [dog, cat]
`

const testShapeCatalog = `
shapes:
  - name: device_shape
    target_class: device
    properties:
      - path: serialNumber
        max_count: 1
`

func newTestBridge(t *testing.T) (*Handlers, *gin.Engine) {
	t.Helper()
	engine := core.NewEngine(core.Caps{MaxQueryResults: 100, MaxRadius: 5, MaxSubgraphNodes: 100}, 16, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(cancel)

	catalog, err := shapes.Parse([]byte(testShapeCatalog))
	require.NoError(t, err)

	h := NewHandlers(engine, zap.NewNop()).WithShapes(catalog)
	_, _, err = h.LoadRulePack(context.Background(), []byte(testRulePack))
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, h)
	return h, r
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestHealthEndpoint(t *testing.T) {
	_, r := newTestBridge(t)
	w, body := doJSON(t, r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "kgraphd", body["service"])
	engine := body["engine"].(map[string]any)
	assert.Contains(t, engine, "fact_count")
	assert.Contains(t, engine, "inbox_depth")
}

func TestAssertSingleAndBatch(t *testing.T) {
	_, r := newTestBridge(t)

	w, body := doJSON(t, r, http.MethodPost, "/assert",
		`{"subject":"rex","predicate":"isa","object":"dog"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["processed_count"])

	w, body = doJSON(t, r, http.MethodPost, "/assert",
		`{"assertions":[
			{"subject":"felix","predicate":"isa","object":"cat"},
			{"subject":"rex","predicate":"isa","object":"dog"}
		]}`)
	require.Equal(t, http.StatusOK, w.Code)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	second := items[1].(map[string]any)
	assert.Equal(t, true, first["admitted"])
	assert.Equal(t, false, second["admitted"], "duplicate of the earlier assert")
}

func TestAssertDerivationVisibleImmediately(t *testing.T) {
	_, r := newTestBridge(t)
	doJSON(t, r, http.MethodPost, "/assert", `{"subject":"rex","predicate":"isa","object":"dog"}`)

	// subclass dog->mammal fires before the assert response returns.
	w, body := doJSON(t, r, http.MethodGet, "/query?pattern=isa(rex,%20%3Fc)", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])
}

func TestAssertShapeGate(t *testing.T) {
	_, r := newTestBridge(t)
	doJSON(t, r, http.MethodPost, "/assert", `{"subject":"d1","predicate":"isa","object":"device"}`)

	w, _ := doJSON(t, r, http.MethodPost, "/assert",
		`{"subject":"d1","predicate":"serialNumber","object":"sn-1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	// A second serial number violates max_count=1 and never reaches the
	// engine; the stored one survives.
	w, body := doJSON(t, r, http.MethodPost, "/assert",
		`{"subject":"d1","predicate":"serialNumber","object":"sn-2"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	items := body["items"].([]any)
	validation := items[0].(map[string]any)["validation"].(map[string]any)
	assert.Equal(t, false, validation["conforms"])

	w, body = doJSON(t, r, http.MethodGet, "/query?pattern=serialNumber(d1,%20%3Fs)", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestAssertConfidenceBounds(t *testing.T) {
	_, r := newTestBridge(t)

	// Out of range is a per-item rejection, not a batch failure.
	w, body := doJSON(t, r, http.MethodPost, "/assert",
		`{"assertions":[
			{"subject":"rex","predicate":"isa","object":"dog","confidence":5},
			{"subject":"rex","predicate":"chases","object":"felix","confidence":0}
		]}`)
	require.Equal(t, http.StatusOK, w.Code)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "bad_request", first["error_kind"])
	assert.Contains(t, first["error"], "outside [0,1]")
	assert.Equal(t, true, items[1].(map[string]any)["admitted"])

	// An explicit zero confidence is stored as zero, not bumped to 1.
	w, body = doJSON(t, r, http.MethodGet, "/query?pattern=chases(rex,%20%3Fx)", "")
	require.Equal(t, http.StatusOK, w.Code)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, float64(0), results[0].(map[string]any)["confidence"])
}

func TestAssertMalformedBody(t *testing.T) {
	_, r := newTestBridge(t)
	w, body := doJSON(t, r, http.MethodPost, "/assert", `{"subject":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", body["error_kind"])
}

func TestRetractEndpoint(t *testing.T) {
	h, r := newTestBridge(t)
	doJSON(t, r, http.MethodPost, "/assert", `{"subject":"rex","predicate":"isa","object":"dog"}`)

	matches, err := h.engine.Query(context.Background(), term.Triple("rex", "isa", "dog"), core.QueryFilters{Limit: -1})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	w, body := doJSON(t, r, http.MethodPost, "/retract",
		`{"fact_id":`+strings.TrimSpace(jsonNumber(uint64(matches[0].FactID)))+`}`)
	require.Equal(t, http.StatusOK, w.Code)
	// The asserted fact and its subclass derivation both go.
	assert.Equal(t, float64(2), body["retracted_count"])

	w, body = doJSON(t, r, http.MethodPost, "/retract", `{"fact_id":9999}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error_kind"])
}

func jsonNumber(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestQueryEndpointForms(t *testing.T) {
	_, r := newTestBridge(t)
	doJSON(t, r, http.MethodPost, "/assert", `{"subject":"rex","predicate":"isa","object":"dog"}`)

	// Functional pattern.
	w, body := doJSON(t, r, http.MethodGet, "/query?pattern=isa(%3Fx,%20dog)", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])

	// Bracketed triple.
	w, body = doJSON(t, r, http.MethodGet, "/query?pattern=%5B%3Fx%20isa%20dog%5D", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])

	// Bare word substring search.
	w, body = doJSON(t, r, http.MethodGet, "/query?pattern=rex", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"], "asserted fact and its mammal derivation")

	// An explicit zero limit means zero results; only an absent limit
	// falls back to the engine cap.
	w, body = doJSON(t, r, http.MethodGet, "/query?pattern=isa(%3Fx,%20dog)&limit=0", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["count"])

	w, body = doJSON(t, r, http.MethodGet, "/query?pattern=rex&limit=0", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["count"])

	// Missing pattern.
	w, body = doJSON(t, r, http.MethodGet, "/query", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", body["error_kind"])

	// Malformed pattern.
	w, body = doJSON(t, r, http.MethodGet, "/query?pattern=isa(%3Fx", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", body["error_kind"])
}

func TestWhyEndpoint(t *testing.T) {
	_, r := newTestBridge(t)
	doJSON(t, r, http.MethodPost, "/assert", `{"subject":"rex","predicate":"isa","object":"dog"}`)

	w, body := doJSON(t, r, http.MethodGet, "/why?term=isa(rex,%20mammal)", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["has_proof"])
	just := body["justification"].(map[string]any)
	assert.NotEmpty(t, just["rules"])
	tree := just["proof_tree"].(map[string]any)
	assert.Equal(t, "isa(rex, mammal)", tree["term"])

	w, body = doJSON(t, r, http.MethodGet, "/why?fact_id=424242", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error_kind"])

	w, body = doJSON(t, r, http.MethodGet, "/why", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubgraphEndpoint(t *testing.T) {
	_, r := newTestBridge(t)
	doJSON(t, r, http.MethodPost, "/assert", `{"subject":"rex","predicate":"isa","object":"dog"}`)

	w, body := doJSON(t, r, http.MethodGet, "/subgraph?focus=rex&radius=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["nodes"])
	meta := body["meta"].(map[string]any)
	assert.Equal(t, "rex", meta["focus"])

	w, body = doJSON(t, r, http.MethodGet, "/subgraph?focus=ghost&radius=1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Radius beyond the cap.
	w, body = doJSON(t, r, http.MethodGet, "/subgraph?focus=rex&radius=50", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "capacity_exhausted", body["error_kind"])

	w, _ = doJSON(t, r, http.MethodGet, "/subgraph", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRulesLoadEndpoint(t *testing.T) {
	_, r := newTestBridge(t)

	w, body := doJSON(t, r, http.MethodPost, "/rules/load", "name: extra\ntransitive:\n  - partOf\n")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["loaded_rule_count"])

	// Unknown construct: rejected wholesale with the unsupported kind.
	w, body = doJSON(t, r, http.MethodPost, "/rules/load", "name: x\nfunctional:\n  - p\n")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "unsupported", body["error_kind"])
	assert.Contains(t, body["message"], "functional")
}

func TestRulesStatEndpoint(t *testing.T) {
	_, r := newTestBridge(t)
	w, body := doJSON(t, r, http.MethodGet, "/rules/stat", "")
	require.Equal(t, http.StatusOK, w.Code)
	// subclass + one disjoint pair from the seed pack.
	assert.Equal(t, float64(2), body["total"])
	byKind := body["by_kind"].(map[string]any)
	assert.Equal(t, float64(1), byKind["subsumption"])
	assert.Equal(t, float64(1), byKind["disjointness-constraint"])
}

func TestContradictionsEndpoint(t *testing.T) {
	_, r := newTestBridge(t)
	doJSON(t, r, http.MethodPost, "/assert", `{"assertions":[
		{"subject":"rex","predicate":"isa","object":"dog"},
		{"subject":"rex","predicate":"isa","object":"cat"}
	]}`)

	w, body := doJSON(t, r, http.MethodGet, "/contradictions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])
	events := body["contradictions"].([]any)
	assert.Equal(t, "disjoint_dog_cat", events[0].(map[string]any)["rule"])
}

func TestAuditRecentUnconfigured(t *testing.T) {
	_, r := newTestBridge(t)
	w, body := doJSON(t, r, http.MethodGet, "/audit/recent", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "unsupported", body["error_kind"])
}

func TestRenderEndpoint(t *testing.T) {
	h, r := newTestBridge(t)
	doJSON(t, r, http.MethodPost, "/assert", `{"subject":"rex","predicate":"isa","object":"dog"}`)

	// JSON format returns the subgraph envelope.
	w, body := doJSON(t, r, http.MethodGet, "/render?focus=rex&radius=1&format=json", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["nodes"])

	// No renderer configured.
	w, body = doJSON(t, r, http.MethodGet, "/render?focus=rex&radius=1&format=svg", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "unsupported", body["error_kind"])

	// cat echoes the JSON back; the endpoint treats stdout as SVG bytes.
	h.WithRenderer([]string{"cat"})
	req := httptest.NewRequest(http.MethodGet, "/render?focus=rex&radius=1&format=svg", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "nodes")

	// Unknown format.
	w, body = doJSON(t, r, http.MethodGet, "/render?focus=rex&radius=1&format=png", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	// Renderer failure surfaces stderr and exit code.
	h.WithRenderer([]string{"sh", "-c", "echo boom >&2; exit 3"})
	w, body = doJSON(t, r, http.MethodGet, "/render?focus=rex&radius=1&format=svg", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	details := body["details"].(map[string]any)
	assert.Equal(t, float64(3), details["exit_code"])
	assert.Contains(t, details["stderr"], "boom")
}
