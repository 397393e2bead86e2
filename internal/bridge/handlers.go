package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kgraphd/internal/core"
	"kgraphd/internal/rulepack"
	"kgraphd/internal/shapes"
	"kgraphd/internal/store"
	"kgraphd/internal/term"
)

// ServiceName and ServiceVersion identify the daemon in /health.
const (
	ServiceName    = "kgraphd"
	ServiceVersion = "0.3.0"
)

// Handlers carries the HTTP and RPC endpoint implementations. The shape
// catalog pointer swaps atomically on reload; everything else is fixed
// at construction.
type Handlers struct {
	engine  *core.Engine
	catalog atomic.Pointer[shapes.Catalog]

	audit            *store.AuditLog
	renderer         []string
	maxRulePackBytes int
	log              *zap.Logger
}

// NewHandlers creates the endpoint set for an engine.
func NewHandlers(engine *core.Engine, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{engine: engine, log: log.Named("bridge")}
}

// WithShapes installs the initial shape catalog.
func (h *Handlers) WithShapes(c *shapes.Catalog) *Handlers {
	h.catalog.Store(c)
	return h
}

// WithAudit attaches the audit log read surface.
func (h *Handlers) WithAudit(a *store.AuditLog) *Handlers {
	h.audit = a
	return h
}

// WithRenderer sets the external SVG renderer command line.
func (h *Handlers) WithRenderer(cmd []string) *Handlers {
	h.renderer = cmd
	return h
}

// WithRulePackLimit caps accepted rule-pack documents in bytes.
func (h *Handlers) WithRulePackLimit(n int) *Handlers {
	h.maxRulePackBytes = n
	return h
}

// SetCatalog swaps the shape catalog. The watcher calls this on reload.
func (h *Handlers) SetCatalog(c *shapes.Catalog) {
	h.catalog.Store(c)
}

// ============================================================
// health
// ============================================================

// Health reports service identity and an engine snapshot.
func (h *Handlers) Health(c *gin.Context) {
	snap := h.engine.Stats()
	inboxDepth.Set(float64(snap.InboxDepth))
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": ServiceName,
		"version": ServiceVersion,
		"engine":  snap,
	})
}

// ============================================================
// assert / retract
// ============================================================

// AssertItem is one incoming assertion in subject/predicate/object form.
// Confidence is a pointer so an explicit 0 is distinguishable from an
// absent field; absent defaults to 1.0.
type AssertItem struct {
	Subject    string           `json:"subject"`
	Predicate  string           `json:"predicate"`
	Object     string           `json:"object"`
	Confidence *float64         `json:"confidence,omitempty"`
	Provenance *core.Provenance `json:"provenance,omitempty"`
}

type assertBody struct {
	AssertItem
	Assertions []AssertItem `json:"assertions"`
}

// AssertItemResult reports one item's outcome: either a fact ID, or the
// validation report that kept it out of the engine.
type AssertItemResult struct {
	FactID     uint64         `json:"fact_id,omitempty"`
	Admitted   bool           `json:"admitted"`
	Validation *shapes.Result `json:"validation,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
}

// AssertResponse is the POST /assert reply.
type AssertResponse struct {
	Success        bool               `json:"success"`
	ProcessedCount int                `json:"processed_count"`
	Items          []AssertItemResult `json:"items"`
	Errors         []string           `json:"errors,omitempty"`
}

// Assert gates each item through the shape catalog and admits the
// conforming ones in one engine batch. A rejected item never reaches
// the engine; the rest of the batch is unaffected.
func (h *Handlers) Assert(c *gin.Context) {
	var body assertBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, KindBadRequest, "malformed assert body: "+err.Error(), nil)
		return
	}
	items := body.Assertions
	if len(items) == 0 {
		if body.Subject == "" || body.Predicate == "" || body.Object == "" {
			writeError(c, KindBadRequest, "assertion needs subject, predicate, and object", nil)
			return
		}
		items = []AssertItem{body.AssertItem}
	}

	resp, kind, err := h.assertItems(c.Request.Context(), items)
	if err != nil {
		writeError(c, kind, err.Error(), nil)
		return
	}
	status := http.StatusOK
	if !resp.Success && resp.ProcessedCount == 0 {
		status = httpStatus(KindValidationFailed)
	}
	c.JSON(status, resp)
}

// assertItems is the transport-independent assert path, shared with RPC.
func (h *Handlers) assertItems(ctx context.Context, items []AssertItem) (*AssertResponse, ErrorKind, error) {
	resp := &AssertResponse{Items: make([]AssertItemResult, len(items))}
	catalog := h.catalog.Load()

	var toAdmit []core.Assertion
	var admitPos []int
	for i, item := range items {
		if item.Subject == "" || item.Predicate == "" || item.Object == "" {
			resp.Items[i] = AssertItemResult{Error: "subject, predicate, and object are required", ErrorKind: KindBadRequest}
			resp.Errors = append(resp.Errors, resp.Items[i].Error)
			continue
		}
		conf := 1.0
		if item.Confidence != nil {
			conf = *item.Confidence
			if conf < 0 || conf > 1 {
				resp.Items[i] = AssertItemResult{Error: fmt.Sprintf("confidence %g outside [0,1]", conf), ErrorKind: KindBadRequest}
				resp.Errors = append(resp.Errors, resp.Items[i].Error)
				continue
			}
		}
		res := catalog.Validate(shapes.Assertion{
			Subject:   item.Subject,
			Predicate: item.Predicate,
			Object:    term.Atom(item.Object),
		}, h.engine)
		if !res.Conforms {
			r := res
			resp.Items[i] = AssertItemResult{Validation: &r, ErrorKind: KindValidationFailed}
			resp.Errors = append(resp.Errors, fmt.Sprintf("item %d failed shape validation", i))
			assertsTotal.WithLabelValues("rejected").Inc()
			continue
		}
		toAdmit = append(toAdmit, core.Assertion{
			Term:       term.Triple(item.Subject, item.Predicate, item.Object),
			Confidence: conf,
			Provenance: item.Provenance,
		})
		admitPos = append(admitPos, i)
	}

	if len(toAdmit) > 0 {
		start := time.Now()
		results, err := h.engine.AssertBatch(ctx, toAdmit)
		if err != nil {
			return nil, classify(err), err
		}
		mutationDuration.WithLabelValues("assert").Observe(time.Since(start).Seconds())
		for j, r := range results {
			i := admitPos[j]
			if r.Err != nil {
				resp.Items[i] = AssertItemResult{Error: r.Err.Error(), ErrorKind: classify(r.Err)}
				resp.Errors = append(resp.Errors, r.Err.Error())
				assertsTotal.WithLabelValues("rejected").Inc()
				continue
			}
			resp.Items[i] = AssertItemResult{FactID: uint64(r.FactID), Admitted: r.Admitted}
			resp.ProcessedCount++
			if r.Admitted {
				assertsTotal.WithLabelValues("admitted").Inc()
			} else {
				assertsTotal.WithLabelValues("duplicate").Inc()
			}
		}
	}

	resp.Success = len(resp.Errors) == 0
	inboxDepth.Set(float64(h.engine.InboxDepth()))
	return resp, "", nil
}

type retractBody struct {
	FactID uint64 `json:"fact_id"`
	Reason string `json:"reason,omitempty"`
}

// Retract tombstones a fact and reports the full cascade.
func (h *Handlers) Retract(c *gin.Context) {
	var body retractBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, KindBadRequest, "malformed retract body: "+err.Error(), nil)
		return
	}
	if body.FactID == 0 {
		writeError(c, KindBadRequest, "fact_id is required", nil)
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "client retraction"
	}

	start := time.Now()
	ids, err := h.engine.RetractFact(c.Request.Context(), core.FactID(body.FactID), reason)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	mutationDuration.WithLabelValues("retract").Observe(time.Since(start).Seconds())
	retractionsTotal.Add(float64(len(ids)))

	c.JSON(http.StatusOK, gin.H{
		"retracted_ids":   ids,
		"retracted_count": len(ids),
	})
}

// ============================================================
// query / why
// ============================================================

// Query answers pattern queries; bare words fall back to substring
// search over printed terms.
func (h *Handlers) Query(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("pattern"))
	if raw == "" {
		writeError(c, KindBadRequest, "pattern is required", nil)
		return
	}
	// limit=0 deliberately yields an empty result; only an absent
	// parameter falls back to the engine cap.
	filters := core.QueryFilters{
		Limit:         intQuery(c, "limit", -1),
		MinConfidence: floatQuery(c, "min_confidence", 0),
		Justification: boolQuery(c, "include_justification"),
	}
	if s := c.Query("sources"); s != "" {
		filters.Sources = strings.Split(s, ",")
	}

	var matches []core.QueryMatch
	var err error
	if strings.ContainsAny(raw, "([?") {
		pattern, perr := term.ParsePattern(raw)
		if perr != nil {
			writeError(c, KindBadRequest, perr.Error(), nil)
			return
		}
		matches, err = h.engine.Query(c.Request.Context(), pattern, filters)
	} else {
		matches, err = h.engine.Search(c.Request.Context(), raw, filters.Limit)
	}
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": matches, "count": len(matches)})
}

// WhyJustification is the justification block of a why reply: the rules
// and direct supports of the target, its provenance when asserted, and
// the full proof tree.
type WhyJustification struct {
	Rules      []string          `json:"rules"`
	Supports   []*core.ProofNode `json:"supports,omitempty"`
	Provenance *core.Provenance  `json:"provenance,omitempty"`
	ProofTree  *core.ProofNode   `json:"proof_tree"`
}

func justificationOf(node *core.ProofNode) WhyJustification {
	rules := node.Rules
	if rules == nil {
		rules = []string{}
	}
	return WhyJustification{
		Rules:      rules,
		Supports:   node.Supports,
		Provenance: node.Provenance,
		ProofTree:  node,
	}
}

// Why reconstructs the justification DAG for a fact ID or printed term.
func (h *Handlers) Why(c *gin.Context) {
	maxDepth := intQuery(c, "max_depth", 0)

	var node *core.ProofNode
	var err error
	switch {
	case c.Query("fact_id") != "":
		id, perr := strconv.ParseUint(c.Query("fact_id"), 10, 64)
		if perr != nil {
			writeError(c, KindBadRequest, "fact_id must be numeric", nil)
			return
		}
		node, err = h.engine.Why(c.Request.Context(), core.FactID(id), maxDepth)
	case c.Query("term") != "":
		t, perr := term.ParsePattern(c.Query("term"))
		if perr != nil {
			writeError(c, KindBadRequest, perr.Error(), nil)
			return
		}
		if !t.IsGround() {
			writeError(c, KindBadRequest, "why target must be ground", nil)
			return
		}
		node, err = h.engine.WhyTerm(c.Request.Context(), t, maxDepth)
	default:
		writeError(c, KindBadRequest, "fact_id or term is required", nil)
		return
	}
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"node_id":       node.FactID,
		"has_proof":     node.Asserted || len(node.Rules) > 0,
		"justification": justificationOf(node),
	})
}

// ============================================================
// subgraph / render
// ============================================================

func (h *Handlers) subgraphRequest(c *gin.Context) (core.SubgraphRequest, bool) {
	req := core.SubgraphRequest{
		Focus:    strings.TrimSpace(c.Query("focus")),
		Radius:   intQuery(c, "radius", 1),
		MaxNodes: intQuery(c, "max_nodes", 0),
		Collapse: boolQuery(c, "collapse"),
	}
	if req.Focus == "" {
		writeError(c, KindBadRequest, "focus is required", nil)
		return req, false
	}
	if req.Radius < 0 {
		writeError(c, KindBadRequest, "radius must be non-negative", nil)
		return req, false
	}
	if s := c.Query("include_edges"); s != "" {
		req.IncludeEdges = strings.Split(s, ",")
	}
	if s := c.Query("exclude_edges"); s != "" {
		req.ExcludeEdges = strings.Split(s, ",")
	}
	return req, true
}

// Subgraph extracts a bounded neighborhood as JSON.
func (h *Handlers) Subgraph(c *gin.Context) {
	req, ok := h.subgraphRequest(c)
	if !ok {
		return
	}
	sg, err := h.engine.ExtractSubgraph(c.Request.Context(), req)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sg)
}

// Render returns the subgraph as JSON or pipes it through the external
// SVG renderer.
func (h *Handlers) Render(c *gin.Context) {
	req, ok := h.subgraphRequest(c)
	if !ok {
		return
	}
	format := c.DefaultQuery("format", "json")
	if format != "json" && format != "svg" {
		writeError(c, KindUnsupported, "format must be json or svg", nil)
		return
	}

	sg, err := h.engine.ExtractSubgraph(c.Request.Context(), req)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	if format == "json" {
		c.JSON(http.StatusOK, sg)
		return
	}
	if len(h.renderer) == 0 {
		writeError(c, KindUnsupported, "no renderer_command configured", nil)
		return
	}
	svg, renderErr := renderSVG(c.Request.Context(), h.renderer, sg)
	if renderErr != nil {
		writeError(c, renderErr.Kind, renderErr.Message, renderErr.Details)
		return
	}
	c.Data(http.StatusOK, "image/svg+xml", svg)
}

// ============================================================
// rules
// ============================================================

// LoadRulePack compiles and installs a rule-pack document. The watcher
// reuses it for hot reload.
func (h *Handlers) LoadRulePack(ctx context.Context, data []byte) (*rulepack.Report, core.InstallReport, error) {
	if h.maxRulePackBytes > 0 && len(data) > h.maxRulePackBytes {
		return nil, core.InstallReport{}, fmt.Errorf("rule pack of %d bytes exceeds cap %d: %w",
			len(data), h.maxRulePackBytes, core.ErrCapacity)
	}
	pack, err := rulepack.Parse(data)
	if err != nil {
		return nil, core.InstallReport{}, err
	}
	rules, report := rulepack.Compile(pack)

	start := time.Now()
	install, err := h.engine.InstallRules(ctx, rules)
	if err != nil {
		return nil, core.InstallReport{}, err
	}
	mutationDuration.WithLabelValues("rules_load").Observe(time.Since(start).Seconds())
	h.log.Info("rule pack installed",
		zap.String("pack", pack.Name),
		zap.Int("compiled", report.Compiled),
		zap.Int("rejected", len(report.Rejected)),
		zap.Int("replaced", install.Replaced))
	return report, install, nil
}

// RulesLoad is POST /rules/load: the body is the YAML rule pack.
func (h *Handlers) RulesLoad(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, KindBadRequest, "read rule pack: "+err.Error(), nil)
		return
	}
	report, install, err := h.LoadRulePack(c.Request.Context(), data)
	if err != nil {
		kind := classify(err)
		if kind == KindInternal {
			// A parse failure is the client's document, not our bug.
			kind = KindBadRequest
		}
		writeError(c, kind, err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"loaded_rule_count": report.Compiled,
		"rejected":          report.Rejected,
		"replaced":          install.Replaced,
		"retracted_count":   len(install.Retracted),
	})
}

// RulesStat is GET /rules/stat.
func (h *Handlers) RulesStat(c *gin.Context) {
	total, byKind := h.engine.RuleStats()
	c.JSON(http.StatusOK, gin.H{"total": total, "by_kind": byKind})
}

// ============================================================
// contradictions / audit
// ============================================================

// Contradictions lists recorded contradiction events, oldest first.
func (h *Handlers) Contradictions(c *gin.Context) {
	events := h.engine.Contradictions()
	c.JSON(http.StatusOK, gin.H{"contradictions": events, "count": len(events)})
}

// AuditRecent returns the newest audit events when the audit log is on.
func (h *Handlers) AuditRecent(c *gin.Context) {
	if h.audit == nil {
		writeError(c, KindUnsupported, "audit log is not configured", nil)
		return
	}
	events, err := h.audit.Recent(intQuery(c, "limit", 50))
	if err != nil {
		writeError(c, KindInternal, err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ============================================================
// query-string helpers
// ============================================================

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func floatQuery(c *gin.Context, key string, fallback float64) float64 {
	if v := c.Query(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

func boolQuery(c *gin.Context, key string) bool {
	v := strings.ToLower(c.Query(key))
	return v == "1" || v == "true" || v == "yes"
}
