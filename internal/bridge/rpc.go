package bridge

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"kgraphd/internal/core"
	"kgraphd/internal/term"
)

// The RPC surface carries JSON frames over gRPC. There is no protobuf
// schema: payloads mirror the HTTP surface field for field, so the
// service registers a JSON codec and a hand-written service descriptor.

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() { encoding.RegisterCodec(jsonCodec{}) }

const rpcServiceName = "kgraphd.v1.KnowledgeGraph"

// RPCAssertRequest admits a batch of assertions.
type RPCAssertRequest struct {
	Assertions []AssertItem `json:"assertions"`
}

// RPCQueryRequest mirrors GET /query. Limit is a pointer so an explicit
// zero (empty result) is distinguishable from an absent field.
type RPCQueryRequest struct {
	Pattern              string  `json:"pattern"`
	Limit                *int    `json:"limit,omitempty"`
	MinConfidence        float64 `json:"min_confidence,omitempty"`
	IncludeJustification bool    `json:"include_justification,omitempty"`
}

// RPCQueryResponse mirrors the /query reply.
type RPCQueryResponse struct {
	Results []core.QueryMatch `json:"results"`
	Count   int               `json:"count"`
}

// RPCWhyRequest targets a fact by ID or printed term.
type RPCWhyRequest struct {
	FactID   uint64 `json:"fact_id,omitempty"`
	Term     string `json:"term,omitempty"`
	MaxDepth int    `json:"max_depth,omitempty"`
}

// RPCWhyResponse mirrors the /why reply.
type RPCWhyResponse struct {
	NodeID        uint64           `json:"node_id"`
	HasProof      bool             `json:"has_proof"`
	Justification WhyJustification `json:"justification"`
}

// RPCSearchRequest is the substring-search call.
type RPCSearchRequest struct {
	Needle string `json:"needle"`
	Limit  *int   `json:"limit,omitempty"`
}

// RPCHealthRequest is empty; gRPC unary calls still carry a message.
type RPCHealthRequest struct{}

// limitOrDefault maps an absent limit to the engine-cap fallback.
func limitOrDefault(n *int) int {
	if n == nil {
		return -1
	}
	return *n
}

// RPCHealthResponse mirrors /health.
type RPCHealthResponse struct {
	Status  string        `json:"status"`
	Service string        `json:"service"`
	Version string        `json:"version"`
	Engine  core.Snapshot `json:"engine"`
}

// rpcServer is the unary call set of the service.
type rpcServer interface {
	Assert(context.Context, *RPCAssertRequest) (*AssertResponse, error)
	Query(context.Context, *RPCQueryRequest) (*RPCQueryResponse, error)
	Why(context.Context, *RPCWhyRequest) (*RPCWhyResponse, error)
	Search(context.Context, *RPCSearchRequest) (*RPCQueryResponse, error)
	Health(context.Context, *RPCHealthRequest) (*RPCHealthResponse, error)
}

// rpcService adapts Handlers to the RPC surface.
type rpcService struct {
	h *Handlers
}

func (s *rpcService) Assert(ctx context.Context, in *RPCAssertRequest) (*AssertResponse, error) {
	if len(in.Assertions) == 0 {
		return nil, rpcError(KindBadRequest, "assertions are required")
	}
	resp, kind, err := s.h.assertItems(ctx, in.Assertions)
	if err != nil {
		return nil, rpcError(kind, err.Error())
	}
	return resp, nil
}

func (s *rpcService) Query(ctx context.Context, in *RPCQueryRequest) (*RPCQueryResponse, error) {
	raw := strings.TrimSpace(in.Pattern)
	if raw == "" {
		return nil, rpcError(KindBadRequest, "pattern is required")
	}
	filters := core.QueryFilters{
		Limit:         limitOrDefault(in.Limit),
		MinConfidence: in.MinConfidence,
		Justification: in.IncludeJustification,
	}

	var matches []core.QueryMatch
	var err error
	if strings.ContainsAny(raw, "([?") {
		pattern, perr := term.ParsePattern(raw)
		if perr != nil {
			return nil, rpcError(KindBadRequest, perr.Error())
		}
		matches, err = s.h.engine.Query(ctx, pattern, filters)
	} else {
		matches, err = s.h.engine.Search(ctx, raw, filters.Limit)
	}
	if err != nil {
		return nil, rpcEngineError(err)
	}
	return &RPCQueryResponse{Results: matches, Count: len(matches)}, nil
}

func (s *rpcService) Why(ctx context.Context, in *RPCWhyRequest) (*RPCWhyResponse, error) {
	var node *core.ProofNode
	var err error
	switch {
	case in.FactID != 0:
		node, err = s.h.engine.Why(ctx, core.FactID(in.FactID), in.MaxDepth)
	case in.Term != "":
		t, perr := term.ParsePattern(in.Term)
		if perr != nil {
			return nil, rpcError(KindBadRequest, perr.Error())
		}
		if !t.IsGround() {
			return nil, rpcError(KindBadRequest, "why target must be ground")
		}
		node, err = s.h.engine.WhyTerm(ctx, t, in.MaxDepth)
	default:
		return nil, rpcError(KindBadRequest, "fact_id or term is required")
	}
	if err != nil {
		return nil, rpcEngineError(err)
	}
	return &RPCWhyResponse{
		NodeID:        uint64(node.FactID),
		HasProof:      node.Asserted || len(node.Rules) > 0,
		Justification: justificationOf(node),
	}, nil
}

func (s *rpcService) Search(ctx context.Context, in *RPCSearchRequest) (*RPCQueryResponse, error) {
	if strings.TrimSpace(in.Needle) == "" {
		return nil, rpcError(KindBadRequest, "needle is required")
	}
	matches, err := s.h.engine.Search(ctx, in.Needle, limitOrDefault(in.Limit))
	if err != nil {
		return nil, rpcEngineError(err)
	}
	return &RPCQueryResponse{Results: matches, Count: len(matches)}, nil
}

func (s *rpcService) Health(_ context.Context, _ *RPCHealthRequest) (*RPCHealthResponse, error) {
	return &RPCHealthResponse{
		Status:  "ok",
		Service: ServiceName,
		Version: ServiceVersion,
		Engine:  s.h.engine.Stats(),
	}, nil
}

// NewRPCServer builds the gRPC server with the knowledge-graph service
// registered and the JSON codec forced.
func NewRPCServer(h *Handlers) *grpc.Server {
	srv := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	srv.RegisterService(&serviceDesc, &rpcService{h: h})
	return srv
}

func unaryHandler[Req any](
	method string,
	call func(rpcServer, context.Context, *Req) (any, error),
) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + rpcServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(rpcServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(rpcServer), ctx, req.(*Req))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: rpcServiceName,
	HandlerType: (*rpcServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Assert",
			Handler: unaryHandler("Assert", func(s rpcServer, ctx context.Context, in *RPCAssertRequest) (any, error) {
				return s.Assert(ctx, in)
			}),
		},
		{
			MethodName: "Query",
			Handler: unaryHandler("Query", func(s rpcServer, ctx context.Context, in *RPCQueryRequest) (any, error) {
				return s.Query(ctx, in)
			}),
		},
		{
			MethodName: "Why",
			Handler: unaryHandler("Why", func(s rpcServer, ctx context.Context, in *RPCWhyRequest) (any, error) {
				return s.Why(ctx, in)
			}),
		},
		{
			MethodName: "Search",
			Handler: unaryHandler("Search", func(s rpcServer, ctx context.Context, in *RPCSearchRequest) (any, error) {
				return s.Search(ctx, in)
			}),
		},
		{
			MethodName: "Health",
			Handler: unaryHandler("Health", func(s rpcServer, ctx context.Context, in *RPCHealthRequest) (any, error) {
				return s.Health(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kgraphd/v1 (json codec, no protobuf schema)",
}
