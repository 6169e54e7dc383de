package handler

import (
	"context"
	"log"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/cie-portal/reservation-engine/internal/core/domain"
	"github.com/cie-portal/reservation-engine/internal/core/service"
)

// identityMetadataKey carries the caller on every identity-bearing call.
const identityMetadataKey = "x-user-id"

type GRPCHandler struct {
	commands ReservationCommands
	queries  ReservationQueries
}

var _ ReservationServiceServer = (*GRPCHandler)(nil)

func NewGRPCHandler(commands ReservationCommands, queries ReservationQueries) *GRPCHandler {
	return &GRPCHandler{commands: commands, queries: queries}
}

func (h *GRPCHandler) CreateRequest(ctx context.Context, in *CreateRequestBody) (*RequestPayload, error) {
	caller, err := callerIdentity(ctx)
	if err != nil {
		return nil, err
	}

	input, code, err := in.input(caller)
	if err != nil {
		if code == codeResourceNotFound {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	req, err := h.commands.CreateRequest(ctx, input)
	return requestReply(req, err)
}

func (h *GRPCHandler) Decide(ctx context.Context, in *DecideMessage) (*RequestPayload, error) {
	caller, err := callerIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if in.RequestID == "" {
		return nil, status.Error(codes.InvalidArgument, "request_id is required")
	}
	req, err := h.commands.Decide(ctx, service.DecideInput{
		RequestID: in.RequestID,
		Approver:  caller,
		Decision:  service.Decision(strings.ToLower(in.Decision)),
		Notes:     in.Notes,
	})
	return requestReply(req, err)
}

func (h *GRPCHandler) Collect(ctx context.Context, in *RequestRef) (*RequestPayload, error) {
	req, err := h.commands.Collect(ctx, in.RequestID)
	return requestReply(req, err)
}

func (h *GRPCHandler) Return(ctx context.Context, in *RequestRef) (*RequestPayload, error) {
	req, err := h.commands.Return(ctx, in.RequestID)
	return requestReply(req, err)
}

func (h *GRPCHandler) Cancel(ctx context.Context, in *RequestRef) (*RequestPayload, error) {
	caller, err := callerIdentity(ctx)
	if err != nil {
		return nil, err
	}
	req, err := h.commands.Cancel(ctx, in.RequestID, caller)
	return requestReply(req, err)
}

func (h *GRPCHandler) ListForRequester(ctx context.Context, in *ListQuery) (*ListPayload, error) {
	caller, err := callerIdentity(ctx)
	if err != nil {
		return nil, err
	}
	statuses, err := parseStatuses(in.Statuses)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	views, err := h.queries.ListForRequester(ctx, caller, statuses...)
	return listReply(views, err)
}

func (h *GRPCHandler) ListForApprover(ctx context.Context, in *ListQuery) (*ListPayload, error) {
	caller, err := callerIdentity(ctx)
	if err != nil {
		return nil, err
	}
	statuses, err := parseStatuses(in.Statuses)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	views, err := h.queries.ListForApprover(ctx, caller, statuses...)
	return listReply(views, err)
}

func (h *GRPCHandler) AvailableQuantity(ctx context.Context, in *ResourceQuery) (*StockPayload, error) {
	kind, err := domain.ParseResourceKind(in.ResourceKind)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	stock, err := h.queries.Stock(ctx, domain.ResourceRef{Kind: kind, ID: in.ResourceID})
	if err != nil {
		return nil, grpcError(err)
	}
	out := toStockPayload(stock)
	return &out, nil
}

// UnaryLogger logs one line per RPC with its status code and latency.
func UnaryLogger(logger *log.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = log.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Printf("rpc method=%s code=%s duration=%s", info.FullMethod, status.Code(err), time.Since(start))
		return resp, err
	}
}

func requestReply(req domain.Request, err error) (*RequestPayload, error) {
	if err != nil {
		return nil, grpcError(err)
	}
	out := toPayload(req)
	return &out, nil
}

func listReply(views []service.RequestView, err error) (*ListPayload, error) {
	if err != nil {
		return nil, grpcError(err)
	}
	return &ListPayload{Requests: viewPayloads(views)}, nil
}

func grpcError(err error) error {
	m, msg := classify(err)
	return status.Error(m.grpc, msg)
}

// callerIdentity reads the x-user-id metadata, the gRPC counterpart of the X-User-Id header.
func callerIdentity(ctx context.Context) (string, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(identityMetadataKey); len(vals) > 0 && strings.TrimSpace(vals[0]) != "" {
			return strings.TrimSpace(vals[0]), nil
		}
	}
	return "", status.Error(codes.Unauthenticated, identityMetadataKey+" metadata is required")
}
