package handler

import (
	"context"

	"google.golang.org/grpc"
)

const reservationServiceName = "reservation.v1.ReservationService"

// Callers identify themselves with x-user-id metadata on every call, the way HTTP callers send
// X-User-Id. Messages carry no identity fields.

type RequestRef struct {
	RequestID string `json:"request_id"`
}

// DecideMessage is DecisionBody addressed to one request.
type DecideMessage struct {
	RequestID string `json:"request_id"`
	DecisionBody
}

type ListQuery struct {
	Statuses []string `json:"statuses,omitempty"`
}

type ResourceQuery struct {
	ResourceKind string `json:"resource_kind"`
	ResourceID   string `json:"resource_id"`
}

// ReservationServiceServer is the server API for reservation.v1.ReservationService.
type ReservationServiceServer interface {
	CreateRequest(ctx context.Context, in *CreateRequestBody) (*RequestPayload, error)
	Decide(ctx context.Context, in *DecideMessage) (*RequestPayload, error)
	Collect(ctx context.Context, in *RequestRef) (*RequestPayload, error)
	Return(ctx context.Context, in *RequestRef) (*RequestPayload, error)
	Cancel(ctx context.Context, in *RequestRef) (*RequestPayload, error)
	ListForRequester(ctx context.Context, in *ListQuery) (*ListPayload, error)
	ListForApprover(ctx context.Context, in *ListQuery) (*ListPayload, error)
	AvailableQuantity(ctx context.Context, in *ResourceQuery) (*StockPayload, error)
}

func RegisterReservationServiceServer(s grpc.ServiceRegistrar, srv ReservationServiceServer) {
	s.RegisterService(&reservationServiceDesc, srv)
}

var reservationServiceDesc = grpc.ServiceDesc{
	ServiceName: reservationServiceName,
	HandlerType: (*ReservationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateRequest", ReservationServiceServer.CreateRequest),
		unary("Decide", ReservationServiceServer.Decide),
		unary("Collect", ReservationServiceServer.Collect),
		unary("Return", ReservationServiceServer.Return),
		unary("Cancel", ReservationServiceServer.Cancel),
		unary("ListForRequester", ReservationServiceServer.ListForRequester),
		unary("ListForApprover", ReservationServiceServer.ListForApprover),
		unary("AvailableQuantity", ReservationServiceServer.AvailableQuantity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reservation/v1/reservation.json",
}

func fullMethod(method string) string {
	return "/" + reservationServiceName + "/" + method
}

// unary adapts a typed server method to a grpc.MethodDesc.
func unary[Req, Resp any](method string, call func(ReservationServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReservationServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReservationServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ReservationServiceClient calls reservation.v1.ReservationService with the JSON codec.
type ReservationServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewReservationServiceClient(cc grpc.ClientConnInterface) *ReservationServiceClient {
	return &ReservationServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *ReservationServiceClient, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationServiceClient) CreateRequest(ctx context.Context, in *CreateRequestBody, opts ...grpc.CallOption) (*RequestPayload, error) {
	return invoke[RequestPayload](ctx, c, "CreateRequest", in, opts)
}

func (c *ReservationServiceClient) Decide(ctx context.Context, in *DecideMessage, opts ...grpc.CallOption) (*RequestPayload, error) {
	return invoke[RequestPayload](ctx, c, "Decide", in, opts)
}

func (c *ReservationServiceClient) Collect(ctx context.Context, in *RequestRef, opts ...grpc.CallOption) (*RequestPayload, error) {
	return invoke[RequestPayload](ctx, c, "Collect", in, opts)
}

func (c *ReservationServiceClient) Return(ctx context.Context, in *RequestRef, opts ...grpc.CallOption) (*RequestPayload, error) {
	return invoke[RequestPayload](ctx, c, "Return", in, opts)
}

func (c *ReservationServiceClient) Cancel(ctx context.Context, in *RequestRef, opts ...grpc.CallOption) (*RequestPayload, error) {
	return invoke[RequestPayload](ctx, c, "Cancel", in, opts)
}

func (c *ReservationServiceClient) ListForRequester(ctx context.Context, in *ListQuery, opts ...grpc.CallOption) (*ListPayload, error) {
	return invoke[ListPayload](ctx, c, "ListForRequester", in, opts)
}

func (c *ReservationServiceClient) ListForApprover(ctx context.Context, in *ListQuery, opts ...grpc.CallOption) (*ListPayload, error) {
	return invoke[ListPayload](ctx, c, "ListForApprover", in, opts)
}

func (c *ReservationServiceClient) AvailableQuantity(ctx context.Context, in *ResourceQuery, opts ...grpc.CallOption) (*StockPayload, error) {
	return invoke[StockPayload](ctx, c, "AvailableQuantity", in, opts)
}
