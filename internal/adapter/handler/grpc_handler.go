package handler

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/negotiation/internal/core/domain"
	"github.com/rl1809/negotiation/internal/core/service"
)

const negotiationServiceName = "negotiation.NegotiationService"

type SubmitOfferRPCRequest struct {
	Actor     domain.Actor    `json:"actor"`
	ProductID string          `json:"product_id"`
	To        domain.Actor    `json:"to"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency"`
	Quantity  *int            `json:"quantity,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type CounterRPCRequest struct {
	Actor    domain.Actor    `json:"actor"`
	RecordID string          `json:"record_id"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type RespondRPCRequest struct {
	Actor    domain.Actor `json:"actor"`
	RecordID string       `json:"record_id"`
	Message  string       `json:"message,omitempty"`
}

type ListThreadsRPCRequest struct {
	Actor    domain.Actor          `json:"actor"`
	Statuses []domain.RecordStatus `json:"statuses,omitempty"`
	Limit    int                   `json:"limit,omitempty"`
	Offset   int                   `json:"offset,omitempty"`
}

type ListThreadsRPCResponse struct {
	Threads []domain.ThreadView `json:"threads"`
}

// NegotiationServer is the gRPC surface of the engine.
type NegotiationServer interface {
	SubmitOffer(context.Context, *SubmitOfferRPCRequest) (*domain.Record, error)
	Counter(context.Context, *CounterRPCRequest) (*domain.Record, error)
	Accept(context.Context, *RespondRPCRequest) (*domain.Record, error)
	Reject(context.Context, *RespondRPCRequest) (*domain.Record, error)
	ListThreads(context.Context, *ListThreadsRPCRequest) (*ListThreadsRPCResponse, error)
}

type GRPCHandler struct {
	negotiations *service.NegotiationService
	threads      *service.ThreadQueryService
}

func NewGRPCHandler(negotiations *service.NegotiationService, threads *service.ThreadQueryService) *GRPCHandler {
	return &GRPCHandler{negotiations: negotiations, threads: threads}
}

func (h *GRPCHandler) SubmitOffer(ctx context.Context, req *SubmitOfferRPCRequest) (*domain.Record, error) {
	record, err := h.negotiations.SubmitOffer(ctx, service.SubmitOfferInput{
		ProductID: req.ProductID,
		From:      req.Actor,
		To:        req.To,
		Price:     domain.Money{Amount: req.Price, Currency: req.Currency},
		Quantity:  req.Quantity,
		Message:   req.Message,
	})
	return record, toStatus(err)
}

func (h *GRPCHandler) Counter(ctx context.Context, req *CounterRPCRequest) (*domain.Record, error) {
	record, err := h.negotiations.Counter(ctx, service.CounterInput{
		RecordID: req.RecordID,
		Acting:   req.Actor,
		Price:    domain.Money{Amount: req.Price, Currency: req.Currency},
		Message:  req.Message,
	})
	return record, toStatus(err)
}

func (h *GRPCHandler) Accept(ctx context.Context, req *RespondRPCRequest) (*domain.Record, error) {
	record, err := h.negotiations.Accept(ctx, req.RecordID, req.Actor, req.Message)
	return record, toStatus(err)
}

func (h *GRPCHandler) Reject(ctx context.Context, req *RespondRPCRequest) (*domain.Record, error) {
	record, err := h.negotiations.Reject(ctx, req.RecordID, req.Actor, req.Message)
	return record, toStatus(err)
}

func (h *GRPCHandler) ListThreads(ctx context.Context, req *ListThreadsRPCRequest) (*ListThreadsRPCResponse, error) {
	threads, err := h.threads.ListThreads(ctx, service.ThreadFilter{
		Actor:    req.Actor,
		Statuses: req.Statuses,
		Page:     domain.Page{Limit: req.Limit, Offset: req.Offset},
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListThreadsRPCResponse{Threads: threads}, nil
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrInvalidOffer), errors.Is(err, domain.ErrInvalidQuery):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrNotRecipient):
		code = codes.PermissionDenied
	case errors.Is(err, domain.ErrSuperseded), errors.Is(err, domain.ErrNotPending):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrLineageLocked):
		code = codes.Aborted
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrTransient):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func RegisterNegotiationServer(s grpc.ServiceRegistrar, srv NegotiationServer) {
	s.RegisterService(&negotiationServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(NegotiationServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(NegotiationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + negotiationServiceName + "/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(NegotiationServer), ctx, req.(*Req))
			})
		},
	}
}

var negotiationServiceDesc = grpc.ServiceDesc{
	ServiceName: negotiationServiceName,
	HandlerType: (*NegotiationServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("SubmitOffer", NegotiationServer.SubmitOffer),
		unaryHandler("Counter", NegotiationServer.Counter),
		unaryHandler("Accept", NegotiationServer.Accept),
		unaryHandler("Reject", NegotiationServer.Reject),
		unaryHandler("ListThreads", NegotiationServer.ListThreads),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "negotiation.proto",
}
