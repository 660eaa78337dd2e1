package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"timebank/internal/config"
	"timebank/internal/domain"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const bookingEngineServiceName = "timebank.v1.BookingEngine"

const (
	methodRequestBooking  = "/" + bookingEngineServiceName + "/RequestBooking"
	methodConfirmBooking  = "/" + bookingEngineServiceName + "/ConfirmBooking"
	methodDeclineBooking  = "/" + bookingEngineServiceName + "/DeclineBooking"
	methodCancelBooking   = "/" + bookingEngineServiceName + "/CancelBooking"
	methodCompleteBooking = "/" + bookingEngineServiceName + "/CompleteBooking"
	methodMarkNoShow      = "/" + bookingEngineServiceName + "/MarkNoShow"
	methodGetBooking      = "/" + bookingEngineServiceName + "/GetBooking"
	methodCanReview       = "/" + bookingEngineServiceName + "/CanReview"
	methodGetBalance      = "/" + bookingEngineServiceName + "/GetBalance"
)

// BookingEngineServer is the gRPC face of the booking engine. Requests and
// responses are google.protobuf.Struct messages carrying the same JSON
// shapes as the HTTP API. The acting user travels in request metadata.
type BookingEngineServer interface {
	RequestBooking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfirmBooking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeclineBooking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelBooking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteBooking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkNoShow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBooking(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CanReview(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type bookingMethod func(BookingEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call bookingMethod) grpc.MethodDesc {
	fullMethod := "/" + bookingEngineServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BookingEngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BookingEngineServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var bookingEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: bookingEngineServiceName,
	HandlerType: (*BookingEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("RequestBooking", BookingEngineServer.RequestBooking),
		unaryMethod("ConfirmBooking", BookingEngineServer.ConfirmBooking),
		unaryMethod("DeclineBooking", BookingEngineServer.DeclineBooking),
		unaryMethod("CancelBooking", BookingEngineServer.CancelBooking),
		unaryMethod("CompleteBooking", BookingEngineServer.CompleteBooking),
		unaryMethod("MarkNoShow", BookingEngineServer.MarkNoShow),
		unaryMethod("GetBooking", BookingEngineServer.GetBooking),
		unaryMethod("CanReview", BookingEngineServer.CanReview),
		unaryMethod("GetBalance", BookingEngineServer.GetBalance),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "timebank/v1/booking_engine.proto",
}

func RegisterBookingEngineServer(s grpc.ServiceRegistrar, srv BookingEngineServer) {
	s.RegisterService(&bookingEngineServiceDesc, srv)
}

type bookingEngine struct {
	svc        Services
	userHeader string
}

// NewBookingEngine returns the BookingEngineServer backed by svc.
func NewBookingEngine(svc Services, cfg config.APIConfig) BookingEngineServer {
	return &bookingEngine{svc: svc, userHeader: newKeyring(cfg).userHeader()}
}

func (e *bookingEngine) actor(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	id := first(md.Get(e.userHeader))
	if id == "" {
		return "", status.Errorf(codes.Unauthenticated, "missing %s metadata", e.userHeader)
	}
	return id, nil
}

func (e *bookingEngine) RequestBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	studentID, err := e.actor(ctx)
	if err != nil {
		return nil, err
	}
	slotID, err := requiredField(req, "slot_id")
	if err != nil {
		return nil, err
	}
	return reply(e.svc.Bookings.RequestBooking(ctx, slotID, studentID))
}

func (e *bookingEngine) ConfirmBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actorID, bookingID, err := e.bookingCall(ctx, req)
	if err != nil {
		return nil, err
	}
	return reply(e.svc.Bookings.ConfirmBooking(ctx, bookingID, actorID))
}

func (e *bookingEngine) DeclineBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actorID, bookingID, err := e.bookingCall(ctx, req)
	if err != nil {
		return nil, err
	}
	return reply(e.svc.Bookings.DeclineBooking(ctx, bookingID, actorID, stringField(req, "reason")))
}

func (e *bookingEngine) CancelBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actorID, bookingID, err := e.bookingCall(ctx, req)
	if err != nil {
		return nil, err
	}
	return reply(e.svc.Bookings.CancelBooking(ctx, bookingID, actorID, stringField(req, "reason")))
}

func (e *bookingEngine) CompleteBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actorID, bookingID, err := e.bookingCall(ctx, req)
	if err != nil {
		return nil, err
	}
	return reply(e.svc.Bookings.CompleteBooking(ctx, bookingID, actorID))
}

func (e *bookingEngine) MarkNoShow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actorID, bookingID, err := e.bookingCall(ctx, req)
	if err != nil {
		return nil, err
	}
	return reply(e.svc.Bookings.MarkNoShow(ctx, bookingID, actorID))
}

func (e *bookingEngine) GetBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actorID, bookingID, err := e.bookingCall(ctx, req)
	if err != nil {
		return nil, err
	}
	b, err := e.svc.Bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, grpcError(err)
	}
	if !b.IsParty(actorID) {
		return nil, grpcError(fmt.Errorf("booking %s: %w", bookingID, domain.ErrNotAuthorized))
	}
	return reply(map[string]any{"booking": b}, nil)
}

func (e *bookingEngine) CanReview(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actorID, bookingID, err := e.bookingCall(ctx, req)
	if err != nil {
		return nil, err
	}
	can, err := e.svc.Reviews.CanReview(ctx, bookingID, actorID)
	return reply(map[string]bool{"can_review": can}, err)
}

// GetBalance defaults to the acting user when user_id is absent. A balance is
// visible to its owner only.
func (e *bookingEngine) GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actorID, err := e.actor(ctx)
	if err != nil {
		return nil, err
	}
	userID := stringField(req, "user_id")
	if userID == "" {
		userID = actorID
	}
	if userID != actorID {
		return nil, grpcError(fmt.Errorf("balance of %s: %w", userID, domain.ErrNotAuthorized))
	}
	balance, err := e.svc.Ledger.GetBalance(ctx, userID)
	return reply(map[string]any{"user_id": userID, "balance": balance}, err)
}

func (e *bookingEngine) bookingCall(ctx context.Context, req *structpb.Struct) (string, string, error) {
	actorID, err := e.actor(ctx)
	if err != nil {
		return "", "", err
	}
	bookingID, err := requiredField(req, "booking_id")
	if err != nil {
		return "", "", err
	}
	return actorID, bookingID, nil
}

func stringField(req *structpb.Struct, name string) string {
	v, ok := req.GetFields()[name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.GetStringValue())
}

func requiredField(req *structpb.Struct, name string) (string, error) {
	v := stringField(req, name)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return v, nil
}

// reply converts a service result to a Struct via its JSON encoding.
// Integers come back as JSON numbers.
func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, grpcError(err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}
