// Package grpcserver exposes the lending desk over gRPC.
//
// The service is registered by hand: every method takes and returns a
// google.protobuf.Struct, so no generated stubs are needed on either side.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/lendingdesk/internal/convert"
	"github.com/and161185/lendingdesk/internal/errs"
	"github.com/and161185/lendingdesk/internal/model"
	"github.com/and161185/lendingdesk/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lendingdesk.v1.LendingDesk"

// access levels of a method
type access int

const (
	public access = iota
	authenticated
	staffOnly
)

type handler func(s *Server, ctx context.Context, c Caller, in *structpb.Struct) (*structpb.Struct, error)

type method struct {
	name   string
	access access
	fn     handler
}

// Dispatcher is the handler type of the hand-written service descriptor.
type Dispatcher interface {
	dispatch(ctx context.Context, m method, in *structpb.Struct) (*structpb.Struct, error)
}

// Server wires services into gRPC handlers.
type Server struct {
	auth    service.AuthService
	lending service.LendingService
	signKey []byte
	now     func() time.Time
}

// New constructs a gRPC server with injected services.
func New(auth service.AuthService, lending service.LendingService, signKey []byte) *Server {
	return &Server{auth: auth, lending: lending, signKey: signKey, now: time.Now}
}

var methods = []method{
	{"Login", public, (*Server).login},
	{"RegisterBorrower", staffOnly, (*Server).registerBorrower},
	{"SetItemStatus", staffOnly, (*Server).setItemStatus},
	{"Borrow", authenticated, (*Server).borrow},
	{"ReturnItem", staffOnly, (*Server).returnItem},
	{"RegisterInternalUse", staffOnly, (*Server).registerInternalUse},
	{"PreviewRenew", authenticated, (*Server).previewRenew},
	{"RenewLoan", authenticated, (*Server).renewLoan},
	{"PreviewExtend", authenticated, (*Server).previewExtend},
	{"ExtendLoan", authenticated, (*Server).extendLoan},
	{"Nudge", authenticated, (*Server).nudge},
	{"ApplyNudgeImpact", staffOnly, (*Server).applyNudgeImpact},
	{"ListMyLoans", authenticated, (*Server).listMyLoans},
	{"ListLoans", staffOnly, (*Server).listLoans},
	{"GetPolicy", authenticated, (*Server).getPolicy},
	{"UpdatePolicy", staffOnly, (*Server).updatePolicy},
}

// ServiceDesc describes the LendingDesk service for grpc.Server.RegisterService.
var ServiceDesc = buildDesc()

func buildDesc() grpc.ServiceDesc {
	sd := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*Dispatcher)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "lendingdesk/v1/lendingdesk.proto",
	}
	for _, m := range methods {
		sd.Methods = append(sd.Methods, grpc.MethodDesc{MethodName: m.name, Handler: unary(m)})
	}
	return sd
}

func unary(m method) func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + ServiceName + "/" + m.name
	return func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		d := srv.(Dispatcher)
		if ic == nil {
			return d.dispatch(ctx, m, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return d.dispatch(ctx, m, req.(*structpb.Struct))
		})
	}
}

// Register attaches the service to a grpc server.
func Register(gs grpc.ServiceRegistrar, s *Server) { gs.RegisterService(&ServiceDesc, s) }

func (s *Server) dispatch(ctx context.Context, m method, in *structpb.Struct) (*structpb.Struct, error) {
	var c Caller
	if m.access != public {
		var err error
		if c, err = s.callerFromToken(ctx); err != nil {
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		if m.access == staffOnly && !c.IsStaff() {
			return nil, status.Error(codes.PermissionDenied, "staff only")
		}
		ctx = WithCaller(ctx, c)
	}
	out, err := m.fn(s, ctx, c, in)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

// toStatus maps domain errors to gRPC codes. Status errors pass through.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if r, ok := errs.ReasonOf(err); ok {
		return status.Error(codes.FailedPrecondition, string(r))
	}
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrConflict):
		return status.Error(codes.Aborted, "conflict, retry")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "bad credentials")
	case errors.Is(err, errs.ErrForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	}
	return status.Error(codes.Internal, "internal")
}

func badArg(err error) error { return status.Error(codes.InvalidArgument, err.Error()) }

// actingFor resolves the borrower an operation applies to: borrowers act for
// themselves, staff must name the borrower.
func actingFor(c Caller, in *structpb.Struct) (int64, error) {
	id, ok, err := convert.OptInt64(in, "borrower_id")
	if err != nil {
		return 0, badArg(err)
	}
	if !c.IsStaff() {
		if ok && id != c.BorrowerID {
			return 0, status.Error(codes.PermissionDenied, "cannot act for another borrower")
		}
		return c.BorrowerID, nil
	}
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "borrower_id: required")
	}
	return id, nil
}

// --- Auth ---

func (s *Server) login(ctx context.Context, _ Caller, in *structpb.Struct) (*structpb.Struct, error) {
	key, err := convert.String(in, "credential_key")
	if err != nil {
		return nil, badArg(err)
	}
	secret, err := convert.String(in, "secret")
	if err != nil {
		return nil, badArg(err)
	}
	tok, b, err := s.auth.Login(ctx, key, secret)
	if err != nil {
		return nil, err
	}
	return convert.ToStructTokens(tok, b), nil
}

func (s *Server) registerBorrower(ctx context.Context, _ Caller, in *structpb.Struct) (*structpb.Struct, error) {
	key, err := convert.String(in, "credential_key")
	if err != nil {
		return nil, badArg(err)
	}
	secret, err := convert.String(in, "secret")
	if err != nil {
		return nil, badArg(err)
	}
	staff := in.GetFields()["staff"].GetBoolValue()
	id, err := s.auth.Register(ctx, key, secret, staff)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"borrower_id": id})
}

// --- Items ---

func (s *Server) setItemStatus(ctx context.Context, _ Caller, in *structpb.Struct) (*structpb.Struct, error) {
	itemID, err := convert.Int64(in, "item_id")
	if err != nil {
		return nil, badArg(err)
	}
	st, err := convert.String(in, "status")
	if err != nil {
		return nil, badArg(err)
	}
	if err := s.lending.SetItemStatus(ctx, itemID, model.ItemStatus(st)); err != nil {
		return nil, err
	}
	return &structpb.Struct{}, nil
}

// --- Loans ---

func (s *Server) borrow(ctx context.Context, c Caller, in *structpb.Struct) (*structpb.Struct, error) {
	itemID, err := convert.Int64(in, "item_id")
	if err != nil {
		return nil, badArg(err)
	}
	borrowerID, err := actingFor(c, in)
	if err != nil {
		return nil, err
	}
	var cred *model.Credential
	if key, ok, err := convert.OptString(in, "credential_key"); err != nil {
		return nil, badArg(err)
	} else if ok {
		secret, _, err := convert.OptString(in, "secret")
		if err != nil {
			return nil, badArg(err)
		}
		cred = &model.Credential{Key: key, Secret: secret}
	}
	l, err := s.lending.Borrow(ctx, itemID, borrowerID, cred)
	if err != nil {
		return nil, err
	}
	return convert.ToStructLoan(*l, s.now()), nil
}

func (s *Server) returnItem(ctx context.Context, _ Caller, in *structpb.Struct) (*structpb.Struct, error) {
	itemID, err := convert.Int64(in, "item_id")
	if err != nil {
		return nil, badArg(err)
	}
	l, err := s.lending.ReturnItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return convert.ToStructLoan(*l, s.now()), nil
}

func (s *Server) registerInternalUse(ctx context.Context, _ Caller, in *structpb.Struct) (*structpb.Struct, error) {
	itemID, err := convert.Int64(in, "item_id")
	if err != nil {
		return nil, badArg(err)
	}
	l, err := s.lending.RegisterInternalUse(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return convert.ToStructLoan(*l, s.now()), nil
}

// loanArgs reads loan_id and the acting borrower.
func loanArgs(c Caller, in *structpb.Struct) (uuid.UUID, int64, error) {
	id, err := convert.UUID(in, "loan_id")
	if err != nil {
		return uuid.Nil, 0, badArg(err)
	}
	borrowerID, err := actingFor(c, in)
	if err != nil {
		return uuid.Nil, 0, err
	}
	return id, borrowerID, nil
}

func (s *Server) previewRenew(ctx context.Context, c Caller, in *structpb.Struct) (*structpb.Struct, error) {
	id, b, err := loanArgs(c, in)
	if err != nil {
		return nil, err
	}
	p, err := s.lending.PreviewRenew(ctx, id, b)
	if err != nil {
		return nil, err
	}
	return convert.ToStructRenewPreview(p), nil
}

func (s *Server) renewLoan(ctx context.Context, c Caller, in *structpb.Struct) (*structpb.Struct, error) {
	id, b, err := loanArgs(c, in)
	if err != nil {
		return nil, err
	}
	out, err := s.lending.RenewLoan(ctx, id, b)
	if err != nil {
		return nil, err
	}
	return convert.ToStructLoan(*out, s.now()), nil
}

func (s *Server) previewExtend(ctx context.Context, c Caller, in *structpb.Struct) (*structpb.Struct, error) {
	id, b, err := loanArgs(c, in)
	if err != nil {
		return nil, err
	}
	p, err := s.lending.PreviewExtend(ctx, id, b)
	if err != nil {
		return nil, err
	}
	return convert.ToStructExtendPreview(p), nil
}

func (s *Server) extendLoan(ctx context.Context, c Caller, in *structpb.Struct) (*structpb.Struct, error) {
	id, b, err := loanArgs(c, in)
	if err != nil {
		return nil, err
	}
	out, err := s.lending.ExtendLoan(ctx, id, b)
	if err != nil {
		return nil, err
	}
	return convert.ToStructLoan(*out, s.now()), nil
}

func (s *Server) nudge(ctx context.Context, c Caller, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := convert.UUID(in, "loan_id")
	if err != nil {
		return nil, badArg(err)
	}
	r, err := s.lending.Nudge(ctx, id, c.BorrowerID)
	if err != nil {
		return nil, err
	}
	return convert.ToStructNudgeResult(r), nil
}

func (s *Server) applyNudgeImpact(ctx context.Context, _ Caller, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := convert.UUID(in, "loan_id")
	if err != nil {
		return nil, badArg(err)
	}
	r, err := s.lending.ApplyNudgeImpact(ctx, id)
	if err != nil {
		return nil, err
	}
	return convert.ToStructNudgeResult(r), nil
}

func (s *Server) listMyLoans(ctx context.Context, c Caller, in *structpb.Struct) (*structpb.Struct, error) {
	f, err := convert.LoanFilter(in)
	if err != nil {
		return nil, badArg(err)
	}
	ls, err := s.lending.ListByBorrower(ctx, c.BorrowerID, f)
	if err != nil {
		return nil, err
	}
	return convert.ToStructLoans(ls, s.now()), nil
}

func (s *Server) listLoans(ctx context.Context, _ Caller, in *structpb.Struct) (*structpb.Struct, error) {
	f, err := convert.LoanFilter(in)
	if err != nil {
		return nil, badArg(err)
	}
	id, ok, err := convert.OptInt64(in, "borrower_id")
	if err != nil {
		return nil, badArg(err)
	}
	var ls []model.Loan
	if ok {
		ls, err = s.lending.ListByBorrower(ctx, id, f)
	} else {
		ls, err = s.lending.ListAll(ctx, f)
	}
	if err != nil {
		return nil, err
	}
	return convert.ToStructLoans(ls, s.now()), nil
}

// --- Policy ---

func (s *Server) getPolicy(ctx context.Context, _ Caller, _ *structpb.Struct) (*structpb.Struct, error) {
	return convert.ToStructPolicy(s.lending.GetPolicy(ctx)), nil
}

func (s *Server) updatePolicy(ctx context.Context, _ Caller, in *structpb.Struct) (*structpb.Struct, error) {
	pp, err := convert.FromStructPolicyPatch(in)
	if err != nil {
		return nil, badArg(err)
	}
	p, err := s.lending.UpdatePolicy(ctx, pp)
	if err != nil {
		return nil, err
	}
	return convert.ToStructPolicy(p), nil
}
