package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"DonationLedger/internal/observability"
	"DonationLedger/internal/query"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const (
	LedgerServiceName = "donationledger.v1.LedgerService"
	QueryServiceName  = "donationledger.v1.QueryService"
	AdminServiceName  = "donationledger.v1.AdminService"
)

// LedgerServer is the handler type of LedgerService.
type LedgerServer interface {
	Initialize(context.Context, *InitializeRequest) (*CallResponse, error)
	Donate(context.Context, *DonateRequest) (*CallResponse, error)
	Withdraw(context.Context, *WithdrawRequest) (*CallResponse, error)
	GetHistory(context.Context, *GetHistoryRequest) (*GetHistoryResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*GetBalanceResponse, error)
	GetBeneficiary(context.Context, *GetBeneficiaryRequest) (*GetBeneficiaryResponse, error)
	GetTransfer(context.Context, *GetTransferRequest) (*TransferMessage, error)
	GetExpectedNonce(context.Context, *GetExpectedNonceRequest) (*GetExpectedNonceResponse, error)
	TopDonors(context.Context, *TopDonorsRequest) (*query.TopDonorsResponse, error)
}

// QueryServer is the handler type of QueryService.
type QueryServer interface {
	TopDonors(context.Context, *TopDonorsRequest) (*query.TopDonorsResponse, error)
	GetDonor(context.Context, *GetDonorRequest) (*query.DonorTotalResponse, error)
	ListDonorEntries(context.Context, *ListDonorEntriesRequest) (*ListDonorEntriesResponse, error)
	GetPoolSummary(context.Context, *GetPoolSummaryRequest) (*query.PoolSummaryResponse, error)
	GetTransfer(context.Context, *GetTransferRequest) (*query.TransferResponse, error)
	ListTransfers(context.Context, *ListTransfersRequest) (*ListTransfersResponse, error)
}

// AdminServer is the handler type of AdminService.
type AdminServer interface {
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
	RebuildProjections(context.Context, *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error)
	GetEventLogInfo(context.Context, *GetEventLogInfoRequest) (*GetEventLogInfoResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(LedgerServiceName, "Initialize", LedgerServer.Initialize),
		unaryMethod(LedgerServiceName, "Donate", LedgerServer.Donate),
		unaryMethod(LedgerServiceName, "Withdraw", LedgerServer.Withdraw),
		unaryMethod(LedgerServiceName, "GetHistory", LedgerServer.GetHistory),
		unaryMethod(LedgerServiceName, "GetBalance", LedgerServer.GetBalance),
		unaryMethod(LedgerServiceName, "GetBeneficiary", LedgerServer.GetBeneficiary),
		unaryMethod(LedgerServiceName, "GetTransfer", LedgerServer.GetTransfer),
		unaryMethod(LedgerServiceName, "GetExpectedNonce", LedgerServer.GetExpectedNonce),
		unaryMethod(LedgerServiceName, "TopDonors", LedgerServer.TopDonors),
	},
	Metadata: "donationledger/v1/ledger.json",
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(QueryServiceName, "TopDonors", QueryServer.TopDonors),
		unaryMethod(QueryServiceName, "GetDonor", QueryServer.GetDonor),
		unaryMethod(QueryServiceName, "ListDonorEntries", QueryServer.ListDonorEntries),
		unaryMethod(QueryServiceName, "GetPoolSummary", QueryServer.GetPoolSummary),
		unaryMethod(QueryServiceName, "GetTransfer", QueryServer.GetTransfer),
		unaryMethod(QueryServiceName, "ListTransfers", QueryServer.ListTransfers),
	},
	Metadata: "donationledger/v1/query.json",
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(AdminServiceName, "TakeSnapshot", AdminServer.TakeSnapshot),
		unaryMethod(AdminServiceName, "RebuildProjections", AdminServer.RebuildProjections),
		unaryMethod(AdminServiceName, "GetEventLogInfo", AdminServer.GetEventLogInfo),
		unaryMethod(AdminServiceName, "VerifyIntegrity", AdminServer.VerifyIntegrity),
	},
	Metadata: "donationledger/v1/admin.json",
}

// unaryMethod builds the MethodDesc for one handler method, the way
// protoc-gen-go-grpc does for generated services.
func unaryMethod[S, Req, Resp any](service, method string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	Backend       Backend
	Queries       Queries // nil when Postgres projections are disabled
	Admin         AdminDeps
	HealthChecker *observability.HealthChecker
}

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	healthServer  *health.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	ledger        *LedgerService
	query         *QueryService
	admin         *AdminService
	logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))

	s := &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		ledger:        NewLedgerService(deps.Backend, deps.Queries, logger),
		logger:        logger,
	}

	grpcServer.RegisterService(&ledgerServiceDesc, s.ledger)
	if deps.Queries != nil {
		s.query = NewQueryService(deps.Queries)
		grpcServer.RegisterService(&queryServiceDesc, s.query)
	}
	admin := deps.Admin
	if admin.Backend == nil {
		admin.Backend = deps.Backend
	}
	if admin.Queries == nil {
		admin.Queries = deps.Queries
	}
	s.admin = NewAdminService(admin, logger)
	grpcServer.RegisterService(&adminServiceDesc, s.admin)

	// Health check
	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.healthServer.SetServingStatus(LedgerServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return s
}

// SetServing flips the gRPC health status. It mirrors /readyz.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(LedgerServiceName, st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := logger.Debug()
		if err != nil {
			ev = logger.Info()
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}
