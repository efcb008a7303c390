package server

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/observability"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "stakeledger.v1.StakingService"

	// CodecName is the content subtype clients must request
	// (application/grpc+json).
	CodecName = "json"

	// ErrorCodeTrailer carries the engine error code on failed calls.
	ErrorCodeTrailer = "stake-error-code"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the service exchange plain Go structs over gRPC, encoded
// the same way as the HTTP gateway.
type jsonCodec struct{}

var builtin = &runtime.JSONBuiltin{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return builtin.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return builtin.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	service       StakingServer
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// ServerDeps holds the dependencies of both surfaces.
type ServerDeps struct {
	Service       StakingServer
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates the gRPC server with the staking and health
// services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		service:       deps.Service,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.unaryInterceptor))
	RegisterStakingServer(s.grpcServer, deps.Service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

// Server exposes the underlying grpc.Server, e.g. to serve on a bufconn
// listener in tests.
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON surface (blocking). Routes call the
// service in-process rather than proxying to the gRPC listener.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := NewHTTPHandler(s.service, s.healthChecker, s.metrics, s.logger)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// unaryInterceptor maps engine errors to gRPC status codes, attaches the
// engine error code as a trailer, and records API metrics.
func (s *GRPCServer) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = string(core.CodeOf(err))
		grpc.SetTrailer(ctx, metadata.Pairs(ErrorCodeTrailer, outcome))
		if core.IsIntegrityFault(err) {
			s.logger.Error().Err(err).Str("method", info.FullMethod).Msg("integrity fault")
		}
		err = ToStatus(err)
	}

	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(info.FullMethod, outcome).Inc()
		s.metrics.QueryDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.QueryErrors.WithLabelValues(info.FullMethod, outcome).Inc()
		}
	}
	return resp, err
}

// ToStatus converts an engine error to a gRPC status error. Errors that are
// already statuses pass through.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		return st.Err()
	}
	return status.Error(GRPCCode(err), err.Error())
}

// GRPCCode is the gRPC code for an engine error.
func GRPCCode(err error) codes.Code {
	switch core.KindOf(err) {
	case core.KindNone:
		return codes.OK
	case core.KindRejection:
		switch core.CodeOf(err) {
		case core.CodeInvalidAmount, core.CodeInvalidParameter:
			return codes.InvalidArgument
		case core.CodeNotAdmin:
			return codes.PermissionDenied
		case core.CodeDuplicateOperation:
			return codes.AlreadyExists
		default:
			return codes.FailedPrecondition
		}
	case core.KindIntegrity:
		return codes.Internal
	default:
		return codes.Unavailable
	}
}

// ============================================================================
// Service descriptor
// ============================================================================

// RegisterStakingServer registers srv on s under ServiceName.
func RegisterStakingServer(s grpc.ServiceRegistrar, srv StakingServer) {
	s.RegisterService(&StakingServiceDesc, srv)
}

var StakingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StakingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetPool", StakingServer.GetPool),
		unary("GetRate", StakingServer.GetRate),
		unary("GetSolvency", StakingServer.GetSolvency),
		unary("GetStake", StakingServer.GetStake),
		unary("GetReward", StakingServer.GetReward),
		unary("GetHistory", StakingServer.GetHistory),
		unary("GetReceipt", StakingServer.GetReceipt),
		unary("Estimate", StakingServer.Estimate),
		unary("Stake", StakingServer.Stake),
		unary("Unstake", StakingServer.Unstake),
		unary("EmergencyWithdraw", StakingServer.EmergencyWithdraw),
		unary("SetPaused", StakingServer.SetPaused),
		unary("SetMaxCap", StakingServer.SetMaxCap),
		unary("SetRewardRate", StakingServer.SetRewardRate),
		unary("SetRateBounds", StakingServer.SetRateBounds),
		unary("SetMinStakeAmount", StakingServer.SetMinStakeAmount),
		unary("SetLockupPeriod", StakingServer.SetLockupPeriod),
		unary("FundRewards", StakingServer.FundRewards),
		unary("TransferAdmin", StakingServer.TransferAdmin),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stakeledger/v1/staking.json",
}

// FullMethod returns "/stakeledger.v1.StakingService/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](name string, call func(StakingServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StakingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(StakingServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Client calls the staking service over a gRPC connection using the JSON
// codec.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Invoke calls method (e.g. "Stake") with in and decodes the reply into out.
func (c *Client) Invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	return c.conn.Invoke(ctx, FullMethod(method), in, out, opts...)
}
