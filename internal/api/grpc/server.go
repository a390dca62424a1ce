package grpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/clintrovert/foreman/internal/leader"
	"github.com/clintrovert/foreman/internal/registry"
	"github.com/clintrovert/foreman/pkg/types"
)

// Registry is the registry surface exposed over grpc.
type Registry interface {
	Register(ctx context.Context, req registry.RegisterRequest) (types.RepoContext, error)
	Patch(ctx context.Context, id string, p registry.Patch) (types.RepoContext, error)
	Get(ctx context.Context, id string) (types.RepoContext, error)
	List(ctx context.Context) ([]types.RepoContext, error)
}

// Dispatcher is the scheduling surface exposed over grpc.
type Dispatcher interface {
	Scan(ctx context.Context, repoID string) (leader.ScanReport, error)
	Next(ctx context.Context, repoID string) (*types.TaskRecord, error)
	Dispatch(ctx context.Context, repoID string) types.DispatchResult
}

// RepoRequest addresses one repository.
type RepoRequest struct {
	RepoID string `json:"repo_id"`
}

// PatchRequest applies a partial update to a repository.
type PatchRequest struct {
	RepoID string `json:"repo_id"`
	registry.Patch
}

// ReposResponse lists registered repositories.
type ReposResponse struct {
	Repos []types.RepoContext `json:"repos"`
}

// ModeResponse reports a repository's mode.
type ModeResponse struct {
	RepoID string     `json:"repo_id"`
	Mode   types.Mode `json:"mode"`
}

// NextResponse carries the next eligible task, if any.
type NextResponse struct {
	RepoID string            `json:"repo_id"`
	Next   *types.TaskRecord `json:"next,omitempty"`
}

// Server implements the operator gRPC service
type Server struct {
	registry   Registry
	dispatcher Dispatcher
	health     *health.Server
	logger     *zap.Logger
}

// NewServer creates a new gRPC server
func NewServer(reg Registry, dispatcher Dispatcher, logger *zap.Logger) *Server {
	return &Server{
		registry:   reg,
		dispatcher: dispatcher,
		health:     health.NewServer(),
		logger:     logger,
	}
}

// Attach registers the operator and health services with a gRPC server
func (s *Server) Attach(grpcServer *grpc.Server) {
	RegisterOperatorServer(grpcServer, s)
	healthpb.RegisterHealthServer(grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Shutdown marks every service as not serving.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

func (s *Server) Register(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req registry.RegisterRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	repo, err := s.registry.Register(ctx, req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return encode(repo)
}

func (s *Server) Patch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PatchRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	repo, err := s.registry.Patch(ctx, req.RepoID, req.Patch)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return encode(repo)
}

func (s *Server) ListRepos(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	repos, err := s.registry.List(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	if repos == nil {
		repos = []types.RepoContext{}
	}
	return encode(ReposResponse{Repos: repos})
}

func (s *Server) GetMode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RepoRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	repo, err := s.registry.Get(ctx, req.RepoID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return encode(ModeResponse{RepoID: repo.ID, Mode: repo.Mode})
}

func (s *Server) Scan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RepoRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	report, err := s.dispatcher.Scan(ctx, req.RepoID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return encode(report)
}

func (s *Server) Next(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RepoRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	next, err := s.dispatcher.Next(ctx, req.RepoID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return encode(NextResponse{RepoID: req.RepoID, Next: next})
}

// Dispatch returns the dispatch result even when it reports a refusal.
func (s *Server) Dispatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RepoRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if _, err := s.registry.Get(ctx, req.RepoID); err != nil {
		return nil, s.toStatus(err)
	}
	return encode(s.dispatcher.Dispatch(ctx, req.RepoID))
}

func (s *Server) toStatus(err error) error {
	switch {
	case errors.Is(err, registry.ErrRepoNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, registry.ErrInvalidMode), errors.Is(err, registry.ErrInvalidRepo):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, leader.ErrDisabled):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	s.logger.Error("operator call failed", zap.Error(err))
	return status.Error(codes.Internal, err.Error())
}

func decode(in *structpb.Struct, v any) error {
	if err := FromStruct(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	out, err := ToStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
