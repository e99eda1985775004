package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/client/repositories/operations"
	"github.com/JoyinJoester/Monica-sub008/internal/client/session"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
	"github.com/JoyinJoester/Monica-sub008/internal/logging"
)

type Options struct {
	Address string
	// TokenFile receives the control token of this run.
	TokenFile string
	// Interval between background sync passes. Zero disables them.
	Interval time.Duration
	Logger   logging.Logger
}

// Server runs the control service next to a periodic sync loop.
type Server struct {
	engine    Engine
	opts      Options
	logger    logging.Logger
	jwtSecret []byte
}

func NewServer(engine Engine, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	return &Server{
		engine:    engine,
		opts:      opts,
		logger:    opts.Logger.With("module", "agent"),
		jwtSecret: secret,
	}, nil
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Address, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs on an existing listener. The control token is written before
// the first request is accepted and lives as long as the run.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	token, err := GenerateToken(s.jwtSecret, 365*24*time.Hour)
	if err != nil {
		return err
	}
	if s.opts.TokenFile != "" {
		if err := WriteTokenFile(s.opts.TokenFile, token); err != nil {
			return err
		}
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.accessTokenInterceptor),
		grpc.ChainStreamInterceptor(s.accessTokenStreamInterceptor),
	)
	srv.RegisterService(&ServiceDesc, &controlService{engine: s.engine, logger: s.logger})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info(ctx, "Starting control server", "address", lis.Addr().String())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping control server...")
		srv.GracefulStop()
		return nil
	})
	if s.opts.Interval > 0 {
		g.Go(func() error {
			s.syncLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		s.pass(ctx, "")
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pass syncs then delivers one vault, or every unlocked vault when vaultID
// is empty.
func (s *Server) pass(ctx context.Context, vaultID string) {
	if _, err := runPass(ctx, s.engine, vaultID); err != nil && ctx.Err() == nil {
		s.logger.Warn(ctx, "background pass finished with errors", "err", err)
	}
}

func runPass(ctx context.Context, engine Engine, vaultID string) (*structpb.Struct, error) {
	var (
		results map[string]*session.SyncResult
		errs    []error
	)
	if vaultID == "" {
		var err error
		results, err = engine.SyncAll(ctx, session.SyncOptions{})
		if err != nil {
			errs = append(errs, err)
		}
	} else {
		res, err := engine.Sync(ctx, vaultID, session.SyncOptions{})
		if err != nil {
			return nil, err
		}
		results = map[string]*session.SyncResult{vaultID: res}
	}

	targets := []string{vaultID}
	if vaultID == "" {
		vaults, err := engine.Vaults(ctx)
		if err != nil {
			return nil, err
		}
		targets = targets[:0]
		for _, v := range vaults {
			if v.State == session.Unlocked && v.Vault.SyncEnabled {
				targets = append(targets, v.Vault.ID)
			}
		}
	}

	out := make(map[string]any, len(targets))
	for _, id := range targets {
		entry := map[string]any{}
		if res := results[id]; res != nil {
			entry["skipped"] = res.Skipped
			entry["inserted"] = res.Counts.Inserted
			entry["overwritten"] = res.Counts.Overwritten
			entry["deleted"] = res.Counts.Deleted
			entry["unchanged"] = res.Counts.Unchanged
			entry["conflicts"] = res.Counts.Conflicts
			entry["decode_failures"] = len(res.Failures)
		}
		dr, err := engine.Deliver(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("vault %s: %w", id, err))
			entry["deliver_error"] = err.Error()
		}
		entry["delivered"] = dr.Delivered
		entry["retrying"] = dr.Retrying
		entry["failed"] = dr.Failed
		out[id] = entry
	}

	st, err := structpb.NewStruct(map[string]any{"vaults": out})
	if err != nil {
		return nil, err
	}
	return st, errors.Join(errs...)
}

func (s *Server) authorize(ctx context.Context) error {
	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(common.AccessTokenHeaderName); len(values) > 0 {
			token = values[0]
		}
	}
	if token == "" {
		return status.Error(codes.Unauthenticated, "missing token")
	}
	if err := VerifyToken(token, s.jwtSecret); err != nil {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

func (s *Server) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *Server) accessTokenStreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.authorize(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

type controlService struct {
	engine Engine
	logger logging.Logger
}

var _ ControlServer = (*controlService)(nil)

func (c *controlService) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	vaults, err := c.engine.Vaults(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(vaults))
	for _, v := range vaults {
		conflicts, err := c.engine.Conflicts(ctx, v.Vault.ID, true)
		if err != nil {
			return nil, toStatus(err)
		}
		ops, err := c.engine.PendingOperations(ctx, operations.Filter{VaultID: v.Vault.ID})
		if err != nil {
			return nil, toStatus(err)
		}
		active, failed := 0, 0
		for _, op := range ops {
			switch op.Status {
			case models.StatusCompleted:
			case models.StatusFailed:
				failed++
			default:
				active++
			}
		}
		list = append(list, map[string]any{
			"id":             v.Vault.ID,
			"email":          v.Vault.Email,
			"server_url":     v.Vault.ServerURL,
			"state":          v.State.String(),
			"sync_enabled":   v.Vault.SyncEnabled,
			"last_sync_at":   formatTime(v.Vault.LastSyncAt),
			"open_conflicts": len(conflicts),
			"pending_ops":    active,
			"failed_ops":     failed,
		})
	}
	st, err := structpb.NewStruct(map[string]any{"vaults": list})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func (c *controlService) Sync(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	vaultID := strings.TrimSpace(in.GetValue())
	c.logger.Info(ctx, "sync requested", "vault", vaultID)
	st, err := runPass(ctx, c.engine, vaultID)
	if err != nil && st == nil {
		return nil, toStatus(err)
	}
	if err != nil {
		c.logger.Warn(ctx, "sync pass finished with errors", "err", err)
	}
	return st, nil
}

func (c *controlService) Lock(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "vault id is required")
	}
	if err := c.engine.Lock(ctx, in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (c *controlService) LockAll(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	c.engine.LockAll(ctx)
	return &emptypb.Empty{}, nil
}

func (c *controlService) ResolveConflict(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	fields := in.GetFields()
	id := fields["conflict_id"].GetStringValue()
	resolution := models.Resolution(fields["resolution"].GetStringValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "conflict_id is required")
	}
	if err := c.engine.ResolveConflict(ctx, id, resolution); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (c *controlService) RetryOperation(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := c.engine.RetryOperation(ctx, in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (c *controlService) DiscardOperation(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := c.engine.DiscardOperation(ctx, in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (c *controlService) Events(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	ch, unsubscribe := c.engine.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			msg := map[string]any{
				"type":     string(ev.Type),
				"vault_id": ev.VaultID,
				"detail":   ev.Detail,
				"at":       formatTime(ev.At),
			}
			if ev.Err != nil {
				msg["error"] = ev.Err.Error()
			}
			st, err := structpb.NewStruct(msg)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(st); err != nil {
				return err
			}
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// toStatus maps engine errors onto gRPC codes; fromStatus reverses it on the
// client side.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, common.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, common.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, common.ErrVaultLocked), errors.Is(err, common.ErrInvalidState):
		code = codes.FailedPrecondition
	case common.IsAuthError(err):
		code = codes.PermissionDenied
	case errors.Is(err, common.ErrNetwork):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}
