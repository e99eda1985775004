package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

// Client calls a running agent.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// Dial connects to the agent at address. Extra options are appended, which
// lets tests supply a custom dialer.
func Dial(address, token string, opts ...grpc.DialOption) (*Client, error) {
	c := &Client{token: token}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
		grpc.WithStreamInterceptor(c.accessTokenStreamInterceptor),
	}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) withAccessToken(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, common.AccessTokenHeaderName, c.token)
}

func (c *Client) accessTokenInterceptor(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	return invoker(c.withAccessToken(ctx), method, req, reply, cc, opts...)
}

func (c *Client) accessTokenStreamInterceptor(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return streamer(c.withAccessToken(ctx), desc, cc, method, opts...)
}

func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodStatus, &emptypb.Empty{}, out); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// Sync asks the agent for a sync and delivery pass; an empty vault id
// covers every unlocked vault.
func (c *Client) Sync(ctx context.Context, vaultID string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodSync, wrapperspb.String(vaultID), out); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (c *Client) Lock(ctx context.Context, vaultID string) error {
	return mapError(c.conn.Invoke(ctx, methodLock, wrapperspb.String(vaultID), new(emptypb.Empty)))
}

func (c *Client) LockAll(ctx context.Context) error {
	return mapError(c.conn.Invoke(ctx, methodLockAll, &emptypb.Empty{}, new(emptypb.Empty)))
}

func (c *Client) ResolveConflict(ctx context.Context, conflictID string, resolution models.Resolution) error {
	in, err := structpb.NewStruct(map[string]any{
		"conflict_id": conflictID,
		"resolution":  string(resolution),
	})
	if err != nil {
		return err
	}
	return mapError(c.conn.Invoke(ctx, methodResolveConflict, in, new(emptypb.Empty)))
}

func (c *Client) RetryOperation(ctx context.Context, id string) error {
	return mapError(c.conn.Invoke(ctx, methodRetryOperation, wrapperspb.String(id), new(emptypb.Empty)))
}

func (c *Client) DiscardOperation(ctx context.Context, id string) error {
	return mapError(c.conn.Invoke(ctx, methodDiscardOperation, wrapperspb.String(id), new(emptypb.Empty)))
}

// Events streams engine events until ctx ends or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], methodEvents)
	if err != nil {
		return mapError(err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return mapError(err)
	}
	if err := stream.CloseSend(); err != nil {
		return mapError(err)
	}
	for {
		ev := new(structpb.Struct)
		if err := stream.RecvMsg(ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if status.Code(err) == codes.Canceled && ctx.Err() != nil {
				return nil
			}
			return mapError(err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var base error
	switch st.Code() {
	case codes.NotFound:
		base = common.ErrNotFound
	case codes.InvalidArgument:
		base = common.ErrValidation
	case codes.FailedPrecondition:
		base = common.ErrInvalidState
	case codes.PermissionDenied:
		base = common.ErrAuthentication
	case codes.Unauthenticated:
		base = ErrInvalidToken
	case codes.Unavailable, codes.DeadlineExceeded:
		base = common.ErrNetwork
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
	return fmt.Errorf("%w: %s", base, st.Message())
}
