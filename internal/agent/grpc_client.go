package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// generateMethod is the unary RPC exposed by the external reply generator. It
// takes and returns a google.protobuf.Struct.
const generateMethod = "/throne.responder.v1.Responder/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errEmptyReply               = errors.New("generator returned empty reply")
)

// GrpcResponderConfig holds configuration for the gRPC generator client.
type GrpcResponderConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcResponderConfig returns default configuration for addr.
func DefaultGrpcResponderConfig(addr string) GrpcResponderConfig {
	return GrpcResponderConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcResponder generates replies through an external gRPC service.
type GrpcResponder struct {
	conn    *grpc.ClientConn
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGrpcResponder connects to the generator and fails fast when it is not ready.
func NewGrpcResponder(cfg GrpcResponderConfig, logger *slog.Logger) (*GrpcResponder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to reply generator at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("reply generator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to reply generator", "address", cfg.Address)
	return &GrpcResponder{
		conn:    conn,
		addr:    cfg.Address,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Respond implements Responder.
func (c *GrpcResponder) Respond(ctx context.Context, p Prompt) (string, error) {
	in, err := structpb.NewStruct(map[string]any{
		"visitor_id":   p.VisitorID,
		"session_id":   p.SessionID,
		"companion_id": p.CompanionID,
		"tier":         string(p.Tier),
		"message":      p.Message,
		"preface":      p.Preface,
		"length":       p.Style.Length,
		"formality":    p.Style.Formality,
	})
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, generateMethod, in, out); err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	reply := out.GetFields()["reply"].GetStringValue()
	if reply == "" {
		return "", errEmptyReply
	}
	return reply, nil
}

// Close closes the gRPC connection.
func (c *GrpcResponder) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}
