package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// generateMethod is the unary RPC served by generation sidecars.
const generateMethod = "/adstudio.generation.v1.GenerationService/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the gRPC backend.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults; tests use them for bufconn.
	DialOptions []grpc.DialOption
}

// DefaultGRPCConfig returns default configuration for addr.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPC calls a generation sidecar over gRPC with structpb payloads.
type GRPC struct {
	conn    *grpc.ClientConn
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGRPC connects to the sidecar and waits until the channel is ready so
// bad endpoints fail at startup.
func NewGRPC(cfg GRPCConfig, logger *slog.Logger) (*GRPC, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("grpc generation backend: address is required")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("generation service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to generation service", "address", cfg.Address)
	return &GRPC{conn: conn, addr: cfg.Address, timeout: cfg.RequestTimeout, logger: logger}, nil
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

// Name implements Backend.
func (g *GRPC) Name() string { return "grpc" }

// Close closes the gRPC connection.
func (g *GRPC) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

// Generate implements Backend.
func (g *GRPC) Generate(ctx context.Context, req Request) (*Result, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	out := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, generateMethod, in, out); err != nil {
		return nil, classifyStatus(err)
	}

	var res Result
	if err := fromStruct(out, &res); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrPermanent, err)
	}
	return &res, nil
}

// classifyStatus maps gRPC status codes onto the error classes.
func classifyStatus(err error) error {
	if classified, ok := classifyContext(err); ok {
		return classified
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
