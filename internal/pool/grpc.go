// ============================================================================
// pipeexec Worker Pool - gRPC transport
// ============================================================================
//
// Rank 0 serves its Hub as the Rendezvous service; every other rank dials the
// coordinator address and performs each Exchange as one unary RPC that
// returns once the whole group has arrived.
//
// The service is declared by hand (no generated stubs). Requests and
// responses are well-known protobuf messages:
//
//   Exchange(google.protobuf.Struct{group, seq, size, rank, payload})
//       returns google.protobuf.ListValue[payload_0 ... payload_{size-1}]
//
// Payloads travel base64-encoded inside string values, which is how structpb
// represents []byte.
//
// ============================================================================

package pool

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	rendezvousService = "pipeexec.pool.v1.Rendezvous"
	exchangeMethod    = "/" + rendezvousService + "/Exchange"

	maxMessageSize = 64 << 20
)

type rendezvousServer interface {
	Exchange(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error)
}

var rendezvousServiceDesc = grpc.ServiceDesc{
	ServiceName: rendezvousService,
	HandlerType: (*rendezvousServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pipeexec/pool/rendezvous",
}

func exchangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rendezvousServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: exchangeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(rendezvousServer).Exchange(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes a Hub over gRPC.
type Server struct {
	hub    *Hub
	srv    *grpc.Server
	lis    net.Listener
	logger *zap.Logger
}

// NewServer wraps hub in a gRPC server listening on lis.
func NewServer(hub *Hub, lis net.Listener, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		hub:    hub,
		srv:    grpc.NewServer(grpc.MaxRecvMsgSize(maxMessageSize), grpc.MaxSendMsgSize(maxMessageSize)),
		lis:    lis,
		logger: logger,
	}
	s.srv.RegisterService(&rendezvousServiceDesc, s)
	return s
}

// Serve blocks serving RPCs until Stop.
func (s *Server) Serve() error {
	s.logger.Info("rendezvous listening", zap.String("addr", s.lis.Addr().String()))
	if err := s.srv.Serve(s.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop waits for in-flight exchanges and shuts the server down.
func (s *Server) Stop() {
	s.srv.GracefulStop()
}

// Exchange implements the Rendezvous RPC.
func (s *Server) Exchange(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	group, seq, size, rank, payload, err := decodeExchangeRequest(req)
	if err != nil {
		return nil, err
	}
	parts, err := s.hub.Exchange(ctx, group, seq, size, rank, payload)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(parts))
	for i, p := range parts {
		values[i] = p
	}
	return structpb.NewList(values)
}

// Client is an Exchanger backed by a remote Rendezvous service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the coordinator. The connection is lazy; each exchange
// waits for the coordinator to become reachable.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Exchange implements Exchanger.
func (c *Client) Exchange(ctx context.Context, group string, seq uint64, size, rank int, payload []byte) ([][]byte, error) {
	req, err := structpb.NewStruct(map[string]any{
		"group":   group,
		"seq":     seq,
		"size":    size,
		"rank":    rank,
		"payload": payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode exchange: %w", err)
	}
	resp := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, exchangeMethod, req, resp, grpc.WaitForReady(true)); err != nil {
		return nil, err
	}
	parts := make([][]byte, len(resp.GetValues()))
	for i, v := range resp.GetValues() {
		b, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("decode part %d: %w", i, err)
		}
		parts[i] = b
	}
	return parts, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func decodeExchangeRequest(req *structpb.Struct) (group string, seq uint64, size, rank int, payload []byte, err error) {
	f := req.GetFields()
	group = f["group"].GetStringValue()
	seq = uint64(f["seq"].GetNumberValue())
	size = int(f["size"].GetNumberValue())
	rank = int(f["rank"].GetNumberValue())
	payload, err = base64.StdEncoding.DecodeString(f["payload"].GetStringValue())
	if err != nil {
		err = fmt.Errorf("decode payload: %w", err)
	}
	return
}

// GRPCConfig describes one rank of a gRPC pool.
type GRPCConfig struct {
	Rank        int
	Size        int
	Coordinator string // host:port served by rank 0
}

// GRPCPool is one rank's handle on a gRPC pool.
type GRPCPool struct {
	*Comm
	server *Server
	client *Client
}

// NewGRPC joins (rank > 0) or hosts (rank 0) a gRPC pool.
func NewGRPC(cfg GRPCConfig, logger *zap.Logger) (*GRPCPool, error) {
	if cfg.Size < 1 || cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("invalid rank %d for pool size %d", cfg.Rank, cfg.Size)
	}
	if cfg.Coordinator == "" {
		return nil, errors.New("coordinator address is required for a grpc pool")
	}

	if cfg.Rank == 0 {
		lis, err := net.Listen("tcp", cfg.Coordinator)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", cfg.Coordinator, err)
		}
		hub := NewHub()
		srv := NewServer(hub, lis, logger)
		go func() {
			if err := srv.Serve(); err != nil && logger != nil {
				logger.Error("rendezvous server stopped", zap.Error(err))
			}
		}()
		return &GRPCPool{Comm: NewComm(hub, 0, cfg.Size), server: srv}, nil
	}

	client, err := Dial(cfg.Coordinator)
	if err != nil {
		return nil, err
	}
	return &GRPCPool{Comm: NewComm(client, cfg.Rank, cfg.Size), client: client}, nil
}

// Close leaves the pool. Rank 0 keeps serving until in-flight exchanges
// have been answered.
func (p *GRPCPool) Close() error {
	if p.server != nil {
		p.server.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
