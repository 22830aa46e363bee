package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	serviceName = "distcache.v1.Member"

	methodSendBackup = "/" + serviceName + "/SendBackup"
	methodRead       = "/" + serviceName + "/Read"
	methodWrite      = "/" + serviceName + "/Write"

	// trailer keys carrying the structured error across the wire
	trailerCode       = "distcache-error-code"
	trailerDurability = "distcache-error-durability"
)

// memberServer is the HandlerType of the service descriptor
type memberServer interface {
	Handler
}

var memberServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*memberServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendBackup", Handler: sendBackupHandler},
		{MethodName: "Read", Handler: readHandler},
		{MethodName: "Write", Handler: writeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "distcache/member.proto",
}

func sendBackupHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(model.BackupBatch)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(memberServer)
	if interceptor == nil {
		return h.HandleBackup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSendBackup}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.HandleBackup(ctx, req.(*model.BackupBatch))
	})
}

func readHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(memberServer)
	if interceptor == nil {
		return h.HandleRead(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRead}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.HandleRead(ctx, req.(*ReadRequest))
	})
}

func writeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(WriteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(memberServer)
	if interceptor == nil {
		return h.HandleWrite(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodWrite}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.HandleWrite(ctx, req.(*WriteRequest))
	})
}

// errorInterceptor converts structured errors to gRPC statuses and records
// the exact code in the trailer so the caller can rebuild it
func errorInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}

		e, ok := errors.As(err)
		if !ok {
			logger.Error("Unstructured handler error",
				zap.String("method", info.FullMethod),
				zap.Error(err))
			return nil, status.Error(codes.Internal, err.Error())
		}

		_ = grpc.SetTrailer(ctx, metadata.Pairs(
			trailerCode, strconv.Itoa(int(e.Code)),
			trailerDurability, strconv.Itoa(int(e.Durability)),
		))
		return nil, e.ToGRPCStatus().Err()
	}
}

// GRPCServer exposes a Handler over gRPC
type GRPCServer struct {
	server *grpc.Server
	logger *zap.Logger
}

// NewGRPCServer registers h on a new gRPC server
func NewGRPCServer(h Handler, logger *zap.Logger, opts ...grpc.ServerOption) *GRPCServer {
	opts = append(opts, grpc.ChainUnaryInterceptor(errorInterceptor(logger)))
	server := grpc.NewServer(opts...)
	server.RegisterService(&memberServiceDesc, h)
	return &GRPCServer{server: server, logger: logger}
}

// Serve accepts connections on lis until Stop is called
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("Starting member gRPC server", zap.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Stop gracefully stops the server
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}

// AddressBook resolves member identifiers to dialable addresses
type AddressBook interface {
	Address(id model.MemberID) (string, bool)
}

// GRPCClient is a Transport over gRPC with one connection per target member
type GRPCClient struct {
	book        AddressBook
	dialOptions []grpc.DialOption
	logger      *zap.Logger

	mu    sync.Mutex
	conns map[model.MemberID]*grpc.ClientConn
}

// NewGRPCClient creates a client. Without dial options connections are insecure.
func NewGRPCClient(book AddressBook, logger *zap.Logger, opts ...grpc.DialOption) *GRPCClient {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	return &GRPCClient{
		book:        book,
		dialOptions: opts,
		logger:      logger,
		conns:       make(map[model.MemberID]*grpc.ClientConn),
	}
}

func (c *GRPCClient) conn(target model.MemberID) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[target]; ok {
		return conn, nil
	}
	addr, ok := c.book.Address(target)
	if !ok {
		return nil, errors.Unreachable(target, fmt.Errorf("no address known"))
	}
	conn, err := grpc.NewClient(addr, c.dialOptions...)
	if err != nil {
		return nil, errors.Unreachable(target, err)
	}
	c.conns[target] = conn
	return conn, nil
}

// Forget closes the connection to a departed member
func (c *GRPCClient) Forget(target model.MemberID) {
	c.mu.Lock()
	conn, ok := c.conns[target]
	delete(c.conns, target)
	c.mu.Unlock()

	if ok {
		if err := conn.Close(); err != nil {
			c.logger.Debug("Failed to close member connection",
				zap.String("member_id", string(target)),
				zap.Error(err))
		}
	}
}

// Close closes every connection
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, conn := range c.conns {
		if err := conn.Close(); err != nil {
			c.logger.Warn("Failed to close member connection",
				zap.String("member_id", string(id)),
				zap.Error(err))
		}
	}
	c.conns = make(map[model.MemberID]*grpc.ClientConn)
	return nil
}

func (c *GRPCClient) invoke(ctx context.Context, target model.MemberID, method string, in, out interface{}) error {
	conn, err := c.conn(target)
	if err != nil {
		return err
	}

	var trailer metadata.MD
	err = conn.Invoke(ctx, method, in, out, grpc.Trailer(&trailer))
	if err == nil {
		return nil
	}
	return decodeError(target, err, trailer)
}

// decodeError rebuilds the remote structured error. Statuses without the
// trailer come from the gRPC stack itself and mean the member was not reached.
func decodeError(target model.MemberID, err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Unreachable(target, err)
	}

	codeValues := trailer.Get(trailerCode)
	if len(codeValues) == 0 {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
			return errors.Unreachable(target, err)
		}
		return errors.FromGRPCError(err)
	}

	code, convErr := strconv.Atoi(codeValues[0])
	if convErr != nil {
		return errors.FromGRPCError(err)
	}
	e := errors.New(errors.ErrorCode(code), st.Message(), nil)
	if d := trailer.Get(trailerDurability); len(d) > 0 {
		if v, convErr := strconv.Atoi(d[0]); convErr == nil {
			e.Durability = errors.Durability(v)
		}
	}
	return e
}

// SendBackup implements Transport
func (c *GRPCClient) SendBackup(ctx context.Context, target model.MemberID, batch *model.BackupBatch) (*model.BackupAck, error) {
	out := new(model.BackupAck)
	if err := c.invoke(ctx, target, methodSendBackup, batch, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Read implements Transport
func (c *GRPCClient) Read(ctx context.Context, target model.MemberID, req *ReadRequest) (*ReadResponse, error) {
	out := new(ReadResponse)
	if err := c.invoke(ctx, target, methodRead, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Write implements Transport
func (c *GRPCClient) Write(ctx context.Context, target model.MemberID, req *WriteRequest) (*WriteResponse, error) {
	out := new(WriteResponse)
	if err := c.invoke(ctx, target, methodWrite, req, out); err != nil {
		if abandoned(err) {
			return nil, errors.WriteOutcomeUnknown(req.Partition, target, err)
		}
		return nil, err
	}
	return out, nil
}

// abandoned reports a call given up by the caller's deadline or cancellation.
// The request may already be executing at the target.
func abandoned(err error) bool {
	e, ok := errors.As(err)
	if !ok || e.Code != errors.ErrCodeUnreachable {
		return false
	}
	switch status.Code(e.Cause) {
	case codes.DeadlineExceeded, codes.Canceled:
		return true
	}
	return false
}
