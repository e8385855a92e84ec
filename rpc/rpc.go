// Package rpc implements the channel between the master and its satellites.
//
// It is a gRPC service with JSON encoded messages and a hand written service
// description. Each satellite keeps a single bidirectional Session stream open
// to the master. The satellite authenticates on the stream with a
// challenge-response, after which the master sends control messages (pushes)
// over it. The other calls are made by the satellite, with the session token
// in the call metadata. Large responses are sent as a stream of pages.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/cloudmailing/cm/mlog"
)

var pkglog = mlog.New("rpc", nil)

// ServiceName is the name of the gRPC service.
const ServiceName = "cm.Cluster"

// PageSize is the maximum size of a page in paged responses.
const PageSize = 256 * 1024

// Metadata keys for calls outside the session.
const (
	mdSerial = "cm-serial"
	mdToken  = "cm-token"
)

var (
	ErrDisconnected = errors.New("satellite disconnected")
	ErrUnauthorized = errors.New("unauthorized login")
	ErrNotFound     = errors.New("not found")
)

// Codec encodes messages as JSON. It is forced on both ends of the connection.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string {
	return "json"
}

func init() {
	encoding.RegisterCodec(Codec{})
}

// clusterServer is implemented by Server, for grpc's check in RegisterService.
type clusterServer interface {
	session(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*clusterServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("SendReports", (*Server).sendReports),
		unaryMethod("SendStatistics", (*Server).sendStatistics),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(*Server).session(stream)
			},
		},
		pagedMethod("GetMailing", (*Server).getMailing),
		pagedMethod("GetRecipients", (*Server).getRecipients),
		pagedMethod("GetMyRecipients", (*Server).getMyRecipients),
	},
}

var sessionDesc = &grpc.StreamDesc{StreamName: "Session", ServerStreams: true, ClientStreams: true}
var pagedDesc = &grpc.StreamDesc{ServerStreams: true}

func methodPath(name string) string {
	return "/" + ServiceName + "/" + name
}

func unaryMethod[Req, Resp any](name string, fn func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				resp, err := fn(srv.(*Server), ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return call(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPath(name)}
			return interceptor(ctx, req, info, call)
		},
	}
}

func pagedMethod[Req any](name string, fn func(*Server, context.Context, *Req) (any, error)) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			req := new(Req)
			if err := stream.RecvMsg(req); err != nil {
				return err
			}
			v, err := fn(srv.(*Server), stream.Context(), req)
			if err != nil {
				return toStatus(err)
			}
			return sendPages(stream, v)
		},
	}
}

// sendPages sends v as JSON in pages of at most PageSize bytes.
func sendPages(stream grpc.ServerStream, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	for len(buf) > 0 {
		n := min(len(buf), PageSize)
		if err := stream.SendMsg(&Page{Data: buf[:n]}); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// recvPages reads pages until the end of the stream, and decodes the
// concatenated data into v.
func recvPages(stream grpc.ClientStream, v any) error {
	var buf []byte
	for {
		var p Page
		err := stream.RecvMsg(&p)
		if err == io.EOF {
			break
		} else if err != nil {
			return fromStatus(err)
		}
		buf = append(buf, p.Data...)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("decoding paged response: %w", err)
	}
	return nil
}

// toStatus converts a handler error to a grpc status error.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrUnauthorized):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus converts a grpc status error from the master back to the
// package errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, st.Message())
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", ErrUnauthorized, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ErrDisconnected, st.Message())
	}
	return err
}
