package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/cloudmailing/cm/cm-"
	"github.com/cloudmailing/cm/metrics"
	"github.com/cloudmailing/cm/mlog"
)

// Dial returns a connection to the master at address. The connection is made
// lazily, and reconnects when lost. If tlsConfig is nil, the connection is not
// encrypted.
func Dial(ctx context.Context, address string, tlsConfig *tls.Config, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{}), grpc.MaxCallRecvMsgSize(64*1024*1024)),
	}, opts...)
	conn, err := grpc.DialContext(ctx, address, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial master at %s: %w", address, err)
	}
	return conn, nil
}

// Client is the satellite end of the cluster channel.
type Client struct {
	Serial    string
	SharedKey string

	log  mlog.Log
	conn *grpc.ClientConn

	mutex sync.Mutex
	token string
}

// NewClient returns a client for the master on conn.
func NewClient(elog *slog.Logger, conn *grpc.ClientConn, serial, sharedKey string) *Client {
	return &Client{
		Serial:    serial,
		SharedKey: sharedKey,
		log:       mlog.New("rpc", elog).With(slog.String("serial", serial)),
		conn:      conn,
	}
}

// Session is an authenticated session with the master.
type Session struct {
	c      *Client
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMutex sync.Mutex
}

// Connect opens a session and authenticates. Calls can be made once Connect
// returns. The session must be served with Serve, or closed.
func (c *Client) Connect(ctx context.Context, version string, settings map[string]string) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, sessionDesc, methodPath("Session"))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening session: %w", fromStatus(err))
	}
	xs := &Session{c: c, stream: stream, cancel: cancel}

	token, err := xs.authenticate(version, settings)
	if err != nil {
		cancel()
		return nil, err
	}
	c.mutex.Lock()
	c.token = token
	c.mutex.Unlock()
	return xs, nil
}

func (xs *Session) authenticate(version string, settings map[string]string) (string, error) {
	c := xs.c
	if err := xs.stream.SendMsg(&Frame{Hello: &Hello{Serial: c.Serial, Version: version, Settings: settings}}); err != nil {
		return "", fmt.Errorf("sending hello: %w", fromStatus(err))
	}
	var f Frame
	if err := xs.stream.RecvMsg(&f); err != nil {
		return "", fmt.Errorf("reading challenge: %w", fromStatus(err))
	}
	if f.Challenge == nil {
		return "", fmt.Errorf("expected challenge from master")
	}
	if err := xs.stream.SendMsg(&Frame{Auth: &Auth{MAC: MAC(c.SharedKey, f.Challenge.Nonce)}}); err != nil {
		return "", fmt.Errorf("sending auth: %w", fromStatus(err))
	}
	f = Frame{}
	if err := xs.stream.RecvMsg(&f); err != nil {
		return "", fmt.Errorf("reading welcome: %w", fromStatus(err))
	}
	if f.Welcome == nil {
		return "", fmt.Errorf("expected welcome from master")
	}
	return f.Welcome.Token, nil
}

// Serve reads pushes from the master and calls handle for each, in a new
// goroutine. The reply of handle is sent back with the ID of the push. Serve
// returns when the session ends, with an error wrapping ErrDisconnected.
func (xs *Session) Serve(handle func(ctx context.Context, p Push) Reply) error {
	ctx := xs.stream.Context()
	for {
		var f Frame
		if err := xs.stream.RecvMsg(&f); err != nil {
			xs.cancel()
			return fmt.Errorf("%w: %v", ErrDisconnected, fromStatus(err))
		}
		if f.Push == nil {
			xs.c.log.Info("unexpected frame from master, ignoring")
			continue
		}
		p := *f.Push
		cm.Go(xs.c.log, metrics.Satellite, "push", func() {
			r := handle(cm.CidContext(ctx), p)
			r.ID = p.ID
			xs.sendMutex.Lock()
			err := xs.stream.SendMsg(&Frame{Reply: &r})
			xs.sendMutex.Unlock()
			if err != nil {
				xs.c.log.Infox("sending reply to master", err, slog.Any("kind", p.Kind))
			}
		})
	}
}

// Close ends the session.
func (xs *Session) Close() {
	xs.cancel()
}

func (c *Client) callContext(ctx context.Context) context.Context {
	c.mutex.Lock()
	token := c.token
	c.mutex.Unlock()
	return metadata.AppendToOutgoingContext(ctx, mdSerial, c.Serial, mdToken, token)
}

func (c *Client) paged(ctx context.Context, method string, req, resp any) error {
	stream, err := c.conn.NewStream(c.callContext(ctx), pagedDesc, methodPath(method))
	if err != nil {
		return fromStatus(err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus(err)
	}
	return recvPages(stream, resp)
}

// GetMailing returns a mailing. For unknown mailings, an error wrapping
// ErrNotFound is returned.
func (c *Client) GetMailing(ctx context.Context, id int64) (MailingBody, error) {
	var m MailingBody
	err := c.paged(ctx, "GetMailing", &GetMailingRequest{id}, &m)
	return m, err
}

// GetRecipients leases at most count recipients.
func (c *Client) GetRecipients(ctx context.Context, count int) ([]RecipientLease, error) {
	var l []RecipientLease
	err := c.paged(ctx, "GetRecipients", &GetRecipientsRequest{count}, &l)
	return l, err
}

// GetMyRecipients returns the ids of all recipients leased to this satellite.
func (c *Client) GetMyRecipients(ctx context.Context) ([]int64, error) {
	var l []int64
	err := c.paged(ctx, "GetMyRecipients", &Empty{}, &l)
	return l, err
}

// SendReports sends delivery outcomes, returning the ids of the recipients
// the master has handled.
func (c *Client) SendReports(ctx context.Context, l []RecipientReport) ([]int64, error) {
	var resp SendReportsResponse
	if err := c.conn.Invoke(c.callContext(ctx), methodPath("SendReports"), &SendReportsRequest{l}, &resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.IDs, nil
}

// SendStatistics sends hourly statistics, returning the epoch hours stored by
// the master.
func (c *Client) SendStatistics(ctx context.Context, l []HourlyStatsRow) ([]int64, error) {
	var resp SendStatisticsResponse
	if err := c.conn.Invoke(c.callContext(ctx), methodPath("SendStatistics"), &SendStatisticsRequest{l}, &resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.EpochHours, nil
}
