package rpc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/cloudmailing/cm/cm-"
	"github.com/cloudmailing/cm/metrics"
	"github.com/cloudmailing/cm/mlog"
)

var (
	metricCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_rpc_calls_total",
			Help: "Calls from satellites, by method and result.",
		},
		[]string{
			"method",
			"result", // ok, error
		},
	)
	metricPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_rpc_pushes_total",
			Help: "Control messages sent to satellites, by kind and result.",
		},
		[]string{
			"kind",
			"result", // ok, error, disconnected
		},
	)
	metricPaired = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cm_satellites_paired",
			Help: "Satellites with an authenticated session.",
		},
	)
	metricLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_rpc_logins_total",
			Help: "Satellite logins, by result.",
		},
		[]string{
			"result", // ok, unauthorized, error
		},
	)
)

// Handler implements the master side of the calls from satellites. Errors
// wrapping ErrNotFound and ErrUnauthorized are passed to the satellite as
// such.
type Handler interface {
	// Login returns the shared key of an enabled satellite. Unknown and
	// disabled satellites get an error wrapping ErrUnauthorized.
	Login(ctx context.Context, hello Hello) (sharedKey string, err error)

	// Paired is called when a satellite connects or disconnects.
	Paired(ctx context.Context, serial string, paired bool)

	GetMailing(ctx context.Context, serial string, id int64) (MailingBody, error)
	GetRecipients(ctx context.Context, serial string, count int) ([]RecipientLease, error)
	SendReports(ctx context.Context, serial string, l []RecipientReport) ([]int64, error)
	SendStatistics(ctx context.Context, serial string, l []HourlyStatsRow) ([]int64, error)
	GetMyRecipients(ctx context.Context, serial string) ([]int64, error)
}

// Server is the master end of the cluster channel.
type Server struct {
	// Serial of the master itself. Satellites with this serial are not
	// challenged, for a satellite running on the master host.
	OwnSerial string

	log     mlog.Log
	handler Handler
	grpc    *grpc.Server

	mutex   sync.Mutex
	avatars map[string]*Avatar // By serial.
}

// NewServer returns a new server calling h. If tlsConfig is not nil,
// satellites must connect with TLS.
func NewServer(elog *slog.Logger, h Handler, ownSerial string, tlsConfig *tls.Config) *Server {
	s := &Server{
		OwnSerial: ownSerial,
		log:       mlog.New("rpc", elog),
		handler:   h,
		avatars:   map[string]*Avatar{},
	}
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.MaxRecvMsgSize(64 * 1024 * 1024),
	}
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, s)

	return s
}

// Serve accepts connections on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	return s.grpc.Serve(ln)
}

// Stop closes all sessions and the listeners.
func (s *Server) Stop() {
	s.grpc.Stop()
}

// Avatar returns the session of a connected satellite.
func (s *Server) Avatar(serial string) *Avatar {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.avatars[serial]
}

// Avatars returns a snapshot of the sessions of all connected satellites.
func (s *Server) Avatars() []*Avatar {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	l := make([]*Avatar, 0, len(s.avatars))
	for _, a := range s.avatars {
		l = append(l, a)
	}
	return l
}

// Push sends a push to the satellite with serial. If it is not connected, an
// error wrapping ErrDisconnected is returned.
func (s *Server) Push(ctx context.Context, serial string, p Push) (Reply, error) {
	a := s.Avatar(serial)
	if a == nil {
		return Reply{}, fmt.Errorf("%w: %s not connected", ErrDisconnected, serial)
	}
	return a.Push(ctx, p)
}

// Connected returns whether the satellite with serial has a session.
func (s *Server) Connected(serial string) bool {
	return s.Avatar(serial) != nil
}

// Broadcast sends a push to all connected satellites, returning the number of
// satellites that replied without error.
func (s *Server) Broadcast(ctx context.Context, p Push) int {
	var n int
	for _, a := range s.Avatars() {
		if _, err := a.Push(ctx, p); err != nil {
			s.log.Infox("push to satellite", err, slog.String("serial", a.Serial), slog.Any("kind", p.Kind))
			continue
		}
		n++
	}
	return n
}

// MAC returns the answer to a challenge with a shared key.
func MAC(sharedKey, nonce string) string {
	mac := hmac.New(sha256.New, []byte(sharedKey))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// authorized returns the serial of the satellite making a call, checking its
// session token.
func (s *Server) authorized(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	serials := md.Get(mdSerial)
	tokens := md.Get(mdToken)
	if len(serials) != 1 || len(tokens) != 1 {
		return "", status.Error(codes.Unauthenticated, "missing session credentials")
	}
	a := s.Avatar(serials[0])
	if a == nil || subtle.ConstantTimeCompare([]byte(a.token), []byte(tokens[0])) != 1 {
		return "", status.Error(codes.Unauthenticated, "no session for satellite")
	}
	return a.Serial, nil
}

func (s *Server) call(ctx context.Context, method string, fn func(serial string) error) error {
	serial, err := s.authorized(ctx)
	if err != nil {
		metricCalls.WithLabelValues(method, "error").Inc()
		return err
	}
	log := s.log.WithContext(ctx).With(slog.String("serial", serial), slog.String("method", method))
	t0 := time.Now()
	err = fn(serial)
	if err != nil {
		metricCalls.WithLabelValues(method, "error").Inc()
		log.Infox("satellite call", err)
		return err
	}
	metricCalls.WithLabelValues(method, "ok").Inc()
	log.Debug("satellite call", slog.Duration("duration", time.Since(t0)))
	return nil
}

func (s *Server) getMailing(ctx context.Context, req *GetMailingRequest) (v any, rerr error) {
	rerr = s.call(ctx, "GetMailing", func(serial string) error {
		m, err := s.handler.GetMailing(ctx, serial, req.ID)
		v = m
		return err
	})
	return
}

func (s *Server) getRecipients(ctx context.Context, req *GetRecipientsRequest) (v any, rerr error) {
	rerr = s.call(ctx, "GetRecipients", func(serial string) error {
		l, err := s.handler.GetRecipients(ctx, serial, req.Count)
		if l == nil {
			l = []RecipientLease{}
		}
		v = l
		return err
	})
	return
}

func (s *Server) getMyRecipients(ctx context.Context, req *Empty) (v any, rerr error) {
	rerr = s.call(ctx, "GetMyRecipients", func(serial string) error {
		l, err := s.handler.GetMyRecipients(ctx, serial)
		if l == nil {
			l = []int64{}
		}
		v = l
		return err
	})
	return
}

func (s *Server) sendReports(ctx context.Context, req *SendReportsRequest) (resp *SendReportsResponse, rerr error) {
	rerr = s.call(ctx, "SendReports", func(serial string) error {
		ids, err := s.handler.SendReports(ctx, serial, req.Reports)
		resp = &SendReportsResponse{ids}
		return err
	})
	return
}

func (s *Server) sendStatistics(ctx context.Context, req *SendStatisticsRequest) (resp *SendStatisticsResponse, rerr error) {
	rerr = s.call(ctx, "SendStatistics", func(serial string) error {
		hours, err := s.handler.SendStatistics(ctx, serial, req.Stats)
		resp = &SendStatisticsResponse{hours}
		return err
	})
	return
}

// session authenticates a satellite and keeps its avatar registered until the
// stream ends.
func (s *Server) session(stream grpc.ServerStream) error {
	ctx := cm.CidContext(stream.Context())
	log := s.log.WithContext(ctx)

	var f Frame
	if err := stream.RecvMsg(&f); err != nil {
		return err
	}
	if f.Hello == nil || f.Hello.Serial == "" {
		return status.Error(codes.InvalidArgument, "expected hello")
	}
	hello := *f.Hello
	log = log.With(slog.String("serial", hello.Serial))

	nonce := cm.CryptoRandHex(32)
	if err := stream.SendMsg(&Frame{Challenge: &Challenge{Nonce: nonce}}); err != nil {
		return err
	}
	f = Frame{}
	if err := stream.RecvMsg(&f); err != nil {
		return err
	}
	if f.Auth == nil {
		return status.Error(codes.InvalidArgument, "expected auth")
	}

	key, err := s.handler.Login(ctx, hello)
	if err != nil && !errors.Is(err, ErrUnauthorized) {
		metricLogins.WithLabelValues("error").Inc()
		log.Errorx("looking up satellite", err)
		return status.Error(codes.Internal, "internal error")
	}
	if err != nil || hello.Serial != s.OwnSerial && !hmac.Equal([]byte(MAC(key, nonce)), []byte(f.Auth.MAC)) {
		metricLogins.WithLabelValues("unauthorized").Inc()
		log.Info("unauthorized login")
		return status.Error(codes.Unauthenticated, ErrUnauthorized.Error())
	}
	metricLogins.WithLabelValues("ok").Inc()

	a := &Avatar{
		Serial:   hello.Serial,
		Version:  hello.Version,
		Settings: hello.Settings,
		token:    cm.CryptoRandHex(16),
		log:      log,
		out:      make(chan *Frame),
		done:     make(chan struct{}),
		pending:  map[int64]chan Reply{},
	}
	s.mutex.Lock()
	prev := s.avatars[a.Serial]
	s.avatars[a.Serial] = a
	s.mutex.Unlock()
	if prev == nil {
		metricPaired.Inc()
	} else {
		log.Info("satellite connected again, closing previous session")
		prev.detach()
	}

	if err := stream.SendMsg(&Frame{Welcome: &Welcome{Token: a.token}}); err != nil {
		s.remove(a)
		a.detach()
		return err
	}
	s.handler.Paired(ctx, a.Serial, true)
	log.Info("satellite paired", slog.String("version", a.Version))

	recvErr := make(chan error, 1)
	cm.Go(log, metrics.Cluster, "session reader", func() {
		for {
			var f Frame
			if err := stream.RecvMsg(&f); err != nil {
				recvErr <- err
				return
			}
			if f.Reply == nil {
				log.Info("unexpected frame from satellite, ignoring")
				continue
			}
			a.reply(*f.Reply)
		}
	})

	var rerr error
loop:
	for {
		select {
		case f := <-a.out:
			if err := stream.SendMsg(f); err != nil {
				rerr = err
				break loop
			}
		case err := <-recvErr:
			rerr = err
			break loop
		case <-a.done:
			// Replaced by a newer session.
			return status.Error(codes.Aborted, "session replaced")
		case <-ctx.Done():
			rerr = ctx.Err()
			break loop
		}
	}

	if s.remove(a) {
		s.handler.Paired(context.WithoutCancel(ctx), a.Serial, false)
	}
	a.detach()
	log.Infox("satellite disconnected", rerr)
	return nil
}

// remove unregisters a, unless it was already replaced by a newer session.
func (s *Server) remove(a *Avatar) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.avatars[a.Serial] != a {
		return false
	}
	delete(s.avatars, a.Serial)
	metricPaired.Dec()
	return true
}

// Avatar is the master's handle on the session of a connected satellite.
type Avatar struct {
	Serial   string
	Version  string
	Settings map[string]string

	token  string
	log    mlog.Log
	out    chan *Frame
	done   chan struct{}
	lastID atomic.Int64

	mutex   sync.Mutex
	closed  bool
	pending map[int64]chan Reply
}

// Push sends a control message and waits for the reply. If the session ends
// before the reply arrives, ErrDisconnected is returned.
func (a *Avatar) Push(ctx context.Context, p Push) (Reply, error) {
	p.ID = a.lastID.Add(1)
	c := make(chan Reply, 1)
	a.mutex.Lock()
	if a.closed {
		a.mutex.Unlock()
		metricPushes.WithLabelValues(string(p.Kind), "disconnected").Inc()
		return Reply{}, ErrDisconnected
	}
	a.pending[p.ID] = c
	a.mutex.Unlock()
	defer func() {
		a.mutex.Lock()
		delete(a.pending, p.ID)
		a.mutex.Unlock()
	}()

	select {
	case a.out <- &Frame{Push: &p}:
	case <-a.done:
		metricPushes.WithLabelValues(string(p.Kind), "disconnected").Inc()
		return Reply{}, ErrDisconnected
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}

	select {
	case r := <-c:
		if r.Error != "" {
			metricPushes.WithLabelValues(string(p.Kind), "error").Inc()
			return r, fmt.Errorf("%s: %s", p.Kind, r.Error)
		}
		metricPushes.WithLabelValues(string(p.Kind), "ok").Inc()
		return r, nil
	case <-a.done:
		metricPushes.WithLabelValues(string(p.Kind), "disconnected").Inc()
		return Reply{}, ErrDisconnected
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (a *Avatar) reply(r Reply) {
	a.mutex.Lock()
	c := a.pending[r.ID]
	a.mutex.Unlock()
	if c == nil {
		a.log.Info("reply for unknown push, ignoring", slog.Int64("id", r.ID))
		return
	}
	select {
	case c <- r:
	default:
		a.log.Info("duplicate reply for push, ignoring", slog.Int64("id", r.ID))
	}
}

// detach ends the avatar, failing pending pushes.
func (a *Avatar) detach() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if !a.closed {
		a.closed = true
		close(a.done)
	}
}

// Done returns a channel that is closed when the session ends.
func (a *Avatar) Done() <-chan struct{} {
	return a.done
}
