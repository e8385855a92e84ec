package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

type testHandler struct {
	sync.Mutex
	keys    map[string]string
	paired  map[string]bool
	reports []RecipientReport
}

func (h *testHandler) Login(ctx context.Context, hello Hello) (string, error) {
	h.Lock()
	defer h.Unlock()
	key, ok := h.keys[hello.Serial]
	if !ok {
		return "", ErrUnauthorized
	}
	return key, nil
}

func (h *testHandler) Paired(ctx context.Context, serial string, paired bool) {
	h.Lock()
	defer h.Unlock()
	h.paired[serial] = paired
}

func (h *testHandler) isPaired(serial string) bool {
	h.Lock()
	defer h.Unlock()
	return h.paired[serial]
}

func (h *testHandler) GetMailing(ctx context.Context, serial string, id int64) (MailingBody, error) {
	if id != 1 {
		return MailingBody{}, fmt.Errorf("%w: mailing %d", ErrNotFound, id)
	}
	// Larger than a page.
	body := []byte(strings.Repeat("x", 3*PageSize+10))
	return MailingBody{ID: 1, MailFrom: "news@sender.example", Body: body}, nil
}

func (h *testHandler) GetRecipients(ctx context.Context, serial string, count int) ([]RecipientLease, error) {
	var l []RecipientLease
	for i := 0; i < count; i++ {
		l = append(l, RecipientLease{ID: int64(i + 1), MailingID: 1, Email: fmt.Sprintf("r%d@dest.example", i), Contact: map[string]any{"firstname": "x"}})
	}
	return l, nil
}

func (h *testHandler) SendReports(ctx context.Context, serial string, l []RecipientReport) ([]int64, error) {
	h.Lock()
	defer h.Unlock()
	h.reports = append(h.reports, l...)
	var ids []int64
	for _, r := range l {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (h *testHandler) SendStatistics(ctx context.Context, serial string, l []HourlyStatsRow) ([]int64, error) {
	var hours []int64
	for _, st := range l {
		hours = append(hours, st.EpochHour)
	}
	return hours, nil
}

func (h *testHandler) GetMyRecipients(ctx context.Context, serial string) ([]int64, error) {
	return []int64{}, nil
}

func setup(t *testing.T) (*Server, *testHandler, func(serial, key string) *Client) {
	t.Helper()
	h := &testHandler{keys: map[string]string{"sat1": "secret", "sat2": "other"}, paired: map[string]bool{}}
	srv := NewServer(nil, h, "master", nil)
	ln := bufconn.Listen(1024 * 1024)
	go srv.Serve(ln)
	t.Cleanup(srv.Stop)

	dialer := grpc.WithContextDialer(func(ctx context.Context, s string) (net.Conn, error) {
		return ln.DialContext(ctx)
	})
	newClient := func(serial, key string) *Client {
		conn, err := Dial(ctxbg, "bufnet", nil, dialer)
		tcheck(t, err, "dial")
		t.Cleanup(func() { conn.Close() })
		return NewClient(nil, conn, serial, key)
	}
	return srv, h, newClient
}

func TestSession(t *testing.T) {
	srv, h, newClient := setup(t)

	// Bad key.
	_, err := newClient("sat1", "wrong").Connect(ctxbg, "v1", nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got err %v, expected ErrUnauthorized", err)
	}
	// Unknown satellite.
	_, err = newClient("unknown", "secret").Connect(ctxbg, "v1", nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got err %v, expected ErrUnauthorized", err)
	}

	// Calls without session are refused.
	c := newClient("sat1", "secret")
	_, err = c.SendReports(ctxbg, []RecipientReport{{ID: 1}})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got err %v, expected ErrUnauthorized", err)
	}

	xs, err := c.Connect(ctxbg, "v1", map[string]string{"MaxThread": "50"})
	tcheck(t, err, "connect")
	tcompare(t, h.isPaired("sat1"), true)

	served := make(chan error, 1)
	go func() {
		served <- xs.Serve(func(ctx context.Context, p Push) Reply {
			switch p.Kind {
			case PushCheckRecipients:
				return Reply{RecipientIDs: p.RecipientIDs[:1]}
			case PushPrepareGettingRecipients:
				return Reply{Count: p.Count / 2}
			}
			return Reply{Error: "unknown push"}
		})
	}()

	a := srv.Avatar("sat1")
	if a == nil {
		t.Fatalf("no avatar for sat1")
	}
	tcompare(t, a.Settings, map[string]string{"MaxThread": "50"})

	r, err := a.Push(ctxbg, Push{Kind: PushCheckRecipients, RecipientIDs: []int64{3, 4}})
	tcheck(t, err, "push")
	tcompare(t, r.RecipientIDs, []int64{3})

	r, err = a.Push(ctxbg, Push{Kind: PushPrepareGettingRecipients, Count: 100})
	tcheck(t, err, "push")
	tcompare(t, r.Count, 50)

	_, err = a.Push(ctxbg, Push{Kind: PushMailingChanged, MailingID: 1})
	if err == nil || !strings.Contains(err.Error(), "unknown push") {
		t.Fatalf("got err %v, expected error from satellite", err)
	}

	tcompare(t, srv.Broadcast(ctxbg, Push{Kind: PushCheckRecipients, RecipientIDs: []int64{1}}), 1)

	// Calls with the session token.
	m, err := c.GetMailing(ctxbg, 1)
	tcheck(t, err, "get mailing")
	tcompare(t, len(m.Body), 3*PageSize+10)
	tcompare(t, m.MailFrom, "news@sender.example")

	_, err = c.GetMailing(ctxbg, 2)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got err %v, expected ErrNotFound", err)
	}

	l, err := c.GetRecipients(ctxbg, 3)
	tcheck(t, err, "get recipients")
	tcompare(t, len(l), 3)
	tcompare(t, l[2].Email, "r2@dest.example")
	tcompare(t, l[0].Contact, map[string]any{"firstname": "x"})

	ids, err := c.GetMyRecipients(ctxbg)
	tcheck(t, err, "get my recipients")
	tcompare(t, ids, []int64{})

	now := time.Now().UTC().Round(time.Second)
	ids, err = c.SendReports(ctxbg, []RecipientReport{{ID: 5, SendStatus: "FINISHED", FirstTry: now}})
	tcheck(t, err, "send reports")
	tcompare(t, ids, []int64{5})
	h.Lock()
	tcompare(t, h.reports[0].FirstTry.Equal(now), true)
	h.Unlock()

	hours, err := c.SendStatistics(ctxbg, []HourlyStatsRow{{EpochHour: 100, Sent: 1}})
	tcheck(t, err, "send statistics")
	tcompare(t, hours, []int64{100})

	// Session loss detaches the avatar, pushes fail.
	xs.Close()
	err = <-served
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("got err %v, expected ErrDisconnected", err)
	}
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("avatar not detached")
	}
	_, err = a.Push(ctxbg, Push{Kind: PushCheckRecipients})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("got err %v, expected ErrDisconnected", err)
	}
	for i := 0; i < 50 && h.isPaired("sat1"); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	tcompare(t, h.isPaired("sat1"), false)
	if srv.Avatar("sat1") != nil {
		t.Fatalf("avatar still registered")
	}
}

func TestOwnSerial(t *testing.T) {
	_, h, newClient := setup(t)
	h.Lock()
	h.keys["master"] = ""
	h.Unlock()
	xs, err := newClient("master", "anything").Connect(ctxbg, "v1", nil)
	tcheck(t, err, "connect")
	xs.Close()
}

func TestReconnectReplaces(t *testing.T) {
	srv, h, newClient := setup(t)
	c := newClient("sat2", "other")
	xs1, err := c.Connect(ctxbg, "v1", nil)
	tcheck(t, err, "connect")
	a1 := srv.Avatar("sat2")

	xs2, err := c.Connect(ctxbg, "v1", nil)
	tcheck(t, err, "connect again")
	defer xs2.Close()
	select {
	case <-a1.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("previous avatar not detached")
	}
	a2 := srv.Avatar("sat2")
	if a2 == nil || a2 == a1 {
		t.Fatalf("expected new avatar")
	}
	err = xs1.Serve(func(ctx context.Context, p Push) Reply { return Reply{} })
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("got err %v, expected ErrDisconnected", err)
	}
	// The replaced session does not unpair the satellite.
	tcompare(t, h.isPaired("sat2"), true)
}
