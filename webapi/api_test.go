package webapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/bstore"
	"github.com/mjl-/sherpa"

	"github.com/cloudmailing/cm/master"
	"github.com/cloudmailing/cm/mlog"
	"github.com/cloudmailing/cm/rpc"
	"github.com/cloudmailing/cm/store"
)

var ctxbg = context.Background()

func tneedErrorCode(t *testing.T, code string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		x := recover()
		if x == nil {
			debug.PrintStack()
			t.Fatalf("expected sherpa user error, saw success")
		}
		if err, ok := x.(*sherpa.Error); !ok {
			debug.PrintStack()
			t.Fatalf("expected sherpa error, saw %#v", x)
		} else if err.Code != code {
			debug.PrintStack()
			t.Fatalf("expected sherpa error code %q, saw other sherpa error %#v", code, err)
		}
	}()

	fn()
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, expect)
	}
}

type fakeCluster struct {
	sync.Mutex
	pushes []rpc.Push
}

func (c *fakeCluster) Push(ctx context.Context, serial string, p rpc.Push) (rpc.Reply, error) {
	return rpc.Reply{}, fmt.Errorf("%w: %s", rpc.ErrDisconnected, serial)
}

func (c *fakeCluster) Broadcast(ctx context.Context, p rpc.Push) int {
	c.Lock()
	defer c.Unlock()
	c.pushes = append(c.pushes, p)
	return 1
}

func (c *fakeCluster) Connected(serial string) bool {
	return serial == "sat1"
}

func (c *fakeCluster) kinds() []rpc.PushKind {
	c.Lock()
	defer c.Unlock()
	var l []rpc.PushKind
	for _, p := range c.pushes {
		l = append(l, p.Kind)
	}
	return l
}

func newTestAPI(t *testing.T) (API, *fakeCluster) {
	t.Helper()
	db, err := store.Open(ctxbg, mlog.New("webapi", nil), filepath.Join(t.TempDir(), "master.db"))
	tcheck(t, err, "open db")
	t.Cleanup(func() {
		err := db.Close()
		tcheck(t, err, "close db")
	})
	m := master.New(nil, db, master.Config{Serial: "master"})
	fc := &fakeCluster{}
	m.Cluster = fc
	return NewAPI(m), fc
}

var testMessage = base64.StdEncoding.EncodeToString([]byte(strings.ReplaceAll(`From: News <news@sender.example>
To: {{ .email }}
Subject: Monthly news
MIME-Version: 1.0
Content-Type: text/plain; charset=utf-8

Hi {{ .firstname }}!
`, "\n", "\r\n")))

func TestMailing(t *testing.T) {
	api, fc := newTestAPI(t)

	tneedErrorCode(t, "user:error", func() { api.MailingCreate(ctxbg, MailingParams{MailFrom: "bogus", Message: testMessage}) })
	tneedErrorCode(t, "user:error", func() {
		api.MailingCreate(ctxbg, MailingParams{MailFrom: "news@sender.example", Message: "not base64!"})
	})
	tneedErrorCode(t, "user:error", func() {
		api.MailingCreate(ctxbg, MailingParams{MailFrom: "news@sender.example", Message: base64.StdEncoding.EncodeToString([]byte("Subject: no body"))})
	})
	tneedErrorCode(t, "user:error", func() {
		api.MailingCreate(ctxbg, MailingParams{MailFrom: "news@sender.example", Message: testMessage, Type: "bogus"})
	})

	ms := api.MailingCreate(ctxbg, MailingParams{MailFrom: "news@sender.example", Message: testMessage, TrackingURL: "https://t.example"})
	tcompare(t, ms.Status, store.MailingFillingRecipients)
	tcompare(t, ms.Type, store.MailingRegular)
	tcompare(t, ms.Subject, "Monthly news")

	ml := store.Mailing{ID: ms.ID}
	err := api.m.DB.Get(ctxbg, &ml)
	tcheck(t, err, "get mailing")
	tcompare(t, ml.DomainName, "sender.example")
	tcompare(t, ml.TrackingURL, "https://t.example/")
	tcompare(t, strings.HasSuffix(string(ml.Header), "\r\n\r\n"), true)
	tcompare(t, string(ml.Body), "Hi {{ .firstname }}!\r\n")

	tcompare(t, len(api.MailingList(ctxbg, nil, "")), 1)
	tcompare(t, len(api.MailingList(ctxbg, []store.MailingStatus{store.MailingRunning}, "")), 0)
	tcompare(t, len(api.MailingList(ctxbg, nil, "other")), 0)

	tneedErrorCode(t, "user:notFound", func() { api.MailingGet(ctxbg, 999) })
	tneedErrorCode(t, "user:notFound", func() { api.MailingStart(ctxbg, 999, time.Time{}) })
	tneedErrorCode(t, "user:error", func() { api.MailingPause(ctxbg, ms.ID) })

	tcompare(t, api.MailingStart(ctxbg, ms.ID, time.Time{}), store.MailingReady)
	tcompare(t, api.MailingPause(ctxbg, ms.ID), store.MailingPaused)
	tcompare(t, api.MailingStart(ctxbg, ms.ID, time.Time{}), store.MailingReady)

	newMessage := base64.StdEncoding.EncodeToString([]byte("Subject: Changed\r\n\r\nNew body.\r\n"))
	api.MailingSetMessage(ctxbg, ms.ID, newMessage)
	tcompare(t, api.MailingGet(ctxbg, ms.ID).Subject, "Changed")

	api.MailingClose(ctxbg, ms.ID)
	tcompare(t, api.MailingGet(ctxbg, ms.ID).Status, store.MailingFinished)
	tneedErrorCode(t, "user:error", func() { api.MailingSetMessage(ctxbg, ms.ID, newMessage) })
	tneedErrorCode(t, "user:error", func() { api.MailingStart(ctxbg, ms.ID, time.Time{}) })

	tcompare(t, fc.kinds(), []rpc.PushKind{rpc.PushCloseMailing, rpc.PushMailingChanged, rpc.PushCloseMailing})

	api.MailingDelete(ctxbg, ms.ID)
	tneedErrorCode(t, "user:notFound", func() { api.MailingGet(ctxbg, ms.ID) })
}

func TestRecipients(t *testing.T) {
	api, _ := newTestAPI(t)
	ms := api.MailingCreate(ctxbg, MailingParams{MailFrom: "news@sender.example", Message: testMessage})

	tneedErrorCode(t, "user:error", func() {
		api.RecipientsAdd(ctxbg, ms.ID, []RecipientParams{{Email: "not an address"}})
	})
	tneedErrorCode(t, "user:error", func() {
		api.RecipientsAdd(ctxbg, ms.ID, make([]RecipientParams, MaxRecipientsPerCall+1))
	})
	tneedErrorCode(t, "user:notFound", func() {
		api.RecipientsAdd(ctxbg, 999, []RecipientParams{{Email: "a@dest.example"}})
	})

	res := api.RecipientsAdd(ctxbg, ms.ID, []RecipientParams{
		{Email: "a@Dest.example", TrackingID: "t1", Contact: map[string]any{"firstname": "A"}},
		{Email: "b@dest.example"},
		{Email: "c@dest.example", TrackingID: "t1"},
	})
	tcompare(t, len(res.Added), 2)
	tcompare(t, res.Skipped, 1)
	tcompare(t, res.Added[0].TrackingID, "t1")
	tcompare(t, len(res.Added[1].TrackingID), 36) // uuid

	test := api.SendTest(ctxbg, ms.ID, []RecipientParams{{Email: "qa@sender.example"}})
	tcompare(t, len(test.Added), 1)

	r := store.Recipient{ID: res.Added[0].ID}
	err := api.m.DB.Get(ctxbg, &r)
	tcheck(t, err, "get recipient")
	tcompare(t, r.DomainName, "dest.example")
	tcompare(t, r.Primary, false)
	tcompare(t, r.Contact.Fields["firstname"], "A")

	r = store.Recipient{ID: test.Added[0].ID}
	err = api.m.DB.Get(ctxbg, &r)
	tcheck(t, err, "get test recipient")
	tcompare(t, r.Primary, true)

	tcompare(t, api.MailingGet(ctxbg, ms.ID).Counters, store.Counters{Recipient: 3, Pending: 3})

	// Only recipients with a reportable status are listed.
	tcompare(t, api.RecipientsStatus(ctxbg, ms.ID, nil, nil, 0, 0), []RecipientStatus{})
	err = api.m.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		_, err := bstore.QueryTx[store.Recipient](tx).FilterIDs([]int64{res.Added[0].ID, res.Added[1].ID}).UpdateFields(map[string]any{"SendStatus": store.StatusFinished, "ReportReady": true, "ReplyCode": 250})
		return err
	})
	tcheck(t, err, "update recipients")
	l := api.RecipientsStatus(ctxbg, ms.ID, nil, nil, 0, 0)
	tcompare(t, len(l), 2)
	tcompare(t, l[0].ReplyCode, 250)
	l = api.RecipientsStatus(ctxbg, ms.ID, nil, nil, 1, 10)
	tcompare(t, len(l), 1)
	tcompare(t, l[0].ID, res.Added[1].ID)
	l = api.RecipientsStatus(ctxbg, ms.ID, nil, []string{"t1"}, 0, 0)
	tcompare(t, len(l), 1)
	l = api.RecipientsStatus(ctxbg, ms.ID, []store.SendStatus{store.StatusError}, nil, 0, 0)
	tcompare(t, len(l), 0)

	api.MailingClose(ctxbg, ms.ID)
	tneedErrorCode(t, "user:error", func() {
		api.RecipientsAdd(ctxbg, ms.ID, []RecipientParams{{Email: "d@dest.example"}})
	})
}

func TestSatellites(t *testing.T) {
	api, _ := newTestAPI(t)

	tneedErrorCode(t, "user:error", func() { api.SatelliteAdd(ctxbg, "", "secret123", "", "", true) })
	tneedErrorCode(t, "user:error", func() { api.SatelliteAdd(ctxbg, "sat1", "short", "", "", true) })
	tneedErrorCode(t, "user:error", func() { api.SatelliteAdd(ctxbg, "sat1", "secret123", "", "{bad json", true) })
	tneedErrorCode(t, "user:error", func() {
		api.SatelliteAdd(ctxbg, "sat1", "secret123", "", `{"enabled": true, "include": ["not a domain"]}`, true)
	})

	si := api.SatelliteAdd(ctxbg, "sat1", "secret123", "eu", `{"enabled": true, "include": ["dest.example"]}`, true)
	tcompare(t, si.Connected, true)
	si = api.SatelliteAdd(ctxbg, "sat1", "secret456", "us", "", false)
	tcompare(t, []any{si.Group, si.Enabled}, []any{"us", false})
	api.SatelliteAdd(ctxbg, "sat2", "secret789", "", "", true)

	l := api.SatelliteList(ctxbg)
	tcompare(t, len(l), 2)
	tcompare(t, []any{l[0].Serial, l[0].Connected, l[1].Serial, l[1].Connected}, []any{"sat1", true, "sat2", false})

	now := time.Now()
	hour := now.Unix() / 3600
	err := api.m.DB.Insert(ctxbg,
		&store.HourlyStats{Serial: "sat1", EpochHour: hour - 48, Sent: 1},
		&store.HourlyStats{Serial: "sat1", EpochHour: hour - 1, Sent: 2},
		&store.HourlyStats{Serial: "sat2", EpochHour: hour - 1, Sent: 3},
	)
	tcheck(t, err, "insert stats")
	stats := api.HourlyStatistics(ctxbg, now.Add(-24*time.Hour), time.Time{})
	tcompare(t, len(stats), 2)
	tcompare(t, []any{stats[0].Serial, stats[0].Sent, stats[1].Serial, stats[1].Sent}, []any{"sat1", 2, "sat2", 3})
	tcompare(t, api.HourlyStatistics(ctxbg, now.Add(-24*time.Hour), now.Add(-10*time.Hour)), []store.HourlyStats{})
}

func TestHandler(t *testing.T) {
	api, _ := newTestAPI(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("apikey1234"), bcrypt.MinCost)
	tcheck(t, err, "bcrypt")
	h, err := Handler(api.m, string(hash))
	tcheck(t, err, "handler")

	call := func(password string, expCode int) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest("POST", "/api/MailingList", strings.NewReader(`{"params": [[], ""]}`))
		req.Header.Set("Content-Type", "application/json")
		if password != "" {
			req.SetBasicAuth("anyone", password)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		tcompare(t, rec.Code, expCode)
		return rec
	}

	call("", http.StatusUnauthorized)
	call("badkey", http.StatusUnauthorized)
	rec := call("apikey1234", http.StatusOK)
	var resp struct {
		Result []MailingSummary `json:"result"`
	}
	err = json.Unmarshal(rec.Body.Bytes(), &resp)
	tcheck(t, err, "parse response")
	tcompare(t, resp.Result, []MailingSummary{})
	// Cached credentials.
	call("apikey1234", http.StatusOK)

	// Too many failed attempts from an ip.
	for i := 0; i < 10; i++ {
		call("badkey", http.StatusUnauthorized)
	}
	call("badkey", http.StatusTooManyRequests)
	call("apikey1234", http.StatusTooManyRequests)
}
