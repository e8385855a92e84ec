package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mjl-/bstore"

	"github.com/cloudmailing/cm/config"
	"github.com/cloudmailing/cm/customize"
	"github.com/cloudmailing/cm/dns"
	"github.com/cloudmailing/cm/mx"
	"github.com/cloudmailing/cm/smtpclient"
	"github.com/cloudmailing/cm/smtptest"
	"github.com/cloudmailing/cm/store"
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

const testMsg = "From: news@sender.example\n" +
	"To: {{ email }}\n" +
	"Subject: Hello {{ firstname }}\n" +
	"MIME-Version: 1.0\n" +
	"Content-Type: text/plain; charset=utf-8\n" +
	"\n" +
	"Hi {{ firstname }}\n"

type testEnv struct {
	env  *Env
	dir  string
	now  time.Time
	mu   sync.Mutex
	outs map[int64]Outcome
}

func (te *testEnv) outcome(id int64) Outcome {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.outs[id]
}

func newTestEnv(t *testing.T, resolver mx.Interface) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := bstore.Open(ctxbg, filepath.Join(dir, "satellite.db"), nil, DomainStats{})
	tcheck(t, err, "open db")
	t.Cleanup(func() {
		err := db.Close()
		tcheck(t, err, "close db")
	})

	te := &testEnv{
		dir:  dir,
		now:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		outs: map[int64]Outcome{},
	}
	err = os.MkdirAll(filepath.Join(dir, "mailtemp"), 0770)
	tcheck(t, err, "mkdir")
	c := customize.New(nil, filepath.Join(dir, "mailtemp"), nil)
	c.SetSource(1, nil, []byte(testMsg))
	te.env = &Env{
		DB:         db,
		MX:         resolver,
		Customizer: c,
		EHLO:       dns.Domain{ASCII: "cm.example"},
		Attempts:   1,
		Timeout:    5 * time.Second,
		BackupDir:  filepath.Join(dir, "customized"),
		Now:        func() time.Time { return te.now },
		Report: func(ctx context.Context, o Outcome) error {
			te.mu.Lock()
			defer te.mu.Unlock()
			if _, ok := te.outs[o.RecipientID]; ok {
				t.Errorf("second outcome for recipient %d", o.RecipientID)
			}
			te.outs[o.RecipientID] = o
			return nil
		},
	}
	return te
}

func testMailing(backup bool) *Mailing {
	return &Mailing{
		Mailing: customize.Mailing{
			ID:               1,
			MailFrom:         "news@sender.example",
			DomainName:       "sender.example",
			Type:             "REGULAR",
			ReturnPathDomain: "bounce.example",
		},
		Backup: backup,
	}
}

func testRecipients(m *Mailing, locals ...string) []Recipient {
	var l []Recipient
	for i, lp := range locals {
		email := lp + "@dest.example"
		l = append(l, Recipient{
			ID:         int64(i + 1),
			TrackingID: "trk" + lp,
			Email:      email,
			TryCount:   1,
			Contact:    map[string]any{"email": email, "firstname": lp},
			Mailing:    m,
		})
	}
	return l
}

func domainStats(t *testing.T, db *bstore.DB) DomainStats {
	t.Helper()
	st, err := bstore.QueryDB[DomainStats](ctxbg, db).FilterNonzero(DomainStats{DomainName: "dest.example"}).Get()
	tcheck(t, err, "get domain stats")
	return st
}

func TestQueueDeliver(t *testing.T) {
	srv, err := smtptest.Start()
	tcheck(t, err, "start smtp server")
	defer srv.Close()
	srv.Rcpt = func(to string) error {
		switch {
		case strings.HasPrefix(to, "bad@"):
			return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
		case strings.HasPrefix(to, "full@"):
			return &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 2, 2}, Message: "mailbox full"}
		}
		return nil
	}

	te := newTestEnv(t, mx.Fake{Host: srv.Host})
	m := testMailing(false)
	q := &Queue{
		ID:         1,
		Domain:     "dest.example",
		Recipients: testRecipients(m, "good", "bad", "full"),
		Server:     Server{Mode: ModeDirect, Port: srv.Port},
		Env:        te.env,
	}
	err = q.Run(ctxbg)
	tcheck(t, err, "run queue")

	o := te.outcome(1)
	tcompare(t, o.Status, store.StatusFinished)
	tcompare(t, o.Code, 250)
	tcompare(t, o.IP, "127.0.0.1")

	o = te.outcome(2)
	tcompare(t, []any{o.Status, o.Code, o.EnhancedCode}, []any{store.StatusError, 550, "5.1.1"})
	if o.Log == "" {
		t.Fatalf("missing smtp transcript for failed delivery")
	}

	o = te.outcome(3)
	tcompare(t, []any{o.Status, o.Code, o.EnhancedCode}, []any{store.StatusWarning, 452, "4.2.2"})
	tcompare(t, o.NextTry, te.now.Add(10*time.Minute))

	msgs := srv.Messages()
	tcompare(t, len(msgs), 1)
	tcompare(t, msgs[0].To, []string{"good@dest.example"})
	if !strings.HasPrefix(msgs[0].From, "1-trkgood@bounce.example") {
		t.Fatalf("unexpected envelope from %q", msgs[0].From)
	}
	if !strings.Contains(string(msgs[0].Data), "Subject: Hello good") {
		t.Fatalf("message not customized: %q", msgs[0].Data)
	}

	st := domainStats(t, te.env.DB)
	tcompare(t, []int{st.Sent, st.Failed, st.Tries, st.ConsecutiveSent, st.ConsecutiveFailed, st.DNSTries}, []int{1, 1, 3, 0, 2, 1})

	// Delivered and permanently failed messages are removed, the temporary
	// failure is kept for the next attempt.
	c := te.env.Customizer
	_, err = os.Stat(c.Path(1, 1))
	tcompare(t, errors.Is(err, os.ErrNotExist), true)
	_, err = os.Stat(c.Path(1, 2))
	tcompare(t, errors.Is(err, os.ErrNotExist), true)
	_, err = os.Stat(c.Path(1, 3))
	tcheck(t, err, "stat kept message")
}

func TestQueueBackup(t *testing.T) {
	srv, err := smtptest.Start()
	tcheck(t, err, "start smtp server")
	defer srv.Close()

	te := newTestEnv(t, mx.Fake{Host: srv.Host})
	te.env.Testing = &config.Testing{FakeSMTPHost: srv.Host, FakeSMTPPort: srv.Port}
	m := testMailing(true)
	q := &Queue{
		ID:         1,
		Domain:     "dest.example",
		Recipients: testRecipients(m, "good"),
		Testing:    true,
		Env:        te.env,
	}
	err = q.Run(ctxbg)
	tcheck(t, err, "run queue")
	tcompare(t, te.outcome(1).Status, store.StatusFinished)

	_, err = os.Stat(filepath.Join(te.env.BackupDir, customize.FileName(1, 1)))
	tcheck(t, err, "stat backup")

	// Testing queues do not look up MX records.
	st := domainStats(t, te.env.DB)
	tcompare(t, st.DNSTries, 0)
}

func TestQueueDNSErrors(t *testing.T) {
	// No MX records, a fatal error.
	te := newTestEnv(t, mx.NewResolver(dns.MockResolver{}, false, 3, time.Minute))
	m := testMailing(false)

	for i := 1; i <= MaxFatalDNSErrors; i++ {
		te.outs = map[int64]Outcome{}
		q := &Queue{ID: int64(i), Domain: "dest.example", Recipients: testRecipients(m, "a", "b"), Server: Server{Mode: ModeDirect}, Env: te.env}
		err := q.Run(ctxbg)
		if !errors.Is(err, mx.ErrNoMX) {
			t.Fatalf("got err %v, expected ErrNoMX", err)
		}
		exp := store.StatusWarning
		if i == MaxFatalDNSErrors {
			exp = store.StatusError
		}
		tcompare(t, te.outcome(1).Status, exp)
		tcompare(t, te.outcome(2).Status, exp)
	}
	st := domainStats(t, te.env.DB)
	tcompare(t, []any{st.DNSFatalErrors, st.DNSCumulativeFatalErrors, st.DNSLastError}, []any{MaxFatalDNSErrors, MaxFatalDNSErrors, "nomx"})

	// Timeouts are temporary and never fail recipients.
	te = newTestEnv(t, mx.NewResolver(dns.MockResolver{Timeout: []string{"mx dest.example."}}, false, 3, time.Minute))
	for i := 1; i <= MaxFatalDNSErrors+1; i++ {
		te.outs = map[int64]Outcome{}
		q := &Queue{ID: int64(i), Domain: "dest.example", Recipients: testRecipients(m, "a"), Server: Server{Mode: ModeDirect}, Env: te.env}
		err := q.Run(ctxbg)
		if err == nil {
			t.Fatalf("expected error for dns timeout")
		}
		tcompare(t, te.outcome(1).Status, store.StatusWarning)
	}
	st = domainStats(t, te.env.DB)
	tcompare(t, []any{st.DNSTempErrors, st.DNSFatalErrors, st.DNSLastError}, []any{MaxFatalDNSErrors + 1, 0, "timeout"})
}

func TestQueueRejected(t *testing.T) {
	te := newTestEnv(t, mx.Fake{})
	te.env.Notation = []config.NotationStep{{MinNote: -1000, MaxRecipients: 0}, {MinNote: 0, MaxRecipients: 10}}
	for i := 0; i < 3; i++ {
		err := AddFailed(ctxbg, te.env.DB, "dest.example")
		tcheck(t, err, "add failed")
	}

	m := testMailing(false)
	q := &Queue{ID: 1, Domain: "dest.example", Recipients: testRecipients(m, "a", "b"), Server: Server{Mode: ModeDirect}, Env: te.env}
	err := q.Run(ctxbg)
	if !errors.Is(err, errRejected) {
		t.Fatalf("got err %v, expected errRejected", err)
	}
	tcompare(t, te.outcome(1).Status, store.StatusError)
	tcompare(t, te.outcome(2).Code, 554)
}

func TestQueueCustomizeFailed(t *testing.T) {
	te := newTestEnv(t, mx.Fake{})
	m := testMailing(false)
	m.ID = 2 // No source message.
	q := &Queue{ID: 1, Domain: "dest.example", Recipients: testRecipients(m, "a"), Server: Server{Mode: ModeDirect}, Env: te.env}
	q.Recipients = append(q.Recipients, Recipient{ID: 9, Email: "x@dest.example"})
	err := q.Run(ctxbg)
	if !errors.Is(err, errNoMessages) {
		t.Fatalf("got err %v, expected errNoMessages", err)
	}
	tcompare(t, te.outcome(1).Status, store.StatusWarning)
	tcompare(t, te.outcome(9).Status, store.StatusGeneralError)
}

func TestQueueConnectFailed(t *testing.T) {
	srv, err := smtptest.Start()
	tcheck(t, err, "start smtp server")
	port := srv.Port
	srv.Close()

	te := newTestEnv(t, mx.Fake{Host: "127.0.0.1"})
	m := testMailing(false)
	q := &Queue{ID: 1, Domain: "dest.example", Recipients: testRecipients(m, "a", "b"), Server: Server{Mode: ModeDirect, Port: port}, Env: te.env}
	err = q.Run(ctxbg)
	if err == nil {
		t.Fatalf("expected connection error")
	}
	var ids []int64
	for id, o := range te.outs {
		tcompare(t, o.Status, store.StatusWarning)
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	tcompare(t, ids, []int64{1, 2})
	st := domainStats(t, te.env.DB)
	tcompare(t, st.Tries, 2)
}

func TestMaxRecipients(t *testing.T) {
	steps := []config.NotationStep{
		{MinNote: 0, MaxRecipients: 10},
		{MinNote: 5, MaxRecipients: 100},
		{MinNote: -5, MaxRecipients: 0},
	}
	tcompare(t, MaxRecipients(10, steps), 100)
	tcompare(t, MaxRecipients(5, steps), 100)
	tcompare(t, MaxRecipients(1, steps), 10)
	tcompare(t, MaxRecipients(-1, steps), 0)
	tcompare(t, MaxRecipients(-100, steps), 0)
	tcompare(t, MaxRecipients(1, nil), -1)
}

func TestNote(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st := DomainStats{ConsecutiveSent: 10, Modified: now.Add(-2 * time.Hour)}
	tcompare(t, st.Note(now), 5.0)

	// Recent changes are divided by the minimum age.
	st = DomainStats{ConsecutiveSent: 1, Modified: now}
	tcompare(t, st.Note(now), 10.0)

	st = DomainStats{ConsecutiveFailed: 10, Modified: now.Add(-time.Hour)}
	if n := st.Note(now); n > -140 || n < -150 {
		t.Fatalf("note %v, expected about 1-e^5", n)
	}
}

func TestResultStatus(t *testing.T) {
	// Recipient accepted, DATA refused.
	res := smtpclient.Result{
		Recipients: []smtpclient.RecipientResult{{Rcpt: "a@dest.example", Code: 250, Secode: "1.5", Line: "250 2.1.5 ok"}},
		Code:       554,
		Secode:     "6.0",
		Line:       "554 5.6.0 content rejected",
		Err:        errors.New("data refused"),
	}
	code, ecode, text, ok := resultStatus(res, "a@dest.example")
	tcompare(t, []any{code, ecode, text, ok}, []any{554, "5.6.0", "content rejected", false})

	// Connection lost after RCPT TO, without a reply.
	res = smtpclient.Result{
		Recipients: []smtpclient.RecipientResult{{Rcpt: "a@dest.example", Code: 250, Line: "250 ok"}},
		Err:        errors.New("connection reset"),
	}
	code, _, text, ok = resultStatus(res, "a@dest.example")
	tcompare(t, []any{code, text, ok}, []any{0, "connection reset", false})

	res = smtpclient.Result{
		Recipients: []smtpclient.RecipientResult{{Rcpt: "a@dest.example", Code: 250, Secode: "0.0", Line: "250 2.0.0 queued"}},
		Code:       250,
		Secode:     "0.0",
		Line:       "250 2.0.0 queued",
	}
	code, _, _, ok = resultStatus(res, "a@dest.example")
	tcompare(t, []any{code, ok}, []any{250, true})
}
