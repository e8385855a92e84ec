package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/cloudmailing/cm/config"
	"github.com/cloudmailing/cm/customize"
	"github.com/cloudmailing/cm/mlog"
	"github.com/cloudmailing/cm/rpc"
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

// fakeCluster answers pushes the way satellites would.
type fakeCluster struct {
	sync.Mutex
	connected map[string]bool
	known     map[string][]int64 // Recipient ids each satellite has.
	content   []byte
	pushes    []rpc.Push
}

func (c *fakeCluster) Push(ctx context.Context, serial string, p rpc.Push) (rpc.Reply, error) {
	c.Lock()
	defer c.Unlock()
	if !c.connected[serial] {
		return rpc.Reply{}, fmt.Errorf("%w: %s not connected", rpc.ErrDisconnected, serial)
	}
	c.pushes = append(c.pushes, p)
	switch p.Kind {
	case rpc.PushCheckRecipients:
		var l []int64
		for _, id := range p.RecipientIDs {
			for _, kid := range c.known[serial] {
				if id == kid {
					l = append(l, id)
				}
			}
		}
		return rpc.Reply{ID: p.ID, RecipientIDs: l}, nil
	case rpc.PushGetCustomizedContent:
		return rpc.Reply{ID: p.ID, Data: c.content}, nil
	case rpc.PushPrepareGettingRecipients:
		return rpc.Reply{ID: p.ID, Count: p.Count}, nil
	}
	return rpc.Reply{ID: p.ID}, nil
}

func (c *fakeCluster) Broadcast(ctx context.Context, p rpc.Push) int {
	c.Lock()
	defer c.Unlock()
	var n int
	for _, ok := range c.connected {
		if ok {
			c.pushes = append(c.pushes, p)
			n++
		}
	}
	return n
}

func (c *fakeCluster) Connected(serial string) bool {
	c.Lock()
	defer c.Unlock()
	return c.connected[serial]
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

type testMaster struct {
	*Master
	now     time.Time
	cluster *fakeCluster
}

func newTestMaster(t *testing.T, conf Config) *testMaster {
	t.Helper()
	db, err := store.Open(ctxbg, mlog.New("master", nil), filepath.Join(t.TempDir(), "master.db"))
	tcheck(t, err, "open db")
	t.Cleanup(func() {
		err := db.Close()
		tcheck(t, err, "close db")
	})
	if conf.Serial == "" {
		conf.Serial = "master"
	}
	tm := &testMaster{
		Master:  New(nil, db, conf),
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		cluster: &fakeCluster{connected: map[string]bool{}, known: map[string][]int64{}},
	}
	tm.Master.Now = func() time.Time { return tm.now }
	tm.Cluster = tm.cluster
	return tm
}

func (tm *testMaster) addSatellite(t *testing.T, serial, group string, enabled bool) {
	t.Helper()
	sat := store.Satellite{Serial: serial, SharedKey: "key-" + serial, Enabled: enabled, Group: group}
	err := tm.DB.Insert(ctxbg, &sat)
	tcheck(t, err, "insert satellite")
}

func (tm *testMaster) addMailing(t *testing.T, ml store.Mailing, emails ...string) (store.Mailing, []int64) {
	t.Helper()
	if ml.MailFrom == "" {
		ml.MailFrom = "news@sender.example"
		ml.DomainName = "sender.example"
	}
	if ml.Type == "" {
		ml.Type = store.MailingRegular
	}
	err := tm.DB.Insert(ctxbg, &ml)
	tcheck(t, err, "insert mailing")
	var l []store.Recipient
	for i, email := range emails {
		primary := false
		if len(email) > 0 && email[0] == '!' {
			primary = true
			email = email[1:]
		}
		l = append(l, store.Recipient{
			MailingID:  ml.ID,
			TrackingID: fmt.Sprintf("t%d-%d", ml.ID, i),
			Email:      email,
			DomainName: email[strings.LastIndex(email, "@")+1:],
			Primary:    primary,
		})
	}
	inserted, _, err := store.InsertRecipients(ctxbg, tm.DB, l)
	tcheck(t, err, "insert recipients")
	var ids []int64
	for _, r := range inserted {
		ids = append(ids, r.ID)
	}
	return tm.mailing(t, ml.ID), ids
}

func (tm *testMaster) mailing(t *testing.T, id int64) store.Mailing {
	t.Helper()
	ml := store.Mailing{ID: id}
	err := tm.DB.Get(ctxbg, &ml)
	tcheck(t, err, "get mailing")
	return ml
}

func (tm *testMaster) recipient(t *testing.T, id int64) store.Recipient {
	t.Helper()
	r := store.Recipient{ID: id}
	err := tm.DB.Get(ctxbg, &r)
	tcheck(t, err, "get recipient")
	return r
}

func (tm *testMaster) lease(t *testing.T, serial string, count int) []int64 {
	t.Helper()
	leases, err := tm.GetRecipients(ctxbg, serial, count)
	tcheck(t, err, "get recipients")
	var ids []int64
	for _, l := range leases {
		ids = append(ids, l.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// checkCounters verifies the counters of a mailing match its recipients.
func (tm *testMaster) checkCounters(t *testing.T, id int64) store.Counters {
	t.Helper()
	var counts map[store.SendStatus]int
	err := tm.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		var err error
		counts, err = store.CountByStatus(tx, id)
		return err
	})
	tcheck(t, err, "count by status")
	c := tm.mailing(t, id).Counters()
	tcompare(t, c, store.CountersFromStatus(counts))
	return c
}

func TestLease(t *testing.T) {
	tm := newTestMaster(t, Config{})
	tm.addSatellite(t, "sat1", "", true)
	tm.addSatellite(t, "sat2", "g2", true)
	tm.addSatellite(t, "off", "", false)

	mlA, idsA := tm.addMailing(t, store.Mailing{Status: store.MailingReady}, "a1@a.example", "a2@a.example", "a3@b.example")
	_, idsB := tm.addMailing(t, store.Mailing{Status: store.MailingReady, SatelliteGroup: "g2"}, "b1@a.example", "b2@a.example")
	mlC, idsC := tm.addMailing(t, store.Mailing{Status: store.MailingFillingRecipients}, "!c1@a.example", "c2@a.example")
	mlD, _ := tm.addMailing(t, store.Mailing{Status: store.MailingReady, ScheduledStart: tm.now.Add(time.Hour)}, "d1@a.example")

	// Disabled and unknown satellites get nothing.
	tcompare(t, tm.lease(t, "off", 10), []int64(nil))
	tcompare(t, tm.lease(t, "bogus", 10), []int64(nil))

	// Group routing, primary recipients of filling mailings, scheduled mailings skipped.
	exp := append(append([]int64{}, idsA...), idsC[0])
	tcompare(t, tm.lease(t, "sat1", 10), exp)
	tcompare(t, tm.lease(t, "sat2", 10), idsB)

	ml := tm.mailing(t, mlA.ID)
	tcompare(t, ml.Status, store.MailingRunning)
	if !ml.StartTime.Equal(tm.now) {
		t.Fatalf("start time %v, expected %v", ml.StartTime, tm.now)
	}
	tcompare(t, tm.mailing(t, mlC.ID).Status, store.MailingFillingRecipients)
	tcompare(t, tm.mailing(t, mlD.ID).Status, store.MailingReady)

	r := tm.recipient(t, idsA[0])
	tcompare(t, r.InProgress, true)
	tcompare(t, r.CloudClient, "sat1")

	// No recipient is leased twice.
	tcompare(t, tm.lease(t, "sat1", 10), []int64(nil))

	my, err := tm.GetMyRecipients(ctxbg, "sat1")
	tcheck(t, err, "get my recipients")
	tcompare(t, my, exp)

	// Once the scheduled start has passed, the mailing is leased from.
	tm.now = tm.now.Add(2 * time.Hour)
	tcompare(t, len(tm.lease(t, "sat1", 10)), 1)
	tcompare(t, tm.mailing(t, mlD.ID).Status, store.MailingRunning)
}

func TestLeaseCount(t *testing.T) {
	tm := newTestMaster(t, Config{MaxRecipientsToSend: 2})
	tm.addSatellite(t, "sat1", "", true)
	_, ids := tm.addMailing(t, store.Mailing{Status: store.MailingReady}, "a1@a.example", "a2@a.example", "a3@a.example")

	tcompare(t, len(tm.lease(t, "sat1", 10)), 2)
	tcompare(t, len(tm.lease(t, "sat1", 10)), 1)
	tcompare(t, len(tm.lease(t, "sat1", 0)), 0)
	tcompare(t, len(ids), 3)
}

func TestLeaseAffinity(t *testing.T) {
	tm := newTestMaster(t, Config{})
	tm.addSatellite(t, "sat1", "", true)
	_, err := bstore.QueryDB[store.Satellite](ctxbg, tm.DB).FilterNonzero(store.Satellite{Serial: "sat1"}).UpdateFields(map[string]any{"DomainAffinity": `{"enabled": true, "exclude": ["b.example"]}`})
	tcheck(t, err, "set domain affinity")
	_, ids := tm.addMailing(t, store.Mailing{Status: store.MailingReady}, "a1@a.example", "b1@b.example")
	tcompare(t, tm.lease(t, "sat1", 10), ids[:1])
}

func TestParseDomainAffinity(t *testing.T) {
	test := func(s string, expAff DomainAffinity, expInvalid []string, expErr bool) {
		t.Helper()
		aff, invalid, err := ParseDomainAffinity(s)
		if (err != nil) != expErr {
			t.Fatalf("parse %q: got err %v, expected error %v", s, err, expErr)
		}
		tcompare(t, aff, expAff)
		tcompare(t, invalid, expInvalid)
	}

	test("", DomainAffinity{}, nil, false)
	test(`{"enabled": false, "include": ["a.example"]}`, DomainAffinity{}, nil, false)
	test(`{"enabled": true, "include": ["A.example"], "exclude": ["b.example", "bad_domain"]}`, DomainAffinity{Include: []string{"a.example"}, Exclude: []string{"b.example"}}, []string{"bad_domain"}, false)
	test(`{"enabled": true, "b.example": false, "a.example": true}`, DomainAffinity{Include: []string{"a.example"}, Exclude: []string{"b.example"}}, nil, false)
	test(`{"a.example": true}`, DomainAffinity{Include: []string{"a.example"}}, nil, false)
	test(`[1]`, DomainAffinity{}, nil, true)
	test(`{"a.example": "yes"}`, DomainAffinity{}, nil, true)

	aff := DomainAffinity{Include: []string{"a.example"}}
	tcompare(t, aff.Allowed("A.EXAMPLE"), true)
	tcompare(t, aff.Allowed("b.example"), false)
	aff = DomainAffinity{Exclude: []string{"b.example"}}
	tcompare(t, aff.Allowed("a.example"), true)
	tcompare(t, aff.Allowed("b.example"), false)
}

func TestReports(t *testing.T) {
	tm := newTestMaster(t, Config{})
	tm.addSatellite(t, "sat1", "", true)
	ml, ids := tm.addMailing(t, store.Mailing{Status: store.MailingReady}, "ok@a.example", "soft@a.example", "hard@a.example")
	tcompare(t, tm.lease(t, "sat1", 10), ids)

	reports := []rpc.RecipientReport{
		{ID: ids[0], MailingID: ml.ID, SendStatus: store.StatusFinished, FirstTry: tm.now, TryCount: 1, ReplyCode: 250, ReplyText: "ok"},
		{ID: ids[1], MailingID: ml.ID, SendStatus: store.StatusWarning, FirstTry: tm.now, TryCount: 1, ReplyCode: 451, ReplyEnhancedCode: "4.3.0", ReplyText: "try later"},
		{ID: ids[2], MailingID: ml.ID, SendStatus: store.StatusError, FirstTry: tm.now, TryCount: 1, ReplyCode: 550, ReplyEnhancedCode: "5.1.1", ReplyText: "no such user"},
		{ID: 9999, MailingID: ml.ID, SendStatus: store.StatusFinished},
	}
	acked, err := tm.SendReports(ctxbg, "sat1", reports)
	tcheck(t, err, "send reports")
	tcompare(t, acked, []int64{ids[0], ids[1], ids[2], 9999})

	c := tm.checkCounters(t, ml.ID)
	tcompare(t, c, store.Counters{Recipient: 3, Pending: 1, Sent: 1, Error: 1, Softbounce: 1})

	r := tm.recipient(t, ids[0])
	tcompare(t, r.SendStatus, store.StatusFinished)
	tcompare(t, r.InProgress, false)
	tcompare(t, r.CloudClient, "sat1")
	tcompare(t, r.ReportReady, true)

	r = tm.recipient(t, ids[1])
	tcompare(t, r.SendStatus, store.StatusWarning)
	tcompare(t, r.CloudClient, "")
	tcompare(t, r.LastCloudClient, "sat1")
	tcompare(t, r.ReplyEnhancedCode, "4.3.0")
	if !r.NextTry.Equal(tm.now.Add(10 * time.Minute)) {
		t.Fatalf("next try %v, expected %v", r.NextTry, tm.now.Add(10*time.Minute))
	}

	r = tm.recipient(t, ids[2])
	tcompare(t, r.SendStatus, store.StatusError)
	tcompare(t, r.ReplyCode, 550)

	// Applying the same reports again does not change counters.
	_, err = tm.SendReports(ctxbg, "sat1", reports)
	tcheck(t, err, "send reports again")
	tcompare(t, tm.checkCounters(t, ml.ID), c)

	// Not eligible before its next try.
	tcompare(t, tm.lease(t, "sat1", 10), []int64(nil))
	tm.now = tm.now.Add(11 * time.Minute)
	tm.addSatellite(t, "sat2", "", true)
	tcompare(t, tm.lease(t, "sat2", 10), ids[1:2])

	// sat1 resends its earlier report, its ack having been lost. The lease of
	// sat2 is kept.
	acked, err = tm.SendReports(ctxbg, "sat1", reports[1:2])
	tcheck(t, err, "resend report")
	tcompare(t, acked, ids[1:2])
	r = tm.recipient(t, ids[1])
	tcompare(t, r.InProgress, true)
	tcompare(t, r.CloudClient, "sat2")
	tcompare(t, r.LastCloudClient, "sat1")
	tcompare(t, tm.checkCounters(t, ml.ID), c)
	tm.now = tm.now.Add(11 * time.Minute)
	tcompare(t, tm.lease(t, "sat1", 10), []int64(nil))

	// A late report for a recipient with a final status is ignored.
	_, err = tm.SendReports(ctxbg, "sat1", []rpc.RecipientReport{{ID: ids[2], MailingID: ml.ID, SendStatus: store.StatusFinished, TryCount: 2}})
	tcheck(t, err, "late report")
	tcompare(t, tm.recipient(t, ids[2]).SendStatus, store.StatusError)

	_, err = tm.SendReports(ctxbg, "sat2", []rpc.RecipientReport{{ID: ids[1], MailingID: ml.ID, SendStatus: store.StatusFinished, TryCount: 2, ReplyCode: 250}})
	tcheck(t, err, "final report")
	tcompare(t, tm.checkCounters(t, ml.ID), store.Counters{Recipient: 3, Pending: 0, Sent: 2, Error: 1, Softbounce: 0})
	tcompare(t, tm.recipient(t, ids[1]).TryCount, 2)
}

func TestReportsBackup(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "content")
	tm := newTestMaster(t, Config{CustomizedContentFolder: dir})
	tm.addSatellite(t, "sat1", "", true)
	tm.cluster.connected["sat1"] = true
	tm.cluster.content = []byte("Subject: hi\r\n\r\nhi\r\n")
	ml, ids := tm.addMailing(t, store.Mailing{Status: store.MailingReady, BackupCustomizedEmails: true}, "ok@a.example")
	tcompare(t, tm.lease(t, "sat1", 10), ids)

	_, err := tm.SendReports(ctxbg, "sat1", []rpc.RecipientReport{{ID: ids[0], MailingID: ml.ID, SendStatus: store.StatusFinished, TryCount: 1}})
	tcheck(t, err, "send reports")
	tcompare(t, tm.recipient(t, ids[0]).ReportReady, false)

	err = tm.RetrieveCustomizedContent(ctxbg)
	tcheck(t, err, "retrieve content")
	tcompare(t, tm.recipient(t, ids[0]).ReportReady, true)
	buf, err := os.ReadFile(filepath.Join(dir, customize.FileName(ml.ID, ids[0])))
	tcheck(t, err, "read customized content")
	tcompare(t, buf, tm.cluster.content)

	// Old content is removed.
	old := time.Now().Add(-30 * 24 * time.Hour)
	err = os.Chtimes(filepath.Join(dir, customize.FileName(ml.ID, ids[0])), old, old)
	tcheck(t, err, "chtimes")
	tm.now = time.Now()
	err = tm.PurgeCustomizedContent(ctxbg)
	tcheck(t, err, "purge content")
	_, err = os.Stat(filepath.Join(dir, customize.FileName(ml.ID, ids[0])))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("customized content not removed, stat: %v", err)
	}
}

func TestStatistics(t *testing.T) {
	tm := newTestMaster(t, Config{})
	hour := tm.now.Unix() / 3600
	hours, err := tm.SendStatistics(ctxbg, "sat1", []rpc.HourlyStatsRow{{EpochHour: hour, Sent: 1, Tries: 1}, {EpochHour: hour - 1, Failed: 2, Tries: 3}})
	tcheck(t, err, "send statistics")
	tcompare(t, hours, []int64{hour, hour - 1})

	_, err = tm.SendStatistics(ctxbg, "sat1", []rpc.HourlyStatsRow{{EpochHour: hour, Sent: 5, Tries: 6}})
	tcheck(t, err, "send statistics again")

	l, err := bstore.QueryDB[store.HourlyStats](ctxbg, tm.DB).SortAsc("EpochHour").List()
	tcheck(t, err, "list statistics")
	tcompare(t, len(l), 2)
	tcompare(t, l[1].Sent, 5)
	tcompare(t, l[1].Tries, 6)
	if !l[0].Date.Equal(time.Unix((hour-1)*3600, 0)) {
		t.Fatalf("date %v, expected start of hour", l[0].Date)
	}
}

func TestCheckMailings(t *testing.T) {
	tm := newTestMaster(t, Config{})
	tm.addSatellite(t, "sat1", "", true)
	tm.cluster.connected["sat1"] = true

	timedout, idsT := tm.addMailing(t, store.Mailing{Status: store.MailingReady, ScheduledDuration: 60}, "t1@a.example", "t2@a.example")
	empty, _ := tm.addMailing(t, store.Mailing{Status: store.MailingReady})
	opened, _ := tm.addMailing(t, store.Mailing{Status: store.MailingReady, Type: store.MailingOpened})
	keep, _ := tm.addMailing(t, store.Mailing{Status: store.MailingRunning, DontCloseIfEmpty: true})

	tcompare(t, len(tm.lease(t, "sat1", 1)), 1)
	tcompare(t, tm.mailing(t, timedout.ID).Status, store.MailingRunning)

	err := tm.CheckMailings(ctxbg)
	tcheck(t, err, "check mailings")
	tcompare(t, tm.mailing(t, timedout.ID).Status, store.MailingRunning)
	tcompare(t, tm.mailing(t, empty.ID).Status, store.MailingFinished)
	tcompare(t, tm.mailing(t, opened.ID).Status, store.MailingReady)
	tcompare(t, tm.mailing(t, keep.ID).Status, store.MailingRunning)

	tm.now = tm.now.Add(61 * time.Minute)
	err = tm.CheckMailings(ctxbg)
	tcheck(t, err, "check mailings")
	ml := tm.mailing(t, timedout.ID)
	tcompare(t, ml.Status, store.MailingFinished)
	if !ml.EndTime.Equal(tm.now) {
		t.Fatalf("end time %v, expected %v", ml.EndTime, tm.now)
	}
	tcompare(t, ml.Counters(), store.Counters{Recipient: 2, Error: 2})
	for _, id := range idsT {
		r := tm.recipient(t, id)
		tcompare(t, r.SendStatus, store.StatusTimeout)
		tcompare(t, r.InProgress, false)
		tcompare(t, r.CloudClient, "")
	}
	tcompare(t, tm.cluster.kinds(), []rpc.PushKind{rpc.PushCloseMailing, rpc.PushCloseMailing})

	// A report after closing does not change the timed out recipient.
	_, err = tm.SendReports(ctxbg, "sat1", []rpc.RecipientReport{{ID: idsT[0], MailingID: timedout.ID, SendStatus: store.StatusFinished, TryCount: 1}})
	tcheck(t, err, "late report")
	tcompare(t, tm.recipient(t, idsT[0]).SendStatus, store.StatusTimeout)
	tm.checkCounters(t, timedout.ID)
}

func TestPauseStart(t *testing.T) {
	tm := newTestMaster(t, Config{})
	tm.addSatellite(t, "sat1", "", true)
	tm.cluster.connected["sat1"] = true
	ml, ids := tm.addMailing(t, store.Mailing{Status: store.MailingReady}, "a1@a.example", "a2@a.example")
	tcompare(t, tm.lease(t, "sat1", 1), ids[:1])

	st, err := tm.PauseMailing(ctxbg, ml.ID)
	tcheck(t, err, "pause")
	tcompare(t, st, store.MailingPaused)
	r := tm.recipient(t, ids[0])
	tcompare(t, r.InProgress, false)
	tcompare(t, r.CloudClient, "")
	tcompare(t, tm.cluster.kinds(), []rpc.PushKind{rpc.PushCloseMailing})

	// Nothing leased while paused.
	tcompare(t, tm.lease(t, "sat1", 10), []int64(nil))

	// A lease remaining on a paused mailing is released by the lifecycle check.
	_, err = bstore.QueryDB[store.Recipient](ctxbg, tm.DB).FilterID(ids[1]).UpdateFields(map[string]any{"InProgress": true, "CloudClient": "sat1"})
	tcheck(t, err, "lease recipient")
	err = tm.CheckMailings(ctxbg)
	tcheck(t, err, "check mailings")
	tcompare(t, tm.recipient(t, ids[1]).InProgress, false)
	tcompare(t, tm.mailing(t, ml.ID).Status, store.MailingPaused)

	// Was running before the pause.
	st, err = tm.StartMailing(ctxbg, ml.ID, time.Time{})
	tcheck(t, err, "start")
	tcompare(t, st, store.MailingRunning)

	filling, _ := tm.addMailing(t, store.Mailing{Status: store.MailingFillingRecipients})
	st, err = tm.StartMailing(ctxbg, filling.ID, tm.now.Add(time.Hour))
	tcheck(t, err, "start filling")
	tcompare(t, st, store.MailingReady)
	if !tm.mailing(t, filling.ID).ScheduledStart.Equal(tm.now.Add(time.Hour)) {
		t.Fatalf("scheduled start not set")
	}

	_, err = tm.PauseMailing(ctxbg, filling.ID)
	tcheck(t, err, "pause ready mailing")

	err = tm.CloseMailing(ctxbg, ml.ID)
	tcheck(t, err, "close")
	_, err = tm.PauseMailing(ctxbg, ml.ID)
	if !errors.Is(err, ErrMailingStatus) {
		t.Fatalf("pausing finished mailing: got %v, expected ErrMailingStatus", err)
	}
	_, err = tm.StartMailing(ctxbg, ml.ID, time.Time{})
	if !errors.Is(err, ErrMailingStatus) {
		t.Fatalf("starting finished mailing: got %v, expected ErrMailingStatus", err)
	}
	_, err = tm.PauseMailing(ctxbg, 12345)
	if !errors.Is(err, store.ErrMailingAbsent) {
		t.Fatalf("pausing absent mailing: got %v, expected ErrMailingAbsent", err)
	}
}

func TestReapOrphans(t *testing.T) {
	tm := newTestMaster(t, Config{})
	tm.addSatellite(t, "sat1", "", true)
	tm.addSatellite(t, "sat2", "", true)
	tm.cluster.connected["sat1"] = true
	_, ids := tm.addMailing(t, store.Mailing{Status: store.MailingReady}, "a1@a.example", "a2@a.example", "a3@a.example", "a4@a.example")
	tcompare(t, tm.lease(t, "sat1", 2), ids[:2])
	tcompare(t, tm.lease(t, "sat2", 1), ids[2:3])
	tm.cluster.known["sat1"] = []int64{ids[0]}

	// Recent leases are not checked.
	n, err := tm.ReapOrphans(ctxbg, 10*time.Minute)
	tcheck(t, err, "reap orphans")
	tcompare(t, n, 0)

	tm.now = tm.now.Add(time.Hour)
	tcompare(t, tm.lease(t, "sat1", 1), ids[3:4])
	n, err = tm.ReapOrphans(ctxbg, 10*time.Minute)
	tcheck(t, err, "reap orphans")
	tcompare(t, n, 2)

	tcompare(t, tm.recipient(t, ids[0]).InProgress, true)
	tcompare(t, tm.recipient(t, ids[1]).InProgress, false)
	tcompare(t, tm.recipient(t, ids[2]).InProgress, false)
	tcompare(t, tm.recipient(t, ids[2]).CloudClient, "")
	tcompare(t, tm.recipient(t, ids[3]).InProgress, true)

	// Released recipients can be leased again.
	tcompare(t, tm.lease(t, "sat1", 10), ids[1:3])

	// Next check waits after an empty pass.
	tm.cluster.known["sat1"] = ids
	err = tm.checkOrphans(ctxbg)
	tcheck(t, err, "check orphans")
	tcompare(t, tm.nextOrphanCheck, tm.now.Add(2*time.Minute))
}

func TestLoginPaired(t *testing.T) {
	tm := newTestMaster(t, Config{Serial: "master1"})
	err := tm.Init(ctxbg)
	tcheck(t, err, "init")
	err = tm.Init(ctxbg)
	tcheck(t, err, "init again")
	n, err := bstore.QueryDB[store.Satellite](ctxbg, tm.DB).Count()
	tcheck(t, err, "count satellites")
	tcompare(t, n, 1)

	tm.addSatellite(t, "sat1", "", true)
	tm.addSatellite(t, "off", "", false)

	key, err := tm.Login(ctxbg, rpc.Hello{Serial: "sat1", Version: "v1.2.3", Settings: map[string]string{"maxthread": "10"}})
	tcheck(t, err, "login")
	tcompare(t, key, "key-sat1")
	_, err = tm.Login(ctxbg, rpc.Hello{Serial: "off"})
	if !errors.Is(err, rpc.ErrUnauthorized) {
		t.Fatalf("login disabled: got %v, expected ErrUnauthorized", err)
	}
	_, err = tm.Login(ctxbg, rpc.Hello{Serial: "bogus"})
	if !errors.Is(err, rpc.ErrUnauthorized) {
		t.Fatalf("login unknown: got %v, expected ErrUnauthorized", err)
	}

	tm.Paired(ctxbg, "sat1", true)
	sat, err := bstore.QueryDB[store.Satellite](ctxbg, tm.DB).FilterNonzero(store.Satellite{Serial: "sat1"}).Get()
	tcheck(t, err, "get satellite")
	tcompare(t, sat.Paired, true)
	tcompare(t, sat.Version, "v1.2.3")
	tcompare(t, sat.Settings, map[string]string{"maxthread": "10"})

	tm.cluster.connected["sat1"] = true
	err = tm.Distribute(ctxbg)
	tcheck(t, err, "distribute")
	tcompare(t, tm.cluster.kinds(), []rpc.PushKind{rpc.PushPrepareGettingRecipients})

	tm.Paired(ctxbg, "sat1", false)
	sat, err = bstore.QueryDB[store.Satellite](ctxbg, tm.DB).FilterNonzero(store.Satellite{Serial: "sat1"}).Get()
	tcheck(t, err, "get satellite")
	tcompare(t, sat.Paired, false)
}

func TestGetMailing(t *testing.T) {
	tm := newTestMaster(t, Config{FeedbackLoop: &config.FeedbackLoop{SenderID: "cm"}})
	tm.addSatellite(t, "sat1", "", true)
	dkim := &config.DKIM{Enabled: true, Selector: "s1", Domain: "sender.example", PrivateKey: "key"}
	err := tm.DB.Insert(ctxbg, &store.SenderDomain{DomainName: "sender.example", DKIM: dkim})
	tcheck(t, err, "insert sender domain")

	ml, _ := tm.addMailing(t, store.Mailing{Status: store.MailingReady, Subject: "hi"})
	body, err := tm.GetMailing(ctxbg, "sat1", ml.ID)
	tcheck(t, err, "get mailing")
	tcompare(t, body.Subject, "hi")
	tcompare(t, body.DKIM.Selector, "s1")
	tcompare(t, body.FeedbackLoop.SenderID, "cm")

	_, err = tm.GetMailing(ctxbg, "bogus", ml.ID)
	if !errors.Is(err, rpc.ErrUnauthorized) {
		t.Fatalf("get mailing for unknown satellite: got %v, expected ErrUnauthorized", err)
	}
	_, err = tm.GetMailing(ctxbg, "sat1", ml.ID+100)
	if !errors.Is(err, rpc.ErrNotFound) {
		t.Fatalf("get absent mailing: got %v, expected ErrNotFound", err)
	}
	err = tm.CloseMailing(ctxbg, ml.ID)
	tcheck(t, err, "close mailing")
	_, err = tm.GetMailing(ctxbg, "sat1", ml.ID)
	if !errors.Is(err, rpc.ErrNotFound) {
		t.Fatalf("get finished mailing: got %v, expected ErrNotFound", err)
	}
}
