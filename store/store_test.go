package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/cloudmailing/cm/mlog"
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

func testDB(t *testing.T) *bstore.DB {
	t.Helper()
	db, err := Open(ctxbg, mlog.New("store", nil), filepath.Join(t.TempDir(), "master.db"))
	tcheck(t, err, "open db")
	t.Cleanup(func() {
		err := db.Close()
		tcheck(t, err, "close db")
	})
	return db
}

func testMailing(t *testing.T, db *bstore.DB) Mailing {
	t.Helper()
	m := Mailing{MailFrom: "news@sender.example", DomainName: "sender.example", Type: MailingRegular, Status: MailingReady}
	err := db.Insert(ctxbg, &m)
	tcheck(t, err, "insert mailing")
	return m
}

func TestNextTry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tcompare(t, NextTry(0, now), now.Add(10*time.Minute))
	tcompare(t, NextTry(2, now), now.Add(10*time.Minute))
	tcompare(t, NextTry(3, now), now.Add(time.Hour))
	tcompare(t, NextTry(9, now), now.Add(time.Hour))
	tcompare(t, NextTry(10, now), now.Add(6*time.Hour))
}

func TestCountersFromStatus(t *testing.T) {
	c := CountersFromStatus(map[SendStatus]int{
		StatusReady:        2,
		StatusInProgress:   1,
		StatusWarning:      3,
		StatusFinished:     4,
		StatusError:        1,
		StatusGeneralError: 1,
		StatusTimeout:      1,
	})
	tcompare(t, c, Counters{Recipient: 13, Pending: 6, Sent: 4, Error: 3, Softbounce: 3})
	tcompare(t, c.Recipient, c.Pending+c.Sent+c.Error)
}

func TestInsertRecipients(t *testing.T) {
	db := testDB(t)
	m := testMailing(t, db)

	contact := Contact{"firstname": "Jane", "age": json.Number("42")}
	l := []Recipient{
		{MailingID: m.ID, TrackingID: "t1", Email: "a@dest.example", DomainName: "dest.example", Contact: ContactData{contact}},
		{MailingID: m.ID, TrackingID: "t2", Email: "b@dest.example", DomainName: "dest.example"},
		{MailingID: m.ID, TrackingID: "t1", Email: "dup@dest.example", DomainName: "dest.example"},
	}
	inserted, skipped, err := InsertRecipients(ctxbg, db, l)
	tcheck(t, err, "insert recipients")
	tcompare(t, len(inserted), 2)
	tcompare(t, skipped, 1)
	tcompare(t, inserted[0].SendStatus, StatusReady)

	// Again, all are duplicates.
	inserted, skipped, err = InsertRecipients(ctxbg, db, l[:2])
	tcheck(t, err, "insert recipients again")
	tcompare(t, len(inserted), 0)
	tcompare(t, skipped, 2)

	err = db.Get(ctxbg, &m)
	tcheck(t, err, "get mailing")
	tcompare(t, m.Counters(), Counters{Recipient: 2, Pending: 2})

	// Contact data is stored as JSON, numbers stay numbers.
	r, err := bstore.QueryDB[Recipient](ctxbg, db).FilterNonzero(Recipient{TrackingID: "t1"}).Get()
	tcheck(t, err, "get recipient")
	tcompare(t, r.Contact.Fields, contact)
}

func TestFindAndModifyRecipient(t *testing.T) {
	db := testDB(t)
	m := testMailing(t, db)
	_, _, err := InsertRecipients(ctxbg, db, []Recipient{{MailingID: m.ID, TrackingID: "t1", Email: "a@dest.example"}})
	tcheck(t, err, "insert")

	r, err := FindAndModifyRecipient(ctxbg, db, m.ID, "t1", func(tx *bstore.Tx, r *Recipient) error {
		r.SendStatus = StatusFinished
		return IncMailingCounters(tx, r.MailingID, Counters{Pending: -1, Sent: 1})
	})
	tcheck(t, err, "find and modify")
	tcompare(t, r.SendStatus, StatusFinished)

	err = db.Get(ctxbg, &m)
	tcheck(t, err, "get mailing")
	tcompare(t, m.Counters(), Counters{Recipient: 1, Sent: 1})

	// An error from fn rolls back.
	errAbort := errors.New("abort")
	_, err = FindAndModifyRecipient(ctxbg, db, m.ID, "t1", func(tx *bstore.Tx, r *Recipient) error {
		r.SendStatus = StatusError
		if err := IncMailingCounters(tx, r.MailingID, Counters{Sent: -1, Error: 1}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("got err %v, expected errAbort", err)
	}
	err = db.Get(ctxbg, &m)
	tcheck(t, err, "get mailing")
	tcompare(t, m.Counters(), Counters{Recipient: 1, Sent: 1})

	_, err = FindAndModifyRecipient(ctxbg, db, m.ID, "unknown", func(tx *bstore.Tx, r *Recipient) error { return nil })
	if !errors.Is(err, ErrRecipientAbsent) {
		t.Fatalf("got err %v, expected ErrRecipientAbsent", err)
	}
}

func TestUpdateStats(t *testing.T) {
	db := testDB(t)
	m := testMailing(t, db)
	var l []Recipient
	for i, st := range []SendStatus{StatusReady, StatusWarning, StatusFinished, StatusFinished, StatusError, StatusTimeout} {
		l = append(l, Recipient{MailingID: m.ID, TrackingID: string(rune('a' + i)), Email: "x@dest.example", SendStatus: st})
	}
	_, _, err := InsertRecipients(ctxbg, db, l)
	tcheck(t, err, "insert")

	// Inserting counts all as pending, recounting fixes that.
	fixed, err := Recount(ctxbg, db)
	tcheck(t, err, "recount")
	tcompare(t, fixed, []int64{m.ID})

	err = db.Get(ctxbg, &m)
	tcheck(t, err, "get mailing")
	tcompare(t, m.Counters(), Counters{Recipient: 6, Pending: 2, Sent: 2, Error: 2, Softbounce: 1})
	tcompare(t, m.TotalRecipient, m.TotalPending+m.TotalSent+m.TotalError)

	fixed, err = Recount(ctxbg, db)
	tcheck(t, err, "recount")
	tcompare(t, len(fixed), 0)

	err = db.Write(ctxbg, func(tx *bstore.Tx) error {
		_, err := UpdateStats(tx, m.ID+1)
		return err
	})
	if !errors.Is(err, ErrMailingAbsent) {
		t.Fatalf("got err %v, expected ErrMailingAbsent", err)
	}
}

func TestFindRecipients(t *testing.T) {
	db := testDB(t)
	m := testMailing(t, db)
	var l []Recipient
	for i := 0; i < 10; i++ {
		st := StatusReady
		if i%2 == 1 {
			st = StatusWarning
		}
		l = append(l, Recipient{MailingID: m.ID, TrackingID: string(rune('a' + i)), Email: "x@dest.example", SendStatus: st})
	}
	_, _, err := InsertRecipients(ctxbg, db, l)
	tcheck(t, err, "insert")

	rl, err := FindRecipients(ctxbg, db, RecipientFilter{MailingID: m.ID, Statuses: []SendStatus{StatusWarning}}, "-ID", 1, 2)
	tcheck(t, err, "find")
	tcompare(t, len(rl), 2)
	tcompare(t, rl[0].TrackingID, "h")
	tcompare(t, rl[1].TrackingID, "f")

	rl, err = FindRecipients(ctxbg, db, RecipientFilter{TrackingIDs: []string{"a", "j"}}, "", 0, 0)
	tcheck(t, err, "find")
	tcompare(t, len(rl), 2)

	rl, err = FindRecipients(ctxbg, db, RecipientFilter{}, "", 8, 5)
	tcheck(t, err, "find")
	tcompare(t, len(rl), 2)

	load, err := LoadBySatellite(ctxbg, db)
	tcheck(t, err, "load")
	tcompare(t, load, map[string]int{})
}

func TestExpireDSN(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	err := db.Insert(ctxbg, &DSNRecord{MailingID: 1, TrackingID: "a", Action: "failed", Received: now.Add(-8 * 24 * time.Hour)})
	tcheck(t, err, "insert")
	err = db.Insert(ctxbg, &DSNRecord{MailingID: 1, TrackingID: "b", Action: "failed", Received: now})
	tcheck(t, err, "insert")

	n, err := ExpireDSN(ctxbg, db, now.Add(-7*24*time.Hour))
	tcheck(t, err, "expire")
	tcompare(t, n, 1)
	n, err = bstore.QueryDB[DSNRecord](ctxbg, db).Count()
	tcheck(t, err, "count")
	tcompare(t, n, 1)
}
