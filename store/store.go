package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mjl-/bstore"

	"github.com/cloudmailing/cm/cmvar"
	"github.com/cloudmailing/cm/mlog"
)

var pkglog = mlog.New("store", nil)

var (
	ErrMailingAbsent   = errors.New("mailing does not exist")
	ErrRecipientAbsent = errors.New("recipient does not exist")
)

// Open opens or creates the master database at path.
func Open(ctx context.Context, log mlog.Log, path string) (*bstore.DB, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: cmvar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open master database: %w", err)
	}
	return db, nil
}

// Counters are changes to the recipient counters of a mailing.
type Counters struct {
	Recipient  int
	Pending    int
	Sent       int
	Error      int
	Softbounce int
}

// IsZero returns whether c has no changes.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Add adds o to c.
func (c *Counters) Add(o Counters) {
	c.Recipient += o.Recipient
	c.Pending += o.Pending
	c.Sent += o.Sent
	c.Error += o.Error
	c.Softbounce += o.Softbounce
}

// IncMailingCounters atomically adds c to the counters of mailing id. A
// mailing that no longer exists is ignored.
func IncMailingCounters(tx *bstore.Tx, id int64, c Counters) error {
	if c.IsZero() {
		return nil
	}
	m := Mailing{ID: id}
	if err := tx.Get(&m); err == bstore.ErrAbsent {
		return nil
	} else if err != nil {
		return fmt.Errorf("get mailing: %w", err)
	}
	m.TotalRecipient += c.Recipient
	m.TotalPending += c.Pending
	m.TotalSent += c.Sent
	m.TotalError += c.Error
	m.TotalSoftbounce += c.Softbounce
	m.Modified = time.Now()
	if err := tx.Update(&m); err != nil {
		return fmt.Errorf("update mailing counters: %w", err)
	}
	return nil
}

// CountByStatus returns the number of recipients of a mailing per status.
func CountByStatus(tx *bstore.Tx, mailingID int64) (map[SendStatus]int, error) {
	counts := map[SendStatus]int{}
	q := bstore.QueryTx[Recipient](tx)
	q.FilterNonzero(Recipient{MailingID: mailingID})
	err := q.ForEach(func(r Recipient) error {
		counts[r.SendStatus]++
		return nil
	})
	return counts, err
}

// CountersFromStatus computes the mailing counters from recipient counts per
// status.
func CountersFromStatus(counts map[SendStatus]int) Counters {
	var c Counters
	for st, n := range counts {
		c.Recipient += n
		switch {
		case st == StatusFinished:
			c.Sent += n
		case st.Failed():
			c.Error += n
		default:
			c.Pending += n
			if st == StatusWarning {
				c.Softbounce += n
			}
		}
	}
	return c
}

// UpdateStats recounts the counters of a mailing from its recipients.
func UpdateStats(tx *bstore.Tx, mailingID int64) (Mailing, error) {
	m := Mailing{ID: mailingID}
	if err := tx.Get(&m); err == bstore.ErrAbsent {
		return m, ErrMailingAbsent
	} else if err != nil {
		return m, fmt.Errorf("get mailing: %w", err)
	}
	counts, err := CountByStatus(tx, mailingID)
	if err != nil {
		return m, fmt.Errorf("counting recipients: %w", err)
	}
	c := CountersFromStatus(counts)
	m.TotalRecipient = c.Recipient
	m.TotalPending = c.Pending
	m.TotalSent = c.Sent
	m.TotalError = c.Error
	m.TotalSoftbounce = c.Softbounce
	m.Modified = time.Now()
	if err := tx.Update(&m); err != nil {
		return m, fmt.Errorf("update mailing: %w", err)
	}
	return m, nil
}

// SumPendingByMailing returns the pending counter of each of the mailings, and
// their sum.
func SumPendingByMailing(tx *bstore.Tx, ids []int64) (map[int64]int, int, error) {
	pending := map[int64]int{}
	var total int
	if len(ids) == 0 {
		return pending, 0, nil
	}
	q := bstore.QueryTx[Mailing](tx)
	q.FilterIDs(ids)
	err := q.ForEach(func(m Mailing) error {
		n := max(m.TotalPending, 0)
		pending[m.ID] = n
		total += n
		return nil
	})
	return pending, total, err
}

// LoadBySatellite returns the number of recipients leased per satellite serial.
func LoadBySatellite(ctx context.Context, db *bstore.DB) (map[string]int, error) {
	load := map[string]int{}
	q := bstore.QueryDB[Recipient](ctx, db)
	q.FilterNonzero(Recipient{InProgress: true})
	err := q.ForEach(func(r Recipient) error {
		load[r.CloudClient]++
		return nil
	})
	return load, err
}

// FindAndModifyRecipient calls fn with the recipient of a mailing by tracking
// id, in a write transaction, and stores the recipient as modified by fn. If
// fn returns an error, the transaction is rolled back.
func FindAndModifyRecipient(ctx context.Context, db *bstore.DB, mailingID int64, trackingID string, fn func(tx *bstore.Tx, r *Recipient) error) (Recipient, error) {
	var r Recipient
	err := db.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		r, err = bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MailingID: mailingID, TrackingID: trackingID}).Get()
		if err == bstore.ErrAbsent {
			return ErrRecipientAbsent
		} else if err != nil {
			return err
		}
		if err := fn(tx, &r); err != nil {
			return err
		}
		r.Modified = time.Now()
		return tx.Update(&r)
	})
	return r, err
}

// InsertRecipients adds recipients to their mailings, updating the mailing
// counters. Recipients with a tracking id already present for the mailing are
// skipped, the others are still added.
func InsertRecipients(ctx context.Context, db *bstore.DB, l []Recipient) (inserted []Recipient, skipped int, rerr error) {
	rerr = db.Write(ctx, func(tx *bstore.Tx) error {
		deltas := map[int64]Counters{}
		for _, r := range l {
			exists, err := bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MailingID: r.MailingID, TrackingID: r.TrackingID}).Exists()
			if err != nil {
				return fmt.Errorf("checking for duplicate recipient: %w", err)
			}
			if exists {
				skipped++
				continue
			}
			if r.SendStatus == "" {
				r.SendStatus = StatusReady
			}
			if err := tx.Insert(&r); err != nil {
				return fmt.Errorf("insert recipient %s: %w", r.Email, err)
			}
			inserted = append(inserted, r)
			c := deltas[r.MailingID]
			c.Add(Counters{Recipient: 1, Pending: 1})
			deltas[r.MailingID] = c
		}
		for id, c := range deltas {
			if err := IncMailingCounters(tx, id, c); err != nil {
				return err
			}
		}
		return nil
	})
	if rerr != nil {
		inserted = nil
		skipped = 0
	}
	return
}

// RecipientFilter selects recipients in FindRecipients. Zero fields do not
// filter.
type RecipientFilter struct {
	MailingID   int64
	Statuses    []SendStatus
	Email       string
	TrackingIDs []string
	ReportReady bool
	InProgress  *bool
	CloudClient string
}

// FindRecipients returns recipients matching f, ordered by sort (a field name,
// prefixed with "-" for descending order, default ID), skipping the first skip
// matches and returning at most limit recipients (0 for no limit).
func FindRecipients(ctx context.Context, db *bstore.DB, f RecipientFilter, sortField string, skip, limit int) ([]Recipient, error) {
	q := bstore.QueryDB[Recipient](ctx, db)
	if f.MailingID != 0 || f.Email != "" || f.ReportReady || f.CloudClient != "" {
		q.FilterNonzero(Recipient{MailingID: f.MailingID, Email: f.Email, ReportReady: f.ReportReady, CloudClient: f.CloudClient})
	}
	if len(f.Statuses) > 0 {
		l := make([]any, len(f.Statuses))
		for i, st := range f.Statuses {
			l[i] = st
		}
		q.FilterEqual("SendStatus", l...)
	}
	if len(f.TrackingIDs) > 0 {
		l := make([]any, len(f.TrackingIDs))
		for i, id := range f.TrackingIDs {
			l[i] = id
		}
		q.FilterEqual("TrackingID", l...)
	}
	if f.InProgress != nil {
		q.FilterEqual("InProgress", *f.InProgress)
	}
	switch {
	case sortField == "":
		q.SortAsc("ID")
	case sortField[0] == '-':
		q.SortDesc(sortField[1:])
	default:
		q.SortAsc(sortField)
	}
	if limit > 0 {
		q.Limit(skip + limit)
	}

	var l []Recipient
	var n int
	err := q.ForEach(func(r Recipient) error {
		n++
		if n > skip {
			l = append(l, r)
		}
		return nil
	})
	return l, err
}

// ExpireDSN removes DSN records received before t.
func ExpireDSN(ctx context.Context, db *bstore.DB, t time.Time) (int, error) {
	q := bstore.QueryDB[DSNRecord](ctx, db)
	q.FilterLess("Received", t)
	n, err := q.Delete()
	if err == nil && n > 0 {
		pkglog.Info("removed expired dsn records", slog.Int("count", n))
	}
	return n, err
}

// Recount recalculates the counters of all mailings that are not finished,
// returning the ids of mailings with counters that had drifted.
func Recount(ctx context.Context, db *bstore.DB) (fixed []int64, rerr error) {
	rerr = db.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Mailing](tx)
		q.FilterNotEqual("Status", MailingFinished)
		ml, err := q.List()
		if err != nil {
			return err
		}
		for _, m := range ml {
			nm, err := UpdateStats(tx, m.ID)
			if err != nil {
				return err
			}
			if nm.Counters() != m.Counters() {
				fixed = append(fixed, m.ID)
			}
		}
		return nil
	})
	sort.Slice(fixed, func(i, j int) bool { return fixed[i] < fixed[j] })
	return
}
