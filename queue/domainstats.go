package queue

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mjl-/bstore"

	"github.com/cloudmailing/cm/config"
)

// DomainStats tracks deliveries and MX lookups per destination domain. Stored
// in the satellite database.
//
// DNS errors come in two kinds. Temporary errors, such as timeouts, never
// make recipients fail. Fatal errors, such as a nonexistent domain, are retried
// a few times in case the DNS misbehaves, after which recipients fail.
type DomainStats struct {
	ID         int64
	DomainName string `bstore:"nonzero,unique"`

	// Per recipient.
	Sent              int
	Failed            int
	Tries             int // All attempts, including sent, failed and temporary failures.
	ConsecutiveSent   int
	ConsecutiveFailed int // Including temporary failures.

	// Per MX lookup.
	DNSTries                 int
	DNSTempErrors            int // Reset on successful lookup.
	DNSFatalErrors           int // Reset on successful lookup.
	DNSLastError             string
	DNSCumulativeTempErrors  int
	DNSCumulativeFatalErrors int

	Created  time.Time
	Modified time.Time
}

// MaxFatalDNSErrors is the number of consecutive fatal DNS errors for a domain
// after which its recipients fail permanently.
const MaxFatalDNSErrors = 5

func updateDomainStats(ctx context.Context, db *bstore.DB, domain string, fn func(st *DomainStats)) (DomainStats, error) {
	var st DomainStats
	err := db.Write(ctx, func(tx *bstore.Tx) error {
		now := time.Now()
		var err error
		st, err = bstore.QueryTx[DomainStats](tx).FilterNonzero(DomainStats{DomainName: domain}).Get()
		if err == bstore.ErrAbsent {
			st = DomainStats{DomainName: domain, Created: now}
			fn(&st)
			st.Modified = now
			return tx.Insert(&st)
		} else if err != nil {
			return err
		}
		fn(&st)
		st.Modified = now
		return tx.Update(&st)
	})
	if err != nil {
		return st, fmt.Errorf("updating domain stats for %s: %w", domain, err)
	}
	return st, nil
}

// AddSent records a delivered message for domain.
func AddSent(ctx context.Context, db *bstore.DB, domain string) error {
	_, err := updateDomainStats(ctx, db, domain, func(st *DomainStats) {
		st.Sent++
		st.Tries++
		st.ConsecutiveSent++
		st.ConsecutiveFailed = 0
	})
	return err
}

// AddFailed records a permanent delivery failure for domain.
func AddFailed(ctx context.Context, db *bstore.DB, domain string) error {
	_, err := updateDomainStats(ctx, db, domain, func(st *DomainStats) {
		st.Failed++
		st.Tries++
		st.ConsecutiveFailed++
		st.ConsecutiveSent = 0
	})
	return err
}

// AddTry records a temporary delivery failure for domain.
func AddTry(ctx context.Context, db *bstore.DB, domain string) error {
	_, err := updateDomainStats(ctx, db, domain, func(st *DomainStats) {
		st.Tries++
		st.ConsecutiveFailed++
		st.ConsecutiveSent = 0
	})
	return err
}

// AddDNSSuccess records a successful MX lookup, resetting the error counters.
func AddDNSSuccess(ctx context.Context, db *bstore.DB, domain string) error {
	_, err := updateDomainStats(ctx, db, domain, func(st *DomainStats) {
		st.DNSTries++
		st.DNSTempErrors = 0
		st.DNSFatalErrors = 0
		st.DNSLastError = ""
	})
	return err
}

// AddDNSTempError records a temporary MX lookup failure.
func AddDNSTempError(ctx context.Context, db *bstore.DB, domain, kind string) (DomainStats, error) {
	return updateDomainStats(ctx, db, domain, func(st *DomainStats) {
		st.Tries++
		st.DNSTries++
		st.DNSTempErrors++
		st.DNSCumulativeTempErrors++
		st.DNSLastError = kind
	})
}

// AddDNSFatalError records a fatal MX lookup failure.
func AddDNSFatalError(ctx context.Context, db *bstore.DB, domain, kind string) (DomainStats, error) {
	return updateDomainStats(ctx, db, domain, func(st *DomainStats) {
		st.Tries++
		st.Failed++
		st.DNSTries++
		st.DNSFatalErrors++
		st.DNSCumulativeFatalErrors++
		st.DNSLastError = kind
	})
}

// Note returns the score of the domain at now. Successive deliveries raise the
// score, successive failures lower it exponentially. The score fades as the
// stats age.
func (st DomainStats) Note(now time.Time) float64 {
	ageHours := now.Sub(st.Modified).Hours()
	failed := math.Exp(math.Min(float64(st.ConsecutiveFailed), 5)) - 1
	return (float64(st.ConsecutiveSent) - failed) / math.Max(0.1, ageHours)
}

// Notations returns the score of all domains with stats.
func Notations(ctx context.Context, db *bstore.DB, now time.Time) (map[string]float64, error) {
	notes := map[string]float64{}
	err := bstore.QueryDB[DomainStats](ctx, db).ForEach(func(st DomainStats) error {
		notes[st.DomainName] = st.Note(now)
		return nil
	})
	return notes, err
}

// MaxRecipients returns the maximum number of recipients for a connection to a
// domain with score note, or -1 if steps is empty. The step with the highest
// MinNote not above note applies, or the lowest step if note is below all
// steps. Zero means recipients for the domain must be rejected.
func MaxRecipients(note float64, steps []config.NotationStep) int {
	if len(steps) == 0 {
		return -1
	}
	l := append([]config.NotationStep{}, steps...)
	sort.Slice(l, func(i, j int) bool {
		return l[i].MinNote > l[j].MinNote
	})
	for _, s := range l {
		if s.MinNote <= note {
			return s.MaxRecipients
		}
	}
	return l[len(l)-1].MaxRecipients
}

// Limit returns the maximum number of recipients per connection for domain,
// -1 for no limit. Domains without stats are not limited.
func Limit(ctx context.Context, db *bstore.DB, domain string, steps []config.NotationStep, now time.Time) (int, error) {
	if len(steps) == 0 {
		return -1, nil
	}
	st, err := bstore.QueryDB[DomainStats](ctx, db).FilterNonzero(DomainStats{DomainName: domain}).Get()
	if err == bstore.ErrAbsent {
		return -1, nil
	} else if err != nil {
		return 0, fmt.Errorf("get domain stats: %w", err)
	}
	return MaxRecipients(st.Note(now), steps), nil
}
