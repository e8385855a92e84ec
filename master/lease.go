package master

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mjl-/bstore"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/cloudmailing/cm/mlog"
	"github.com/cloudmailing/cm/rpc"
	"github.com/cloudmailing/cm/store"
)

// DomainAffinity restricts the destination domains of recipients leased to a
// satellite.
type DomainAffinity struct {
	Include []string // If not empty, only these domains.
	Exclude []string
}

// Allowed returns whether recipients in domain can be leased.
func (a DomainAffinity) Allowed(domain string) bool {
	domain = strings.ToLower(domain)
	if len(a.Include) > 0 && !slices.Contains(a.Include, domain) {
		return false
	}
	return !slices.Contains(a.Exclude, domain)
}

var domainRegexp = regexp.MustCompile(`(?i)^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}\.?$`)

// ParseDomainAffinity parses the domain affinity of a satellite. Two JSON forms
// are recognized:
//
//	{"enabled": true, "include": ["a.example"], "exclude": ["b.example"]}
//	{"enabled": true, "a.example": true, "b.example": false}
//
// In the second (older) form, domains with value true are included, those with
// false excluded. If "enabled" is false, there is no restriction. Invalid
// domain names are skipped and returned in invalid.
func ParseDomainAffinity(s string) (aff DomainAffinity, invalid []string, rerr error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return aff, nil, fmt.Errorf("parsing domain affinity: %w", err)
	}
	if buf, ok := raw["enabled"]; ok {
		var enabled bool
		if err := json.Unmarshal(buf, &enabled); err != nil {
			return aff, nil, fmt.Errorf("parsing enabled in domain affinity: %w", err)
		}
		if !enabled {
			return
		}
		delete(raw, "enabled")
	}

	add := func(l *[]string, d string) {
		if !domainRegexp.MatchString(d) {
			invalid = append(invalid, d)
			return
		}
		*l = append(*l, strings.TrimSuffix(strings.ToLower(d), "."))
	}

	_, hasInclude := raw["include"]
	_, hasExclude := raw["exclude"]
	if hasInclude || hasExclude {
		for _, k := range []string{"include", "exclude"} {
			buf, ok := raw[k]
			if !ok {
				continue
			}
			var l []string
			if err := json.Unmarshal(buf, &l); err != nil {
				return DomainAffinity{}, nil, fmt.Errorf("parsing %s in domain affinity: %w", k, err)
			}
			for _, d := range l {
				if k == "include" {
					add(&aff.Include, d)
				} else {
					add(&aff.Exclude, d)
				}
			}
		}
		return
	}

	keys := maps.Keys(raw)
	sort.Strings(keys)
	for _, d := range keys {
		var v bool
		if err := json.Unmarshal(raw[d], &v); err != nil {
			return DomainAffinity{}, nil, fmt.Errorf("parsing value for %q in domain affinity: %w", d, err)
		}
		if v {
			add(&aff.Include, d)
		} else {
			add(&aff.Exclude, d)
		}
	}
	return
}

// GetRecipients implements rpc.Handler. It leases at most count recipients to
// the satellite. Recipients of mailings of the satellite's group are selected
// by next try, primary recipients (test messages) first, and the remaining
// capacity shared between the active mailings in proportion to their pending
// recipients.
func (m *Master) GetRecipients(ctx context.Context, serial string, count int) ([]rpc.RecipientLease, error) {
	count = min(count, m.Conf.MaxRecipientsToSend)
	if count <= 0 {
		return nil, nil
	}
	var leases []rpc.RecipientLease
	err := m.leasePool.Do(ctx, func() error {
		var err error
		leases, err = m.lease(ctx, serial, count)
		return err
	})
	return leases, err
}

func (m *Master) lease(ctx context.Context, serial string, count int) ([]rpc.RecipientLease, error) {
	log := m.log.WithContext(ctx).With(slog.String("serial", serial))
	now := m.now()
	t0 := time.Now()

	// Select candidates in a read transaction, then take those that are still
	// available in a write transaction.
	var candidates []int64
	var starting []int64
	err := m.DB.Read(ctx, func(tx *bstore.Tx) error {
		sat, err := bstore.QueryTx[store.Satellite](tx).FilterNonzero(store.Satellite{Serial: serial}).Get()
		if err == bstore.ErrAbsent {
			log.Info("recipients requested by unknown satellite")
			return nil
		} else if err != nil {
			return fmt.Errorf("looking up satellite: %w", err)
		}
		if !sat.Enabled {
			log.Info("recipients requested by disabled satellite")
			return nil
		}
		aff, invalid, err := ParseDomainAffinity(sat.DomainAffinity)
		if err != nil {
			log.Errorx("bad domain affinity for satellite, ignoring", err)
		}
		if len(invalid) > 0 {
			log.Info("invalid domains in domain affinity, ignored", slog.Any("domains", invalid))
		}
		logAffinity(log, aff)

		q := bstore.QueryTx[store.Mailing](tx)
		q.FilterEqual("Status", store.MailingFillingRecipients, store.MailingReady, store.MailingRunning)
		q.FilterFn(func(ml store.Mailing) bool { return ml.SatelliteGroup == sat.Group })
		q.SortAsc("ID")
		mailings, err := q.List()
		if err != nil {
			return fmt.Errorf("listing mailings: %w", err)
		}
		if len(mailings) == 0 {
			return nil
		}

		// Primary recipients are test messages, sent even while the mailing is
		// still being filled or not yet scheduled.
		ids := make([]int64, len(mailings))
		for i, ml := range mailings {
			ids[i] = ml.ID
		}
		candidates, err = m.selectRecipients(tx, ids, aff, true, count, now)
		if err != nil {
			return err
		}

		var active []store.Mailing
		var totalPending int
		for _, ml := range mailings {
			if ml.Status != store.MailingFillingRecipients && ml.Active(now) {
				active = append(active, ml)
				totalPending += max(ml.TotalPending, 0)
			}
		}
		if totalPending == 0 {
			return nil
		}
		remaining := count - len(candidates)
		for _, ml := range active {
			if len(candidates) >= count {
				log.Info("lease batch full, skipping other mailings")
				break
			}
			n := max(100, max(ml.TotalPending, 0)*remaining/totalPending)
			n = min(n, count-len(candidates))
			l, err := m.selectRecipients(tx, []int64{ml.ID}, aff, false, n, now)
			if err != nil {
				return err
			}
			l = slices.DeleteFunc(l, func(id int64) bool { return slices.Contains(candidates, id) })
			if len(l) > 0 && ml.Status == store.MailingReady {
				starting = append(starting, ml.ID)
			}
			candidates = append(candidates, l...)
		}
		return nil
	})
	if err != nil || len(candidates) == 0 {
		return nil, err
	}

	var leases []rpc.RecipientLease
	err = m.DB.Write(ctx, func(tx *bstore.Tx) error {
		leases = nil
		for _, id := range starting {
			ml := store.Mailing{ID: id}
			if err := tx.Get(&ml); err != nil {
				return fmt.Errorf("get mailing: %w", err)
			}
			if ml.Status == store.MailingReady {
				ml.Status = store.MailingRunning
				ml.StartTime = now
				ml.Modified = now
				if err := tx.Update(&ml); err != nil {
					return fmt.Errorf("starting mailing: %w", err)
				}
				log.Info("mailing running", slog.Int64("mailing", ml.ID))
			}
		}

		for _, id := range candidates {
			r := store.Recipient{ID: id}
			if err := tx.Get(&r); err == bstore.ErrAbsent {
				continue
			} else if err != nil {
				return fmt.Errorf("get recipient: %w", err)
			}
			// Leased by another request in the meantime, or changed.
			if r.InProgress || r.CloudClient != "" || !leasable(r, now) {
				continue
			}
			r.InProgress = true
			r.CloudClient = serial
			r.DateDelegated = now
			r.Modified = now
			if err := tx.Update(&r); err != nil {
				return fmt.Errorf("leasing recipient: %w", err)
			}
			leases = append(leases, leaseFor(r))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metricLeased.Add(float64(len(leases)))
	log.Debug("leased recipients", slog.Int("count", len(leases)), slog.Int("requested", count), slog.Duration("duration", time.Since(t0)))
	return leases, nil
}

func leasable(r store.Recipient, now time.Time) bool {
	if r.SendStatus != store.StatusReady && r.SendStatus != store.StatusWarning {
		return false
	}
	return r.NextTry.IsZero() || !r.NextTry.After(now)
}

// selectRecipients returns ids of at most limit available recipients of the
// mailings, by next try.
func (m *Master) selectRecipients(tx *bstore.Tx, mailingIDs []int64, aff DomainAffinity, primaryOnly bool, limit int, now time.Time) ([]int64, error) {
	if limit <= 0 || len(mailingIDs) == 0 {
		return nil, nil
	}
	mids := make([]any, len(mailingIDs))
	for i, id := range mailingIDs {
		mids[i] = id
	}
	q := bstore.QueryTx[store.Recipient](tx)
	q.FilterEqual("MailingID", mids...)
	q.FilterEqual("SendStatus", store.StatusReady, store.StatusWarning)
	q.FilterEqual("InProgress", false)
	q.FilterFn(func(r store.Recipient) bool {
		return r.CloudClient == "" && (!primaryOnly || r.Primary) && leasable(r, now) && aff.Allowed(r.DomainName)
	})
	q.SortAsc("NextTry", "ID")
	q.Limit(limit)
	var ids []int64
	if err := q.IDs(&ids); err != nil {
		return nil, fmt.Errorf("selecting recipients: %w", err)
	}
	return ids, nil
}

func leaseFor(r store.Recipient) rpc.RecipientLease {
	return rpc.RecipientLease{
		ID:         r.ID,
		MailingID:  r.MailingID,
		TrackingID: r.TrackingID,
		Email:      r.Email,
		DomainName: r.DomainName,
		Contact:    r.Contact.Fields,
		Primary:    r.Primary,
		SendStatus: r.SendStatus,
		TryCount:   r.TryCount,
		FirstTry:   r.FirstTry,
		NextTry:    r.NextTry,
	}
}

// Distribute offers recipients to the connected satellites, least loaded
// first. A satellite answers with the number of recipients it wants, and
// fetches them with GetRecipients.
func (m *Master) Distribute(ctx context.Context) error {
	load, err := store.LoadBySatellite(ctx, m.DB)
	if err != nil {
		return fmt.Errorf("satellite load: %w", err)
	}
	q := bstore.QueryDB[store.Satellite](ctx, m.DB)
	q.FilterNonzero(store.Satellite{Enabled: true, Paired: true})
	sats, err := q.List()
	if err != nil {
		return fmt.Errorf("listing satellites: %w", err)
	}
	sort.SliceStable(sats, func(i, j int) bool {
		return load[sats[i].Serial] < load[sats[j].Serial]
	})
	for _, sat := range sats {
		if !m.Cluster.Connected(sat.Serial) {
			continue
		}
		reply, err := m.Cluster.Push(ctx, sat.Serial, rpc.Push{Kind: rpc.PushPrepareGettingRecipients, Count: m.Conf.MaxRecipientsToSend})
		if err != nil {
			m.log.Infox("offering recipients to satellite", err, slog.String("serial", sat.Serial))
			continue
		}
		m.log.Debug("offered recipients to satellite",
			slog.String("serial", sat.Serial),
			slog.Int("load", load[sat.Serial]),
			slog.Int("wanted", reply.Count))
	}
	return nil
}

func logAffinity(log mlog.Log, aff DomainAffinity) {
	if len(aff.Include) > 0 || len(aff.Exclude) > 0 {
		log.Debug("domain affinity", slog.Any("include", aff.Include), slog.Any("exclude", aff.Exclude))
	}
}
