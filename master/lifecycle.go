package master

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
	"golang.org/x/exp/maps"

	"github.com/cloudmailing/cm/customize"
	"github.com/cloudmailing/cm/rpc"
	"github.com/cloudmailing/cm/store"
)

// unfinished are the statuses of recipients that still need delivery.
var unfinished = []any{store.StatusReady, store.StatusWarning, store.StatusInProgress}

// CheckMailings closes mailings that reached their end time or maximum
// duration, marking their unfinished recipients as timed out, and closes
// regular mailings without unfinished recipients. Leases on recipients of
// paused and finished mailings are released.
func (m *Master) CheckMailings(ctx context.Context) error {
	now := m.now()
	q := bstore.QueryDB[store.Mailing](ctx, m.DB)
	q.FilterEqual("Status", store.MailingReady, store.MailingRunning, store.MailingPaused)
	mailings, err := q.List()
	if err != nil {
		return fmt.Errorf("listing mailings: %w", err)
	}
	for _, ml := range mailings {
		log := m.log.WithContext(ctx).With(slog.Int64("mailing", ml.ID), slog.String("mailfrom", ml.MailFrom))
		if timedOut(ml, now) {
			log.Info("mailing reached its time limit, closing", slog.Time("start", ml.StartTime))
			n, err := m.timeoutRecipients(ctx, ml.ID, now)
			if err != nil {
				return fmt.Errorf("timing out recipients of mailing %d: %w", ml.ID, err)
			}
			log.Debug("recipients timed out", slog.Int("count", n))
			if err := m.closeMailing(ctx, ml.ID, "timeout"); err != nil {
				return err
			}
			continue
		}

		if ml.Type == store.MailingOpened || ml.DontCloseIfEmpty {
			continue
		}
		exists, err := bstore.QueryDB[store.Recipient](ctx, m.DB).FilterNonzero(store.Recipient{MailingID: ml.ID}).FilterEqual("SendStatus", unfinished...).Exists()
		if err != nil {
			return fmt.Errorf("looking for unfinished recipients: %w", err)
		}
		if !exists {
			log.Info("mailing has no more recipients, closing", slog.Time("start", ml.StartTime))
			if err := m.closeMailing(ctx, ml.ID, "empty"); err != nil {
				return err
			}
		}
	}

	return m.purgeLeases(ctx)
}

func timedOut(ml store.Mailing, now time.Time) bool {
	if !ml.ScheduledEnd.IsZero() && !ml.ScheduledEnd.After(now) {
		return true
	}
	return ml.ScheduledDuration > 0 && !ml.StartTime.IsZero() && !ml.StartTime.Add(time.Duration(ml.ScheduledDuration)*time.Minute).After(now)
}

func (m *Master) timeoutRecipients(ctx context.Context, mailingID int64, now time.Time) (int, error) {
	var n int
	err := m.DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[store.Recipient](tx)
		q.FilterNonzero(store.Recipient{MailingID: mailingID})
		q.FilterFn(func(r store.Recipient) bool { return !r.SendStatus.Terminal() || r.InProgress })
		var err error
		n, err = q.UpdateFields(map[string]any{
			"SendStatus":        store.StatusTimeout,
			"InProgress":        false,
			"CloudClient":       "",
			"ReplyCode":         0,
			"ReplyEnhancedCode": "",
			"ReplyText":         "",
			"Modified":          now,
		})
		return err
	})
	return n, err
}

// CloseMailing finishes a mailing on request of the API.
func (m *Master) CloseMailing(ctx context.Context, id int64) error {
	return m.closeMailing(ctx, id, "api")
}

// closeMailing marks the mailing as finished, recounts its recipients and
// tells the satellites to drop it.
func (m *Master) closeMailing(ctx context.Context, id int64, reason string) error {
	now := m.now()
	err := m.DB.Write(ctx, func(tx *bstore.Tx) error {
		ml := store.Mailing{ID: id}
		if err := tx.Get(&ml); err == bstore.ErrAbsent {
			return store.ErrMailingAbsent
		} else if err != nil {
			return fmt.Errorf("get mailing: %w", err)
		}
		ml.Status = store.MailingFinished
		ml.EndTime = now
		ml.Modified = now
		if err := tx.Update(&ml); err != nil {
			return fmt.Errorf("closing mailing: %w", err)
		}
		_, err := store.UpdateStats(tx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("closing mailing %d: %w", id, err)
	}
	metricClosed.WithLabelValues(reason).Inc()
	m.log.Info("mailing closed", slog.Int64("mailing", id), slog.String("reason", reason))
	m.closeOnSatellites(ctx, id)
	return nil
}

func (m *Master) closeOnSatellites(ctx context.Context, id int64) {
	if m.Cluster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n := m.Cluster.Broadcast(ctx, rpc.Push{Kind: rpc.PushCloseMailing, MailingID: id})
	m.log.Debug("mailing closed on satellites", slog.Int64("mailing", id), slog.Int("satellites", n))
}

// PauseMailing stops delivery for a mailing. Satellites drop the mailing, and
// leased recipients are released.
func (m *Master) PauseMailing(ctx context.Context, id int64) (store.MailingStatus, error) {
	var status store.MailingStatus
	err := m.DB.Write(ctx, func(tx *bstore.Tx) error {
		ml := store.Mailing{ID: id}
		if err := tx.Get(&ml); err == bstore.ErrAbsent {
			return store.ErrMailingAbsent
		} else if err != nil {
			return fmt.Errorf("get mailing: %w", err)
		}
		switch ml.Status {
		case store.MailingReady, store.MailingRunning, store.MailingPaused:
		default:
			return fmt.Errorf("%w: cannot pause mailing with status %s", ErrMailingStatus, ml.Status)
		}
		ml.Status = store.MailingPaused
		ml.Modified = m.now()
		status = ml.Status
		return tx.Update(&ml)
	})
	if err != nil {
		return "", err
	}
	m.log.Info("mailing paused", slog.Int64("mailing", id))
	m.closeOnSatellites(ctx, id)
	_, err = m.releaseLeases(ctx, func(r store.Recipient) bool { return r.MailingID == id })
	return status, err
}

// StartMailing activates a mailing. A paused mailing that was running before
// continues running. If when is not zero, delivery starts at that time.
func (m *Master) StartMailing(ctx context.Context, id int64, when time.Time) (store.MailingStatus, error) {
	var status store.MailingStatus
	err := m.DB.Write(ctx, func(tx *bstore.Tx) error {
		ml := store.Mailing{ID: id}
		if err := tx.Get(&ml); err == bstore.ErrAbsent {
			return store.ErrMailingAbsent
		} else if err != nil {
			return fmt.Errorf("get mailing: %w", err)
		}
		switch ml.Status {
		case store.MailingPaused:
			if !ml.StartTime.IsZero() {
				ml.Status = store.MailingRunning
			} else {
				ml.Status = store.MailingReady
			}
		case store.MailingFillingRecipients:
			ml.Status = store.MailingReady
		case store.MailingReady, store.MailingRunning:
		default:
			return fmt.Errorf("%w: cannot start mailing with status %s", ErrMailingStatus, ml.Status)
		}
		if !when.IsZero() {
			ml.ScheduledStart = when
		}
		ml.Modified = m.now()
		status = ml.Status
		return tx.Update(&ml)
	})
	if err == nil {
		m.log.Info("mailing started", slog.Int64("mailing", id), slog.Any("status", status))
	}
	return status, err
}

// purgeLeases releases leased recipients of paused and finished mailings.
func (m *Master) purgeLeases(ctx context.Context) error {
	stopped := map[int64]bool{}
	err := m.DB.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[store.Recipient](tx)
		q.FilterEqual("InProgress", true)
		return q.ForEach(func(r store.Recipient) error {
			if _, ok := stopped[r.MailingID]; ok {
				return nil
			}
			ml := store.Mailing{ID: r.MailingID}
			err := tx.Get(&ml)
			if err != nil && err != bstore.ErrAbsent {
				return err
			}
			stopped[r.MailingID] = err == bstore.ErrAbsent || ml.Status == store.MailingPaused || ml.Status == store.MailingFinished
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("looking for leases of stopped mailings: %w", err)
	}
	maps.DeleteFunc(stopped, func(id int64, stop bool) bool { return !stop })
	if len(stopped) == 0 {
		return nil
	}

	n, err := m.releaseLeases(ctx, func(r store.Recipient) bool { return stopped[r.MailingID] })
	if err != nil {
		return err
	}
	ids := maps.Keys(stopped)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	m.log.Info("released leases of stopped mailings", slog.Int("recipients", n), slog.Any("mailings", ids))
	for _, id := range ids {
		m.closeOnSatellites(ctx, id)
	}
	return nil
}

// releaseLeases releases the leased recipients matching fn, making them
// available for leasing again.
func (m *Master) releaseLeases(ctx context.Context, fn func(r store.Recipient) bool) (int, error) {
	var n int
	err := m.DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[store.Recipient](tx)
		q.FilterEqual("InProgress", true)
		q.FilterFn(fn)
		var err error
		n, err = q.UpdateFields(map[string]any{"InProgress": false, "CloudClient": "", "Modified": m.now()})
		return err
	})
	return n, err
}

// checkOrphans runs ReapOrphans when due: 2 minutes after a pass without
// orphans, 10 seconds after a pass that found orphans, and 30 seconds after
// an error.
func (m *Master) checkOrphans(ctx context.Context) error {
	m.orphanMutex.Lock()
	defer m.orphanMutex.Unlock()
	now := m.now()
	if now.Before(m.nextOrphanCheck) {
		return nil
	}
	n, err := m.ReapOrphans(ctx, m.Conf.OrphanMaxAge)
	switch {
	case err != nil:
		m.nextOrphanCheck = now.Add(30 * time.Second)
	case n > 0:
		m.nextOrphanCheck = now.Add(10 * time.Second)
	default:
		m.nextOrphanCheck = now.Add(2 * time.Minute)
	}
	return err
}

// ReapOrphans asks satellites whether they still have the recipients leased
// to them longer than since ago. Recipients a satellite does not know, and
// all recipients of disconnected satellites, are released. The number of
// released recipients is returned.
func (m *Master) ReapOrphans(ctx context.Context, since time.Duration) (int, error) {
	q := bstore.QueryDB[store.Recipient](ctx, m.DB)
	q.FilterEqual("InProgress", true)
	q.FilterLess("DateDelegated", m.now().Add(-since))
	q.FilterFn(func(r store.Recipient) bool { return r.CloudClient != "" })
	q.Limit(m.Conf.OrphanMaxRecipients)
	bySerial := map[string][]int64{}
	err := q.ForEach(func(r store.Recipient) error {
		bySerial[r.CloudClient] = append(bySerial[r.CloudClient], r.ID)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("listing leased recipients: %w", err)
	}

	serials := maps.Keys(bySerial)
	sort.Strings(serials)
	var total int
	var rerr error
	for _, serial := range serials {
		ids := bySerial[serial]
		log := m.log.WithContext(ctx).With(slog.String("serial", serial))
		log.Debug("checking leased recipients", slog.Int("count", len(ids)))

		var orphans []int64
		reply, err := m.Cluster.Push(ctx, serial, rpc.Push{Kind: rpc.PushCheckRecipients, RecipientIDs: ids})
		if errors.Is(err, rpc.ErrDisconnected) {
			log.Info("recipients leased to disconnected satellite", slog.Int("count", len(ids)))
			orphans = ids
		} else if err != nil {
			log.Errorx("checking recipients on satellite", err)
			rerr = err
			continue
		} else {
			known := map[int64]bool{}
			for _, id := range reply.RecipientIDs {
				known[id] = true
			}
			for _, id := range ids {
				if !known[id] {
					orphans = append(orphans, id)
				}
			}
		}
		if len(orphans) == 0 {
			continue
		}

		set := map[int64]bool{}
		for _, id := range orphans {
			set[id] = true
		}
		n, err := m.releaseLeases(ctx, func(r store.Recipient) bool { return set[r.ID] && r.CloudClient == serial })
		if err != nil {
			return total, fmt.Errorf("releasing orphan recipients: %w", err)
		}
		log.Info("released orphan recipients", slog.Int("count", n))
		metricOrphans.Add(float64(n))
		total += n
	}
	return total, rerr
}

// RetrieveCustomizedContent fetches the delivered messages of mailings with
// backup from the satellites that sent them, and marks the recipients ready
// for reporting.
func (m *Master) RetrieveCustomizedContent(ctx context.Context) error {
	if m.Conf.CustomizedContentFolder == "" {
		return nil
	}
	q := bstore.QueryDB[store.Recipient](ctx, m.DB)
	q.FilterNonzero(store.Recipient{SendStatus: store.StatusFinished})
	q.FilterEqual("ReportReady", false)
	q.Limit(10)
	l, err := q.List()
	if err != nil {
		return fmt.Errorf("listing recipients waiting for content: %w", err)
	}
	for _, r := range l {
		log := m.log.WithContext(ctx).With(slog.Int64("mailing", r.MailingID), slog.Int64("recipient", r.ID))
		if !m.haveCustomizedContent(r.MailingID, r.ID) {
			reply, err := m.Cluster.Push(ctx, r.CloudClient, rpc.Push{Kind: rpc.PushGetCustomizedContent, MailingID: r.MailingID, RecipientID: r.ID})
			if errors.Is(err, rpc.ErrDisconnected) {
				log.Debug("satellite with customized content not connected", slog.String("serial", r.CloudClient))
				continue
			} else if err != nil {
				// The message is gone, report the recipient without it.
				log.Errorx("retrieving customized content", err)
			} else if err := m.saveCustomizedContent(r.MailingID, r.ID, reply.Data); err != nil {
				return err
			}
		}
		_, err := bstore.QueryDB[store.Recipient](ctx, m.DB).FilterID(r.ID).UpdateFields(map[string]any{"ReportReady": true, "Modified": m.now()})
		if err != nil {
			return fmt.Errorf("marking recipient ready: %w", err)
		}
	}
	return nil
}

func (m *Master) saveCustomizedContent(mailingID, recipientID int64, data []byte) error {
	if err := os.MkdirAll(m.Conf.CustomizedContentFolder, 0770); err != nil {
		return fmt.Errorf("creating customized content folder: %w", err)
	}
	p := filepath.Join(m.Conf.CustomizedContentFolder, customize.FileName(mailingID, recipientID))
	if err := os.WriteFile(p, data, 0660); err != nil {
		return fmt.Errorf("writing customized content: %w", err)
	}
	return nil
}

// PurgeCustomizedContent removes retrieved customized messages older than the
// retention period.
func (m *Master) PurgeCustomizedContent(ctx context.Context) error {
	if m.Conf.CustomizedContentFolder == "" {
		return nil
	}
	days := m.Conf.RetentionDays
	if days <= 0 {
		days = 10
	}
	cutoff := m.now().Add(-time.Duration(days) * 24 * time.Hour)
	l, err := filepath.Glob(filepath.Join(m.Conf.CustomizedContentFolder, "cust_ml_*.rfc822*"))
	if err != nil {
		return err
	}
	var n int
	for _, p := range l {
		fi, err := os.Stat(p)
		if err != nil {
			m.log.Errorx("stat customized content", err, slog.String("path", p))
			continue
		}
		if fi.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(p); err != nil {
			m.log.Errorx("removing customized content", err, slog.String("path", p))
			continue
		}
		n++
	}
	if n > 0 {
		m.log.Info("removed old customized content", slog.Int("count", n), slog.Int("retentiondays", days))
	}
	return nil
}
