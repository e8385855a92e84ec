package master

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/cloudmailing/cm/customize"
	"github.com/cloudmailing/cm/rpc"
	"github.com/cloudmailing/cm/store"
)

// SendReports implements rpc.Handler. Reports are applied in order, in a
// single transaction, with the counter changes of each mailing applied at
// once. Terminal recipients are not changed by later reports, so a batch
// can be applied again without effect. Reports for recipients leased to
// another satellite are dropped. The ids of all handled reports are
// returned, including those for recipients that no longer exist.
func (m *Master) SendReports(ctx context.Context, serial string, l []rpc.RecipientReport) ([]int64, error) {
	var ids []int64
	err := m.reportPool.Do(ctx, func() error {
		var err error
		ids, err = m.applyReports(ctx, serial, l)
		return err
	})
	return ids, err
}

func (m *Master) applyReports(ctx context.Context, serial string, l []rpc.RecipientReport) ([]int64, error) {
	log := m.log.WithContext(ctx).With(slog.String("serial", serial))
	t0 := time.Now()
	now := m.now()

	var ids []int64
	statuses := map[string]int{}
	err := m.DB.Write(ctx, func(tx *bstore.Tx) error {
		ids = nil
		statuses = map[string]int{}
		deltas := map[int64]store.Counters{}
		backups := map[int64]bool{}

		for _, rep := range l {
			r := store.Recipient{ID: rep.ID}
			if err := tx.Get(&r); err == bstore.ErrAbsent || err == nil && r.MailingID != rep.MailingID {
				log.Info("report for unknown recipient, dropping", slog.Int64("recipient", rep.ID), slog.Int64("mailing", rep.MailingID))
				ids = append(ids, rep.ID)
				statuses["absent"]++
				continue
			} else if err != nil {
				return fmt.Errorf("get recipient: %w", err)
			}
			if r.SendStatus.Terminal() && !r.InProgress {
				ids = append(ids, rep.ID)
				statuses["ignored"]++
				continue
			}
			if r.InProgress && r.CloudClient != "" && r.CloudClient != serial {
				// Leased again to another satellite since this report was made.
				log.Info("report from satellite not holding the lease, dropping", slog.Int64("recipient", r.ID), slog.String("holder", r.CloudClient))
				ids = append(ids, rep.ID)
				statuses["stale"]++
				continue
			}

			backup, ok := backups[r.MailingID]
			if !ok {
				ml := store.Mailing{ID: r.MailingID}
				if err := tx.Get(&ml); err != nil && err != bstore.ErrAbsent {
					return fmt.Errorf("get mailing: %w", err)
				}
				backup = ml.BackupCustomizedEmails
				backups[r.MailingID] = backup
			}

			wasWarning := r.SendStatus == store.StatusWarning
			status := rep.SendStatus
			if !status.Terminal() {
				// A satellite only reports a recipient it has not delivered
				// as a temporary failure.
				status = store.StatusWarning
			}
			r.SendStatus = status
			r.ReportReady = true
			if r.FirstTry.IsZero() {
				r.FirstTry = rep.FirstTry
			}
			r.TryCount = rep.TryCount
			r.ReplyCode = rep.ReplyCode
			r.ReplyEnhancedCode = rep.ReplyEnhancedCode
			r.ReplyText = rep.ReplyText
			r.SMTPLog = rep.SMTPLog
			r.LastCloudClient = serial
			r.InProgress = false
			r.Modified = now

			c := deltas[r.MailingID]
			if !status.Terminal() {
				r.NextTry = store.NextTry(r.TryCount, now)
				r.CloudClient = ""
				if !wasWarning {
					c.Softbounce++
				}
			} else {
				r.CloudClient = serial
				c.Pending--
				if wasWarning {
					c.Softbounce--
				}
				if status == store.StatusFinished {
					c.Sent++
					if backup && !m.haveCustomizedContent(r.MailingID, r.ID) {
						r.ReportReady = false
					}
				} else {
					c.Error++
				}
			}
			deltas[r.MailingID] = c

			if err := tx.Update(&r); err != nil {
				return fmt.Errorf("update recipient: %w", err)
			}
			ids = append(ids, r.ID)
			statuses[string(status)]++
		}

		for id, c := range deltas {
			if err := store.IncMailingCounters(tx, id, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for st, n := range statuses {
		metricReports.WithLabelValues(st).Add(float64(n))
	}
	log.Debug("applied reports", slog.Int("count", len(ids)), slog.Duration("duration", time.Since(t0)))
	return ids, nil
}

func (m *Master) haveCustomizedContent(mailingID, recipientID int64) bool {
	if m.Conf.CustomizedContentFolder == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(m.Conf.CustomizedContentFolder, customize.FileName(mailingID, recipientID)))
	return err == nil
}

// SendStatistics implements rpc.Handler. Rows replace earlier rows of the
// satellite for the same hour.
func (m *Master) SendStatistics(ctx context.Context, serial string, l []rpc.HourlyStatsRow) ([]int64, error) {
	var hours []int64
	err := m.DB.Write(ctx, func(tx *bstore.Tx) error {
		hours = nil
		for _, row := range l {
			st, err := bstore.QueryTx[store.HourlyStats](tx).FilterNonzero(store.HourlyStats{Serial: serial, EpochHour: row.EpochHour}).Get()
			if err == bstore.ErrAbsent {
				st = store.HourlyStats{Serial: serial, EpochHour: row.EpochHour}
			} else if err != nil {
				return fmt.Errorf("get hourly stats: %w", err)
			}
			st.Date = row.Date
			if st.Date.IsZero() {
				st.Date = time.Unix(row.EpochHour*3600, 0).UTC()
			}
			st.Sent = row.Sent
			st.Failed = row.Failed
			st.Tries = row.Tries
			if st.ID == 0 {
				err = tx.Insert(&st)
			} else {
				err = tx.Update(&st)
			}
			if err != nil {
				return fmt.Errorf("storing hourly stats: %w", err)
			}
			hours = append(hours, row.EpochHour)
		}
		return nil
	})
	return hours, err
}
