package satellite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mjl-/bstore"

	"github.com/cloudmailing/cm/cm-"
	"github.com/cloudmailing/cm/customize"
	"github.com/cloudmailing/cm/metrics"
	"github.com/cloudmailing/cm/queue"
	"github.com/cloudmailing/cm/rpc"
	"github.com/cloudmailing/cm/store"
)

// checkMailing requests recipients when the local queue runs low, and starts
// queues for recipients that are due.
func (s *Satellite) checkMailing(ctx context.Context) {
	log := s.log.WithContext(ctx)
	if s.connected.Load() {
		n, err := s.unfinished(ctx)
		if err != nil {
			log.Errorx("counting queued recipients", err)
		} else if n < s.Conf.QueueMinSize {
			if _, err := s.FetchRecipients(ctx, s.Conf.MaxNewRecipients); err != nil {
				log.Errorx("fetching recipients", err)
			}
		}
	}
	if _, err := s.Dispatch(ctx); err != nil {
		log.Errorx("dispatching recipients", err)
	}
}

// FetchRecipients leases at most count recipients from the master and queues
// them. Recipients already known are skipped. Only one request is made at a
// time, a concurrent call returns immediately.
func (s *Satellite) FetchRecipients(ctx context.Context, count int) (int, error) {
	if count <= 0 || !s.fetching.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.fetching.Store(false)

	l, err := s.Master.GetRecipients(ctx, count)
	if err != nil {
		return 0, fmt.Errorf("get recipients from master: %w", err)
	}
	if len(l) == 0 {
		return 0, nil
	}

	var added, duplicate int
	now := s.now()
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		added, duplicate = 0, 0
		mailings := map[int64]bool{}
		for _, lr := range l {
			if !mailings[lr.MailingID] {
				ml := Mailing{ID: lr.MailingID}
				if err := tx.Get(&ml); err == bstore.ErrAbsent {
					ml = Mailing{ID: lr.MailingID, Created: now, Modified: now}
					if err := tx.Insert(&ml); err != nil {
						return fmt.Errorf("insert mailing: %w", err)
					}
				} else if err != nil {
					return fmt.Errorf("get mailing: %w", err)
				} else if ml.Deleted {
					// Reopened on the master.
					ml.Deleted = false
					ml.BodyDownloaded = false
					ml.Header = nil
					ml.Body = nil
					ml.Modified = now
					if err := tx.Update(&ml); err != nil {
						return fmt.Errorf("update mailing: %w", err)
					}
				}
				mailings[lr.MailingID] = true
			}

			if exists, err := bstore.QueryTx[Recipient](tx).FilterID(lr.ID).Exists(); err != nil {
				return fmt.Errorf("looking up recipient: %w", err)
			} else if exists {
				duplicate++
				continue
			}
			status := lr.SendStatus
			if status != store.StatusWarning {
				status = store.StatusReady
			}
			r := Recipient{
				ID:         lr.ID,
				MailingID:  lr.MailingID,
				TrackingID: lr.TrackingID,
				Email:      lr.Email,
				DomainName: lr.DomainName,
				Contact:    store.ContactData{Fields: lr.Contact},
				Primary:    lr.Primary,
				SendStatus: status,
				TryCount:   lr.TryCount,
				FirstTry:   lr.FirstTry,
				NextTry:    lr.NextTry,
				Created:    now,
				Modified:   now,
			}
			if err := tx.Insert(&r); err != nil {
				return fmt.Errorf("insert recipient: %w", err)
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metricReceived.Add(float64(added))
	s.log.WithContext(ctx).Debug("received recipients", slog.Int("added", added), slog.Int("duplicate", duplicate))
	s.Kick()
	return added, nil
}

// fetchMissingMailings retrieves the content of mailings that have queued
// recipients. Mailings unknown to the master are closed.
func (s *Satellite) fetchMissingMailings(ctx context.Context) error {
	if !s.connected.Load() {
		return nil
	}
	return s.FetchMissingMailings(ctx)
}

// FetchMissingMailings retrieves the content of all mailings without it.
func (s *Satellite) FetchMissingMailings(ctx context.Context) error {
	var ids []int64
	q := bstore.QueryDB[Mailing](ctx, s.DB)
	q.FilterEqual("BodyDownloaded", false)
	q.FilterEqual("Deleted", false)
	if err := q.IDs(&ids); err != nil {
		return fmt.Errorf("listing mailings: %w", err)
	}

	var fetched int
	for _, id := range ids {
		body, err := s.Master.GetMailing(ctx, id)
		if errors.Is(err, rpc.ErrNotFound) {
			s.log.Info("mailing no longer active on master, closing", slog.Int64("mailing", id))
			if err := s.CloseMailing(ctx, id); err != nil {
				return err
			}
			continue
		} else if err != nil {
			return fmt.Errorf("get mailing %d from master: %w", id, err)
		}

		err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
			ml := Mailing{ID: id}
			if err := tx.Get(&ml); err == bstore.ErrAbsent {
				return nil
			} else if err != nil {
				return fmt.Errorf("get mailing: %w", err)
			}
			ml.MailFrom = body.MailFrom
			ml.SenderName = body.SenderName
			ml.DomainName = body.DomainName
			ml.Header = body.Header
			ml.Body = body.Body
			ml.Type = body.Type
			ml.TrackingURL = body.TrackingURL
			ml.ReadTracking = body.ReadTracking
			ml.ClickTracking = body.ClickTracking
			ml.URLEncoding = body.URLEncoding
			ml.DKIM = body.DKIM
			ml.FeedbackLoop = body.FeedbackLoop
			ml.ReturnPathDomain = body.ReturnPathDomain
			ml.Backup = body.BackupCustomizedEmails
			ml.Testing = body.Testing
			ml.BodyDownloaded = true
			ml.Modified = s.now()
			return tx.Update(&ml)
		})
		if err != nil {
			return err
		}
		if c := s.Env.Customizer; c != nil {
			c.SetSource(id, body.Header, body.Body)
		}
		fetched++
	}
	if fetched > 0 {
		s.log.Debug("retrieved mailing contents", slog.Int("count", fetched))
		s.Kick()
	}
	return nil
}

type queueKey struct {
	domain  string
	testing bool
}

type batch struct {
	key queueKey
	ids []int64
}

// Dispatch starts queues for recipients that are due, grouped by domain,
// oldest first. The number of queues in total and per domain is limited. It
// returns the number of queues started.
func (s *Satellite) Dispatch(ctx context.Context) (int, error) {
	s.dispatchMutex.Lock()
	defer s.dispatchMutex.Unlock()

	log := s.log.WithContext(ctx)
	now := s.now()

	var batches []*batch
	mailings := map[int64]Mailing{}
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		active, err := bstore.QueryTx[ActiveQueue](tx).List()
		if err != nil {
			return fmt.Errorf("listing active queues: %w", err)
		}
		if len(active) >= max(s.Conf.MaxThread/2, 1) {
			return nil
		}
		perDomain := map[string]int{}
		for _, aq := range active {
			perDomain[aq.DomainName]++
		}

		q := bstore.QueryTx[Mailing](tx)
		q.FilterEqual("BodyDownloaded", true)
		q.FilterEqual("Deleted", false)
		err = q.ForEach(func(ml Mailing) error {
			mailings[ml.ID] = ml
			return nil
		})
		if err != nil {
			return fmt.Errorf("listing mailings: %w", err)
		}
		if len(mailings) == 0 {
			return nil
		}

		free := s.Conf.MaxThread - len(active)
		groups := map[queueKey]*batch{}
		skip := map[queueKey]bool{}
		rq := bstore.QueryTx[Recipient](tx)
		rq.FilterEqual("Finished", false)
		rq.FilterEqual("InProgress", false)
		rq.FilterEqual("Unverified", false)
		rq.FilterFn(func(r Recipient) bool {
			_, ok := mailings[r.MailingID]
			return ok && !r.NextTry.After(now)
		})
		rq.SortAsc("NextTry", "ID")
		return rq.ForEach(func(r Recipient) error {
			k := queueKey{r.DomainName, mailings[r.MailingID].Testing}
			if skip[k] {
				return nil
			}
			b := groups[k]
			if b == nil {
				if len(groups) >= free || perDomain[k.domain] >= s.Conf.maxRelayers(k.domain) {
					skip[k] = true
					return nil
				}
				b = &batch{key: k}
				groups[k] = b
				batches = append(batches, b)
				perDomain[k.domain]++
			}
			b.ids = append(b.ids, r.ID)
			if len(b.ids) >= s.Conf.MaxThreadSize {
				skip[k] = true
			}
			return nil
		})
	})
	if err != nil || len(batches) == 0 {
		return 0, err
	}

	for _, b := range batches {
		if b.key.testing {
			continue
		}
		limit, err := queue.Limit(ctx, s.DB, b.key.domain, s.Env.Notation, now)
		if err != nil {
			log.Errorx("checking domain score, not limiting", err, slog.String("domain", b.key.domain))
		} else if limit > 0 && len(b.ids) > limit {
			b.ids = b.ids[:limit]
		}
	}

	type started struct {
		aq         ActiveQueue
		recipients []Recipient
	}
	var queues []started
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		queues = nil
		for _, b := range batches {
			var l []Recipient
			for _, id := range b.ids {
				r := Recipient{ID: id}
				if err := tx.Get(&r); err == bstore.ErrAbsent {
					continue
				} else if err != nil {
					return fmt.Errorf("get recipient: %w", err)
				}
				if r.InProgress || r.Finished || r.Unverified {
					continue
				}
				r.SendStatus = store.StatusInProgress
				r.TryCount++
				r.InProgress = true
				if r.FirstTry.IsZero() {
					r.FirstTry = now
				}
				r.NextTry = now
				r.Modified = now
				if err := tx.Update(&r); err != nil {
					return fmt.Errorf("update recipient: %w", err)
				}
				l = append(l, r)
			}
			if len(l) == 0 {
				continue
			}
			aq := ActiveQueue{DomainName: b.key.domain, Testing: b.key.testing, Created: now}
			for _, r := range l {
				aq.RecipientIDs = append(aq.RecipientIDs, r.ID)
			}
			if err := tx.Insert(&aq); err != nil {
				return fmt.Errorf("insert active queue: %w", err)
			}
			queues = append(queues, started{aq, l})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, st := range queues {
		qms := map[int64]*queue.Mailing{}
		q := &queue.Queue{
			ID:      st.aq.ID,
			Domain:  st.aq.DomainName,
			Server:  s.Conf.Server,
			Testing: st.aq.Testing,
			Env:     s.Env,
		}
		for _, r := range st.recipients {
			qm := qms[r.MailingID]
			if qm == nil {
				qm = queueMailing(mailings[r.MailingID])
				qms[r.MailingID] = qm
			}
			q.Recipients = append(q.Recipients, queue.Recipient{
				ID:         r.ID,
				TrackingID: r.TrackingID,
				Email:      r.Email,
				TryCount:   r.TryCount,
				Contact:    r.Contact.Fields,
				Mailing:    qm,
			})
		}
		s.runQueue(ctx, q)
	}
	if len(queues) > 0 {
		log.Debug("queues started", slog.Int("count", len(queues)))
	}
	return len(queues), nil
}

func queueMailing(ml Mailing) *queue.Mailing {
	return &queue.Mailing{
		Mailing: customize.Mailing{
			ID:               ml.ID,
			MailFrom:         ml.MailFrom,
			SenderName:       ml.SenderName,
			DomainName:       ml.DomainName,
			Type:             string(ml.Type),
			TrackingURL:      ml.TrackingURL,
			ReadTracking:     ml.ReadTracking,
			ClickTracking:    ml.ClickTracking,
			URLEncoding:      ml.URLEncoding,
			ReturnPathDomain: ml.ReturnPathDomain,
			DKIM:             ml.DKIM,
			FeedbackLoop:     ml.FeedbackLoop,
		},
		Backup: ml.Backup,
	}
}

// runQueue runs q in a goroutine. When it ends, recipients without outcome
// are retried later and the active queue is removed.
func (s *Satellite) runQueue(ctx context.Context, q *queue.Queue) {
	qctx, cancel := context.WithCancel(ctx)
	s.mutex.Lock()
	s.queues[q.ID] = cancel
	s.mutex.Unlock()
	metricQueues.Inc()

	log := s.log.WithContext(ctx).With(slog.Int64("queue", q.ID), slog.String("domain", q.Domain))
	s.wg.Add(1)
	cm.Go(log, metrics.Queue, "queue", func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			metricQueues.Dec()
			s.endQueue(context.WithoutCancel(ctx), q.ID)
		}()
		if err := q.Run(qctx); err != nil {
			log.Infox("queue ended with error", err)
		}
	})
}

func (s *Satellite) endQueue(ctx context.Context, id int64) {
	if s.Conf.EndingDelay > 0 {
		time.Sleep(s.Conf.EndingDelay)
	}
	s.mutex.Lock()
	delete(s.queues, id)
	s.mutex.Unlock()

	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		aq := ActiveQueue{ID: id}
		if err := tx.Get(&aq); err == bstore.ErrAbsent {
			return nil
		} else if err != nil {
			return err
		}
		if _, err := s.abandon(tx, aq.RecipientIDs, "delivery aborted", s.now()); err != nil {
			return err
		}
		return tx.Delete(&aq)
	})
	if err != nil {
		s.log.Errorx("removing active queue", err, slog.Int64("queue", id))
	}
	s.Kick()
}

// abandon marks the recipients of ids that are still in progress as failed
// temporarily.
func (s *Satellite) abandon(tx *bstore.Tx, ids []int64, text string, now time.Time) (int, error) {
	var n int
	for _, id := range ids {
		r := Recipient{ID: id}
		if err := tx.Get(&r); err == bstore.ErrAbsent {
			continue
		} else if err != nil {
			return n, fmt.Errorf("get recipient: %w", err)
		}
		if !r.InProgress || r.Finished {
			continue
		}
		r.SendStatus = store.StatusWarning
		r.ReplyCode = 0
		r.ReplyEnhancedCode = ""
		r.ReplyText = text
		r.SMTPLog = ""
		r.NextTry = store.NextTry(r.TryCount, now)
		if err := s.finish(tx, &r, now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// report stores the outcome of a delivery attempt. Outcomes for recipients
// that are no longer in progress, e.g. of abandoned queues, are ignored.
func (s *Satellite) report(ctx context.Context, o queue.Outcome) error {
	now := s.now()
	return s.DB.Write(ctx, func(tx *bstore.Tx) error {
		r := Recipient{ID: o.RecipientID}
		if err := tx.Get(&r); err == bstore.ErrAbsent {
			return nil
		} else if err != nil {
			return fmt.Errorf("get recipient: %w", err)
		}
		if !r.InProgress || r.Finished {
			s.log.Debug("late outcome for recipient, ignoring", slog.Int64("recipient", r.ID), slog.Any("status", o.Status))
			return nil
		}
		r.SendStatus = o.Status
		r.ReplyCode = o.Code
		r.ReplyEnhancedCode = o.EnhancedCode
		r.ReplyText = o.Text
		r.SMTPLog = o.Log
		if o.Status == store.StatusWarning {
			r.NextTry = o.NextTry
			if r.NextTry.IsZero() {
				r.NextTry = store.NextTry(r.TryCount, now)
			}
		}
		return s.finish(tx, &r, now)
	})
}

// finish marks r as finished, to be reported, and counts the attempt in the
// hourly statistics.
func (s *Satellite) finish(tx *bstore.Tx, r *Recipient, now time.Time) error {
	r.InProgress = false
	r.Finished = true
	r.Modified = now
	if err := tx.Update(r); err != nil {
		return fmt.Errorf("update recipient: %w", err)
	}

	hour := now.Unix() / 3600
	st, err := bstore.QueryTx[HourlyStats](tx).FilterNonzero(HourlyStats{EpochHour: hour}).Get()
	if err == bstore.ErrAbsent {
		st = HourlyStats{EpochHour: hour, Date: time.Unix(hour*3600, 0).UTC()}
	} else if err != nil {
		return fmt.Errorf("get hourly stats: %w", err)
	}
	st.Tries++
	switch {
	case r.SendStatus == store.StatusFinished:
		st.Sent++
	case r.SendStatus.Failed():
		st.Failed++
	}
	st.UpToDate = false
	if st.ID == 0 {
		err = tx.Insert(&st)
	} else {
		err = tx.Update(&st)
	}
	if err != nil {
		return fmt.Errorf("storing hourly stats: %w", err)
	}
	return nil
}

// SendReports sends the outcomes of finished recipients to the master, in
// batches, and removes the recipients the master acknowledged.
func (s *Satellite) SendReports(ctx context.Context) (int, error) {
	s.reportMutex.Lock()
	defer s.reportMutex.Unlock()

	var total int
	for {
		q := bstore.QueryDB[Recipient](ctx, s.DB)
		q.FilterEqual("Finished", true)
		q.FilterEqual("Unverified", false)
		q.SortAsc("ID")
		q.Limit(s.Conf.MaxReports)
		l, err := q.List()
		if err != nil {
			return total, fmt.Errorf("listing finished recipients: %w", err)
		}
		if len(l) == 0 {
			return total, nil
		}

		reports := make([]rpc.RecipientReport, len(l))
		statuses := map[int64]store.SendStatus{}
		for i, r := range l {
			reports[i] = rpc.RecipientReport{
				ID:                r.ID,
				MailingID:         r.MailingID,
				TrackingID:        r.TrackingID,
				SendStatus:        r.SendStatus,
				FirstTry:          r.FirstTry,
				TryCount:          r.TryCount,
				NextTry:           r.NextTry,
				ReplyCode:         r.ReplyCode,
				ReplyEnhancedCode: r.ReplyEnhancedCode,
				ReplyText:         r.ReplyText,
				SMTPLog:           r.SMTPLog,
			}
			statuses[r.ID] = r.SendStatus
		}
		ids, err := s.Master.SendReports(ctx, reports)
		if err != nil {
			return total, fmt.Errorf("sending reports: %w", err)
		}
		if len(ids) > 0 {
			q := bstore.QueryDB[Recipient](ctx, s.DB)
			q.FilterIDs(ids)
			q.FilterEqual("Finished", true)
			if _, err := q.Delete(); err != nil {
				return total, fmt.Errorf("removing reported recipients: %w", err)
			}
		}
		for _, id := range ids {
			if st, ok := statuses[id]; ok {
				metricReported.WithLabelValues(string(st)).Inc()
			}
		}
		total += len(ids)
		s.log.WithContext(ctx).Debug("reports sent", slog.Int("count", len(l)), slog.Int("acknowledged", len(ids)))
		if len(l) < s.Conf.MaxReports || len(ids) == 0 {
			return total, nil
		}
	}
}

// SendStatistics sends the hourly statistics that changed to the master.
func (s *Satellite) SendStatistics(ctx context.Context) (int, error) {
	s.reportMutex.Lock()
	defer s.reportMutex.Unlock()

	l, err := bstore.QueryDB[HourlyStats](ctx, s.DB).FilterEqual("UpToDate", false).SortAsc("EpochHour").List()
	if err != nil {
		return 0, fmt.Errorf("listing hourly stats: %w", err)
	}
	if len(l) == 0 {
		return 0, nil
	}
	rows := make([]rpc.HourlyStatsRow, len(l))
	sent := map[int64]HourlyStats{}
	for i, st := range l {
		rows[i] = rpc.HourlyStatsRow{EpochHour: st.EpochHour, Date: st.Date, Sent: st.Sent, Failed: st.Failed, Tries: st.Tries}
		sent[st.EpochHour] = st
	}
	hours, err := s.Master.SendStatistics(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("sending statistics: %w", err)
	}

	var n int
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		n = 0
		for _, h := range hours {
			prev, ok := sent[h]
			if !ok {
				continue
			}
			st := HourlyStats{ID: prev.ID}
			if err := tx.Get(&st); err == bstore.ErrAbsent {
				continue
			} else if err != nil {
				return fmt.Errorf("get hourly stats: %w", err)
			}
			// Changed while sending, the new counts are sent next time.
			if st.Sent != prev.Sent || st.Failed != prev.Failed || st.Tries != prev.Tries {
				continue
			}
			st.UpToDate = true
			if err := tx.Update(&st); err != nil {
				return fmt.Errorf("update hourly stats: %w", err)
			}
			n++
		}
		return nil
	})
	return n, err
}

// checkZombies abandons queues that run longer than the zombie age. Their
// recipients are retried later.
func (s *Satellite) checkZombies(ctx context.Context) error {
	if r, ok := s.Env.MX.(interface{ CleanupExpiredBad() }); ok {
		r.CleanupExpiredBad()
	}
	_, err := s.ReapZombies(ctx)
	return err
}

// ReapZombies abandons queues older than the zombie age, returning the number
// of queues.
func (s *Satellite) ReapZombies(ctx context.Context) (int, error) {
	now := s.now()
	var zombies []ActiveQueue
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[ActiveQueue](tx)
		q.FilterLess("Created", now.Add(-s.Conf.ZombieAge))
		var err error
		zombies, err = q.List()
		if err != nil {
			return fmt.Errorf("listing active queues: %w", err)
		}
		for _, aq := range zombies {
			if _, err := s.abandon(tx, aq.RecipientIDs, "queue timeout", now); err != nil {
				return err
			}
			if err := tx.Delete(&aq); err != nil {
				return fmt.Errorf("removing active queue: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, aq := range zombies {
		s.mutex.Lock()
		cancel := s.queues[aq.ID]
		s.mutex.Unlock()
		if cancel != nil {
			cancel()
		}
		metricZombies.Inc()
		s.log.Error("queue running too long, abandoned", slog.Int64("queue", aq.ID), slog.String("domain", aq.DomainName), slog.Time("created", aq.Created))
	}
	if len(zombies) > 0 {
		s.Kick()
	}
	return len(zombies), nil
}

// RemoveClosedMailings removes the queued recipients of closed mailings, and
// the mailings without recipients. Statistics acknowledged by the master are
// removed after a week.
func (s *Satellite) RemoveClosedMailings(ctx context.Context) error {
	var ids []int64
	if err := bstore.QueryDB[Mailing](ctx, s.DB).FilterEqual("Deleted", true).IDs(&ids); err != nil {
		return fmt.Errorf("listing closed mailings: %w", err)
	}
	for _, id := range ids {
		var remaining int
		err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
			var err error
			_, remaining, err = s.removeQueued(tx, id)
			if err != nil || remaining > 0 {
				return err
			}
			return tx.Delete(&Mailing{ID: id})
		})
		if err != nil {
			return err
		}
		if remaining == 0 {
			if c := s.Env.Customizer; c != nil {
				c.Invalidate(id)
				if err := c.RemoveFiles(id); err != nil {
					s.log.Errorx("removing rendered messages", err, slog.Int64("mailing", id))
				}
			}
			s.log.Debug("closed mailing removed", slog.Int64("mailing", id))
		}
	}

	q := bstore.QueryDB[HourlyStats](ctx, s.DB)
	q.FilterEqual("UpToDate", true)
	q.FilterLess("Date", s.now().Add(-7*24*time.Hour))
	if _, err := q.Delete(); err != nil {
		return fmt.Errorf("removing old statistics: %w", err)
	}
	return nil
}
