// Package satellite delivers messages for the master. It leases recipients
// from the master, keeps them in a local database, delivers their messages
// through domain queues and reports the outcomes back.
//
// Recipients keep the ID they have on the master. A recipient is queued
// until a queue picks it up, after which it is in progress. When the queue
// has an outcome, the recipient is finished, and removed once the master
// acknowledged its report.
package satellite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloudmailing/cm/cm-"
	"github.com/cloudmailing/cm/cmvar"
	"github.com/cloudmailing/cm/config"
	"github.com/cloudmailing/cm/customize"
	"github.com/cloudmailing/cm/metrics"
	"github.com/cloudmailing/cm/mlog"
	"github.com/cloudmailing/cm/queue"
	"github.com/cloudmailing/cm/rpc"
	"github.com/cloudmailing/cm/store"
)

var (
	metricReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cm_satellite_recipients_received_total",
			Help: "Recipients received from the master.",
		},
	)
	metricReported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_satellite_recipients_reported_total",
			Help: "Recipient outcomes acknowledged by the master, by status.",
		},
		[]string{
			"status",
		},
	)
	metricQueues = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cm_satellite_queues_active",
			Help: "Domain queues currently running.",
		},
	)
	metricZombies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cm_satellite_queues_zombie_total",
			Help: "Domain queues abandoned because they ran too long.",
		},
	)
	metricConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cm_satellite_master_connected",
			Help: "Whether a session with the master is active.",
		},
	)
)

// Master is the master as seen by a satellite, implemented by *rpc.Client.
type Master interface {
	GetMailing(ctx context.Context, id int64) (rpc.MailingBody, error)
	GetRecipients(ctx context.Context, count int) ([]rpc.RecipientLease, error)
	GetMyRecipients(ctx context.Context) ([]int64, error)
	SendReports(ctx context.Context, l []rpc.RecipientReport) ([]int64, error)
	SendStatistics(ctx context.Context, l []rpc.HourlyStatsRow) ([]int64, error)
}

// Config holds the queue limits of a satellite.
type Config struct {
	QueueMaxSize             int
	QueueMinSize             int
	MaxThread                int // Parallel queues.
	MaxThreadSize            int // Recipients per queue.
	MaxReports               int
	MaxNewRecipients         int
	DefaultMaxQueuePerDomain int
	Domains                  map[string]config.Domain
	ZombieAge                time.Duration
	EndingDelay              time.Duration
	CustomizedContentFolder  string
	Server                   queue.Server
}

// ConfigFromStatic returns the satellite configuration from a config file.
func ConfigFromStatic(c config.Static) Config {
	m := c.Mailing
	return Config{
		QueueMaxSize:             m.QueueMaxSize,
		QueueMinSize:             m.QueueMinSize,
		MaxThread:                m.MaxThread,
		MaxThreadSize:            m.MaxThreadSize,
		MaxReports:               m.MaxReports,
		MaxNewRecipients:         m.MaxNewRecipients,
		DefaultMaxQueuePerDomain: m.DefaultMaxQueuePerDomain,
		Domains:                  c.DomainsParsed,
		ZombieAge:                m.ZombieQueueAgeDuration,
		EndingDelay:              m.QueueEndingDelayDuration,
		CustomizedContentFolder:  m.CustomizedContentFolder,
		Server:                   queue.ServerFromConfig(c.SendMail, c.SendMailProvider),
	}
}

// maxRelayers returns the maximum number of parallel queues for a domain.
func (c Config) maxRelayers(domain string) int {
	if d, ok := c.Domains[domain]; ok && d.MaxRelayers > 0 {
		return d.MaxRelayers
	}
	return max(c.DefaultMaxQueuePerDomain, 1)
}

// Satellite holds the state of a satellite process.
type Satellite struct {
	DB     *bstore.DB
	Conf   Config
	Master Master

	// Environment for queues. Report and Customizer.Source are set by New.
	Env *queue.Env

	// For tests.
	Now func() time.Time

	log       mlog.Log
	unittest  atomic.Bool
	connected atomic.Bool
	fetching  atomic.Bool
	kick      chan struct{}

	// Serializes picking recipients for queues.
	dispatchMutex sync.Mutex
	// Serializes sending reports and statistics.
	reportMutex sync.Mutex

	mutex  sync.Mutex
	queues map[int64]context.CancelFunc // Running queues, by ActiveQueue.ID.
	wg     sync.WaitGroup
}

// Open opens or creates the satellite database at path.
func Open(ctx context.Context, log mlog.Log, path string) (*bstore.DB, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: cmvar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open satellite database: %w", err)
	}
	return db, nil
}

// New returns a satellite. The database of env must be db.
func New(elog *slog.Logger, db *bstore.DB, conf Config, master Master, env *queue.Env) *Satellite {
	setDefault(&conf.QueueMaxSize, 10000)
	setDefault(&conf.QueueMinSize, 5000)
	setDefault(&conf.MaxThread, 50)
	setDefault(&conf.MaxThreadSize, 100)
	setDefault(&conf.MaxReports, 1000)
	setDefault(&conf.MaxNewRecipients, 100)
	conf.MaxReports = min(conf.MaxReports, 5000)
	conf.MaxNewRecipients = min(conf.MaxNewRecipients, 1000)
	if conf.ZombieAge <= 0 {
		conf.ZombieAge = 5 * time.Minute
	}

	s := &Satellite{
		DB:     db,
		Conf:   conf,
		Master: master,
		Env:    env,
		log:    mlog.New("satellite", elog),
		kick:   make(chan struct{}, 1),
		queues: map[int64]context.CancelFunc{},
	}
	env.DB = db
	env.Report = s.report
	if env.Customizer != nil {
		env.Customizer.Source = s.source
	}
	return s
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func (s *Satellite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// interval returns d, or a second in unittest mode.
func (s *Satellite) interval(d time.Duration) func() time.Duration {
	return func() time.Duration {
		if s.unittest.Load() {
			return time.Second
		}
		return d
	}
}

// Kick schedules a check of the queue.
func (s *Satellite) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// source returns the source message of a mailing for the customizer.
func (s *Satellite) source(ctx context.Context, mailingID int64) ([]byte, error) {
	ml := Mailing{ID: mailingID}
	if err := s.DB.Get(ctx, &ml); err == bstore.ErrAbsent {
		return nil, fmt.Errorf("%w: unknown mailing %d", customize.ErrSourceMissing, mailingID)
	} else if err != nil {
		return nil, fmt.Errorf("get mailing: %w", err)
	}
	if !ml.BodyDownloaded {
		return nil, fmt.Errorf("%w: content of mailing %d not yet retrieved", customize.ErrSourceMissing, mailingID)
	}
	buf := make([]byte, 0, len(ml.Header)+len(ml.Body))
	buf = append(buf, ml.Header...)
	return append(buf, ml.Body...), nil
}

// Init resets state left by an earlier run. Mailing contents are retrieved
// again, rendered messages are removed and recipients that were in progress
// are queued again. All recipients are unverified until the master confirms
// it still leases them to this satellite.
func (s *Satellite) Init(ctx context.Context) error {
	if c := s.Env.Customizer; c != nil {
		c.InvalidateAll()
		if err := c.RemoveAll(); err != nil {
			s.log.Errorx("removing rendered messages", err)
		}
	}

	var requeued, unverified int
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		_, err := bstore.QueryTx[Mailing](tx).UpdateFields(map[string]any{
			"BodyDownloaded": false,
			"Header":         []byte(nil),
			"Body":           []byte(nil),
		})
		if err != nil {
			return fmt.Errorf("invalidating mailings: %w", err)
		}

		q := bstore.QueryTx[Recipient](tx)
		q.FilterEqual("Finished", false)
		q.FilterFn(func(r Recipient) bool {
			return r.InProgress || r.SendStatus == store.StatusInProgress
		})
		requeued, err = q.UpdateFields(map[string]any{
			"InProgress": false,
			"SendStatus": store.StatusReady,
		})
		if err != nil {
			return fmt.Errorf("requeueing recipients: %w", err)
		}

		unverified, err = bstore.QueryTx[Recipient](tx).UpdateNonzero(Recipient{Unverified: true})
		if err != nil {
			return fmt.Errorf("marking recipients unverified: %w", err)
		}

		if _, err := bstore.QueryTx[ActiveQueue](tx).Delete(); err != nil {
			return fmt.Errorf("removing active queues: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("satellite initialized", slog.Int("requeued", requeued), slog.Int("recipients", unverified))
	return nil
}

// Verify asks the master which recipients are still leased to this
// satellite. Unverified recipients that are not are removed, the others can
// be delivered again.
func (s *Satellite) Verify(ctx context.Context) error {
	ids, err := s.Master.GetMyRecipients(ctx)
	if err != nil {
		return fmt.Errorf("get leased recipients: %w", err)
	}
	leased := map[int64]bool{}
	for _, id := range ids {
		leased[id] = true
	}

	var removed, verified int
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Recipient](tx)
		q.FilterNonzero(Recipient{Unverified: true})
		q.FilterFn(func(r Recipient) bool { return !leased[r.ID] })
		var err error
		removed, err = q.Delete()
		if err != nil {
			return fmt.Errorf("removing recipients: %w", err)
		}

		q = bstore.QueryTx[Recipient](tx)
		q.FilterNonzero(Recipient{Unverified: true})
		verified, err = q.UpdateField("Unverified", false)
		if err != nil {
			return fmt.Errorf("marking recipients verified: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if removed > 0 || verified > 0 {
		s.log.Info("verified recipients with master", slog.Int("removed", removed), slog.Int("verified", verified))
	}
	s.Kick()
	return nil
}

// Start launches the periodic tasks and the queue loop. They stop when ctx is
// done, after which Wait returns when running queues have stopped.
func (s *Satellite) Start(ctx context.Context) {
	tasks := []struct {
		name     string
		interval time.Duration
		fn       func(ctx context.Context) error
	}{
		{"missingmailings", 2 * time.Second, s.fetchMissingMailings},
		{"reports", 20 * time.Second, func(ctx context.Context) error {
			_, err := s.SendReports(ctx)
			return err
		}},
		{"statistics", 30 * time.Second, func(ctx context.Context) error {
			_, err := s.SendStatistics(ctx)
			return err
		}},
		{"zombies", time.Minute, s.checkZombies},
		{"removeclosed", 24 * time.Hour, s.RemoveClosedMailings},
	}
	for _, t := range tasks {
		t := t
		s.wg.Add(1)
		cm.Go(s.log, metrics.Satellite, t.name, func() {
			defer s.wg.Done()
			cm.Periodic(ctx, s.log, t.name, s.interval(t.interval), t.fn)
		})
	}

	s.wg.Add(1)
	cm.Go(s.log, metrics.Satellite, "checkmailing", func() {
		defer s.wg.Done()
		s.loop(ctx)
	})
}

// loop checks the queue every few seconds, or when kicked.
func (s *Satellite) loop(ctx context.Context) {
	for {
		d := s.interval(5 * time.Second)()
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.kick:
			t.Stop()
		case <-t.C:
		}
		s.checkMailing(cm.CidContext(ctx))
	}
}

// Wait waits for the tasks and queues to stop.
func (s *Satellite) Wait() {
	s.wg.Wait()
}

// Run keeps a session with the master, reconnecting with backoff. Pushes
// from the master are handled by HandlePush. Run returns when ctx is done.
func (s *Satellite) Run(ctx context.Context, client *rpc.Client, settings map[string]string) {
	for n := 0; ; n++ {
		xs, err := client.Connect(ctx, cmvar.Version, settings)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d := cm.Backoff(n, time.Second, time.Minute)
			s.log.Errorx("connecting to master, will retry", err, slog.Duration("backoff", d))
			if cm.Sleep(ctx, d) {
				return
			}
			continue
		}
		n = -1
		s.log.Info("connected to master")
		s.connected.Store(true)
		metricConnected.Set(1)
		cm.Go(s.log, metrics.Satellite, "verify", func() {
			if err := s.Verify(cm.CidContext(ctx)); err != nil {
				s.log.Errorx("verifying recipients with master", err)
			}
		})

		err = xs.Serve(s.HandlePush)
		xs.Close()
		s.connected.Store(false)
		metricConnected.Set(0)
		if ctx.Err() != nil {
			return
		}
		s.log.Infox("session with master ended, reconnecting", err)
		if cm.Sleep(ctx, time.Second) {
			return
		}
	}
}

// HandlePush handles a control message from the master.
func (s *Satellite) HandlePush(ctx context.Context, p rpc.Push) rpc.Reply {
	log := s.log.WithContext(ctx).With(slog.Any("kind", p.Kind))
	log.Debug("push from master", slog.Int64("mailing", p.MailingID), slog.Int("count", p.Count))

	var r rpc.Reply
	var err error
	switch p.Kind {
	case rpc.PushActivateUnittestMode:
		s.unittest.Store(true)
		s.Kick()
	case rpc.PushCloseMailing:
		err = s.CloseMailing(ctx, p.MailingID)
	case rpc.PushMailingChanged:
		err = s.MailingChanged(ctx, p.MailingID)
	case rpc.PushGetRecipientsList:
		r.RecipientIDs, err = s.recipientIDs(ctx, nil)
	case rpc.PushCheckRecipients:
		r.RecipientIDs, err = s.recipientIDs(ctx, p.RecipientIDs)
	case rpc.PushPrepareGettingRecipients:
		r.Count, err = s.Wanted(ctx, p.Count)
		if err == nil && r.Count > 0 {
			n := r.Count
			cm.Go(s.log, metrics.Satellite, "fetchrecipients", func() {
				if _, err := s.FetchRecipients(cm.CidContext(context.WithoutCancel(ctx)), n); err != nil {
					log.Errorx("fetching recipients", err)
				}
			})
		}
	case rpc.PushGetCustomizedContent:
		r.Data, err = s.CustomizedContent(p.MailingID, p.RecipientID)
	default:
		err = fmt.Errorf("unknown push kind %q", p.Kind)
	}
	if err != nil {
		log.Errorx("handling push", err)
		r.Error = err.Error()
	}
	return r
}

// recipientIDs returns the ids of local recipients, of all or those in ids.
func (s *Satellite) recipientIDs(ctx context.Context, ids []int64) ([]int64, error) {
	l := []int64{}
	q := bstore.QueryDB[Recipient](ctx, s.DB)
	if ids != nil {
		if len(ids) == 0 {
			return l, nil
		}
		q.FilterIDs(ids)
	}
	q.SortAsc("ID")
	if err := q.IDs(&l); err != nil {
		return nil, fmt.Errorf("listing recipients: %w", err)
	}
	return l, nil
}

// unfinished returns the number of recipients without outcome.
func (s *Satellite) unfinished(ctx context.Context) (int, error) {
	n, err := bstore.QueryDB[Recipient](ctx, s.DB).FilterEqual("Finished", false).Count()
	if err != nil {
		return 0, fmt.Errorf("counting recipients: %w", err)
	}
	return n, nil
}

// Wanted returns how many of count offered recipients the satellite wants.
// None while at least the minimum queue size is queued, otherwise up to the
// maximum queue size.
func (s *Satellite) Wanted(ctx context.Context, count int) (int, error) {
	n, err := s.unfinished(ctx)
	if err != nil {
		return 0, err
	}
	if n >= s.Conf.QueueMinSize {
		return 0, nil
	}
	return max(0, min(count, s.Conf.QueueMaxSize-n)), nil
}

// CloseMailing handles a mailing closed on the master. Queued recipients are
// removed, those in progress finish and are reported. The mailing is removed
// once it has no recipients left.
func (s *Satellite) CloseMailing(ctx context.Context, id int64) error {
	var removed, remaining int
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		ml := Mailing{ID: id}
		if err := tx.Get(&ml); err == bstore.ErrAbsent {
			return nil
		} else if err != nil {
			return fmt.Errorf("get mailing: %w", err)
		}
		var err error
		removed, remaining, err = s.removeQueued(tx, id)
		if err != nil {
			return err
		}
		if remaining == 0 {
			return tx.Delete(&ml)
		}
		ml.Deleted = true
		ml.Modified = s.now()
		return tx.Update(&ml)
	})
	if err != nil {
		return err
	}
	if c := s.Env.Customizer; c != nil {
		c.Invalidate(id)
		if remaining == 0 {
			if err := c.RemoveFiles(id); err != nil {
				s.log.Errorx("removing rendered messages", err, slog.Int64("mailing", id))
			}
		}
	}
	s.log.Info("mailing closed", slog.Int64("mailing", id), slog.Int("removed", removed), slog.Int("remaining", remaining))
	return nil
}

// removeQueued removes the recipients of a mailing that are neither in
// progress nor finished. It returns the number of recipients removed and
// left.
func (s *Satellite) removeQueued(tx *bstore.Tx, mailingID int64) (removed, remaining int, rerr error) {
	q := bstore.QueryTx[Recipient](tx)
	q.FilterNonzero(Recipient{MailingID: mailingID})
	q.FilterEqual("InProgress", false)
	q.FilterEqual("Finished", false)
	removed, err := q.Delete()
	if err != nil {
		return 0, 0, fmt.Errorf("removing queued recipients: %w", err)
	}
	remaining, err = bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MailingID: mailingID}).Count()
	if err != nil {
		return 0, 0, fmt.Errorf("counting recipients: %w", err)
	}
	return removed, remaining, nil
}

// MailingChanged drops the content of a mailing, and the messages rendered
// from it for queued recipients. The content is retrieved again before the
// next delivery.
func (s *Satellite) MailingChanged(ctx context.Context, id int64) error {
	var queued []int64
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		ml := Mailing{ID: id}
		if err := tx.Get(&ml); err == bstore.ErrAbsent {
			return nil
		} else if err != nil {
			return fmt.Errorf("get mailing: %w", err)
		}
		ml.BodyDownloaded = false
		ml.Header = nil
		ml.Body = nil
		ml.Modified = s.now()
		if err := tx.Update(&ml); err != nil {
			return fmt.Errorf("update mailing: %w", err)
		}

		q := bstore.QueryTx[Recipient](tx)
		q.FilterNonzero(Recipient{MailingID: id})
		q.FilterEqual("InProgress", false)
		return q.IDs(&queued)
	})
	if err != nil {
		return err
	}
	if c := s.Env.Customizer; c != nil {
		c.Invalidate(id)
		for _, rid := range queued {
			if err := os.Remove(c.Path(id, rid)); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.log.Errorx("removing rendered message", err, slog.Int64("mailing", id), slog.Int64("recipient", rid))
			}
		}
	}
	s.log.Info("mailing changed, content dropped", slog.Int64("mailing", id))
	return nil
}

// CustomizedContent returns a kept delivered message and removes it. An
// error wrapping os.ErrNotExist is returned if there is none.
func (s *Satellite) CustomizedContent(mailingID, recipientID int64) ([]byte, error) {
	if s.Conf.CustomizedContentFolder == "" {
		return nil, fmt.Errorf("no folder for customized content: %w", os.ErrNotExist)
	}
	p := filepath.Join(s.Conf.CustomizedContentFolder, customize.FileName(mailingID, recipientID))
	buf, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading customized content: %w", err)
	}
	if err := os.Remove(p); err != nil {
		s.log.Errorx("removing customized content", err, slog.String("path", p))
	}
	return buf, nil
}
