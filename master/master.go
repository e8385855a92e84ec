// Package master coordinates the satellites: it hands out recipients
// (leasing), applies the delivery reports of satellites to the database, and
// runs the lifecycle of mailings.
//
// Master implements rpc.Handler. Pushes to satellites go through a Cluster,
// typically an *rpc.Server.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cloudmailing/cm/cm-"
	"github.com/cloudmailing/cm/cmio"
	"github.com/cloudmailing/cm/config"
	"github.com/cloudmailing/cm/metrics"
	"github.com/cloudmailing/cm/mlog"
	"github.com/cloudmailing/cm/rpc"
	"github.com/cloudmailing/cm/store"
)

var (
	metricLeased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cm_lease_recipients_total",
			Help: "Recipients leased to satellites.",
		},
	)
	metricReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_reports_applied_total",
			Help: "Recipient reports from satellites, by resulting status.",
		},
		[]string{
			"status", // FINISHED, WARNING, ERROR, GENERAL_ERROR, TIMEOUT, ignored, absent
		},
	)
	metricOrphans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cm_orphan_recipients_total",
			Help: "Leased recipients released because their satellite no longer had them.",
		},
	)
	metricClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cm_mailings_closed_total",
			Help: "Mailings closed, by reason.",
		},
		[]string{
			"reason", // timeout, empty, api
		},
	)
)

// ErrMailingStatus is returned for operations not possible in the current
// status of a mailing.
var ErrMailingStatus = errors.New("operation not possible in mailing status")

// Cluster is the set of connected satellites.
type Cluster interface {
	// Push sends a push to a satellite and waits for its reply. For satellites
	// without session, an error wrapping rpc.ErrDisconnected is returned.
	Push(ctx context.Context, serial string, p rpc.Push) (rpc.Reply, error)
	// Broadcast sends a push to all connected satellites.
	Broadcast(ctx context.Context, p rpc.Push) int
	Connected(serial string) bool
}

// Config holds the settings of the master.
type Config struct {
	Serial                  string // Of the master itself.
	MaxRecipientsToSend     int
	OrphanMaxAge            time.Duration
	OrphanMaxRecipients     int
	CustomizedContentFolder string
	RetentionDays           int
	FeedbackLoop            *config.FeedbackLoop // For mailings without their own.
	ReportWorkers           int
	GetRecipientsWorkers    int
}

// ConfigFromStatic returns the master configuration from a config file.
func ConfigFromStatic(c config.Static) Config {
	mc := c.CMMaster
	if mc == nil {
		mc = &config.Master{}
	}
	return Config{
		Serial:                  c.ID.Serial,
		MaxRecipientsToSend:     mc.SatelliteMaxRecipientsToSend,
		OrphanMaxAge:            mc.OrphanRecipientsMaxAgeDuration,
		OrphanMaxRecipients:     mc.OrphanRecipientsMaxRecipients,
		CustomizedContentFolder: c.Mailing.CustomizedContentFolder,
		RetentionDays:           mc.CustomizedContentRetentionDays,
		FeedbackLoop:            config.FeedbackLoopFromSettings(mc.FeedbackLoopSettings),
		ReportWorkers:           mc.ReportWorkers,
		GetRecipientsWorkers:    mc.GetRecipientsWorkers,
	}
}

// Master holds the state of the master process.
type Master struct {
	DB      *bstore.DB
	Conf    Config
	Cluster Cluster // Must be set before Start.

	// For tests.
	Now func() time.Time

	log        mlog.Log
	reportPool *cmio.Pool
	leasePool  *cmio.Pool

	orphanMutex     sync.Mutex
	nextOrphanCheck time.Time

	unittest atomic.Bool
}

// New returns a master on db. The Cluster must be set before calling Start.
func New(elog *slog.Logger, db *bstore.DB, conf Config) *Master {
	if conf.MaxRecipientsToSend <= 0 {
		conf.MaxRecipientsToSend = 1000
	}
	if conf.OrphanMaxRecipients <= 0 {
		conf.OrphanMaxRecipients = 10000
	}
	return &Master{
		DB:         db,
		Conf:       conf,
		log:        mlog.New("master", elog),
		reportPool: cmio.NewPool(conf.ReportWorkers),
		leasePool:  cmio.NewPool(conf.GetRecipientsWorkers),
	}
}

func (m *Master) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Init prepares the database for a new master process: the satellite with the
// master's own serial is created if missing, and all satellites are marked
// unpaired.
func (m *Master) Init(ctx context.Context) error {
	return m.DB.Write(ctx, func(tx *bstore.Tx) error {
		exists, err := bstore.QueryTx[store.Satellite](tx).FilterNonzero(store.Satellite{Serial: m.Conf.Serial}).Exists()
		if err != nil {
			return fmt.Errorf("looking up own satellite: %w", err)
		}
		if !exists {
			sat := store.Satellite{Serial: m.Conf.Serial, Enabled: true}
			if err := tx.Insert(&sat); err != nil {
				return fmt.Errorf("adding own satellite: %w", err)
			}
			m.log.Info("added satellite for own serial", slog.String("serial", m.Conf.Serial))
		}
		_, err = bstore.QueryTx[store.Satellite](tx).FilterEqual("Paired", true).UpdateFields(map[string]any{"Paired": false})
		return err
	})
}

// Start runs the periodic tasks of the master until ctx is done.
func (m *Master) Start(ctx context.Context) {
	tasks := []struct {
		name     string
		interval time.Duration
		fn       func(ctx context.Context) error
	}{
		{"lifecycle", 5 * time.Second, m.CheckMailings},
		{"orphans", 10 * time.Second, m.checkOrphans},
		{"distribute", 10 * time.Second, m.Distribute},
		{"retrievecontent", time.Minute, m.RetrieveCustomizedContent},
		{"purgecontent", time.Hour, m.PurgeCustomizedContent},
		{"expiredsn", time.Hour, m.expireDSN},
	}
	for _, t := range tasks {
		t := t
		cm.Go(m.log, metrics.Master, t.name, func() {
			cm.Periodic(ctx, m.log, t.name, cm.Every(t.interval), t.fn)
		})
	}
	m.log.Info("master tasks started")
}

// ActivateUnittestMode changes the unittest mode of all satellites, in which
// they check for work more often. Satellites connecting later get the same
// mode.
func (m *Master) ActivateUnittestMode(ctx context.Context, active bool) int {
	m.unittest.Store(active)
	if !active {
		// Satellites only know how to enter the mode, they leave it on reconnect.
		return 0
	}
	return m.Cluster.Broadcast(ctx, rpc.Push{Kind: rpc.PushActivateUnittestMode})
}

// MailingChanged informs satellites that the message of a mailing changed.
func (m *Master) MailingChanged(ctx context.Context, mailingID int64) int {
	return m.Cluster.Broadcast(ctx, rpc.Push{Kind: rpc.PushMailingChanged, MailingID: mailingID})
}

func (m *Master) expireDSN(ctx context.Context) error {
	_, err := store.ExpireDSN(ctx, m.DB, m.now().Add(-7*24*time.Hour))
	return err
}

// Login implements rpc.Handler.
func (m *Master) Login(ctx context.Context, hello rpc.Hello) (string, error) {
	var key string
	err := m.DB.Write(ctx, func(tx *bstore.Tx) error {
		sat, err := bstore.QueryTx[store.Satellite](tx).FilterNonzero(store.Satellite{Serial: hello.Serial}).Get()
		if err == bstore.ErrAbsent {
			return fmt.Errorf("%w: unknown satellite %q", rpc.ErrUnauthorized, hello.Serial)
		} else if err != nil {
			return err
		}
		if !sat.Enabled {
			return fmt.Errorf("%w: satellite %q disabled", rpc.ErrUnauthorized, hello.Serial)
		}
		sat.Version = hello.Version
		sat.Settings = hello.Settings
		key = sat.SharedKey
		return tx.Update(&sat)
	})
	if err != nil && errors.Is(err, rpc.ErrUnauthorized) {
		m.log.Info("unauthorized satellite login", slog.String("serial", hello.Serial))
	}
	return key, err
}

// Paired implements rpc.Handler.
func (m *Master) Paired(ctx context.Context, serial string, paired bool) {
	err := m.DB.Write(ctx, func(tx *bstore.Tx) error {
		sat, err := bstore.QueryTx[store.Satellite](tx).FilterNonzero(store.Satellite{Serial: serial}).Get()
		if err != nil {
			return err
		}
		sat.Paired = paired
		sat.DatePaired = m.now()
		return tx.Update(&sat)
	})
	m.log.Check(err, "updating satellite pairing", slog.String("serial", serial), slog.Bool("paired", paired))
	if paired {
		m.log.Info("satellite connected", slog.String("serial", serial))
	} else {
		m.log.Info("satellite disconnected", slog.String("serial", serial))
	}

	if paired && m.unittest.Load() {
		// The session only handles pushes once the login completed.
		cm.Go(m.log, metrics.Master, "unittestmode", func() {
			_, err := m.Cluster.Push(context.WithoutCancel(ctx), serial, rpc.Push{Kind: rpc.PushActivateUnittestMode})
			m.log.Check(err, "activating unittest mode on satellite", slog.String("serial", serial))
		})
	}
}

// GetMailing implements rpc.Handler. Only mailings that can have recipients
// leased are returned, others result in rpc.ErrNotFound, upon which the
// satellite drops the mailing.
func (m *Master) GetMailing(ctx context.Context, serial string, id int64) (rpc.MailingBody, error) {
	var body rpc.MailingBody
	err := m.DB.Read(ctx, func(tx *bstore.Tx) error {
		sat, err := bstore.QueryTx[store.Satellite](tx).FilterNonzero(store.Satellite{Serial: serial}).Get()
		if err != nil || !sat.Enabled {
			return fmt.Errorf("%w: satellite %q not enabled", rpc.ErrUnauthorized, serial)
		}

		ml := store.Mailing{ID: id}
		if err := tx.Get(&ml); err == bstore.ErrAbsent {
			return fmt.Errorf("%w: mailing %d", rpc.ErrNotFound, id)
		} else if err != nil {
			return err
		}
		switch ml.Status {
		case store.MailingFillingRecipients, store.MailingReady, store.MailingRunning:
		default:
			return fmt.Errorf("%w: mailing %d has status %s", rpc.ErrNotFound, id, ml.Status)
		}

		dkim := ml.DKIM
		if dkim == nil {
			sd, err := bstore.QueryTx[store.SenderDomain](tx).FilterNonzero(store.SenderDomain{DomainName: ml.DomainName}).Get()
			if err == nil {
				dkim = sd.DKIM
			} else if err != bstore.ErrAbsent {
				return fmt.Errorf("looking up sender domain: %w", err)
			}
		}
		fbl := ml.FeedbackLoop
		if fbl == nil {
			fbl = m.Conf.FeedbackLoop
		}
		body = rpc.MailingBody{
			ID:                     ml.ID,
			MailFrom:               ml.MailFrom,
			SenderName:             ml.SenderName,
			DomainName:             ml.DomainName,
			Subject:                ml.Subject,
			Header:                 ml.Header,
			Body:                   ml.Body,
			Type:                   ml.Type,
			Status:                 ml.Status,
			TrackingURL:            ml.TrackingURL,
			ReadTracking:           ml.ReadTracking,
			ClickTracking:          ml.ClickTracking,
			URLEncoding:            ml.URLEncoding,
			DKIM:                   dkim,
			FeedbackLoop:           fbl,
			ReturnPathDomain:       ml.ReturnPathDomain,
			BackupCustomizedEmails: ml.BackupCustomizedEmails,
			Testing:                ml.Testing,
		}
		return nil
	})
	return body, err
}

// GetMyRecipients implements rpc.Handler, returning the ids of recipients
// currently leased to the satellite.
func (m *Master) GetMyRecipients(ctx context.Context, serial string) ([]int64, error) {
	q := bstore.QueryDB[store.Recipient](ctx, m.DB)
	q.FilterNonzero(store.Recipient{CloudClient: serial, InProgress: true})
	q.SortAsc("ID")
	var ids []int64
	err := q.IDs(&ids)
	return ids, err
}
