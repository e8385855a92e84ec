// Package webapi is the management API of the master: creating mailings,
// adding recipients, starting and pausing delivery, and reading back delivery
// status and statistics. It is a sherpa JSON API over HTTP, clients
// authenticate with HTTP basic authentication using the API key as password.
package webapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	_ "embed"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/mjl-/bstore"
	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/cloudmailing/cm/cm-"
	"github.com/cloudmailing/cm/cmvar"
	"github.com/cloudmailing/cm/config"
	"github.com/cloudmailing/cm/master"
	"github.com/cloudmailing/cm/mlog"
	"github.com/cloudmailing/cm/smtp"
	"github.com/cloudmailing/cm/store"
)

var pkglog = mlog.New("webapi", nil)

//go:generate sherpadoc -adjust-function-names none API >api.json

//go:embed api.json
var apiJSON []byte

var apiDoc = mustParseAPI("webapi", apiJSON)

var sherpaHandlerOpts *sherpa.HandlerOpts

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func init() {
	collector, err := sherpaprom.NewCollector("cmwebapi", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}
	sherpaHandlerOpts = &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"}
}

// MaxRecipientsPerCall is the maximum number of recipients in a call to
// RecipientsAdd or SendTest.
const MaxRecipientsPerCall = 1000

// MaxMessageSize is the maximum size of the message of a mailing.
const MaxMessageSize = 20 * 1024 * 1024

// API exports the management functions. All its methods are exported under
// /api/.
type API struct {
	m *master.Master
}

// NewAPI returns the API for m.
func NewAPI(m *master.Master) API {
	return API{m}
}

// Handler returns an HTTP handler serving the API at /api/, requiring the API
// key matching the bcrypt hash keyHash.
func Handler(m *master.Master, keyHash string) (http.Handler, error) {
	doc := apiDoc
	sh, err := sherpa.NewHandler("/api/", cmvar.Version, NewAPI(m), &doc, sherpaHandlerOpts)
	if err != nil {
		return nil, fmt.Errorf("sherpa handler: %w", err)
	}
	a := newAuth(keyHash)
	mux := http.NewServeMux()
	mux.Handle("/api/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), mlog.CidKey, cm.Cid())
		if !a.check(ctx, w, r) {
			// Response already sent.
			return
		}
		sh.ServeHTTP(w, r.WithContext(ctx))
	}))
	return mux, nil
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Debugx(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

func xusererrorf(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	pkglog.WithContext(ctx).Debug("user error", slog.String("err", msg))
	panic(&sherpa.Error{Code: "user:error", Message: msg})
}

// xcheckmailingf turns errors about an absent mailing or a mailing in the wrong
// status into user errors.
func xcheckmailingf(ctx context.Context, err error, format string, args ...any) {
	if errors.Is(err, store.ErrMailingAbsent) {
		panic(&sherpa.Error{Code: "user:notFound", Message: fmt.Sprintf(format, args...) + ": mailing not found"})
	} else if errors.Is(err, master.ErrMailingStatus) {
		xcheckuserf(ctx, err, format, args...)
	}
	xcheckf(ctx, err, format, args...)
}

func (a API) xmailing(ctx context.Context, id int64) store.Mailing {
	ml := store.Mailing{ID: id}
	err := a.m.DB.Get(ctx, &ml)
	if err == bstore.ErrAbsent {
		err = store.ErrMailingAbsent
	}
	xcheckmailingf(ctx, err, "get mailing")
	return ml
}

// MailingSummary is a mailing without its message.
type MailingSummary struct {
	ID                int64
	MailFrom          string
	SenderName        string
	Subject           string
	Type              store.MailingType
	Status            store.MailingStatus
	Testing           bool
	SatelliteGroup    string
	OwnerGUID         string
	ScheduledStart    time.Time
	ScheduledEnd      time.Time
	ScheduledDuration int
	StartTime         time.Time
	EndTime           time.Time
	Counters          store.Counters
	Created           time.Time
}

func summary(ml store.Mailing) MailingSummary {
	return MailingSummary{
		ID:                ml.ID,
		MailFrom:          ml.MailFrom,
		SenderName:        ml.SenderName,
		Subject:           ml.Subject,
		Type:              ml.Type,
		Status:            ml.Status,
		Testing:           ml.Testing,
		SatelliteGroup:    ml.SatelliteGroup,
		OwnerGUID:         ml.OwnerGUID,
		ScheduledStart:    ml.ScheduledStart,
		ScheduledEnd:      ml.ScheduledEnd,
		ScheduledDuration: ml.ScheduledDuration,
		StartTime:         ml.StartTime,
		EndTime:           ml.EndTime,
		Counters:          ml.Counters(),
		Created:           ml.Created,
	}
}

// MailingList returns the mailings, optionally only those with one of the
// statuses, and optionally only of an owner.
func (a API) MailingList(ctx context.Context, statuses []store.MailingStatus, ownerGUID string) []MailingSummary {
	q := bstore.QueryDB[store.Mailing](ctx, a.m.DB)
	if len(statuses) > 0 {
		l := make([]any, len(statuses))
		for i, st := range statuses {
			l[i] = st
		}
		q.FilterEqual("Status", l...)
	}
	if ownerGUID != "" {
		q.FilterNonzero(store.Mailing{OwnerGUID: ownerGUID})
	}
	q.SortDesc("ID")
	r := []MailingSummary{}
	err := q.ForEach(func(ml store.Mailing) error {
		r = append(r, summary(ml))
		return nil
	})
	xcheckf(ctx, err, "listing mailings")
	return r
}

// MailingGet returns a single mailing.
func (a API) MailingGet(ctx context.Context, id int64) MailingSummary {
	return summary(a.xmailing(ctx, id))
}

// MailingParams are the settings of a new mailing.
type MailingParams struct {
	MailFrom   string
	SenderName string
	Message    string // RFC 822 message, base64 encoded. The header and body are the template for all recipients.
	Type       store.MailingType

	TrackingURL   string
	ReadTracking  bool
	ClickTracking bool
	URLEncoding   string

	DKIM             *config.DKIM
	FeedbackLoop     *config.FeedbackLoop
	ReturnPathDomain string

	ScheduledStart    time.Time
	ScheduledEnd      time.Time
	ScheduledDuration int // Minutes.

	DontCloseIfEmpty       bool
	BackupCustomizedEmails bool
	Testing                bool
	OwnerGUID              string
	SatelliteGroup         string
}

// splitMessage returns the header, including the empty line, and body of a
// message, and its subject.
func splitMessage(buf []byte) (header, body []byte, subject string, rerr error) {
	i := bytes.Index(buf, []byte("\r\n\r\n"))
	n := 4
	if i < 0 {
		i = bytes.Index(buf, []byte("\n\n"))
		n = 2
	}
	if i < 0 {
		return nil, nil, "", fmt.Errorf("message has no end of header")
	}
	header = buf[:i+n]
	body = buf[i+n:]
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(header)))
	if err != nil {
		return nil, nil, "", fmt.Errorf("parsing message header: %w", err)
	}
	return header, body, h.Get("Subject"), nil
}

func (a API) xmessage(ctx context.Context, msg string) (header, body []byte, subject string) {
	buf, err := base64.StdEncoding.DecodeString(msg)
	xcheckuserf(ctx, err, "decoding base64 message")
	if len(buf) > MaxMessageSize {
		xusererrorf(ctx, "message too large, maximum is %d bytes", MaxMessageSize)
	}
	header, body, subject, err = splitMessage(buf)
	xcheckuserf(ctx, err, "parsing message")
	return
}

// MailingCreate adds a mailing. It starts in status FILLING_RECIPIENTS, and
// is not delivered before MailingStart is called.
func (a API) MailingCreate(ctx context.Context, p MailingParams) MailingSummary {
	from, err := smtp.ParseAddress(p.MailFrom)
	xcheckuserf(ctx, err, "parsing mail from address")
	switch p.Type {
	case "":
		p.Type = store.MailingRegular
	case store.MailingRegular, store.MailingOpened:
	default:
		xusererrorf(ctx, "unknown mailing type %q", p.Type)
	}
	switch p.URLEncoding {
	case "", "base64":
	default:
		xusererrorf(ctx, "unknown url encoding %q", p.URLEncoding)
	}
	if p.TrackingURL != "" && !strings.HasSuffix(p.TrackingURL, "/") {
		p.TrackingURL += "/"
	}
	if p.DKIM != nil && p.DKIM.Enabled && !p.DKIM.Usable() {
		xusererrorf(ctx, "dkim configuration requires selector, domain and private key")
	}
	header, body, subject := a.xmessage(ctx, p.Message)

	ml := store.Mailing{
		MailFrom:               from.Pack(),
		SenderName:             p.SenderName,
		DomainName:             from.Domain.ASCII,
		Subject:                subject,
		Header:                 header,
		Body:                   body,
		Type:                   p.Type,
		Status:                 store.MailingFillingRecipients,
		TrackingURL:            p.TrackingURL,
		ReadTracking:           p.ReadTracking,
		ClickTracking:          p.ClickTracking,
		URLEncoding:            p.URLEncoding,
		DKIM:                   p.DKIM,
		FeedbackLoop:           p.FeedbackLoop,
		ReturnPathDomain:       p.ReturnPathDomain,
		ScheduledStart:         p.ScheduledStart,
		ScheduledEnd:           p.ScheduledEnd,
		ScheduledDuration:      p.ScheduledDuration,
		DontCloseIfEmpty:       p.DontCloseIfEmpty,
		BackupCustomizedEmails: p.BackupCustomizedEmails,
		Testing:                p.Testing,
		OwnerGUID:              p.OwnerGUID,
		SatelliteGroup:         p.SatelliteGroup,
	}
	err = a.m.DB.Insert(ctx, &ml)
	xcheckf(ctx, err, "adding mailing")
	pkglog.WithContext(ctx).Info("mailing created", slog.Int64("mailing", ml.ID), slog.String("mailfrom", ml.MailFrom))
	return summary(ml)
}

// MailingSetMessage replaces the message of a mailing that is not finished.
// Satellites are told to fetch the new message, messages not yet customized
// use the new message.
func (a API) MailingSetMessage(ctx context.Context, id int64, message string) {
	header, body, subject := a.xmessage(ctx, message)
	err := a.m.DB.Write(ctx, func(tx *bstore.Tx) error {
		ml := store.Mailing{ID: id}
		if err := tx.Get(&ml); err == bstore.ErrAbsent {
			return store.ErrMailingAbsent
		} else if err != nil {
			return err
		}
		if ml.Status == store.MailingFinished {
			return fmt.Errorf("%w: mailing is finished", master.ErrMailingStatus)
		}
		ml.Header = header
		ml.Body = body
		ml.Subject = subject
		ml.Modified = time.Now()
		return tx.Update(&ml)
	})
	xcheckmailingf(ctx, err, "updating message")
	n := a.m.MailingChanged(ctx, id)
	pkglog.WithContext(ctx).Info("mailing message changed", slog.Int64("mailing", id), slog.Int("satellites", n))
}

// MailingStart makes a mailing eligible for delivery, immediately or at time
// when (if not zero). A paused mailing continues. The new status is returned.
func (a API) MailingStart(ctx context.Context, id int64, when time.Time) store.MailingStatus {
	st, err := a.m.StartMailing(ctx, id, when)
	xcheckmailingf(ctx, err, "starting mailing")
	return st
}

// MailingPause stops delivery of a mailing until it is started again.
func (a API) MailingPause(ctx context.Context, id int64) store.MailingStatus {
	st, err := a.m.PauseMailing(ctx, id)
	xcheckmailingf(ctx, err, "pausing mailing")
	return st
}

// MailingClose finishes a mailing. Recipients not yet delivered are not
// delivered anymore.
func (a API) MailingClose(ctx context.Context, id int64) {
	err := a.m.CloseMailing(ctx, id)
	xcheckmailingf(ctx, err, "closing mailing")
}

// MailingDelete removes a mailing with its recipients, closing it first if
// needed.
func (a API) MailingDelete(ctx context.Context, id int64) {
	ml := a.xmailing(ctx, id)
	if ml.Status != store.MailingFinished {
		err := a.m.CloseMailing(ctx, id)
		xcheckmailingf(ctx, err, "closing mailing")
	}
	var n int
	err := a.m.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		n, err = bstore.QueryTx[store.Recipient](tx).FilterNonzero(store.Recipient{MailingID: id}).Delete()
		if err != nil {
			return fmt.Errorf("removing recipients: %w", err)
		}
		if _, err := bstore.QueryTx[store.DSNRecord](tx).FilterNonzero(store.DSNRecord{MailingID: id}).Delete(); err != nil {
			return fmt.Errorf("removing dsn records: %w", err)
		}
		return tx.Delete(&store.Mailing{ID: id})
	})
	xcheckmailingf(ctx, err, "removing mailing")
	pkglog.WithContext(ctx).Info("mailing removed", slog.Int64("mailing", id), slog.Int("recipients", n))
}

// RecipientParams is a recipient to add to a mailing.
type RecipientParams struct {
	Email      string
	TrackingID string         // Optional, a random uuid is generated if empty.
	Contact    map[string]any // Fields for personalization.
}

// RecipientAdded is a recipient added to a mailing.
type RecipientAdded struct {
	ID         int64
	Email      string
	TrackingID string
}

// RecipientsAddResult is the result of RecipientsAdd and SendTest.
type RecipientsAddResult struct {
	Added   []RecipientAdded
	Skipped int // Recipients with a tracking id already present.
}

func (a API) addRecipients(ctx context.Context, mailingID int64, l []RecipientParams, primary bool) RecipientsAddResult {
	if len(l) > MaxRecipientsPerCall {
		xusererrorf(ctx, "too many recipients, maximum is %d per call", MaxRecipientsPerCall)
	}
	ml := a.xmailing(ctx, mailingID)
	if ml.Status == store.MailingFinished {
		xusererrorf(ctx, "mailing is finished")
	}
	now := time.Now()
	rl := make([]store.Recipient, len(l))
	for i, rp := range l {
		addr, err := smtp.ParseAddress(rp.Email)
		xcheckuserf(ctx, err, "parsing email address %q", rp.Email)
		tid := rp.TrackingID
		if tid == "" {
			tid = uuid.NewString()
		} else if strings.ContainsAny(tid, " @<>") {
			xusererrorf(ctx, "invalid tracking id %q", tid)
		}
		contact := store.Contact{}
		for k, v := range rp.Contact {
			contact[k] = v
		}
		rl[i] = store.Recipient{
			MailingID:  mailingID,
			TrackingID: tid,
			Email:      addr.Pack(),
			DomainName: addr.Domain.ASCII,
			Contact:    store.ContactData{Fields: contact},
			Primary:    primary,
			NextTry:    now,
		}
	}
	inserted, skipped, err := store.InsertRecipients(ctx, a.m.DB, rl)
	xcheckf(ctx, err, "adding recipients")
	r := RecipientsAddResult{Added: []RecipientAdded{}, Skipped: skipped}
	for _, rcpt := range inserted {
		r.Added = append(r.Added, RecipientAdded{rcpt.ID, rcpt.Email, rcpt.TrackingID})
	}
	pkglog.WithContext(ctx).Debug("recipients added", slog.Int64("mailing", mailingID), slog.Int("added", len(inserted)), slog.Int("skipped", skipped), slog.Bool("primary", primary))
	return r
}

// RecipientsAdd adds recipients to a mailing, at most 1000 per call.
func (a API) RecipientsAdd(ctx context.Context, mailingID int64, recipients []RecipientParams) RecipientsAddResult {
	return a.addRecipients(ctx, mailingID, recipients, false)
}

// SendTest adds test recipients to a mailing. They are delivered as soon as a
// satellite asks for work, also while the mailing is still being filled.
func (a API) SendTest(ctx context.Context, mailingID int64, recipients []RecipientParams) RecipientsAddResult {
	return a.addRecipients(ctx, mailingID, recipients, true)
}

// RecipientStatus is the delivery status of a recipient.
type RecipientStatus struct {
	ID                int64
	Email             string
	TrackingID        string
	SendStatus        store.SendStatus
	TryCount          int
	FirstTry          time.Time
	NextTry           time.Time
	ReplyCode         int
	ReplyEnhancedCode string
	ReplyText         string
	SMTPLog           string
	DSN               string
	Satellite         string
	Modified          time.Time
}

// RecipientsStatus returns the status of recipients of a mailing that can be
// reported, optionally only with one of the statuses or tracking ids. Results
// are ordered by ID, at most limit (max 1000) are returned after skipping the
// first skip.
func (a API) RecipientsStatus(ctx context.Context, mailingID int64, statuses []store.SendStatus, trackingIDs []string, skip, limit int) []RecipientStatus {
	if limit <= 0 || limit > MaxRecipientsPerCall {
		limit = MaxRecipientsPerCall
	}
	if skip < 0 {
		xusererrorf(ctx, "skip must not be negative")
	}
	f := store.RecipientFilter{MailingID: mailingID, Statuses: statuses, TrackingIDs: trackingIDs, ReportReady: true}
	l, err := store.FindRecipients(ctx, a.m.DB, f, "ID", skip, limit)
	xcheckf(ctx, err, "listing recipients")
	r := []RecipientStatus{}
	for _, rcpt := range l {
		r = append(r, RecipientStatus{
			ID:                rcpt.ID,
			Email:             rcpt.Email,
			TrackingID:        rcpt.TrackingID,
			SendStatus:        rcpt.SendStatus,
			TryCount:          rcpt.TryCount,
			FirstTry:          rcpt.FirstTry,
			NextTry:           rcpt.NextTry,
			ReplyCode:         rcpt.ReplyCode,
			ReplyEnhancedCode: rcpt.ReplyEnhancedCode,
			ReplyText:         rcpt.ReplyText,
			SMTPLog:           rcpt.SMTPLog,
			DSN:               rcpt.DSN,
			Satellite:         rcpt.CloudClient,
			Modified:          rcpt.Modified,
		})
	}
	return r
}

// HourlyStatistics returns the delivery statistics reported by satellites for
// the hours from start up to end. A zero end means up to now.
func (a API) HourlyStatistics(ctx context.Context, start, end time.Time) []store.HourlyStats {
	if end.IsZero() {
		end = time.Now()
	}
	q := bstore.QueryDB[store.HourlyStats](ctx, a.m.DB)
	q.FilterGreaterEqual("EpochHour", start.Unix()/3600)
	q.FilterLessEqual("EpochHour", end.Unix()/3600)
	q.SortAsc("EpochHour", "Serial")
	l, err := q.List()
	xcheckf(ctx, err, "listing statistics")
	if l == nil {
		l = []store.HourlyStats{}
	}
	return l
}

// SatelliteInfo is a satellite without its shared key.
type SatelliteInfo struct {
	ID             int64
	Serial         string
	Enabled        bool
	Paired         bool
	Connected      bool
	DatePaired     time.Time
	Group          string
	DomainAffinity string
	Version        string
}

// SatelliteList returns all satellites.
func (a API) SatelliteList(ctx context.Context) []SatelliteInfo {
	l, err := bstore.QueryDB[store.Satellite](ctx, a.m.DB).SortAsc("Serial").List()
	xcheckf(ctx, err, "listing satellites")
	r := []SatelliteInfo{}
	for _, s := range l {
		connected := a.m.Cluster != nil && a.m.Cluster.Connected(s.Serial)
		r = append(r, SatelliteInfo{s.ID, s.Serial, s.Enabled, s.Paired, connected, s.DatePaired, s.Group, s.DomainAffinity, s.Version})
	}
	return r
}

// SatelliteAdd adds a satellite, or updates the satellite with the serial.
// The domain affinity is empty or a JSON object, e.g.
// {"enabled": true, "include": ["a.example"], "exclude": []}.
func (a API) SatelliteAdd(ctx context.Context, serial, sharedKey, group, domainAffinity string, enabled bool) SatelliteInfo {
	if serial == "" {
		xusererrorf(ctx, "serial required")
	}
	if serial != a.m.Conf.Serial && len(sharedKey) < 8 {
		xusererrorf(ctx, "shared key must be at least 8 characters")
	}
	_, invalid, err := master.ParseDomainAffinity(domainAffinity)
	xcheckuserf(ctx, err, "parsing domain affinity")
	if len(invalid) > 0 {
		xusererrorf(ctx, "invalid domains in domain affinity: %s", strings.Join(invalid, ", "))
	}

	var sat store.Satellite
	err = a.m.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		sat, err = bstore.QueryTx[store.Satellite](tx).FilterNonzero(store.Satellite{Serial: serial}).Get()
		if err == bstore.ErrAbsent {
			sat = store.Satellite{Serial: serial, SharedKey: sharedKey, Group: group, DomainAffinity: domainAffinity, Enabled: enabled}
			return tx.Insert(&sat)
		} else if err != nil {
			return err
		}
		sat.SharedKey = sharedKey
		sat.Group = group
		sat.DomainAffinity = domainAffinity
		sat.Enabled = enabled
		return tx.Update(&sat)
	})
	xcheckf(ctx, err, "saving satellite")
	pkglog.WithContext(ctx).Info("satellite saved", slog.String("serial", serial), slog.Bool("enabled", enabled))
	connected := a.m.Cluster != nil && a.m.Cluster.Connected(sat.Serial)
	return SatelliteInfo{sat.ID, sat.Serial, sat.Enabled, sat.Paired, connected, sat.DatePaired, sat.Group, sat.DomainAffinity, sat.Version}
}
