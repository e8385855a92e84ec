// Package store is the database of the master: mailings, their recipients,
// satellites and delivery statistics.
//
// All changes to a recipient and the counters of its mailing happen in a
// single bstore write transaction, so counters never drift from the recipient
// rows except through a bug, which UpdateStats repairs.
package store

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cloudmailing/cm/config"
)

// DBTypes are the types stored in the master database.
var DBTypes = []any{Mailing{}, Recipient{}, Satellite{}, HourlyStats{}, SenderDomain{}, DSNRecord{}}

// MailingStatus is the lifecycle state of a mailing.
type MailingStatus string

const (
	MailingFillingRecipients MailingStatus = "FILLING_RECIPIENTS"
	MailingReady             MailingStatus = "READY"
	MailingRunning           MailingStatus = "RUNNING"
	MailingPaused            MailingStatus = "PAUSED"
	MailingFinished          MailingStatus = "FINISHED"
)

// MailingType is REGULAR for mailings that finish once all recipients are
// handled, OPENED for mailings that stay open for recipients added later.
type MailingType string

const (
	MailingRegular MailingType = "REGULAR"
	MailingOpened  MailingType = "OPENED"
)

// SendStatus is the delivery state of a recipient.
type SendStatus string

const (
	StatusReady        SendStatus = "READY"
	StatusInProgress   SendStatus = "IN_PROGRESS"
	StatusWarning      SendStatus = "WARNING" // Temporary failure, will be retried.
	StatusFinished     SendStatus = "FINISHED"
	StatusError        SendStatus = "ERROR"
	StatusGeneralError SendStatus = "GENERAL_ERROR"
	StatusTimeout      SendStatus = "TIMEOUT"
)

// Terminal returns whether no further delivery attempts are made for a
// recipient in this status.
func (s SendStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusGeneralError, StatusTimeout:
		return true
	}
	return false
}

// Failed returns whether s is a terminal failure.
func (s SendStatus) Failed() bool {
	switch s {
	case StatusError, StatusGeneralError, StatusTimeout:
		return true
	}
	return false
}

// NextTry returns when a recipient that failed temporarily after tryCount
// attempts is eligible again.
func NextTry(tryCount int, now time.Time) time.Time {
	switch {
	case tryCount < 3:
		return now.Add(10 * time.Minute)
	case tryCount < 10:
		return now.Add(time.Hour)
	}
	return now.Add(6 * time.Hour)
}

// Mailing is a message sent to a list of recipients.
type Mailing struct {
	ID         int64
	MailFrom   string `bstore:"nonzero"`
	SenderName string
	DomainName string // Of MailFrom.
	Subject    string
	Header     []byte // Message header, including the final empty line.
	Body       []byte
	Type       MailingType   `bstore:"nonzero"`
	Status     MailingStatus `bstore:"nonzero,index"`

	TrackingURL   string // Base URL for tracking links, ending with a slash.
	ReadTracking  bool
	ClickTracking bool
	URLEncoding   string // Empty for percent encoding, or "base64".

	DKIM             *config.DKIM
	FeedbackLoop     *config.FeedbackLoop
	ReturnPathDomain string // If set, messages get a bounce address in this domain as return path.

	ScheduledStart    time.Time
	ScheduledEnd      time.Time
	ScheduledDuration int // In minutes.
	StartTime         time.Time
	EndTime           time.Time

	DontCloseIfEmpty       bool
	BackupCustomizedEmails bool
	Testing                bool
	OwnerGUID              string
	SatelliteGroup         string

	TotalRecipient  int
	TotalPending    int
	TotalSent       int
	TotalError      int
	TotalSoftbounce int

	Created  time.Time `bstore:"default now"`
	Modified time.Time `bstore:"default now"`
}

// Counters returns the recipient counters of m.
func (m Mailing) Counters() Counters {
	return Counters{m.TotalRecipient, m.TotalPending, m.TotalSent, m.TotalError, m.TotalSoftbounce}
}

// Active returns whether recipients of the mailing can be leased at now,
// looking at its status and schedule.
func (m Mailing) Active(now time.Time) bool {
	switch m.Status {
	case MailingFillingRecipients, MailingReady, MailingRunning:
	default:
		return false
	}
	if !m.ScheduledStart.IsZero() && m.ScheduledStart.After(now) {
		return false
	}
	if !m.ScheduledEnd.IsZero() && !m.ScheduledEnd.After(now) {
		return false
	}
	return true
}

// Contact holds the data for personalizing the message of a recipient.
// Numbers are kept as json.Number.
type Contact map[string]any

// ContactData is stored in the database as JSON.
type ContactData struct {
	Fields Contact
}

func (c ContactData) MarshalBinary() ([]byte, error) {
	if c.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.Fields)
}

func (c *ContactData) UnmarshalBinary(buf []byte) error {
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	return dec.Decode(&c.Fields)
}

func (c ContactData) MarshalJSON() ([]byte, error) {
	return c.MarshalBinary()
}

func (c *ContactData) UnmarshalJSON(buf []byte) error {
	return c.UnmarshalBinary(buf)
}

// Recipient is a delivery target of a mailing.
type Recipient struct {
	ID         int64
	MailingID  int64  `bstore:"nonzero,ref Mailing,unique MailingID+TrackingID,index MailingID+SendStatus"`
	TrackingID string `bstore:"nonzero,index"` // Stable across retries, used in reports and bounce addresses.
	Email      string `bstore:"nonzero"`
	DomainName string `bstore:"index"`
	Contact    ContactData
	Primary    bool // Test message recipient, sent while the mailing is still being filled.

	SendStatus SendStatus `bstore:"nonzero,index"`
	TryCount   int
	FirstTry   time.Time
	NextTry    time.Time `bstore:"index"`

	InProgress      bool   `bstore:"index InProgress+DateDelegated"` // Leased by a satellite.
	CloudClient     string // Serial of satellite with the lease, or that reported the final status.
	LastCloudClient string // Serial of satellite that reported last.
	DateDelegated   time.Time

	ReplyCode         int
	ReplyEnhancedCode string
	ReplyText         string
	SMTPLog           string
	DSN               string // Full delivery status notification, for bounces after delivery.
	ReportReady       bool   // Status can be listed through the API. False while waiting for the customized message of a mailing with backup.

	Created  time.Time `bstore:"default now"`
	Modified time.Time `bstore:"default now"`
}

// Satellite is a delivery node allowed to connect to the master.
type Satellite struct {
	ID             int64
	Serial         string `bstore:"nonzero,unique"`
	SharedKey      string
	Enabled        bool
	Paired         bool // Currently connected and authenticated.
	DatePaired     time.Time
	Group          string
	DomainAffinity string // JSON, see master.ParseDomainAffinity.
	Version        string
	Settings       map[string]string // As reported by the satellite when connecting.
	Created        time.Time `bstore:"default now"`
}

// HourlyStats are delivery counters reported by a satellite for an hour.
type HourlyStats struct {
	ID        int64
	Serial    string `bstore:"nonzero,unique Serial+EpochHour"`
	EpochHour int64  `bstore:"index"`
	Date      time.Time
	Sent      int
	Failed    int
	Tries     int
}

// SenderDomain configures DKIM for mailings from a domain that do not have
// their own DKIM configuration.
type SenderDomain struct {
	ID         int64
	DomainName string `bstore:"nonzero,unique"`
	DKIM       *config.DKIM
}

// DSNRecord is a received delivery status notification, kept for a week.
type DSNRecord struct {
	ID         int64
	MailingID  int64 `bstore:"index"`
	TrackingID string
	Action     string
	Status     string
	Received   time.Time `bstore:"default now,index"`
}
