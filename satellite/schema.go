package satellite

import (
	"time"

	"github.com/cloudmailing/cm/config"
	"github.com/cloudmailing/cm/queue"
	"github.com/cloudmailing/cm/store"
)

// DBTypes are the types stored in the satellite database.
var DBTypes = []any{Mailing{}, Recipient{}, HourlyStats{}, ActiveQueue{}, queue.DomainStats{}}

// Mailing is a local copy of a mailing of the master, with the same ID. It is
// created when a recipient of the mailing is leased, its content is fetched
// separately.
type Mailing struct {
	ID int64

	MailFrom         string
	SenderName       string
	DomainName       string
	Header           []byte
	Body             []byte
	Type             store.MailingType
	TrackingURL      string
	ReadTracking     bool
	ClickTracking    bool
	URLEncoding      string
	DKIM             *config.DKIM
	FeedbackLoop     *config.FeedbackLoop
	ReturnPathDomain string
	Backup           bool
	Testing          bool

	BodyDownloaded bool `bstore:"index"`
	Deleted        bool // Closed on the master, removed once its recipients are gone.

	Created  time.Time `bstore:"default now"`
	Modified time.Time `bstore:"default now"`
}

// Recipient is a recipient leased from the master, with the same ID.
//
// A recipient is queued while not Finished and not InProgress. When its
// delivery attempt has an outcome, Finished is set and the recipient is
// reported to the master, after which it is removed.
type Recipient struct {
	ID         int64
	MailingID  int64  `bstore:"nonzero,index"`
	TrackingID string `bstore:"nonzero"`
	Email      string `bstore:"nonzero"`
	DomainName string `bstore:"nonzero,index"`
	Contact    store.ContactData
	Primary    bool

	SendStatus store.SendStatus `bstore:"nonzero"`
	TryCount   int
	FirstTry   time.Time
	NextTry    time.Time `bstore:"index"`
	InProgress bool      // In an active queue.
	Finished   bool      `bstore:"index"` // Outcome known, to be reported.
	Unverified bool      // Not yet confirmed as still leased by the master after a restart.

	ReplyCode         int
	ReplyEnhancedCode string
	ReplyText         string
	SMTPLog           string

	Created  time.Time `bstore:"default now"`
	Modified time.Time `bstore:"default now"`
}

// HourlyStats counts delivery attempts per hour. Rows that changed since they
// were last acknowledged by the master have UpToDate false.
type HourlyStats struct {
	ID        int64
	EpochHour int64 `bstore:"unique"`
	Date      time.Time
	Sent      int
	Failed    int
	Tries     int // Including sent and failed.
	UpToDate  bool
}

// ActiveQueue is a running domain queue. Queues that run longer than the
// zombie age are abandoned, and their recipients retried.
type ActiveQueue struct {
	ID           int64
	DomainName   string
	RecipientIDs []int64
	Testing      bool
	Created      time.Time `bstore:"default now,index"`
}
