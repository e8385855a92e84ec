package rpc

import (
	"time"

	"github.com/cloudmailing/cm/config"
	"github.com/cloudmailing/cm/store"
)

// Hello is the first message of a satellite on a new session.
type Hello struct {
	Serial   string
	Version  string
	Settings map[string]string `json:",omitempty"`
}

// Challenge is the master's answer to Hello.
type Challenge struct {
	Nonce string // 32 random bytes, hex.
}

// Auth holds the answer to the challenge: hex(HMAC-SHA256(shared key, nonce)).
type Auth struct {
	MAC string
}

// Welcome is sent when the satellite is authenticated. Calls outside the
// session carry the token in their metadata.
type Welcome struct {
	Token string
}

// PushKind is the kind of a control message from master to satellite.
type PushKind string

const (
	PushActivateUnittestMode     PushKind = "activate_unittest_mode"
	PushCloseMailing             PushKind = "close_mailing"
	PushMailingChanged           PushKind = "mailing_changed"
	PushGetRecipientsList        PushKind = "get_recipients_list"
	PushCheckRecipients          PushKind = "check_recipients"
	PushPrepareGettingRecipients PushKind = "prepare_getting_recipients"
	PushGetCustomizedContent     PushKind = "get_customized_content"
)

// Push is a control message from master to satellite. Each push gets exactly
// one Reply with the same ID.
type Push struct {
	ID           int64
	Kind         PushKind
	MailingID    int64   `json:",omitempty"` // For close_mailing, mailing_changed and get_customized_content.
	RecipientID  int64   `json:",omitempty"` // For get_customized_content.
	RecipientIDs []int64 `json:",omitempty"` // For check_recipients.
	Count        int     `json:",omitempty"` // For prepare_getting_recipients.
}

// Reply answers a push.
type Reply struct {
	ID           int64
	Error        string  `json:",omitempty"`
	RecipientIDs []int64 `json:",omitempty"` // For get_recipients_list and check_recipients: ids known to the satellite.
	Count        int     `json:",omitempty"` // For prepare_getting_recipients.
	Data         []byte  `json:",omitempty"` // For get_customized_content.
}

// Frame is a message on the session stream. Exactly one field is set.
type Frame struct {
	Hello     *Hello     `json:",omitempty"`
	Challenge *Challenge `json:",omitempty"`
	Auth      *Auth      `json:",omitempty"`
	Welcome   *Welcome   `json:",omitempty"`
	Push      *Push      `json:",omitempty"`
	Reply     *Reply     `json:",omitempty"`
}

// MailingBody is a mailing as needed by a satellite for customizing and
// delivering its messages.
type MailingBody struct {
	ID                     int64
	MailFrom               string
	SenderName             string
	DomainName             string
	Subject                string
	Header                 []byte
	Body                   []byte
	Type                   store.MailingType
	Status                 store.MailingStatus
	TrackingURL            string
	ReadTracking           bool
	ClickTracking          bool
	URLEncoding            string
	DKIM                   *config.DKIM
	FeedbackLoop           *config.FeedbackLoop
	ReturnPathDomain       string
	BackupCustomizedEmails bool
	Testing                bool
}

// RecipientLease is a recipient handed to a satellite.
type RecipientLease struct {
	ID         int64
	MailingID  int64
	TrackingID string
	Email      string
	DomainName string
	Contact    map[string]any
	Primary    bool
	SendStatus store.SendStatus
	TryCount   int
	FirstTry   time.Time
	NextTry    time.Time
}

// RecipientReport is the outcome of a delivery attempt, sent by a satellite.
type RecipientReport struct {
	ID                int64
	MailingID         int64
	TrackingID        string
	SendStatus        store.SendStatus
	FirstTry          time.Time
	TryCount          int
	NextTry           time.Time // For WARNING, as scheduled by the satellite.
	ReplyCode         int
	ReplyEnhancedCode string
	ReplyText         string
	SMTPLog           string
}

// HourlyStatsRow are the delivery counters of a satellite for an hour.
type HourlyStatsRow struct {
	EpochHour int64
	Date      time.Time
	Sent      int
	Failed    int
	Tries     int
}

type GetMailingRequest struct {
	ID int64
}

type GetRecipientsRequest struct {
	Count int
}

type SendReportsRequest struct {
	Reports []RecipientReport
}

// SendReportsResponse lists the ids of the reports that were applied, and can
// be removed by the satellite.
type SendReportsResponse struct {
	IDs []int64
}

type SendStatisticsRequest struct {
	Stats []HourlyStatsRow
}

// SendStatisticsResponse lists the epoch hours that were stored.
type SendStatisticsResponse struct {
	EpochHours []int64
}

type Empty struct{}

// Page is a chunk of a JSON document too large for a single message.
type Page struct {
	Data []byte
}
