package config

// DKIM is the signing configuration of a mailing or of a sender domain. It is
// stored with the mailing on the master and sent to satellites as part of the
// mailing.
type DKIM struct {
	Enabled          bool     // Mailings without DKIM, or with Enabled false, are not signed.
	Selector         string   // E.g. "mail2024", DNS record at <selector>._domainkey.<domain>.
	Domain           string   // Signing domain, the d= tag.
	PrivateKey       string   // PEM, PKCS#1 or PKCS#8. RSA or ed25519.
	Headers          []string `json:",omitempty"` // Header fields to sign. Default: the common fields present in the message.
	Canonicalization string   `json:",omitempty"` // "relaxed/simple" (default), "relaxed/relaxed", "simple/simple".
}

// Usable returns whether messages can be signed with this configuration.
func (d *DKIM) Usable() bool {
	return d != nil && d.Enabled && d.Selector != "" && d.Domain != "" && d.PrivateKey != ""
}

// FeedbackLoop holds the fields of the Feedback-ID header, and an optional
// second DKIM key for the mailbox provider feedback loop. A Feedback-ID header
// is only added when SenderID is set. Empty fields default to the mailing id,
// mailing domain and mailing type.
type FeedbackLoop struct {
	CampaignID string
	CustomerID string
	MailTypeID string
	SenderID   string
	DKIM       *DKIM `json:",omitempty"`
}

// FeedbackLoopFromSettings returns the feedback loop configuration in the
// master's FeedbackLoopSettings map, with keys campain_id, customer_id,
// mail_type_id and sender_id. Nil is returned for an empty map.
func FeedbackLoopFromSettings(m map[string]string) *FeedbackLoop {
	if len(m) == 0 {
		return nil
	}
	return &FeedbackLoop{
		CampaignID: m["campain_id"],
		CustomerID: m["customer_id"],
		MailTypeID: m["mail_type_id"],
		SenderID:   m["sender_id"],
	}
}
