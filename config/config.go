package config

import (
	"crypto/tls"
	"time"

	"github.com/cloudmailing/cm/dns"
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is a parsed form of the cm.conf configuration file. The same file
// format is used for a master and for satellites, each only requiring its own
// sections.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored, e.g. databases and customized messages. If this is a relative path, it is relative to the directory of cm.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs SMTP protocol transcripts, with traceauth also authentication exchanges, and tracedata on top of that also the full data exchanges (full messages)."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. queue, smtpclient, satellite, master, rpc, dsn, customize, mx)."`
	Hostname         string            `sconf:"optional" sconf-doc:"Full hostname of system. Used as default EHLO name. Default: the system hostname."`
	MetricsAddress   string            `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on at /metrics, e.g. localhost:8010. Not served if empty."`

	ID struct {
		Serial string `sconf-doc:"Serial of this instance. A satellite logs in to the master with this serial. On the master, satellites connecting with this same serial skip the challenge-response authentication, for local satellites."`
	} `sconf-doc:"Identity of this instance."`

	Mailing           Mailing           `sconf:"optional" sconf-doc:"Settings for satellites: connection to the master, and mailing queue limits."`
	CMMaster          *Master           `sconf:"optional" sconf-doc:"Settings for the master. Required for 'cm master'."`
	MasterDatabase    Database          `sconf:"optional" sconf-doc:"Database of the master, with mailings, recipients, satellites and statistics."`
	SatelliteDatabase Database          `sconf:"optional" sconf-doc:"Local database of a satellite, with cached mailings, leased recipients, queue and statistics."`
	SendMail          SendMail          `sconf:"optional" sconf-doc:"How satellites deliver messages."`
	SendMailProvider  *SendMailProvider `sconf:"optional" sconf-doc:"Smarthost to deliver through, for SendMail methods provider and smarthost."`
	Testing           *Testing          `sconf:"optional" sconf-doc:"Testing overrides, for mailings marked as testing, or for all deliveries with FakeDNS."`
	DomainsNotation   []NotationStep    `sconf:"optional" sconf-doc:"Step table mapping a destination domain's score to the maximum number of recipients per SMTP connection. The first step (highest MinNote first) with MinNote lower than or equal to the score applies. A cap of 0 rejects the recipient. If empty, domains are not limited beyond MaxThreadSize."`
	DomainConfigs     map[string]Domain `sconf:"optional" sconf-doc:"Per destination domain overrides, keyed by domain name."`
	HostnameDomain    dns.Domain        `sconf:"-" json:"-"`
	DomainsParsed     map[string]Domain `sconf:"-" json:"-"`
	ClientTLSConfig   *tls.Config       `sconf:"-" json:"-"`
	ServerTLSConfig   *tls.Config       `sconf:"-" json:"-"`
}

// Mailing holds satellite settings.
type Mailing struct {
	MasterAddress            string `sconf:"optional" sconf-doc:"Address of the master cluster endpoint, host:port. Required for 'cm satellite'."`
	MasterTLS                bool   `sconf:"optional" sconf-doc:"Connect to the master with TLS."`
	MasterTLSSkipVerify      bool   `sconf:"optional" sconf-doc:"Do not verify the TLS certificate of the master. For testing."`
	SharedKey                string `sconf:"optional" sconf-doc:"Key shared with the master, used to answer the authentication challenge."`
	MailTemp                 string `sconf:"optional" sconf-doc:"Directory for customized messages waiting for delivery. Default: mailtemp in the data directory."`
	CustomizedContentFolder  string `sconf:"optional" sconf-doc:"Directory for delivered customized messages of mailings with backup of customized emails. Default: customized in the data directory."`
	QueueMaxSize             int    `sconf:"optional" sconf-doc:"Maximum number of recipients queued locally. Default 10000."`
	QueueMinSize             int    `sconf:"optional" sconf-doc:"When fewer recipients are queued locally, new recipients are requested from the master. Default 5000."`
	MaxThread                int    `sconf:"optional" sconf-doc:"Maximum number of parallel SMTP connections. Default 50."`
	MaxThreadSize            int    `sconf:"optional" sconf-doc:"Maximum number of recipients per SMTP connection. Default 100."`
	MaxReports               int    `sconf:"optional" sconf-doc:"Maximum number of recipient reports per batch sent to the master. Default 1000, at most 5000."`
	MaxNewRecipients         int    `sconf:"optional" sconf-doc:"Number of recipients requested from the master when the local queue is low. Default 100, at most 1000."`
	DefaultMaxQueuePerDomain int    `sconf:"optional" sconf-doc:"Default maximum of parallel connections per destination domain. Default 1."`
	ZombieQueueAge           int    `sconf:"optional" sconf-doc:"Age in seconds after which an active queue is considered stuck, and its recipients released. Default 300."`
	QueueEndingDelay         int    `sconf:"optional" sconf-doc:"Seconds to keep a finished queue in the set of active queues. Default 0."`
	EHLO                     string `sconf:"optional" sconf-doc:"Name used in EHLO/HELO. Default: Hostname."`
	CustomizeWorkers         int    `sconf:"optional" sconf-doc:"Number of parallel message customizations. Default 1."`
	ConnectAttempts          int    `sconf:"optional" sconf-doc:"Number of TCP connection attempts per queue. Default 5."`
	SessionTimeout           int    `sconf:"optional" sconf-doc:"SMTP session timeout in seconds. Default 60."`

	ZombieQueueAgeDuration   time.Duration `sconf:"-" json:"-"`
	QueueEndingDelayDuration time.Duration `sconf:"-" json:"-"`
	SessionTimeoutDuration   time.Duration `sconf:"-" json:"-"`
}

// Master holds master settings.
type Master struct {
	ClusterAddress                 string            `sconf-doc:"Address to listen on for satellite connections, e.g. :7200."`
	TLS                            *KeyCert          `sconf:"optional" sconf-doc:"If set, satellites connect with TLS."`
	APIAddress                     string            `sconf:"optional" sconf-doc:"Address to listen on for the management API, e.g. localhost:8080. Not served if empty."`
	APIKeyHash                     string            `sconf:"optional" sconf-doc:"Bcrypt hash of the management API key. Clients authenticate with HTTP basic authentication, any username and the API key as password."`
	DSNAddress                     string            `sconf:"optional" sconf-doc:"Address for the SMTP listener accepting delivery status notifications, e.g. :2525. Not served if empty."`
	DSNDomain                      string            `sconf:"optional" sconf-doc:"Domain of the bounce addresses, typically set as return path domain of mailings."`
	SatelliteMaxRecipientsToSend   int               `sconf:"optional" sconf-doc:"Maximum number of recipients handed to a satellite per request. Default 1000."`
	OrphanRecipientsMaxAge         int               `sconf:"optional" sconf-doc:"Seconds after leasing after which the owning satellite is asked whether it still has a recipient. Default 3600."`
	OrphanRecipientsMaxRecipients  int               `sconf:"optional" sconf-doc:"Maximum number of leased recipients checked per orphan pass. Default 10000."`
	CustomizedContentRetentionDays int               `sconf:"optional" sconf-doc:"Days to keep retrieved customized messages. Default 10."`
	FeedbackLoopSettings           map[string]string `sconf:"optional" sconf-doc:"Default feedback loop settings for mailings without their own, with keys campain_id, customer_id, mail_type_id and sender_id."`
	ReportWorkers                  int               `sconf:"optional" sconf-doc:"Number of report batches applied in parallel. Default 1."`
	GetRecipientsWorkers           int               `sconf:"optional" sconf-doc:"Number of recipient requests handled in parallel. Default 1."`

	OrphanRecipientsMaxAgeDuration time.Duration `sconf:"-" json:"-"`
}

// KeyCert is a TLS certificate and private key, in PEM files.
type KeyCert struct {
	CertFile string `sconf-doc:"Certificate including intermediate CA certificates, in PEM format."`
	KeyFile  string `sconf-doc:"Private key for certificate, in PEM format. PKCS8 is recommended, but PKCS1 and EC private keys are recognized as well."`
}

// Database configures a bstore database file.
type Database struct {
	Path string `sconf:"optional" sconf-doc:"Path of database file. If relative, relative to the data directory. Default master.db or satellite.db."`
}

// SendMail configures how satellites connect to destinations.
type SendMail struct {
	Method                  string        `sconf:"optional" sconf-doc:"One of direct (look up MX records and deliver to them), provider or smarthost (deliver through SendMailProvider). Default direct."`
	FallbackToA             bool          `sconf:"optional" sconf-doc:"In direct mode, deliver to the domain itself if it has no MX records."`
	BadHostCooldown         int           `sconf:"optional" sconf-doc:"Seconds a mail server that failed stays marked as bad. Default 60."`
	CNAMELimit              int           `sconf:"optional" sconf-doc:"Maximum length of CNAME chains when resolving MX records. Default 3."`
	Port                    int           `sconf:"optional" sconf-doc:"Port to connect to in direct mode. Default 25."`
	RequireTLS              bool          `sconf:"optional" sconf-doc:"Fail delivery if STARTTLS is not available. By default STARTTLS is used opportunistically."`
	BadHostCooldownDuration time.Duration `sconf:"-" json:"-"`
}

// SendMailProvider is a smarthost configuration.
type SendMailProvider struct {
	Host      string `sconf-doc:"Host name or IP of the smarthost."`
	Port      int    `sconf:"optional" sconf-doc:"Port, default 587, or 465 with TLS."`
	TLS       bool   `sconf:"optional" sconf-doc:"Connect with immediate TLS."`
	STARTTLS  bool   `sconf:"optional" sconf-doc:"Require STARTTLS."`
	Username  string `sconf:"optional" sconf-doc:"Username for authentication."`
	Password  string `sconf:"optional" sconf-doc:"Password for authentication."`
	Mechanism string `sconf:"optional" sconf-doc:"Authentication mechanism, PLAIN or LOGIN. Default PLAIN."`
}

// Testing configures fake delivery targets.
type Testing struct {
	FakeSMTPHost string `sconf:"optional" sconf-doc:"Host of the fake SMTP server that messages of testing mailings are delivered to. Default localhost."`
	FakeSMTPPort int    `sconf:"optional" sconf-doc:"Port of the fake SMTP server. Default 2525."`
	FakeDNS      bool   `sconf:"optional" sconf-doc:"Resolve all destination domains to the fake SMTP server, also for regular mailings."`
}

// NotationStep is a row of the domain score table.
type NotationStep struct {
	MinNote       float64 `sconf-doc:"Lowest score for this step."`
	MaxRecipients int     `sconf-doc:"Maximum recipients per connection. Zero rejects recipients."`
}

// Domain holds overrides for a destination domain.
type Domain struct {
	MaxRelayers int `sconf:"optional" sconf-doc:"Maximum parallel connections to this domain. Default DefaultMaxQueuePerDomain."`
}
