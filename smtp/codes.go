package smtp

// Reply codes seen and sent by the relayer and the bounce receiver.
var (
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235
	C250Completed    = 250
	C334ContinueAuth = 334
	C354Continue     = 354

	C421ServiceUnavail = 421
	C450MailboxUnavail = 450
	C451LocalErr       = 451
	C452StorageFull    = 452

	// Not an SMTP reply. Used for a message that could not be sent because its
	// customized file could not be opened.
	C471SendingAborted = 471

	C500BadSyntax         = 500
	C501BadParamSyntax    = 501
	C502CmdNotImpl        = 502
	C503BadCmdSeq         = 503
	C530SecurityRequired  = 530
	C535AuthBadCreds      = 535
	C550MailboxUnavail    = 550
	C552MailboxFull       = 552
	C553BadMailbox        = 553
	C554TransactionFailed = 554
)

// Short enhanced reply codes, without leading number and first dot.
var (
	SeOther00 = "0.0"

	SeAddr1Other0              = "1.0"
	SeAddr1UnknownDestMailbox1 = "1.1"
	SeAddr1UnknownSystem2      = "1.2"
	SeAddr1MailboxSyntax3      = "1.3"
	SeAddr1NullMX              = "1.10"

	SeMailbox2Other0 = "2.0"
	SeMailbox2Full2  = "2.2"

	SeSys3Other0 = "3.0"

	SeNet4Other0           = "4.0"
	SeNet4NoAnswer1        = "4.1"
	SeNet4BadConn2         = "4.2"
	SeNet4Name3            = "4.3"
	SeNet4DeliveryExpired7 = "4.7"

	SeProto5Other0       = "5.0"
	SeProto5BadCmdOrSeq1 = "5.1"
	SeProto5Syntax2      = "5.2"

	SeMsg6Other0 = "6.0"

	SePol7Other0 = "7.0"
)

// Permanent returns whether code is a permanent failure, i.e. 5xx.
func Permanent(code int) bool {
	return code >= 500
}
