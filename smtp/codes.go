// Package smtp holds the protocol constants and envelope types shared by the
// submission client packages.
package smtp

// Reply codes the client acts on. ../rfc/5321:2863
var (
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235 // ../rfc/4954:573
	C250Completed    = 250

	C334ContinueAuth = 334 // ../rfc/4954:187
	C354Continue     = 354

	C421ServiceUnavail = 421
	C454TempAuthFail   = 454 // ../rfc/4954:586
	C451LocalErr       = 451

	C500BadSyntax         = 500
	C501BadParamSyntax    = 501
	C502CmdNotImpl        = 502
	C503BadCmdSeq         = 503
	C530SecurityRequired  = 530 // ../rfc/3207:148 ../rfc/4954:623
	C535AuthBadCreds      = 535 // ../rfc/4954:600
	C550MailboxUnavail    = 550
	C552MailboxFull       = 552
	C554TransactionFailed = 554
)

// Short enhanced status codes, without the leading class digit and first dot.
// Used for errors the client generates locally.
var (
	SeProto5Other0          = "5.0"
	SeProto5Syntax2         = "5.2"
	SeSys3MsgLimitExceeded4 = "3.4"
	SePol7EncNeeded10       = "7.10" // ../rfc/5248:359
)
