package smtpclient

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/sasl"
	"github.com/mjl-/smtpsubmit/smtp"
)

// MetricAuthInc is called for each authentication attempt with the lower-case
// mechanism and the result: ok, badcreds or error.
var MetricAuthInc = func(mechanism, result string) {}

// Maximum number of 334 challenges we answer in a single AUTH exchange. The
// mechanisms we implement need at most 2.
const maxChallenges = 10

// Auth authenticates with the first mechanism in prefs that the server
// announced. If prefs is empty, sasl.DefaultPreference is used. If no
// mechanism matches, an error with ErrNoMechanism of kind KindClient is
// returned, and the connection is unchanged.
//
// A failed authentication, with a response other than 2xx, returns an error
// with ErrAuth of kind KindResponse, holding the response from the server. The
// connection is aborted and cannot be used anymore.
func (c *Conn) Auth(ctx context.Context, prefs []sasl.Mechanism, creds sasl.Credentials) (rresp Response, rerr error) {
	var mech sasl.Mechanism
	// Runs after recover has set rerr.
	defer func() {
		if mech == "" {
			return
		}
		result := "ok"
		if errors.Is(rerr, ErrAuth) {
			result = "badcreds"
		} else if rerr != nil {
			result = "error"
		}
		MetricAuthInc(strings.ToLower(string(mech)), result)
	}()
	defer c.recover(&rerr)

	c.xcheckState("auth", StateExtended, StateEncrypted)
	if len(prefs) == 0 {
		prefs = sasl.DefaultPreference
	}
	var ok bool
	mech, ok = c.info.AuthMechanism(prefs)
	if !ok {
		c.xclientf(true, "%w: server offers %v, client accepts %v", ErrNoMechanism, c.info.Mechanisms, prefs)
	}
	a, err := sasl.NewClient(mech, creds)
	if err != nil {
		c.xclientf(true, "%w: %v", ErrNoMechanism, err)
	}

	defer c.stream.watch(ctx)()

	resp := c.xauth(a)
	c.state = StateAuthenticated
	c.log.Debug("authenticated", slog.String("mechanism", string(mech)), slog.Any("username", creds))
	return resp, nil
}

// ../rfc/4954:139
func (c *Conn) xauth(a sasl.Client) Response {
	c.xcmd("auth")

	name, cleartextCreds := a.Info()

	// Abort the authentication exchange. The server must respond with 501, but we
	// don't care. ../rfc/4954:193
	xcancel := func() {
		c.xwriteline("*")
		c.xread()
	}

	toServer, last, err := a.Next(nil)
	if err != nil {
		c.xclientf(true, "initial step in auth mechanism %s: %w", name, err)
	}
	if cleartextCreds {
		defer c.xtrace(mlog.LevelTraceauth)()
	}
	if toServer == nil {
		c.xwriteline("AUTH " + name)
	} else if len(toServer) == 0 {
		c.xwriteline("AUTH " + name + " =") // ../rfc/4954:214
	} else {
		c.xwriteline("AUTH " + name + " " + base64.StdEncoding.EncodeToString(toServer))
	}

	challenges := 0
	for {
		resp := c.xread()
		switch {
		case resp.Code == smtp.C334ContinueAuth:
			if challenges == maxChallenges {
				// Nothing more is sent. The exchange is still in progress at the server, so the
				// connection cannot be used anymore.
				c.state = StateBroken
				err := c.stream.Shutdown()
				c.log.Check(err, "closing connection after too many auth challenges")
				c.xclientf(false, "%w: more than %d", ErrTooManyChallenges, maxChallenges)
			}
			challenges++

			fromServer, err := base64.StdEncoding.DecodeString(resp.Lines[0])
			if err != nil {
				xcancel()
				c.xerrorf(KindParsing, "%w: bad base64 data in auth challenge: %v", ErrProtocol, err)
			}
			toServer, last, err = a.Next(fromServer)
			if err != nil {
				// For example a SCRAM server signature mismatch.
				xcancel()
				c.abort()
				c.xclientf(true, "%w: client: %v", ErrAuth, err)
			}
			c.xwriteline(base64.StdEncoding.EncodeToString(toServer))

		case resp.Code/100 == 2:
			if !last {
				// The server must not accept before the client has finished, e.g. SCRAM
				// verifying the server signature.
				c.xerrorf(KindParsing, "%w: server accepted authentication before client finished", ErrProtocol)
			}
			return resp

		default:
			c.xresponsef(resp, "%w: got %d", ErrAuth, resp.Code)
		}
	}
}
