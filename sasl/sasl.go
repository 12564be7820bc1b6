// Package sasl implements the client side of Simple Authentication and
// Security Layer mechanisms, RFC 4422, for use with SMTP AUTH.
package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/mjl-/smtpsubmit/scram"
)

var ErrUnexpectedChallenge = errors.New("unexpected challenge from server")

// Client is a SASL client
type Client interface {
	// Info returns the mechanism name as used in SMTP AUTH, and whether credentials
	// are exchanged in clear text, which influences whether they are logged.
	Info() (name string, cleartextCredentials bool)

	// Next is called for each step of the SASL exchange. The first call has a nil
	// fromServer and returns an optional "initial response": a nil toServer means no
	// initial response, which is different from a non-nil zero-length toServer. The
	// client indicates its final message with last. Returning an error aborts the
	// authentication attempt.
	Next(fromServer []byte) (toServer []byte, last bool, err error)
}

// NewClient returns a client for mechanism m with the credentials.
func NewClient(m Mechanism, creds Credentials) (Client, error) {
	switch m {
	case MechPlain:
		return NewClientPlain(creds.Username, creds.Password), nil
	case MechLogin:
		return NewClientLogin(creds.Username, creds.Password), nil
	case MechCRAMMD5:
		return NewClientCRAMMD5(creds.Username, creds.Password), nil
	case MechXOAUTH2:
		return NewClientXOAUTH2(creds.Username, creds.token()), nil
	case MechOAUTHBEARER:
		return NewClientOAuthBearer(creds.Username, creds.token()), nil
	case MechSCRAMSHA1:
		return NewClientSCRAMSHA1(creds.Username, creds.Password), nil
	case MechSCRAMSHA256:
		return NewClientSCRAMSHA256(creds.Username, creds.Password), nil
	}
	return nil, fmt.Errorf("unknown sasl mechanism %q", m)
}

func (c Credentials) token() string {
	if c.Token != "" {
		return c.Token
	}
	return c.Password
}

type clientPlain struct {
	Username, Password string
	step               int
}

// NewClientPlain returns a client for SASL PLAIN authentication, with the
// credentials in the initial response.
func NewClientPlain(username, password string) Client {
	return &clientPlain{username, password, 0}
}

func (a *clientPlain) Info() (name string, cleartextCredentials bool) {
	return "PLAIN", true
}

func (a *clientPlain) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	if a.step != 0 {
		return nil, false, ErrUnexpectedChallenge
	}
	// ../rfc/4616:93, empty authorization identity.
	return []byte("\x00" + a.Username + "\x00" + a.Password), true, nil
}

type clientLogin struct {
	Username, Password string
	sentUsername       bool
}

// NewClientLogin returns a client for the LOGIN mechanism. No initial
// response is sent, the username and password are sent in response to the
// server prompts.
func NewClientLogin(username, password string) Client {
	return &clientLogin{Username: username, Password: password}
}

func (a *clientLogin) Info() (name string, cleartextCredentials bool) {
	return "LOGIN", true
}

// Next answers "Username:" and "Password:" prompts. Servers vary in their
// prompts, other texts get the username first and the password afterwards.
func (a *clientLogin) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	if fromServer == nil {
		return nil, false, nil
	}
	prompt := strings.ToLower(string(fromServer))
	switch {
	case strings.HasPrefix(prompt, "user"):
		a.sentUsername = true
		return []byte(a.Username), false, nil
	case strings.HasPrefix(prompt, "pass") || a.sentUsername:
		return []byte(a.Password), true, nil
	default:
		a.sentUsername = true
		return []byte(a.Username), false, nil
	}
}

type clientCRAMMD5 struct {
	Username, Password string
	step               int
}

// NewClientCRAMMD5 returns a client for SASL CRAM-MD5 authentication.
func NewClientCRAMMD5(username, password string) Client {
	return &clientCRAMMD5{username, password, 0}
}

func (a *clientCRAMMD5) Info() (name string, cleartextCredentials bool) {
	return "CRAM-MD5", false
}

func (a *clientCRAMMD5) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		// ../rfc/2195:82
		if len(fromServer) == 0 {
			return nil, false, fmt.Errorf("empty cram-md5 challenge")
		}
		mac := hmac.New(md5.New, []byte(a.Password))
		mac.Write(fromServer)
		// ../rfc/2195:88
		return []byte(fmt.Sprintf("%s %x", a.Username, mac.Sum(nil))), true, nil
	}
	return nil, false, ErrUnexpectedChallenge
}

type clientXOAUTH2 struct {
	Username, Token string
	step            int
}

// NewClientXOAUTH2 returns a client for the XOAUTH2 mechanism, as used by
// large mail providers, with an OAuth2 bearer token.
func NewClientXOAUTH2(username, token string) Client {
	return &clientXOAUTH2{Username: username, Token: token}
}

func (a *clientXOAUTH2) Info() (name string, cleartextCredentials bool) {
	return "XOAUTH2", true
}

func (a *clientXOAUTH2) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte("user=" + a.Username + "\x01auth=Bearer " + a.Token + "\x01\x01"), true, nil
	case 1:
		// On failure, the server sends a JSON error as challenge, and expects an
		// empty response before sending its final error response.
		return []byte{}, true, nil
	}
	return nil, false, ErrUnexpectedChallenge
}

type clientSCRAMSHA struct {
	Username, Password string

	name  string
	step  int
	scram *scram.Client
}

// NewClientSCRAMSHA1 returns a client for SASL SCRAM-SHA-1 authentication.
func NewClientSCRAMSHA1(username, password string) Client {
	return newClientSCRAMSHA(username, password, "SCRAM-SHA-1", sha1.New)
}

// NewClientSCRAMSHA256 returns a client for SASL SCRAM-SHA-256 authentication.
func NewClientSCRAMSHA256(username, password string) Client {
	return newClientSCRAMSHA(username, password, "SCRAM-SHA-256", sha256.New)
}

func newClientSCRAMSHA(username, password, name string, fn func() hash.Hash) Client {
	return &clientSCRAMSHA{username, password, name, 0, scram.NewClient(fn, username, "")}
}

func (a *clientSCRAMSHA) Info() (name string, cleartextCredentials bool) {
	return a.name, false
}

func (a *clientSCRAMSHA) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		clientFirst, err := a.scram.ClientFirst()
		if err != nil {
			return nil, false, err
		}
		return []byte(clientFirst), false, nil
	case 1:
		clientFinal, err := a.scram.ServerFirst(fromServer, a.Password)
		if err != nil {
			return nil, false, err
		}
		return []byte(clientFinal), false, nil
	case 2:
		// The server signature must be verified before we consider authentication
		// complete, this is the last step.
		err := a.scram.ServerFinal(fromServer)
		return []byte{}, true, err
	}
	return nil, false, ErrUnexpectedChallenge
}
