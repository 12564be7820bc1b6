package sasl

import (
	gosasl "github.com/emersion/go-sasl"
)

type clientOAuthBearer struct {
	c    gosasl.Client
	step int
}

// NewClientOAuthBearer returns a client for the OAUTHBEARER mechanism, RFC
// 7628, with a bearer token.
func NewClientOAuthBearer(username, token string) Client {
	c := gosasl.NewOAuthBearerClient(&gosasl.OAuthBearerOptions{
		Username: username,
		Token:    token,
	})
	return &clientOAuthBearer{c: c}
}

func (a *clientOAuthBearer) Info() (name string, cleartextCredentials bool) {
	return "OAUTHBEARER", true
}

// Next returns the initial response from the underlying client. A later
// challenge is the server's JSON error, which is returned as error, causing
// the authentication to be aborted.
func (a *clientOAuthBearer) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	if a.step == 0 {
		_, ir, err := a.c.Start()
		return ir, true, err
	}
	resp, err := a.c.Next(fromServer)
	return resp, true, err
}
