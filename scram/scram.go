// Package scram implements the client side of the SCRAM-SHA-* SASL
// authentication mechanisms, RFC 7677 and RFC 5802.
//
// With SCRAM-SHA-256 and SCRAM-SHA-1 a client authenticates without handing
// the plaintext password to the server. The client also verifies that the
// server knows (a derivative of) the password. Channel binding (the PLUS
// variants) is not implemented.
package scram

import (
	"bytes"
	"crypto/hmac"
	cryptorand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrInvalidEncoding = errors.New("invalid encoding")
	ErrUnsafe          = errors.New("unsafe parameter")           // E.g. salt, nonce too short, or too few iterations.
	ErrProtocol        = errors.New("protocol error")             // E.g. server responded with a nonce not prefixed by the client nonce.
	ErrServerSignature = errors.New("incorrect server signature") // Server does not know the password, or a MitM.
)

// Error is an error sent by the server in its final message, e.g.
// "invalid-proof" or "unknown-user".
type Error string

func (e Error) Error() string {
	return "error from server: " + string(e)
}

// MakeRandom returns a cryptographically random buffer for use as nonce.
func MakeRandom() []byte {
	buf := make([]byte, 12)
	if _, err := cryptorand.Read(buf); err != nil {
		panic("generate random")
	}
	return buf
}

// SaltPassword returns a salted password.
func SaltPassword(h func() hash.Hash, password string, salt []byte, iterations int) []byte {
	password = norm.NFC.String(password)
	return pbkdf2.Key([]byte(password), salt, iterations, h().Size(), h)
}

// hmac0 returns the hmac with key over msg.
func hmac0(h func() hash.Hash, key []byte, msg string) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// Client represents the client-side of a SCRAM-SHA-* authentication.
//
// The sequence of calls on a client:
//
//   - ClientFirst, write result to server.
//   - Read response from server, feed to ServerFirst, write response to server.
//   - Read response from server, feed to ServerFinal.
type Client struct {
	authc string
	authz string
	h     func() hash.Hash // sha1.New or sha256.New

	// Messages used in hash calculations.
	clientFirstBare string
	authMessage     string

	gs2header      string
	clientNonce    string // Can be set before ClientFirst, for tests with a test vector.
	saltedPassword []byte
}

// NewClient returns a client for authentication authc, optionally for
// authorization with role authz, for the hash (sha1.New or sha256.New).
func NewClient(h func() hash.Hash, authc, authz string) *Client {
	return &Client{authc: norm.NFC.String(authc), authz: norm.NFC.String(authz), h: h}
}

// ClientFirst returns the first client message to write to the server. A
// random nonce is generated.
func (c *Client) ClientFirst() (string, error) {
	// No channel binding, ../rfc/5802:903
	c.gs2header = "n," + saslname(c.authz) + ","
	if c.clientNonce == "" {
		c.clientNonce = base64.StdEncoding.EncodeToString(MakeRandom())
	}
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", saslname(c.authc), c.clientNonce)
	return c.gs2header + c.clientFirstBare, nil
}

// ServerFirst processes the first response message from the server. The nonce,
// salt and iterations are checked. If valid, the final client message is
// returned, with proof that the client knows the password.
func (c *Client) ServerFirst(serverFirst []byte, password string) (string, error) {
	attrs, err := parseAttrs(string(serverFirst))
	if err != nil {
		return "", err
	}
	// ../rfc/5802:632 ../rfc/5802:973
	if len(attrs) > 0 && attrs[0].key == 'm' {
		return "", fmt.Errorf("%w: unsupported mandatory extension", ErrProtocol)
	}
	if len(attrs) < 3 || attrs[0].key != 'r' || attrs[1].key != 's' || attrs[2].key != 'i' {
		return "", fmt.Errorf("%w: expected nonce, salt and iterations", ErrInvalidEncoding)
	}
	nonce := attrs[0].value
	salt, err := base64.StdEncoding.DecodeString(attrs[1].value)
	if err != nil {
		return "", fmt.Errorf("%w: salt: %v", ErrInvalidEncoding, err)
	}
	iterations, err := strconv.Atoi(attrs[2].value)
	if err != nil {
		return "", fmt.Errorf("%w: iterations: %v", ErrInvalidEncoding, err)
	}

	if !strings.HasPrefix(nonce, c.clientNonce) {
		return "", fmt.Errorf("%w: server dropped our nonce", ErrProtocol)
	}
	if len(nonce)-len(c.clientNonce) < 8 {
		return "", fmt.Errorf("%w: server nonce too short", ErrUnsafe)
	}
	if len(salt) < 8 {
		return "", fmt.Errorf("%w: salt too short", ErrUnsafe)
	}
	if iterations < 2048 {
		return "", fmt.Errorf("%w: too few iterations", ErrUnsafe)
	}

	// ../rfc/5802:925
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", base64.StdEncoding.EncodeToString([]byte(c.gs2header)), nonce)
	c.authMessage = c.clientFirstBare + "," + string(serverFirst) + "," + clientFinalWithoutProof

	c.saltedPassword = SaltPassword(c.h, password, salt, iterations)
	clientKey := hmac0(c.h, c.saltedPassword, "Client Key")
	h := c.h()
	h.Write(clientKey)
	storedKey := h.Sum(nil)
	clientProof := hmac0(c.h, storedKey, c.authMessage)
	for i := range clientProof {
		clientProof[i] ^= clientKey[i]
	}
	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof), nil
}

// ServerFinal processes the final message from the server, verifying that the
// server knows the password.
func (c *Client) ServerFinal(serverFinal []byte) error {
	attrs, err := parseAttrs(string(serverFinal))
	if err != nil {
		return err
	}
	if len(attrs) == 0 {
		return fmt.Errorf("%w: empty server final message", ErrInvalidEncoding)
	}
	switch attrs[0].key {
	case 'e':
		return Error(attrs[0].value)
	case 'v':
	default:
		return fmt.Errorf("%w: expected verifier", ErrInvalidEncoding)
	}
	verifier, err := base64.StdEncoding.DecodeString(attrs[0].value)
	if err != nil {
		return fmt.Errorf("%w: verifier: %v", ErrInvalidEncoding, err)
	}
	serverKey := hmac0(c.h, c.saltedPassword, "Server Key")
	serverSig := hmac0(c.h, serverKey, c.authMessage)
	if !bytes.Equal(verifier, serverSig) {
		return ErrServerSignature
	}
	return nil
}

type attr struct {
	key   byte
	value string
}

// parseAttrs parses a comma-separated list of single-letter attributes with
// values, e.g. "r=abc,s=c2FsdA==,i=4096".
func parseAttrs(s string) ([]attr, error) {
	var l []attr
	for _, t := range strings.Split(s, ",") {
		if len(t) < 2 || t[1] != '=' || !(t[0] >= 'a' && t[0] <= 'z' || t[0] >= 'A' && t[0] <= 'Z') {
			return nil, fmt.Errorf("%w: bad attribute %q", ErrInvalidEncoding, t)
		}
		l = append(l, attr{t[0], t[2:]})
	}
	return l, nil
}

// Convert "," to =2C and "=" to =3D.
func saslname(s string) string {
	var r strings.Builder
	for _, c := range s {
		switch c {
		case ',':
			r.WriteString("=2C")
		case '=':
			r.WriteString("=3D")
		default:
			r.WriteRune(c)
		}
	}
	return r.String()
}
