package smtpclient

import (
	"reflect"
	"testing"

	"github.com/mjl-/smtpsubmit/sasl"
)

func TestParseServerInfo(t *testing.T) {
	resp := Response{Code: 250, Lines: []string{
		"mail.example Hello client.example",
		"PIPELINING",
		"size 35882577",
		"8BITMIME",
		"STARTTLS",
		"AUTH PLAIN login XUNKNOWN CRAM-MD5 plain",
		"ENHANCEDSTATUSCODES",
		"X-UNKNOWN-EXTENSION param",
		"",
		"SMTPUTF8",
	}}
	info := ParseServerInfo(resp)
	if info.Name != "mail.example" {
		t.Fatalf("name: got %q", info.Name)
	}
	expMechs := []sasl.Mechanism{sasl.MechPlain, sasl.MechLogin, sasl.MechCRAMMD5}
	if !reflect.DeepEqual(info.Mechanisms, expMechs) {
		t.Fatalf("mechanisms: got %v, expected %v", info.Mechanisms, expMechs)
	}
	if info.Size != 35882577 {
		t.Fatalf("size: got %d", info.Size)
	}
	for _, ext := range []Extension{ExtPipelining, ExtSize, Ext8BitMIME, ExtStartTLS, ExtAuth, ExtEnhancedStatusCodes, ExtSMTPUTF8} {
		if !info.SupportsFeature(ext) {
			t.Fatalf("missing extension %s", ext)
		}
	}
	for _, ext := range []Extension{ExtChunking, ExtDSN, ExtRequireTLS} {
		if info.SupportsFeature(ext) {
			t.Fatalf("unexpected extension %s", ext)
		}
	}
	expNames := []string{"8BITMIME", "AUTH", "ENHANCEDSTATUSCODES", "PIPELINING", "SIZE", "SMTPUTF8", "STARTTLS"}
	if names := info.ExtensionNames(); !reflect.DeepEqual(names, expNames) {
		t.Fatalf("extension names: got %v, expected %v", names, expNames)
	}

	// A single line has no extensions.
	info = ParseServerInfo(Response{Code: 250, Lines: []string{"mail.example"}})
	if info.Name != "mail.example" || len(info.Extensions) != 0 || info.Mechanisms != nil {
		t.Fatalf("unexpected info %#v", info)
	}

	// Old-style AUTH=, and SIZE without limit.
	info = ParseServerInfo(Response{Code: 250, Lines: []string{"mail.example", "AUTH=LOGIN PLAIN", "SIZE"}})
	if !reflect.DeepEqual(info.Mechanisms, []sasl.Mechanism{sasl.MechLogin, sasl.MechPlain}) || info.Size != 0 || !info.SupportsFeature(ExtSize) {
		t.Fatalf("unexpected info %#v", info)
	}
}

func TestAuthMechanism(t *testing.T) {
	info := ServerInfo{Mechanisms: []sasl.Mechanism{sasl.MechLogin, sasl.MechPlain, sasl.MechSCRAMSHA1}}

	test := func(prefs []sasl.Mechanism, exp sasl.Mechanism, expOK bool) {
		t.Helper()
		m, ok := info.AuthMechanism(prefs)
		if m != exp || ok != expOK {
			t.Fatalf("prefs %v: got %q %v, expected %q %v", prefs, m, ok, exp, expOK)
		}
	}

	// Client preference order wins.
	test(sasl.DefaultPreference, sasl.MechSCRAMSHA1, true)
	test([]sasl.Mechanism{sasl.MechPlain, sasl.MechLogin}, sasl.MechPlain, true)
	test([]sasl.Mechanism{sasl.MechCRAMMD5}, "", false)
	test(nil, "", false)
}
