package smtpclient

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/mjl-/smtpsubmit/sasl"
)

// Extension is an SMTP service extension announced in the EHLO response.
type Extension string

const (
	ExtStartTLS            Extension = "STARTTLS"            // ../rfc/3207
	Ext8BitMIME            Extension = "8BITMIME"            // ../rfc/6152
	ExtSMTPUTF8            Extension = "SMTPUTF8"            // ../rfc/6531
	ExtAuth                Extension = "AUTH"                // ../rfc/4954
	ExtSize                Extension = "SIZE"                // ../rfc/1870
	ExtPipelining          Extension = "PIPELINING"          // ../rfc/2920
	ExtEnhancedStatusCodes Extension = "ENHANCEDSTATUSCODES" // ../rfc/2034
	ExtChunking            Extension = "CHUNKING"            // ../rfc/3030
	ExtDSN                 Extension = "DSN"                 // ../rfc/3461
	ExtRequireTLS          Extension = "REQUIRETLS"          // ../rfc/8689
)

var knownExtensions = map[string]Extension{}

func init() {
	for _, e := range []Extension{ExtStartTLS, Ext8BitMIME, ExtSMTPUTF8, ExtAuth, ExtSize, ExtPipelining, ExtEnhancedStatusCodes, ExtChunking, ExtDSN, ExtRequireTLS} {
		knownExtensions[string(e)] = e
	}
}

// ServerInfo holds what the server announced in its EHLO response. A new
// ServerInfo is parsed for each EHLO, e.g. after STARTTLS, never merged with an
// earlier one.
type ServerInfo struct {
	Name       string // First word of the EHLO response, typically the server host name.
	Extensions map[Extension]struct{}
	Mechanisms []sasl.Mechanism // From AUTH, in the order of the server, unknown mechanisms are skipped.
	Size       int64            // Maximum message size from SIZE, 0 for no announced limit.
}

// ParseServerInfo parses the response to EHLO. The first line holds the server
// name, each following line an extension keyword with optional parameters.
// Unknown keywords are ignored. ../rfc/5321:1038
func ParseServerInfo(ehlo Response) ServerInfo {
	info := ServerInfo{Extensions: map[Extension]struct{}{}}
	if len(ehlo.Lines) == 0 {
		return info
	}
	if t := strings.Fields(ehlo.Lines[0]); len(t) > 0 {
		info.Name = t[0]
	}
	for _, line := range ehlo.Lines[1:] {
		t := strings.Fields(line)
		if len(t) == 0 {
			continue
		}
		kw := strings.ToUpper(t[0])
		params := t[1:]
		// Some old servers announce "AUTH=LOGIN PLAIN".
		if strings.HasPrefix(kw, "AUTH=") {
			params = append([]string{t[0][len("AUTH="):]}, params...)
			kw = string(ExtAuth)
		}
		ext, ok := knownExtensions[kw]
		if !ok {
			continue
		}
		info.Extensions[ext] = struct{}{}
		switch ext {
		case ExtAuth:
			for _, p := range params {
				m, ok := sasl.ParseMechanism(p)
				if ok && !hasMechanism(info.Mechanisms, m) {
					info.Mechanisms = append(info.Mechanisms, m)
				}
			}
		case ExtSize:
			if len(params) > 0 {
				if v, err := strconv.ParseInt(params[0], 10, 64); err == nil && v > 0 {
					info.Size = v
				}
			}
		}
	}
	return info
}

func hasMechanism(l []sasl.Mechanism, m sasl.Mechanism) bool {
	for _, x := range l {
		if x == m {
			return true
		}
	}
	return false
}

// SupportsFeature returns whether the server announced ext.
func (si ServerInfo) SupportsFeature(ext Extension) bool {
	_, ok := si.Extensions[ext]
	return ok
}

// AuthMechanism returns the first mechanism from the client preferences that
// the server announced.
func (si ServerInfo) AuthMechanism(prefs []sasl.Mechanism) (sasl.Mechanism, bool) {
	for _, m := range prefs {
		if hasMechanism(si.Mechanisms, m) {
			return m, true
		}
	}
	return "", false
}

// ExtensionNames returns the announced extensions, sorted.
func (si ServerInfo) ExtensionNames() []string {
	l := maps.Keys(si.Extensions)
	names := make([]string, len(l))
	for i, e := range l {
		names[i] = string(e)
	}
	sort.Strings(names)
	return names
}
