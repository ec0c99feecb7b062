package ymsg

import (
	"fmt"
	"strings"
)

// statusText maps SIP response codes to their canonical reason phrase.
// The engine reports hangups either by code (cause_sip) or by phrase
// (status, reason), so the table is consulted in both directions.
var statusText = map[int]string{
	100: "Trying",
	180: "Ringing",
	181: "Call Is Being Forwarded",
	182: "Queued",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Moved Temporarily",
	305: "Use Proxy",
	380: "Alternative Service",
	400: "Bad Request",
	401: "Unauthorized",
	402: "Payment Required",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	410: "Gone",
	413: "Request Entity Too Large",
	414: "Request-URI Too Long",
	415: "Unsupported Media Type",
	416: "Unsupported URI Scheme",
	420: "Bad Extension",
	421: "Extension Required",
	423: "Interval Too Brief",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	482: "Loop Detected",
	483: "Too Many Hops",
	484: "Address Incomplete",
	485: "Ambiguous",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	491: "Request Pending",
	493: "Undecipherable",
	500: "Server Internal Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Server Time-out",
	505: "Version Not Supported",
	513: "Message Too Large",
	600: "Busy Everywhere",
	603: "Decline",
	604: "Does Not Exist Anywhere",
	606: "Not Acceptable",
}

var statusCode = map[string]int{}

func init() {
	for code, text := range statusText {
		key := strings.ToLower(text)
		if prev, ok := statusCode[key]; ok && prev < code {
			// 406 and 606 share a phrase, keep the lower code
			continue
		}
		statusCode[key] = code
	}
}

// StatusText returns the reason phrase for a SIP response code, or empty
// string for an unknown code.
func StatusText(code int) string {
	return statusText[code]
}

// StatusCode returns the SIP response code for a reason phrase. The match
// is case insensitive.
func StatusCode(phrase string) (int, bool) {
	code, ok := statusCode[strings.ToLower(phrase)]
	return code, ok
}

// Cause is a call disconnect reason.
type Cause struct {
	Code int
	Text string
}

// DefaultCause is the reason assumed when the engine supplies none.
func DefaultCause() Cause {
	return Cause{Code: 487, Text: "Request Terminated"}
}

func (c Cause) String() string {
	return fmt.Sprintf("%d %s", c.Code, c.Text)
}

// IsZero reports whether the cause was never set.
func (c Cause) IsZero() bool {
	return c.Code == 0 && c.Text == ""
}
