package supervisor

import "strings"

// ErrorKind classifies a subprocess stderr line into a typed failure cause.
type ErrorKind string

const (
	ErrorNetworkTimeout    ErrorKind = "NETWORK_TIMEOUT"
	ErrorHTTP4xx           ErrorKind = "HTTP_4XX"
	ErrorHTTP5xx           ErrorKind = "HTTP_5XX"
	ErrorPeerReset         ErrorKind = "PEER_RESET"
	ErrorEOF               ErrorKind = "EOF"
	ErrorAuth              ErrorKind = "AUTH"
	ErrorDecoderCorruption ErrorKind = "DECODER_CORRUPTION"
	ErrorDecryption        ErrorKind = "DECRYPTION"
	ErrorUnknown           ErrorKind = "UNKNOWN"
)

// Transient reports whether the kind usually clears on a plain reconnect.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrorNetworkTimeout, ErrorHTTP5xx, ErrorPeerReset, ErrorEOF:
		return true
	default:
		return false
	}
}

// classifierRule binds stderr substrings to an error kind. Rules are
// evaluated in order; the first match wins.
type classifierRule struct {
	kind     ErrorKind
	patterns []string
}

// classifierRules is the fixed, ordered pattern table. More specific
// patterns (auth, decryption) come before the generic network ones so a
// line like "403 forbidden ... connection reset" classifies as AUTH.
var classifierRules = []classifierRule{
	{ErrorAuth, []string{"unauthorized", "403 forbidden"}},
	{ErrorDecryption, []string{"unable to open key", "invalid key", "decryption"}},
	{ErrorDecoderCorruption, []string{
		"non-existing pps", "decode_slice_header error", "no frame!",
		"concealing errors", "slice header damaged",
	}},
	{ErrorHTTP4xx, []string{"server returned 4"}},
	{ErrorHTTP5xx, []string{"server returned 5"}},
	{ErrorNetworkTimeout, []string{"timed out", "connection timed out", "would block"}},
	{ErrorPeerReset, []string{"connection reset", "broken pipe"}},
	{ErrorEOF, []string{"end of file", "eof"}},
}

// Classify matches a stderr line against the pattern table. The second
// return is false when the line carries no recognizable failure.
func Classify(line string) (ErrorKind, bool) {
	lower := strings.ToLower(line)
	for _, rule := range classifierRules {
		for _, p := range rule.patterns {
			if strings.Contains(lower, p) {
				return rule.kind, true
			}
		}
	}
	return ErrorUnknown, false
}
