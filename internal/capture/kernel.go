package capture

import (
	"bytes"
	"strconv"
)

// KernelName is the process name of kernel log lines.
const KernelName = "[kernel]"

// parseKmsgRecord extracts the text of one /dev/kmsg record
// ("prio,seq,usec,flags;text\n KEY=value..."). Continuation lines
// carrying device properties are dropped.
func parseKmsgRecord(rec []byte) (string, bool) {
	semi := bytes.IndexByte(rec, ';')
	if semi < 0 {
		return "", false
	}
	text := rec[semi+1:]
	if nl := bytes.IndexByte(text, '\n'); nl >= 0 {
		text = text[:nl]
	}
	return unescapeKmsg(text), true
}

// unescapeKmsg decodes the \xNN escapes the kernel applies to
// non-printable bytes.
func unescapeKmsg(b []byte) string {
	if bytes.IndexByte(b, '\\') < 0 {
		return string(b)
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] == '\\' && i+3 < len(b) && b[i+1] == 'x' {
			if v, err := strconv.ParseUint(string(b[i+2:i+4]), 16, 8); err == nil {
				out = append(out, byte(v))
				i += 3
				continue
			}
		}
		out = append(out, b[i])
	}
	return string(out)
}
