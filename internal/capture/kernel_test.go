package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseKmsgRecord(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"6,1234,5678901,-;usb 1-1: new device\n", "usb 1-1: new device", true},
		{"4,10,20,c;line\n SUBSYSTEM=usb\n DEVICE=c189:1\n", "line", true},
		{"6,1,2,-;tab\\x09here\n", "tab\there", true},
		{"6,1,2,-;bad\\xZZ\n", "bad\\xZZ", true},
		{"garbage", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseKmsgRecord([]byte(tt.in))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
