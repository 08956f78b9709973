package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFileTime(t *testing.T) {
	unixEpoch := time.Unix(0, 0)
	assert.Equal(t, FileTime(116444736000000000), NewFileTime(unixEpoch))

	ts := time.Date(2024, 3, 1, 12, 30, 45, 123456700, time.UTC)
	assert.True(t, ts.Equal(NewFileTime(ts).Time()))

	assert.Equal(t, FileTime(0), NewFileTime(time.Date(1500, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 1601, FileTime(0).Time().Year())
}
