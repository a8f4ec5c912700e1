package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClipDetailShortStringUnchanged(t *testing.T) {
	assert.Equal(t, "short", clipDetail("short"))
}

func TestClipDetailLongStringTruncatedWithEllipsis(t *testing.T) {
	long := strings.Repeat("a", maxDetailLen+50)
	got := clipDetail(long)
	assert.Len(t, got, maxDetailLen+len("..."))
	assert.True(t, strings.HasSuffix(got, "..."))
}
