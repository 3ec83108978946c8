package text

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "short", Truncate("short", 5))
	assert.Equal(t, "sh...", Truncate("shorter", 2))
	assert.Equal(t, "whole", Truncate("whole", 0))
}

func TestTruncateKeepsUTF8Valid(t *testing.T) {
	s := "价格突破布林带上轨"
	for max := 1; max < len(s); max++ {
		out := Truncate(s, max)
		assert.True(t, utf8.ValidString(out), "max=%d produced invalid UTF-8", max)
	}
}
