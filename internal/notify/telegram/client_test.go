package telegram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseResponseSuccess(t *testing.T) {
	c := NewClient("123456789:ABCDEF", time.Second)
	result := c.parseResponse(200, []byte(`{"ok":true,"result":{"message_id":1}}`))
	assert.True(t, result.OK)
	assert.Equal(t, 200, result.StatusCode)
	assert.Empty(t, result.Error)
}

func TestParseResponseRetryAfter(t *testing.T) {
	c := NewClient("123456789:ABCDEF", time.Second)
	body := []byte(`{"ok":false,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`)
	result := c.parseResponse(429, body)
	assert.False(t, result.OK)
	assert.Equal(t, 429, result.StatusCode)
	assert.Equal(t, 7, result.RetryAfter)
	assert.Contains(t, result.Error, "Too Many Requests")
}

func TestParseResponseNonJSONBody(t *testing.T) {
	c := NewClient("123456789:ABCDEF", time.Second)
	result := c.parseResponse(502, []byte("<html>bad gateway</html>"))
	assert.False(t, result.OK)
	assert.Equal(t, "http_502", result.Error)
}

func TestSanitizeMasksToken(t *testing.T) {
	c := NewClient("123456789:ABCDEF", time.Second)
	out := c.sanitize("post https://api.telegram.org/bot123456789:ABCDEF/sendMessage failed")
	assert.NotContains(t, out, "123456789:ABCDEF")
	assert.Contains(t, out, "1234...CDEF")
	assert.Equal(t, "1234...CDEF", c.MaskedToken())
}
