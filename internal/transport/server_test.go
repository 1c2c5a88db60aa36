package transport

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avakar/libhttp/internal/h2/frame"
)

func sniffServer(h1, h2 bool) *Server {
	return &Server{config: Config{EnableH1: h1, EnableH2: h2}}
}

func TestSelectProtocol(t *testing.T) {
	tests := []struct {
		name  string
		input string
		h2    bool
	}{
		{"http1 get", "GET / HTTP/1.1\r\nHost: x\r\n\r\n", false},
		{"http1 put", "PUT /x HTTP/1.1\r\n\r\n", false},
		{"http2 preface", frame.Preface + "moredata", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sniffServer(true, true)
			src := bufio.NewReader(strings.NewReader(tt.input))
			h2, err := s.selectProtocol(src)
			require.NoError(t, err)
			assert.Equal(t, tt.h2, h2)

			// Sniffing must not consume anything.
			peeked, err := src.Peek(3)
			require.NoError(t, err)
			assert.Equal(t, tt.input[:3], string(peeked))
		})
	}
}

func TestSelectProtocolSingleProtocolShortcuts(t *testing.T) {
	src := bufio.NewReader(strings.NewReader(""))

	h2, err := sniffServer(true, false).selectProtocol(src)
	require.NoError(t, err)
	assert.False(t, h2)

	h2, err = sniffServer(false, true).selectProtocol(src)
	require.NoError(t, err)
	assert.True(t, h2)
}

func TestSelectProtocolEmptyStream(t *testing.T) {
	src := bufio.NewReader(strings.NewReader(""))
	_, err := sniffServer(true, true).selectProtocol(src)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	var c Config
	require.NoError(t, c.Validate())
	assert.Equal(t, ":8080", c.Addr)
	assert.NotNil(t, c.Logger)
	assert.Positive(t, c.Workers)
	assert.True(t, c.EnableH1)
	assert.True(t, c.EnableH2)
}
