// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package httpclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type response struct {
	result  Result
	body    []byte
	status  int
	headers Headers
	state   State
}

type collector struct {
	p         *Parser
	responses []response
}

func newCollector() *collector {
	c := new(collector)
	c.p = NewParser(func(result Result, body []byte, status int, headers Headers) {
		c.responses = append(c.responses, response{
			result:  result,
			body:    append([]byte(nil), body...),
			status:  status,
			headers: headers.Clone(),
			state:   c.p.State(),
		})
	})
	return c
}

const chunkedHello = "HTTP/1.1 200 OK\r\n" +
	"Transfer-Encoding: chunked\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"5\r\nhello\r\n" +
	"0\r\n\r\n"

func TestParserChunkedOneByteAtATime(t *testing.T) {
	c := newCollector()
	raw := []byte(chunkedHello)
	for i := range raw {
		c.p.Feed(raw[i : i+1])
		if i < len(raw)-1 {
			require.Empty(t, c.responses, "callback fired early at byte %d", i)
		}
	}

	require.Len(t, c.responses, 1)
	r := c.responses[0]
	require.Equal(t, ResultOK, r.result)
	require.Equal(t, 200, r.status)
	require.Equal(t, []byte("hello"), r.body)
	v, ok := r.headers.Get("transfer-encoding")
	require.True(t, ok)
	require.Equal(t, "chunked", v)
	require.Equal(t, "transfer-encoding", r.headers[0].Key)
	require.Equal(t, StateParseComplete, c.p.State())
}

func TestParserChunkedAnySplit(t *testing.T) {
	raw := []byte(chunkedHello)
	for i := 0; i <= len(raw); i++ {
		c := newCollector()
		c.p.Feed(raw[:i])
		c.p.Feed(raw[i:])
		require.Len(t, c.responses, 1, "split at %d", i)
		require.Equal(t, []byte("hello"), c.responses[0].body, "split at %d", i)
	}
}

func TestParserChunkedExtensionsAndCase(t *testing.T) {
	c := newCollector()
	c.p.Feed([]byte("HTTP/1.1 200 OK\r\ntransfer-encoding: chunked\r\n\r\n" +
		"3;name=value\r\nhel\r\n" +
		"2\r\nlo\r\n" +
		"A\r\n0123456789\r\n" +
		"0\r\n\r\n"))

	require.Len(t, c.responses, 1)
	require.Equal(t, []byte("hello0123456789"), c.responses[0].body)
}

func TestParserChunkedPausesWithoutConsuming(t *testing.T) {
	c := newCollector()
	c.p.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhel"))
	require.Equal(t, StateChunkedBody, c.p.State())
	require.Equal(t, len("5\r\nhel"), c.p.acc.Len())
	require.Empty(t, c.responses)

	c.p.Feed([]byte("lo\r\n0\r\n"))
	require.Empty(t, c.responses)
	c.p.Feed([]byte("\r\n"))
	require.Len(t, c.responses, 1)
}

func TestParserContentLengthZero(t *testing.T) {
	c := newCollector()
	c.p.Feed([]byte("HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"))
	require.Len(t, c.responses, 1)
	require.Equal(t, ResultOK, c.responses[0].result)
	require.Equal(t, 204, c.responses[0].status)
	require.Empty(t, c.responses[0].body)
}

func TestParserContentLength(t *testing.T) {
	c := newCollector()
	c.p.Feed([]byte("HTTP/1.1 202 Accepted\r\nContent-Length: 5\r\nRetry-After:   3\r\n\r\nhe"))
	require.Equal(t, StateBody, c.p.State())
	require.Empty(t, c.responses)

	c.p.Feed([]byte("llo\r\n\r\n"))
	require.Len(t, c.responses, 1)
	r := c.responses[0]
	require.Equal(t, 202, r.status)
	require.Equal(t, []byte("hello"), r.body)
	v, ok := r.headers.Get("Retry-After")
	require.True(t, ok)
	require.Equal(t, "3", v)
}

func TestParserContentLengthSplitTrailer(t *testing.T) {
	c := newCollector()
	c.p.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n{}\r\n"))
	require.Empty(t, c.responses)
	require.Equal(t, StateBody, c.p.State())

	c.p.Feed([]byte("\r\n"))
	require.Len(t, c.responses, 1)
	require.Equal(t, []byte("{}"), c.responses[0].body)
}

func TestParserContentLengthExact(t *testing.T) {
	c := newCollector()
	c.p.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n{}"))
	require.Len(t, c.responses, 1)
	require.Equal(t, StateParseComplete, c.p.State())

	// a late trailer is skipped ahead of the next status line.
	c.p.Feed([]byte("\r\n\r\nHTTP/1.1 204 No Content\r\n\r\n"))
	require.Len(t, c.responses, 2)
	require.Equal(t, ResultOK, c.responses[1].result)
	require.Equal(t, 204, c.responses[1].status)
}

func TestParserErrorSpanningFeeds(t *testing.T) {
	c := newCollector()
	c.p.Feed([]byte("HTTP/1.1 200 OK\r\nbad header line\r\n"))
	c.p.Feed([]byte("Content-Length: 2\r\n\r\nhi"))
	require.Len(t, c.responses, 1)
	require.Equal(t, ResultParseError, c.responses[0].result)
	require.ErrorIs(t, c.p.Err(), ErrInvalidHeader)
}

func TestParserNoBodyFraming(t *testing.T) {
	c := newCollector()
	c.p.Feed([]byte("HTTP/1.1 200\r\n\r\n"))
	require.Len(t, c.responses, 1)
	require.Equal(t, 200, c.responses[0].status)
}

func TestParserErrors(t *testing.T) {
	tt := []struct {
		desc string
		raw  string
		err  error
	}{
		{"non numeric status", "HTTP/1.1 abc OK\r\n", ErrInvalidStatusLine},
		{"short status line", "HTTP/1.1 20\r\n", ErrInvalidStatusLine},
		{"no space in status line", "HTTP/1.1\r\n", ErrInvalidStatusLine},
		{"zero status", "HTTP/1.1 000 OK\r\n", ErrInvalidStatusLine},
		{"header without colon", "HTTP/1.1 200 OK\r\nbroken\r\n", ErrInvalidHeader},
		{"bad content length", "HTTP/1.1 200 OK\r\nContent-Length: x\r\n\r\n", ErrInvalidHeader},
		{"body longer than content length", "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhelloGARBAGE-EXTRA-BYTES", ErrBodyTooLong},
		{"body followed by partial garbage", "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello\r\nX", ErrBodyTooLong},
		{"bad chunk size", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", ErrInvalidChunkSize},
		{"oversized chunk", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nFFFFFFFFFFFFFFFFFF\r\n", ErrChunkTooLarge},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			c := newCollector()
			c.p.Feed([]byte(tx.raw))
			require.Len(t, c.responses, 1)
			require.Equal(t, ResultParseError, c.responses[0].result)
			require.Nil(t, c.responses[0].body)
			require.Equal(t, StateError, c.responses[0].state)
			require.ErrorIs(t, c.p.Err(), tx.err)

			// the stream stays broken until reset.
			c.p.Feed([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
			require.Len(t, c.responses, 1)
			require.Equal(t, StateError, c.p.State())

			c.p.Reset()
			c.p.Feed([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
			require.Len(t, c.responses, 2)
			require.Equal(t, 204, c.responses[1].status)
		})
	}
}

func TestParserSequentialResponses(t *testing.T) {
	c := newCollector()
	c.p.Feed([]byte(chunkedHello))
	c.p.Feed([]byte("HTTP/1.1 429 Too Many Requests\r\nretry-after: 5\r\nContent-Length: 2\r\n\r\n{}"))
	require.Len(t, c.responses, 2)
	require.Equal(t, 429, c.responses[1].status)
	require.Equal(t, []byte("{}"), c.responses[1].body)
	_, ok := c.responses[1].headers.Get("transfer-encoding")
	require.False(t, ok)
}

func TestParseChunkSize(t *testing.T) {
	tt := []struct {
		in   string
		want int
		err  error
	}{
		{"0", 0, nil},
		{"5", 5, nil},
		{"a", 10, nil},
		{"FF", 255, nil},
		{"1f4", 500, nil},
		{"10;ext", 16, nil},
		{"10 ;ext", 16, nil},
		{"", 0, ErrInvalidChunkSize},
		{";ext", 0, ErrInvalidChunkSize},
		{"g", 0, ErrInvalidChunkSize},
		{"20000000", 0, ErrChunkTooLarge},
	}

	for _, tx := range tt {
		got, err := parseChunkSize([]byte(tx.in))
		if tx.err != nil {
			require.ErrorIs(t, err, tx.err, tx.in)
			continue
		}
		require.NoError(t, err, tx.in)
		require.Equal(t, tx.want, got, tx.in)
	}
}

func TestStateNames(t *testing.T) {
	require.Equal(t, "chunked body", StateChunkedBody.String())
	require.Equal(t, "parsing error", ResultParseError.String())
}
