// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package httpclient

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/mochi-mqtt/provisioner/accumulator"
)

// MaxChunkSize is the largest chunk size accepted in a chunked body.
const MaxChunkSize = 1 << 28

var (
	ErrInvalidStatusLine = errors.New("invalid http status line")
	ErrInvalidHeader     = errors.New("invalid http header line")
	ErrInvalidChunkSize  = errors.New("invalid chunk size")
	ErrChunkTooLarge     = errors.New("chunk size exceeds maximum")
	ErrBodyTooLong       = errors.New("response longer than content length")
)

// bodyTrailer may follow a fixed length body.
var bodyTrailer = []byte("\r\n\r\n")

// State is the state of the http client and its response parser.
type State byte

const (
	StateInitial State = iota
	StateOpening
	StateOpen
	StateStatusLine
	StateHeaders
	StateBody
	StateChunkedBody
	StateSendCallback
	StateParseComplete
	StateClosing
	StateClosed
	StateError
)

var stateNames = map[State]string{
	StateInitial:       "initial",
	StateOpening:       "opening",
	StateOpen:          "open",
	StateStatusLine:    "status line",
	StateHeaders:       "headers",
	StateBody:          "body",
	StateChunkedBody:   "chunked body",
	StateSendCallback:  "send callback",
	StateParseComplete: "parse complete",
	StateClosing:       "closing",
	StateClosed:        "closed",
	StateError:         "error",
}

// String returns the name of the state.
func (s State) String() string {
	return stateNames[s]
}

// Result describes the outcome of an http operation.
type Result byte

const (
	ResultOK Result = iota
	ResultOpenFailed
	ResultSendFailed
	ResultParseError
	ResultError
)

var resultNames = map[Result]string{
	ResultOK:         "ok",
	ResultOpenFailed: "open failed",
	ResultSendFailed: "send failed",
	ResultParseError: "parsing error",
	ResultError:      "error",
}

// String returns the name of the result.
func (r Result) String() string {
	return resultNames[r]
}

// ResponseFn receives a parsed response. body and headers are only valid for
// the duration of the call.
type ResponseFn func(result Result, body []byte, status int, headers Headers)

// Parser incrementally parses http responses from a byte stream. Each
// response is reported exactly once, including responses which fail to parse.
type Parser struct {
	acc           *accumulator.Buffer
	onResponse    ResponseFn
	body          []byte
	headers       Headers
	err           error
	status        int
	contentLength int
	state         State
	chunked       bool
}

// NewParser returns a parser which reports responses to fn.
func NewParser(fn ResponseFn) *Parser {
	return &Parser{
		acc:        accumulator.New(1024),
		onResponse: fn,
	}
}

// State returns the current parse state.
func (p *Parser) State() State {
	return p.state
}

// Err returns the error which caused the last parse failure.
func (p *Parser) Err() error {
	return p.err
}

// Reset discards any partially parsed response.
func (p *Parser) Reset() {
	p.acc.Reset()
	p.body = nil
	p.headers = nil
	p.err = nil
	p.status = 0
	p.contentLength = 0
	p.chunked = false
	p.state = StateInitial
}

// Feed parses received bytes, advancing as far as the buffered bytes allow.
// After a parse error the stream cannot be resynchronised, so all input is
// discarded until Reset.
func (p *Parser) Feed(b []byte) {
	if p.state == StateError {
		return
	}

	if p.state == StateParseComplete || p.state == StateInitial {
		p.Reset()
		p.state = StateStatusLine
	}

	p.acc.Append(b)
	for {
		var more bool
		var err error

		switch p.state {
		case StateStatusLine:
			more, err = p.parseStatusLine()
		case StateHeaders:
			more, err = p.parseHeaders()
		case StateBody:
			more, err = p.parseBody()
		case StateChunkedBody:
			more, err = p.parseChunkedBody()
		case StateSendCallback:
			p.complete(ResultOK)
			return
		default:
			return
		}

		if err != nil {
			p.err = err
			p.state = StateError
			p.complete(ResultParseError)
			return
		}

		if !more {
			return
		}
	}
}

// complete reports the response and releases its resources.
func (p *Parser) complete(result Result) {
	body := p.body
	if result != ResultOK {
		body = nil
	}

	p.onResponse(result, body, p.status, p.headers)

	p.acc.Reset()
	p.body = nil
	p.headers = nil
	if result == ResultOK {
		p.state = StateParseComplete
	}
}

// nextLine returns the next line terminated by \n without the terminator,
// and the number of bytes it occupies.
func (p *Parser) nextLine() ([]byte, int, bool) {
	buf := p.acc.Bytes()
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, 0, false
	}

	return bytes.TrimSuffix(buf[:i], []byte{'\r'}), i + 1, true
}

// parseStatusLine extracts the three digit status code between the first
// two spaces of the status line. Blank lines before it are skipped.
func (p *Parser) parseStatusLine() (bool, error) {
	line, n, ok := p.nextLine()
	if !ok {
		return false, nil
	}

	if len(line) == 0 {
		_ = p.acc.Consume(n)
		return true, nil
	}

	sp := bytes.IndexByte(line, ' ')
	if sp < 0 || len(line) < sp+4 {
		return false, ErrInvalidStatusLine
	}

	status, err := strconv.Atoi(string(line[sp+1 : sp+4]))
	if err != nil || status <= 0 {
		return false, ErrInvalidStatusLine
	}

	p.status = status
	_ = p.acc.Consume(n)
	p.state = StateHeaders
	return true, nil
}

// parseHeaders commits each complete header line. A blank line ends the
// header section.
func (p *Parser) parseHeaders() (bool, error) {
	for {
		line, n, ok := p.nextLine()
		if !ok {
			return false, nil
		}

		if len(line) == 0 {
			_ = p.acc.Consume(n)
			switch {
			case p.chunked:
				p.state = StateChunkedBody
			case p.contentLength == 0:
				p.state = StateSendCallback
			default:
				p.state = StateBody
			}
			return true, nil
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return false, ErrInvalidHeader
		}

		key := strings.ToLower(string(line[:colon]))
		value := string(bytes.TrimLeft(line[colon+1:], " "))

		switch key {
		case "content-length":
			l, err := strconv.Atoi(value)
			if err != nil || l < 0 {
				return false, ErrInvalidHeader
			}
			p.contentLength = l
		case "transfer-encoding":
			p.chunked = true
			p.contentLength = 0
		}

		p.headers.Add(key, value)
		_ = p.acc.Consume(n)
	}
}

// parseBody waits for the full content length. The body may be followed
// by at most a trailing CRLF pair; any other surplus is an error.
func (p *Parser) parseBody() (bool, error) {
	buf := p.acc.Bytes()
	if len(buf) < p.contentLength {
		return false, nil
	}

	tail := buf[p.contentLength:]
	if len(tail) > len(bodyTrailer) || !bytes.HasPrefix(bodyTrailer, tail) {
		return false, ErrBodyTooLong
	}

	if len(tail) != 0 && len(tail) != len(bodyTrailer) {
		return false, nil
	}

	p.body = make([]byte, p.contentLength)
	copy(p.body, buf)
	p.acc.Reset()
	p.state = StateSendCallback
	return true, nil
}

// parseChunkedBody appends each complete chunk to the body. Nothing is
// consumed until the whole of a chunk, including its trailing CRLF, has
// been buffered.
func (p *Parser) parseChunkedBody() (bool, error) {
	for {
		buf := p.acc.Bytes()
		i := bytes.Index(buf, []byte("\r\n"))
		if i < 0 {
			return false, nil
		}

		size, err := parseChunkSize(buf[:i])
		if err != nil {
			return false, err
		}

		if size == 0 {
			if len(buf) < i+4 {
				return false, nil
			}

			p.acc.Reset()
			if p.body == nil {
				p.body = []byte{}
			}
			p.state = StateSendCallback
			return true, nil
		}

		end := i + 2 + size
		if len(buf) < end+2 {
			return false, nil
		}

		p.body = append(p.body, buf[i+2:end]...)
		_ = p.acc.Consume(end + 2)
	}
}

// parseChunkSize decodes a hex chunk size, ignoring any extension after ';'.
func parseChunkSize(line []byte) (int, error) {
	var size int
	var digits int
	for _, c := range line {
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int(c-'A') + 10
		case c == ';':
			if digits == 0 {
				return 0, ErrInvalidChunkSize
			}
			return size, nil
		case c == ' ' || c == '\t':
			continue
		default:
			return 0, ErrInvalidChunkSize
		}

		size = size<<4 | v
		digits++
		if size > MaxChunkSize {
			return 0, ErrChunkTooLarge
		}
	}

	if digits == 0 {
		return 0, ErrInvalidChunkSize
	}

	return size, nil
}
