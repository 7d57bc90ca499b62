package reactor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/adred-codev/collector/internal/dispatch"
)

// MaxHeaderBytes bounds the request line plus header block.
const MaxHeaderBytes = 1 << 20

var (
	errNeedMore         = errors.New("incomplete request")
	errBodyTooLarge     = errors.New("request body too large")
	errHeaderTooLarge   = errors.New("request header too large")
	errMalformedRequest = errors.New("malformed request")
)

var headTerminator = []byte("\r\n\r\n")

// framed is one complete request cut from the connection buffer.
type framed struct {
	req       *dispatch.Request
	keepAlive bool
	size      int // bytes consumed from the buffer
}

// frameState carries framing progress for the request at the front of the
// connection buffer across reads, so every received byte is examined once.
// It is reset whenever a request is cut or rejected.
type frameState struct {
	scanned int           // bytes already searched for the header terminator
	head    *http.Request // parsed header block, nil until complete
	headLen int           // header block length including the terminator
	chunks  *chunkDecoder
}

// frameRequest tries to cut one request from the front of buf, resuming from
// st.
//
// It returns errNeedMore while the message is incomplete, errBodyTooLarge as
// soon as a declared or decoded body exceeds maxBody, errHeaderTooLarge when no
// header terminator shows up within MaxHeaderBytes, and errMalformedRequest
// (wrapped) when the head or chunk framing cannot be parsed.
func frameRequest(buf []byte, st *frameState, maxBody int64) (*framed, error) {
	if st.head == nil {
		if err := st.readHead(buf); err != nil {
			return nil, err
		}
	}
	head := st.head

	var (
		body []byte
		size int
	)
	switch {
	case isChunked(head.TransferEncoding):
		if st.chunks == nil {
			st.chunks = &chunkDecoder{off: st.headLen, start: st.headLen, maxBody: maxBody}
		}
		done, err := st.chunks.decode(buf)
		if err != nil {
			return nil, err
		}
		if !done {
			return nil, errNeedMore
		}
		body, size = st.chunks.body, st.chunks.off
	default:
		if head.ContentLength > maxBody {
			return nil, errBodyTooLarge
		}
		n := int(max(head.ContentLength, 0))
		if len(buf)-st.headLen < n {
			return nil, errNeedMore
		}
		if n > 0 {
			body = make([]byte, n)
			copy(body, buf[st.headLen:st.headLen+n])
		}
		size = st.headLen + n
	}

	target, query, _ := strings.Cut(head.RequestURI, "?")

	return &framed{
		req: &dispatch.Request{
			Method:      head.Method,
			Target:      target,
			Query:       query,
			Proto:       head.Proto,
			Cookie:      strings.Join(head.Header.Values("Cookie"), "; "),
			ContentType: head.Header.Get("Content-Type"),
			Body:        body,
			HeaderLines: rawHeaderLines(buf[:st.headLen-len(headTerminator)]),
		},
		keepAlive: !head.Close,
		size:      size,
	}, nil
}

// readHead looks for the header terminator in the bytes not searched yet and
// parses the header block once it is complete.
func (st *frameState) readHead(buf []byte) error {
	from := max(st.scanned-len(headTerminator)+1, 0)
	idx := bytes.Index(buf[from:], headTerminator)
	if idx < 0 {
		st.scanned = len(buf)
		if len(buf) > MaxHeaderBytes {
			return errHeaderTooLarge
		}
		return errNeedMore
	}
	headLen := from + idx + len(headTerminator)
	if headLen > MaxHeaderBytes {
		return errHeaderTooLarge
	}

	head, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:headLen])))
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformedRequest, err)
	}
	st.head = head
	st.headLen = headLen
	return nil
}

// maxChunkLineBytes bounds a chunk-size or trailer line.
const maxChunkLineBytes = 4096

type chunkPhase int

const (
	chunkSize    chunkPhase = iota // expecting "<hex>[;ext]\r\n"
	chunkData                      // inside chunk data
	chunkDataEnd                   // expecting the CRLF after chunk data
	chunkTrailer                   // trailer lines up to the empty line
)

// chunkDecoder decodes a chunked body incrementally. off is an absolute
// offset into the connection buffer; only bytes past it are parsed on the
// next call.
type chunkDecoder struct {
	phase     chunkPhase
	off       int
	start     int // first body byte in the buffer
	remaining int64
	trailer   int
	maxBody   int64
	body      []byte
}

// decode consumes whatever arrived since the last call. It reports done once
// the terminating empty trailer line has been read; off is then the message
// length.
func (d *chunkDecoder) decode(buf []byte) (bool, error) {
	// Chunk framing costs a few bytes per chunk; an encoding more than twice
	// the body limit is refused before it is buffered further.
	if int64(len(buf)-d.start) > 2*d.maxBody {
		return false, errBodyTooLarge
	}

	for {
		switch d.phase {
		case chunkSize:
			line, ok, err := d.line(buf)
			if err != nil || !ok {
				return false, err
			}
			if i := bytes.IndexByte(line, ';'); i >= 0 {
				line = line[:i]
			}
			n, err := strconv.ParseUint(string(bytes.TrimRight(line, " \t")), 16, 62)
			if err != nil {
				return false, fmt.Errorf("%w: bad chunk size %q", errMalformedRequest, line)
			}
			if n == 0 {
				d.phase = chunkTrailer
				continue
			}
			if int64(len(d.body))+int64(n) > d.maxBody {
				return false, errBodyTooLarge
			}
			d.remaining = int64(n)
			d.phase = chunkData

		case chunkData:
			avail := int64(len(buf) - d.off)
			if avail == 0 {
				return false, nil
			}
			n := int(min(avail, d.remaining))
			d.body = append(d.body, buf[d.off:d.off+n]...)
			d.off += n
			d.remaining -= int64(n)
			if d.remaining > 0 {
				return false, nil
			}
			d.phase = chunkDataEnd

		case chunkDataEnd:
			if len(buf)-d.off < 2 {
				return false, nil
			}
			if buf[d.off] != '\r' || buf[d.off+1] != '\n' {
				return false, fmt.Errorf("%w: missing CRLF after chunk data", errMalformedRequest)
			}
			d.off += 2
			d.phase = chunkSize

		case chunkTrailer:
			line, ok, err := d.line(buf)
			if err != nil || !ok {
				return false, err
			}
			if len(line) == 0 {
				return true, nil
			}
			d.trailer += len(line)
			if d.trailer > MaxHeaderBytes {
				return false, errHeaderTooLarge
			}
		}
	}
}

// line returns the next CRLF-terminated line without its terminator and
// moves off past it. ok is false while the line is still incomplete.
func (d *chunkDecoder) line(buf []byte) (line []byte, ok bool, err error) {
	nl := bytes.IndexByte(buf[d.off:], '\n')
	if nl < 0 {
		if len(buf)-d.off > maxChunkLineBytes {
			return nil, false, fmt.Errorf("%w: chunk line too long", errMalformedRequest)
		}
		return nil, false, nil
	}
	if nl > maxChunkLineBytes {
		return nil, false, fmt.Errorf("%w: chunk line too long", errMalformedRequest)
	}
	if nl == 0 || buf[d.off+nl-1] != '\r' {
		return nil, false, fmt.Errorf("%w: chunk line not CRLF terminated", errMalformedRequest)
	}
	line = buf[d.off : d.off+nl-1]
	d.off += nl + 1
	return line, true, nil
}

func isChunked(te []string) bool {
	return len(te) > 0 && strings.EqualFold(te[0], "chunked")
}

// rawHeaderLines returns the header lines exactly as received, request line excluded.
func rawHeaderLines(head []byte) []string {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) <= 1 {
		return []string{}
	}
	out := make([]string, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
