package http

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// End-to-end tests driving conn.serve() over a real net.Conn pair
// (net.Pipe), exercising the seed scenarios from spec.md §8 against the
// wire protocol rather than against any single component in isolation.

type funcHandler struct {
	onHeaders  func(w ResponseWriter, req *Request) BodyDecision
	onComplete func(req *Request)
}

func (h funcHandler) OnHeaders(w ResponseWriter, req *Request) BodyDecision {
	return h.onHeaders(w, req)
}

func (h funcHandler) OnComplete(req *Request) {
	if h.onComplete != nil {
		h.onComplete(req)
	}
}

func testLogEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func startTestConn(t *testing.T, h Handler) (client net.Conn, done chan struct{}) {
	t.Helper()
	server, client := net.Pipe()
	c := newConn(server, h, testLogEntry(), nil, 0)
	done = make(chan struct{})
	go func() {
		c.serve()
		close(done)
	}()
	return client, done
}

func readStatusAndHeaders(t *testing.T, r *bufio.Reader) (status string, hdr map[string][]string) {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	status = strings.TrimRight(line, "\r\n")
	hdr = map[string][]string{}
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			return status, hdr
		}
		colon := strings.IndexByte(trimmed, ':')
		require.Greater(t, colon, 0)
		k := strings.TrimSpace(trimmed[:colon])
		v := strings.TrimSpace(trimmed[colon+1:])
		hdr[k] = append(hdr[k], v)
	}
}

func readChunkedBody(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	var out []byte
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		sizeHex := strings.TrimRight(line, "\r\n")
		if semi := strings.IndexByte(sizeHex, ';'); semi >= 0 {
			sizeHex = sizeHex[:semi]
		}
		size, err := strconv.ParseUint(sizeHex, 16, 64)
		require.NoError(t, err)
		if size == 0 {
			for {
				l2, err := r.ReadString('\n')
				require.NoError(t, err)
				if strings.TrimRight(l2, "\r\n") == "" {
					return out
				}
			}
		}
		buf := make([]byte, size)
		_, err = io.ReadFull(r, buf)
		require.NoError(t, err)
		out = append(out, buf...)
		crlf := make([]byte, 2)
		_, err = io.ReadFull(r, crlf)
		require.NoError(t, err)
	}
}

// TestEndToEndOK is spec.md §8 seed scenario 1.
func TestEndToEndOK(t *testing.T) {
	h := funcHandler{onHeaders: func(w ResponseWriter, req *Request) BodyDecision {
		w.WriteHeader(200)
		require.NoError(t, w.End())
		return Discard
	}}
	client, done := startTestConn(t, h)

	_, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(client)
	status, hdr := readStatusAndHeaders(t, r)
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	assert.Equal(t, []string{"Keep-Alive"}, hdr["Connection"])
	body := readChunkedBody(t, r)
	assert.Empty(t, body)

	client.Close()
	waitDone(t, done)
}

// TestEndToEndEcho is spec.md §8 seed scenario 2.
func TestEndToEndEcho(t *testing.T) {
	h := funcHandler{onHeaders: func(w ResponseWriter, req *Request) BodyDecision {
		w.WriteHeader(200)
		return Process(func(ev BodyEvent, stop *bool) {
			switch e := ev.(type) {
			case ChunkEvent:
				_, err := w.Write(e.Data)
				e.Done(err)
			case EndEvent:
				require.NoError(t, w.End())
			}
		})
	}}
	client, done := startTestConn(t, h)

	req := "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 14\r\n\r\nThis is a test"
	_, err := client.Write([]byte(req))
	require.NoError(t, err)

	r := bufio.NewReader(client)
	status, _ := readStatusAndHeaders(t, r)
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	body := readChunkedBody(t, r)
	assert.Equal(t, "This is a test", string(body))

	client.Close()
	waitDone(t, done)
}

// TestEndToEndKeepAliveSequence is spec.md §8 seed scenario 3: three
// sequential requests on one connection each come back Keep-Alive and
// the connection never closes on its own.
func TestEndToEndKeepAliveSequence(t *testing.T) {
	h := funcHandler{onHeaders: func(w ResponseWriter, req *Request) BodyDecision {
		w.WriteHeader(200)
		require.NoError(t, w.End())
		return Discard
	}}
	client, done := startTestConn(t, h)
	r := bufio.NewReader(client)

	for i := 0; i < 3; i++ {
		_, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
		require.NoError(t, err)
		status, hdr := readStatusAndHeaders(t, r)
		assert.Equal(t, "HTTP/1.1 200 OK", status)
		assert.Equal(t, []string{"Keep-Alive"}, hdr["Connection"])
		readChunkedBody(t, r)
	}

	select {
	case <-done:
		t.Fatal("connection closed itself despite keep-alive")
	case <-time.After(50 * time.Millisecond):
	}

	client.Close()
	waitDone(t, done)
}

// TestEndToEndExplicitClose is spec.md §8 seed scenario 4.
func TestEndToEndExplicitClose(t *testing.T) {
	h := funcHandler{onHeaders: func(w ResponseWriter, req *Request) BodyDecision {
		w.WriteHeader(200)
		require.NoError(t, w.End())
		return Discard
	}}
	client, done := startTestConn(t, h)

	_, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(client)
	status, hdr := readStatusAndHeaders(t, r)
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	assert.Equal(t, []string{"Close"}, hdr["Connection"])
	readChunkedBody(t, r)

	waitDone(t, done)
}

// TestEndToEndLargeEcho is spec.md §8 seed scenario 5: an upload larger
// than a single dispatch's read chunk is delivered as more than one
// ChunkEvent, each gated through its Done callback, and the echoed
// response is byte-identical to the input.
func TestEndToEndLargeEcho(t *testing.T) {
	payload := make([]byte, bodyChunkSize*2+100)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	var chunkCalls int
	h := funcHandler{onHeaders: func(w ResponseWriter, req *Request) BodyDecision {
		w.WriteHeader(200)
		return Process(func(ev BodyEvent, stop *bool) {
			switch e := ev.(type) {
			case ChunkEvent:
				chunkCalls++
				_, err := w.Write(e.Data)
				e.Done(err)
			case EndEvent:
				require.NoError(t, w.End())
			}
		})
	}}
	client, done := startTestConn(t, h)

	go func() {
		header := "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n"
		client.Write([]byte(header))
		client.Write(payload)
	}()

	r := bufio.NewReader(client)
	status, _ := readStatusAndHeaders(t, r)
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	body := readChunkedBody(t, r)
	assert.Equal(t, payload, body)
	assert.Greater(t, chunkCalls, 1, "a body larger than one dispatch's chunk size must be delivered in more than one ChunkEvent")

	client.Close()
	waitDone(t, done)
}

// TestEndToEndStopMidUpload is spec.md §8 seed scenario 6: the handler
// stops after the first chunk, the remainder of the body is discarded
// without being delivered, and the response still completes normally.
func TestEndToEndStopMidUpload(t *testing.T) {
	payload := make([]byte, bodyChunkSize+1000)

	var doneCalls int
	h := funcHandler{onHeaders: func(w ResponseWriter, req *Request) BodyDecision {
		w.WriteHeader(200)
		return Process(func(ev BodyEvent, stop *bool) {
			if chunk, ok := ev.(ChunkEvent); ok {
				doneCalls++
				*stop = true
				_, err := w.Write([]byte("Hello, World!"))
				require.NoError(t, err)
				require.NoError(t, w.End())
				chunk.Done(nil)
			}
		})
	}}
	client, done := startTestConn(t, h)

	go func() {
		header := "POST /upload HTTP/1.1\r\nHost: x\r\nContent-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n"
		client.Write([]byte(header))
		client.Write(payload)
	}()

	r := bufio.NewReader(client)
	status, _ := readStatusAndHeaders(t, r)
	assert.Equal(t, "HTTP/1.1 200 OK", status)
	body := readChunkedBody(t, r)
	assert.Equal(t, "Hello, World!", string(body))
	assert.Equal(t, 1, doneCalls, "the chunk callback must fire exactly once after stop is set")

	client.Close()
	waitDone(t, done)
}

// TestEndToEndPipeliningPreservesOrder is spec.md §4.4.2/§8: request B's
// handler finishes and calls End before request A's does, by deferring A's
// completion to a background goroutine — yet B's bytes must not reach the
// wire until A's final byte has, because B's writer stays corked behind
// A's until A's writer is done.
func TestEndToEndPipeliningPreservesOrder(t *testing.T) {
	firstMayFinish := make(chan struct{})
	order := make(chan string, 2)

	h := funcHandler{onHeaders: func(w ResponseWriter, req *Request) BodyDecision {
		if req.Target == "/first" {
			// Returns immediately without writing anything: the
			// connection's serial loop is free to parse /second
			// next while this goroutine waits.
			go func() {
				<-firstMayFinish
				w.WriteHeader(200)
				w.Write([]byte("first"))
				w.End()
				order <- "first"
			}()
		} else {
			w.WriteHeader(200)
			w.Write([]byte("second"))
			w.End()
			order <- "second"
		}
		return Discard
	}}
	client, done := startTestConn(t, h)

	_, err := client.Write([]byte(
		"GET /first HTTP/1.1\r\nHost: x\r\n\r\n" +
			"GET /second HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	// Let /second's handler run and finish well before /first's does.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "second", <-order)
	close(firstMayFinish)

	r := bufio.NewReader(client)
	status1, _ := readStatusAndHeaders(t, r)
	assert.Equal(t, "HTTP/1.1 200 OK", status1)
	assert.Equal(t, []byte("first"), readChunkedBody(t, r))

	status2, _ := readStatusAndHeaders(t, r)
	assert.Equal(t, "HTTP/1.1 200 OK", status2)
	assert.Equal(t, []byte("second"), readChunkedBody(t, r))

	assert.Equal(t, "first", <-order)

	client.Close()
	waitDone(t, done)
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not finish serving in time")
	}
}
