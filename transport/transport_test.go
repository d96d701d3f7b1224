// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package transport_test

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchWro/groundlink/transport"
)

// pipeModem is an io.ReadWriteCloser backed by an in-memory pipe, standing
// in for the serial device.
type pipeModem struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written []string
	closed  bool
}

func newPipeModem() (*pipeModem, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return &pipeModem{r: pr, w: pw}, pw
}

func (m *pipeModem) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *pipeModem) Write(p []byte) (int, error) {
	m.mu.Lock()
	m.written = append(m.written, string(p))
	m.mu.Unlock()
	return len(p), nil
}

func (m *pipeModem) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.r.Close()
}

func (m *pipeModem) lastWrite() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.written) == 0 {
		return ""
	}
	return m.written[len(m.written)-1]
}

func TestLinesCRLF(t *testing.T) {
	mm, pw := newPipeModem()
	tr := transport.New(mm)
	defer tr.Close()

	go func() {
		pw.Write([]byte("OK\r\n+CEREG: 1\r\n"))
	}()

	assert.Equal(t, "OK", recvLine(t, tr))
	assert.Equal(t, "+CEREG: 1", recvLine(t, tr))
}

func TestLinesLFOnlyAndMixed(t *testing.T) {
	mm, pw := newPipeModem()
	tr := transport.New(mm)
	defer tr.Close()

	go func() {
		pw.Write([]byte("AT\n\r\nOK\r\nERROR\n"))
	}()

	assert.Equal(t, "AT", recvLine(t, tr))
	assert.Equal(t, "OK", recvLine(t, tr))
	assert.Equal(t, "ERROR", recvLine(t, tr))
}

func TestEmptyLinesDropped(t *testing.T) {
	mm, pw := newPipeModem()
	tr := transport.New(mm)
	defer tr.Close()

	go func() {
		pw.Write([]byte("\r\n   \r\nOK\r\n"))
	}()

	assert.Equal(t, "OK", recvLine(t, tr))
}

func TestWriteFramesCRLF(t *testing.T) {
	mm, _ := newPipeModem()
	tr := transport.New(mm)
	defer tr.Close()

	require.NoError(t, tr.Write("AT+CEREG=5"))
	assert.Equal(t, "AT+CEREG=5\r\n", mm.lastWrite())
}

func TestWriteAfterCloseFails(t *testing.T) {
	mm, _ := newPipeModem()
	tr := transport.New(mm)
	require.NoError(t, tr.Close())
	err := tr.Write("AT")
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestTapCarriesRXAndTX(t *testing.T) {
	mm, pw := newPipeModem()
	tr := transport.New(mm)
	defer tr.Close()

	require.NoError(t, tr.Write("AT"))
	go func() { pw.Write([]byte("OK\r\n")) }()

	var gotTX, gotRX bool
	for i := 0; i < 2; i++ {
		select {
		case tl := <-tr.Tap():
			switch tl.Dir {
			case transport.TX:
				gotTX = true
				assert.Equal(t, "AT", tl.Text)
			case transport.RX:
				gotRX = true
				assert.Equal(t, "OK", tl.Text)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for tap entry")
		}
	}
	assert.True(t, gotTX)
	assert.True(t, gotRX)
}

func TestLinesClosedOnEOF(t *testing.T) {
	mm, pw := newPipeModem()
	tr := transport.New(mm)
	defer tr.Close()

	pw.Close()
	select {
	case _, ok := <-tr.Lines():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Lines to close")
	}
}

func recvLine(t *testing.T, tr *transport.Transport) string {
	t.Helper()
	select {
	case l, ok := <-tr.Lines():
		require.True(t, ok)
		return l
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}
