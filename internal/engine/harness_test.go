package engine

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/termxfer/internal/pending"
	"github.com/sheerbytes/termxfer/pkg/protocol"
)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) pending.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.at.After(c.now) {
			t.stopped = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// scriptedPeer answers outbound events synchronously from inside Emit.
type scriptedPeer struct {
	mu      sync.Mutex
	session *Session
	sent    []protocol.Outbound
	respond func(protocol.Outbound) []protocol.Inbound
	emitErr error
}

func (p *scriptedPeer) Emit(_ context.Context, m protocol.Message) error {
	msg := m.(protocol.Outbound)
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	respond, err := p.respond, p.emitErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if respond == nil {
		return nil
	}
	for _, in := range respond(msg) {
		p.session.Handle(in)
	}
	return nil
}

func (p *scriptedPeer) setRespond(fn func(protocol.Outbound) []protocol.Inbound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respond = fn
}

func (p *scriptedPeer) sentOf(event string) []protocol.Outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Outbound
	for _, m := range p.sent {
		if m.Event() == event {
			out = append(out, m)
		}
	}
	return out
}

func newHarness(t *testing.T) (*Session, *scriptedPeer, *manualClock) {
	t.Helper()
	clock := newManualClock()
	peer := &scriptedPeer{}
	s := NewSession(peer, Options{Clock: clock, RequestTimeout: 30 * time.Second, DownloadTimeout: 10 * time.Minute})
	peer.session = s
	return s, peer, clock
}

// uploadPeer acknowledges every chunk with the cumulative byte count and
// confirms completion after the last one. stall, when non-nil, decides per
// chunk whether to answer at all.
func uploadPeer(id string, chunkSize int, clock *manualClock, stall func(protocol.UploadChunk) []protocol.Inbound) func(protocol.Outbound) []protocol.Inbound {
	var received int64
	return func(msg protocol.Outbound) []protocol.Inbound {
		switch m := msg.(type) {
		case protocol.UploadStart:
			return []protocol.Inbound{protocol.UploadReady{RequestID: m.RequestID, TransferID: id, ChunkSize: chunkSize}}
		case protocol.UploadChunk:
			if stall != nil {
				if out := stall(m); out != nil {
					return out
				}
			}
			data, _ := base64.StdEncoding.DecodeString(m.Data)
			received += int64(len(data))
			if clock != nil {
				clock.Advance(time.Second)
			}
			out := []protocol.Inbound{protocol.UploadAck{TransferID: id, ChunkIndex: m.Index, BytesReceived: received}}
			if m.IsLast {
				out = append(out, protocol.Complete{TransferID: id, Direction: protocol.DirectionUpload, BytesTransferred: received})
			}
			return out
		}
		return nil
	}
}

// silent is a stall function that never answers.
func silent(protocol.UploadChunk) []protocol.Inbound { return []protocol.Inbound{} }
