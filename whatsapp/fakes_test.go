package whatsapp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jaliph/wa-relay/models"
)

type sentMessage struct {
	Kind     string
	To       string
	Text     string
	Data     []byte
	MimeType string
	FileName string
	Options  []models.Option
}

type fakeSession struct {
	mu           sync.Mutex
	sink         EventSink
	connectErr   error
	connected    bool
	disconnected bool
	sent         []sentMessage
	sendErr      error
	media        map[string][]byte
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
}

func (s *fakeSession) record(m sentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *fakeSession) SendText(ctx context.Context, to, text string) error {
	return s.record(sentMessage{Kind: "text", To: to, Text: text})
}

func (s *fakeSession) SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error {
	return s.record(sentMessage{Kind: "image", To: to, Data: data, MimeType: mimeType, Text: caption})
}

func (s *fakeSession) SendDocument(ctx context.Context, to string, data []byte, mimeType, fileName string) error {
	return s.record(sentMessage{Kind: "document", To: to, Data: data, MimeType: mimeType, FileName: fileName})
}

func (s *fakeSession) SendOptions(ctx context.Context, to, text string, options []models.Option) error {
	return s.record(sentMessage{Kind: "options", To: to, Text: text, Options: options})
}

func (s *fakeSession) Download(ctx context.Context, media *MediaPayload) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.media[media.URL]; ok {
		return data, nil
	}
	return nil, errors.New("not found")
}

func (s *fakeSession) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	prepare  func(*fakeSession)
	err      error
}

func (f *fakeFactory) NewSession(ctx context.Context, sink EventSink) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{sink: sink}
	if f.prepare != nil {
		f.prepare(s)
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) latest() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// fire runs the most recent timer, as the clock would after its delay.
func (s *fakeScheduler) fire() {
	s.mu.Lock()
	t := s.timers[len(s.timers)-1]
	s.mu.Unlock()
	if !t.stopped {
		t.fn()
	}
}

type fakePurger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakePurger) Purge(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *fakePurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakePairing struct {
	mu   sync.Mutex
	code string
}

func (p *fakePairing) SetCode(code string) {
	p.mu.Lock()
	p.code = code
	p.mu.Unlock()
}

func (p *fakePairing) Clear() {
	p.mu.Lock()
	p.code = ""
	p.mu.Unlock()
}

func (p *fakePairing) Code() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	done  chan struct{}
}

func (n *fakeNotifier) Notify(ctx context.Context, subject, body string) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	if n.done != nil {
		n.done <- struct{}{}
	}
	return nil
}
