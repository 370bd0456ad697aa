package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jaliph/wa-relay/alert"
	"github.com/jaliph/wa-relay/metrics"
	"github.com/jaliph/wa-relay/utils"
)

// ConnectionState is the lifecycle state of the session
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// RetryPolicy bounds automatic reconnection
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// DefaultRetryPolicy allows 5 retries, 5 seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, Delay: 5 * time.Second}
}

// Scheduler runs f once after d
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// CredentialPurger discards the persisted session credentials
type CredentialPurger interface {
	Purge(ctx context.Context) error
}

// PairingDisplay shows and clears the pending pairing code
type PairingDisplay interface {
	SetCode(code string)
	Clear()
}

// MessageSink accepts inbound message batches
type MessageSink interface {
	Enqueue(batch []RawMessage) bool
}

// MessageSinkFunc adapts a function to MessageSink
type MessageSinkFunc func(batch []RawMessage) bool

func (f MessageSinkFunc) Enqueue(batch []RawMessage) bool { return f(batch) }

// Snapshot is a read-only view of the supervisor state
type Snapshot struct {
	State         ConnectionState
	AwaitingQR    bool
	Retries       int
	EverConnected bool
	Exhausted     bool
}

// Connected reports whether the session is open
func (s Snapshot) Connected() bool {
	return s.State == StateConnected
}

// connectionState is owned by the supervisor and only changed through its
// transition methods.
type connectionState struct {
	state         ConnectionState
	awaitingQR    bool
	retries       int
	everConnected bool
	alertSent     bool
	exhausted     bool
}

type closeDecision struct {
	purgeCredentials bool
	scheduleRetry    bool
	exhausted        bool
	sendAlert        bool
}

func (s connectionState) connecting() connectionState {
	s.state = StateConnecting
	return s
}

func (s connectionState) pairing() connectionState {
	s.awaitingQR = true
	return s
}

func (s connectionState) opened() connectionState {
	s.state = StateConnected
	s.awaitingQR = false
	s.everConnected = true
	s.retries = 0
	s.alertSent = false
	return s
}

func (s connectionState) closed(reason CloseReason, policy RetryPolicy) (connectionState, closeDecision) {
	var d closeDecision
	s.state = StateDisconnected
	s.awaitingQR = false

	if reason.Kind == CloseLoggedOut && s.everConnected {
		d.purgeCredentials = true
		s.everConnected = false
	}

	s.retries++
	if s.retries > policy.MaxRetries {
		s.exhausted = true
		d.exhausted = true
		if !s.alertSent {
			s.alertSent = true
			d.sendAlert = true
		}
		return s, d
	}
	d.scheduleRetry = true
	return s, d
}

func (s connectionState) snapshot() Snapshot {
	return Snapshot{
		State:         s.state,
		AwaitingQR:    s.awaitingQR,
		Retries:       s.retries,
		EverConnected: s.everConnected,
		Exhausted:     s.exhausted,
	}
}

// SupervisorOptions wires the supervisor. Factory and Credentials are required.
type SupervisorOptions struct {
	Factory     SessionFactory
	Credentials CredentialPurger
	Policy      RetryPolicy
	Scheduler   Scheduler
	Status      *StatusHub
	Pairing     PairingDisplay
	Messages    MessageSink
	Notifier    alert.Notifier
	Metrics     *metrics.Metrics
}

// Supervisor owns the session handle and drives the connection lifecycle:
// open, close classification, credential purge and bounded reconnection.
type Supervisor struct {
	factory   SessionFactory
	creds     CredentialPurger
	policy    RetryPolicy
	scheduler Scheduler
	status    *StatusHub
	pairing   PairingDisplay
	messages  MessageSink
	notifier  alert.Notifier
	metrics   *metrics.Metrics

	mu         sync.Mutex
	ctx        context.Context
	state      connectionState
	session    Session
	generation uint64
	retryArmed bool
	pending    Timer
	stopped    bool
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Scheduler == nil {
		opts.Scheduler = realScheduler{}
	}
	if opts.Status == nil {
		opts.Status = NewStatusHub()
	}
	if opts.Notifier == nil {
		opts.Notifier = alert.LogNotifier{}
	}
	return &Supervisor{
		factory:   opts.Factory,
		creds:     opts.Credentials,
		policy:    opts.Policy,
		scheduler: opts.Scheduler,
		status:    opts.Status,
		pairing:   opts.Pairing,
		messages:  opts.Messages,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		ctx:       context.Background(),
	}
}

// Start opens the first session. ctx bounds the lifetime of every session.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.openSession()
}

// Stop cancels any pending retry and disconnects the live session.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.retryArmed = false
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	sess := s.session
	s.session = nil
	s.generation++
	s.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}
}

// Snapshot returns the current state
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.snapshot()
}

// Status returns the connectivity hub
func (s *Supervisor) Status() *StatusHub {
	return s.status
}

// Current returns the live session when it is open.
func (s *Supervisor) Current() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.state.state != StateConnected {
		return nil, ErrNotConnected
	}
	return s.session, nil
}

func (s *Supervisor) openSession() {
	s.mu.Lock()
	s.pending = nil
	s.retryArmed = false
	if s.stopped || s.state.exhausted {
		s.mu.Unlock()
		return
	}
	if s.state.state != StateDisconnected && s.session != nil {
		s.mu.Unlock()
		utils.Logger.Warn("Session already live, skipping open", "component", "supervisor")
		return
	}
	old := s.session
	s.session = nil
	s.generation++
	gen := s.generation
	s.state = s.state.connecting()
	ctx := s.ctx
	s.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	utils.Logger.Info("Opening WhatsApp session", "component", "supervisor", "generation", gen)
	sess, err := s.factory.NewSession(ctx, &sessionEvents{sup: s, gen: gen})
	if err != nil {
		s.handleClose(gen, CloseReason{Kind: CloseConnectFailed, Detail: err.Error()})
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		sess.Disconnect()
		return
	}
	s.session = sess
	s.mu.Unlock()

	if err := sess.Connect(ctx); err != nil {
		s.handleClose(gen, CloseReason{Kind: CloseConnectFailed, Detail: err.Error()})
	}
}

func (s *Supervisor) handleOpen(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = s.state.opened()
	s.mu.Unlock()

	utils.Logger.Info("WhatsApp session connected", "component", "supervisor")
	if s.pairing != nil {
		s.pairing.Clear()
	}
	s.metrics.SetConnected(true)
	s.status.Broadcast(true)
}

func (s *Supervisor) handleQR(gen uint64, code string) {
	s.mu.Lock()
	if gen != s.generation || s.state.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = s.state.pairing()
	s.mu.Unlock()

	utils.Logger.Info("Pairing code available, scan it to link the device", "component", "supervisor")
	if s.pairing != nil {
		s.pairing.SetCode(code)
	}
}

func (s *Supervisor) handleClose(gen uint64, reason CloseReason) {
	s.mu.Lock()
	if gen != s.generation || s.state.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	next, decision := s.state.closed(reason, s.policy)
	s.state = next
	ctx := s.ctx
	retries := next.retries
	s.mu.Unlock()

	utils.Logger.Warn("WhatsApp session closed", "component", "supervisor", "reason", reason.String(), "retries", retries)
	if s.pairing != nil {
		s.pairing.Clear()
	}
	s.metrics.SetConnected(false)
	s.status.Broadcast(false)

	if decision.purgeCredentials {
		if err := s.creds.Purge(ctx); err != nil {
			utils.Logger.Error("Failed to purge credentials", "component", "supervisor", "error", err)
		} else {
			utils.Logger.Info("Logged out, credentials purged; a new pairing code will be issued", "component", "supervisor")
		}
	}

	if decision.exhausted {
		utils.Logger.Error("Reconnection abandoned", "component", "supervisor",
			"retries", retries, "max_retries", s.policy.MaxRetries)
		if decision.sendAlert {
			go s.sendAlert(reason, retries)
		}
		return
	}

	if decision.scheduleRetry {
		s.scheduleRetry(gen, retries)
	}
}

// scheduleRetry arms at most one reconnect timer. The scheduler is called
// without s.mu held since it may run openSession before returning.
func (s *Supervisor) scheduleRetry(gen uint64, attempt int) {
	s.mu.Lock()
	if s.stopped || s.retryArmed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.retryArmed = true
	s.mu.Unlock()

	s.metrics.ReconnectScheduled()
	utils.Logger.Info("Reconnect scheduled", "component", "supervisor",
		"attempt", attempt, "max_retries", s.policy.MaxRetries, "delay", s.policy.Delay)
	timer := s.scheduler.AfterFunc(s.policy.Delay, s.openSession)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		timer.Stop()
	case s.retryArmed && gen == s.generation:
		s.pending = timer
	}
}

func (s *Supervisor) sendAlert(reason CloseReason, retries int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	body := fmt.Sprintf("The WhatsApp session closed %d times in a row and will not reconnect.\nLast reason: %s\nTime: %s",
		retries, reason, time.Now().Format(time.RFC3339))
	if err := s.notifier.Notify(ctx, "WhatsApp relay disconnected", body); err != nil {
		utils.Logger.Error("Failed to send disconnect alert", "component", "supervisor", "error", err)
	}
}

// sessionEvents binds events to the session generation that produced them.
type sessionEvents struct {
	sup *Supervisor
	gen uint64
}

func (e *sessionEvents) OnOpen()                    { e.sup.handleOpen(e.gen) }
func (e *sessionEvents) OnClose(reason CloseReason) { e.sup.handleClose(e.gen, reason) }
func (e *sessionEvents) OnQR(code string)           { e.sup.handleQR(e.gen, code) }

func (e *sessionEvents) OnMessages(batch []RawMessage) {
	if e.sup.messages == nil || len(batch) == 0 {
		return
	}
	if !e.sup.messages.Enqueue(batch) {
		utils.Logger.Error("Inbound queue full, dropping batch", "component", "supervisor", "messages", len(batch))
	}
}
