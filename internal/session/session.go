// Package session implements C7, the per-client state machine: one
// long-lived worker per client cycling through Offline, Probing,
// Authenticated, Idle and Backup/Completing, driven by schedule ticks,
// external start requests, and peer timeouts.
package session

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/log"

	"github.com/uroni/urbackup-backend-sub003/internal/bberrors"
	"github.com/uroni/urbackup-backend-sub003/internal/identity"
	"github.com/uroni/urbackup-backend-sub003/internal/model"
)

// State is one node of the client state machine.
type State int

const (
	StateOffline State = iota
	StateProbing
	StateAuthenticated
	StateIdle
	StateBackup
	StateCompleting
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateProbing:
		return "probing"
	case StateAuthenticated:
		return "authenticated"
	case StateIdle:
		return "idle"
	case StateBackup:
		return "backup"
	case StateCompleting:
		return "completing"
	default:
		return "unknown"
	}
}

// silenceTimeout is the ">60 s silence" keepalive invariant: once this much
// time has passed since the last received ping, the session is considered
// timed out and its running backup must abort.
const silenceTimeout = 60 * time.Second

// PingInterval is the cadence the owning worker should poll CheckSilence at
// while a backup runs.
const PingInterval = 10 * time.Second

// PingStatus is one "PING RUNNING ..." keepalive sample.
type PingStatus struct {
	PcDone     int
	EtaMs      int64
	SpeedBpms  float64
	DoneBytes  int64
	TotalBytes int64
}

// BackupWindow is a weekly bitmap by hour: BackupWindow[weekday][hour].
type BackupWindow [7][24]bool

// Allowed reports whether t falls inside the window. An all-clear window
// (the zero value) is treated as "always allowed", matching a client with
// no configured restriction.
func (w BackupWindow) Allowed(t time.Time) bool {
	if w == (BackupWindow{}) {
		return true
	}
	return w[int(t.Weekday())][t.Hour()]
}

// UpdateFreq is the per-client, per-backup-kind minimum interval between
// runs (update_freq_incr/full_file/image).
type UpdateFreq struct {
	IncrFile  time.Duration
	FullFile  time.Duration
	IncrImage time.Duration
	FullImage time.Duration
}

func (f UpdateFreq) interval(kind model.BackupKind) time.Duration {
	switch kind {
	case model.BackupIncrFile:
		return f.IncrFile
	case model.BackupFullFile:
		return f.FullFile
	case model.BackupIncrImage:
		return f.IncrImage
	case model.BackupFullImage:
		return f.FullImage
	default:
		return 0
	}
}

// backoffCap bounds the exponential backoff exponent at 2^6, per spec.
const backoffCap = 6

// NextEligible computes last_try + 2^min(count,6) * baseInterval, the
// exponential-backoff eligibility rule for a client's next scheduled try of
// a given kind.
func NextEligible(lastTry time.Time, count int, baseInterval time.Duration) time.Time {
	if count > backoffCap {
		count = backoffCap
	}
	return lastTry.Add(baseInterval * time.Duration(int64(1)<<uint(count)))
}

// Eligible reports whether kind is due to run for client as of now: its
// update-freq interval has elapsed since the last backup of that kind, its
// failure backoff has elapsed since the last try, and the window allows it.
// drive is the image-backup drive letter and is ignored for file kinds.
func Eligible(kind model.BackupKind, client *model.Client, drive string, freq UpdateFreq, window BackupWindow, now time.Time) bool {
	if !window.Allowed(now) {
		return false
	}

	var lastBackup time.Time
	var lastTry time.Time
	var tryCount int
	if kind.IsImage() {
		lastBackup = client.LastImageBackup[drive]
		lastTry = client.LastImageBackupTry
		tryCount = client.CountImageBackupTry
	} else {
		lastBackup = client.LastFileBackup
		lastTry = client.LastFileBackupTry
		tryCount = client.CountFileBackupTry
	}

	interval := freq.interval(kind)
	if interval > 0 && !lastBackup.IsZero() && now.Sub(lastBackup) < interval {
		return false
	}

	if tryCount > 0 && now.Before(NextEligible(lastTry, tryCount, interval)) {
		return false
	}
	return true
}

// RecordTry updates client's try-count/last-try bookkeeping for kind after
// an attempt: a success resets the counter, a failure increments it. drive
// is the image-backup drive letter and is ignored for file kinds.
func RecordTry(kind model.BackupKind, client *model.Client, drive string, now time.Time, success bool) {
	if kind.IsImage() {
		client.LastImageBackupTry = now
		if success {
			client.CountImageBackupTry = 0
			if client.LastImageBackup == nil {
				client.LastImageBackup = make(map[string]time.Time)
			}
			client.LastImageBackup[drive] = now
		} else {
			client.CountImageBackupTry++
		}
		return
	}
	client.LastFileBackupTry = now
	if success {
		client.CountFileBackupTry = 0
		client.LastFileBackup = now
	} else {
		client.CountFileBackupTry++
	}
}

// Limits bounds concurrent backup activity across the whole server.
type Limits struct {
	MaxSimBackups           int
	MaxActiveClients        int
	MaxRunningJobsPerClient int
}

// Limiter enforces Limits across concurrently running sessions. It is a
// shared collaborator injected into every Session, replacing the teacher's
// process-wide counters with an explicit, single-mutex-guarded service.
type Limiter struct {
	mu           sync.Mutex
	limits       Limits
	perClient    map[model.ClientID]int
	totalRunning int
}

// NewLimiter builds a Limiter enforcing limits.
func NewLimiter(limits Limits) *Limiter {
	return &Limiter{limits: limits, perClient: make(map[model.ClientID]int)}
}

// Acquire reserves one running slot for client, honoring all three limits.
// It returns a release func to call when the job ends, or ok=false if no
// slot is currently available.
func (l *Limiter) Acquire(client model.ClientID) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limits.MaxSimBackups > 0 && l.totalRunning >= l.limits.MaxSimBackups {
		return nil, false
	}
	running := l.perClient[client]
	if l.limits.MaxRunningJobsPerClient > 0 && running >= l.limits.MaxRunningJobsPerClient {
		return nil, false
	}
	if running == 0 && l.limits.MaxActiveClients > 0 && l.activeClientCountLocked() >= l.limits.MaxActiveClients {
		return nil, false
	}

	l.perClient[client] = running + 1
	l.totalRunning++
	released := false
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if released {
			return
		}
		released = true
		l.perClient[client]--
		if l.perClient[client] <= 0 {
			delete(l.perClient, client)
		}
		l.totalRunning--
	}, true
}

func (l *Limiter) activeClientCountLocked() int {
	return len(l.perClient)
}

// Session is one client's long-lived worker state.
type Session struct {
	mu sync.Mutex

	client   model.ClientID
	identity *identity.Manager
	limiter  *Limiter
	window   BackupWindow
	freq     UpdateFreq
	log      *log.Logger

	state       State
	kind        model.BackupKind
	drive       string
	release     func()
	stop        chan struct{}
	lastPing    time.Time
	hasTimeout  bool
	reconnectBO *backoff.ExponentialBackOff
}

// New builds a Session in StateOffline for client.
func New(client model.ClientID, identityMgr *identity.Manager, limiter *Limiter, window BackupWindow, freq UpdateFreq, logger *log.Logger) *Session {
	bo := backoff.NewExponentialBackOff()
	return &Session{
		client:      client,
		identity:    identityMgr,
		limiter:     limiter,
		window:      window,
		freq:        freq,
		log:         logger,
		state:       StateOffline,
		stop:        make(chan struct{}),
		reconnectBO: bo,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BeginProbe transitions Offline -> Probing, the start of a new connection
// cycle.
func (s *Session) BeginProbe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOffline {
		return errors.AddContext(bberrors.ErrPolicy, "session: probe started from state "+s.state.String())
	}
	s.state = StateProbing
	return nil
}

// Authenticate completes key exchange, transitioning Probing ->
// Authenticated -> Idle on success.
func (s *Session) Authenticate(token, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateProbing {
		return errors.AddContext(bberrors.ErrPolicy, "session: authenticate from state "+s.state.String())
	}
	ok, err := s.identity.Confirm(token, fingerprint)
	if err != nil {
		return errors.AddContext(err, "session: identity confirmation failed")
	}
	if !ok {
		return errors.AddContext(bberrors.ErrPolicy, "session: unrecognized or mismatched identity")
	}
	s.state = StateAuthenticated
	s.reconnectBO.Reset()
	s.state = StateIdle
	return nil
}

// StartBackup transitions Idle -> Backup for kind if the schedule, window,
// and server-wide limits all permit it. The limiter slot it takes is
// released by Complete, or by Reset if the run is stopped.
func (s *Session) StartBackup(kind model.BackupKind, client *model.Client, drive string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return errors.AddContext(bberrors.ErrPolicy, "session: start requested from state "+s.state.String())
	}
	if !Eligible(kind, client, drive, s.freq, s.window, now) {
		return errors.AddContext(bberrors.ErrPolicy, "session: backup not yet eligible")
	}
	release, ok := s.limiter.Acquire(s.client)
	if !ok {
		return errors.AddContext(bberrors.ErrPolicy, "session: no free backup slot")
	}
	s.state = StateBackup
	s.kind = kind
	s.drive = drive
	s.release = release
	s.lastPing = now
	s.hasTimeout = false
	return nil
}

// Heartbeat records a received keepalive ping. It does not clear a timeout
// CheckSilence has already latched; StartBackup and Reset do.
func (s *Session) Heartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPing = now
}

// CheckSilence reports whether the running backup has gone silent for
// longer than the keepalive timeout; on the first detection it latches
// hasTimeout so the caller knows to abort and release snapshots.
func (s *Session) CheckSilence(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBackup {
		return false
	}
	if now.Sub(s.lastPing) > silenceTimeout {
		s.hasTimeout = true
	}
	return s.hasTimeout
}

// Complete transitions Backup -> Completing -> Idle, releasing the
// limiter slot and updating client's try-count bookkeeping.
func (s *Session) Complete(client *model.Client, now time.Time, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBackup {
		return
	}
	s.state = StateCompleting
	RecordTry(s.kind, client, s.drive, now, success)
	if s.release != nil {
		s.release()
		s.release = nil
	}
	s.state = StateIdle
}

// Stop requests cancellation: any state may be interrupted. It is
// idempotent. The caller's in-flight worker observes Done() closing,
// drains I/O, releases snapshots, and calls Reset to return to Offline;
// no state mutation from the interrupted run survives unless it had
// already been committed to the on-disk backup manifest before the stop.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Done returns the channel that closes when Stop is called.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

// Reset returns the session to Offline after a stop, releasing any held
// backup slot and arming a fresh stop channel for the next connection
// cycle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release != nil {
		s.release()
		s.release = nil
	}
	s.state = StateOffline
	s.stop = make(chan struct{})
	s.hasTimeout = false
}

// NextReconnectDelay returns how long the caller should wait before
// retrying a failed connection attempt, advancing the exponential backoff.
func (s *Session) NextReconnectDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectBO.NextBackOff()
}

// ResetReconnectBackoff clears the reconnect backoff after a successful
// connection.
func (s *Session) ResetReconnectBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectBO.Reset()
}
