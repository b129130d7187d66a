package server

import (
	"net"
	"time"

	"github.com/uplo-tech/demotemutex"
	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/log"
	"github.com/uplo-tech/threadgroup"

	"github.com/uroni/urbackup-backend-sub003/internal/bberrors"
	"github.com/uroni/urbackup-backend-sub003/internal/cas"
	"github.com/uroni/urbackup-backend-sub003/internal/cbt"
	"github.com/uroni/urbackup-backend-sub003/internal/cryptocap"
	"github.com/uroni/urbackup-backend-sub003/internal/fileindex"
	"github.com/uroni/urbackup-backend-sub003/internal/hashpipe"
	"github.com/uroni/urbackup-backend-sub003/internal/identity"
	"github.com/uroni/urbackup-backend-sub003/internal/model"
	"github.com/uroni/urbackup-backend-sub003/internal/scheduler"
	"github.com/uroni/urbackup-backend-sub003/internal/session"
	"github.com/uroni/urbackup-backend-sub003/internal/snapshot"
)

// identityPruneInterval and snapshotPruneInterval pace the two maintenance
// goroutines Server launches alongside the component set.
const (
	identityPruneInterval = 10 * time.Minute
	snapshotPruneInterval = 5 * time.Minute
)

// maxHandshakeSize bounds the wire size of a HandshakeRequest/HandshakeReply.
const maxHandshakeSize = 4096

// Config collects everything New needs to open and wire C0-C8. The caller
// owns SnapshotDriver and CbtDriver: they are the platform-specific
// collaborators (Windows IOCTL, Linux datto/dm-era, shadow-copy backends)
// this package has no business constructing itself.
type Config struct {
	// BackupRoot is the CAS data root; HashRoot holds hash sidecars.
	BackupRoot string
	HashRoot   string

	FileIndexDBPath string
	IdentityDBPath  string
	CasWalPath      string
	CbtDataDir      string

	SnapshotDriver snapshot.SnapshotDriver
	CbtDriver      cbt.CbtDriver
	Crypto         cryptocap.Crypto

	Limits session.Limits
	Window session.BackupWindow
	Freq   session.UpdateFreq

	// MaxQueueCost bounds the download scheduler queue; zero means
	// DefaultMaxQueueCost.
	MaxQueueCost int

	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxQueueCost == 0 {
		c.MaxQueueCost = scheduler.DefaultMaxQueueCost
	}
	if c.Crypto == nil {
		c.Crypto = cryptocap.New()
	}
	return c
}

// Server is C9, the wiring root: it owns one instance of every C0-C8
// component and dispatches incoming control-protocol connections to the
// per-client session.Session that speaks for them.
type Server struct {
	cfg Config
	log *log.Logger
	tg  threadgroup.ThreadGroup

	index    *fileindex.Index
	cas      *cas.Store
	hashPipe *hashpipe.Pipeline
	identity *identity.Manager
	snapshot *snapshot.Manager
	cbt      *cbt.Engine
	limiter  *session.Limiter

	queue    *scheduler.Queue
	schedule *scheduler.Engine

	// sessMu guards sessions. Accept takes it exclusively to create a
	// client's Session entry, then demotes to a read hold for the
	// handshake I/O that follows, so other clients' Session lookups are
	// not blocked behind one slow handshake.
	sessMu   demotemutex.DemoteMutex
	sessions map[model.ClientID]*session.Session
}

// New opens every on-disk store Config names and wires C0-C8 together. On
// any failure it closes whatever it already opened before returning.
func New(cfg Config, executor scheduler.Executor) (srv *Server, err error) {
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[model.ClientID]*session.Session),
	}
	defer func() {
		if err != nil {
			s.closeOpened()
		}
	}()

	s.index, err = fileindex.Open(cfg.FileIndexDBPath)
	if err != nil {
		return nil, errors.AddContext(err, "opening file index")
	}

	s.cas, err = cas.Open(cfg.BackupRoot, cfg.HashRoot, cfg.CasWalPath, s.index, cfg.Logger)
	if err != nil {
		return nil, errors.AddContext(err, "opening CAS store")
	}

	s.hashPipe = hashpipe.NewPipeline(s.index, s.cas)

	s.identity, err = identity.New(cfg.IdentityDBPath, cfg.Crypto, cfg.Logger)
	if err != nil {
		return nil, errors.AddContext(err, "opening identity manager")
	}

	if cfg.SnapshotDriver != nil {
		s.snapshot = snapshot.New(cfg.SnapshotDriver, cfg.Logger)
	}
	if cfg.CbtDriver != nil {
		s.cbt = cbt.New(cfg.CbtDriver, cfg.CbtDataDir, cfg.Logger)
	}

	s.limiter = session.NewLimiter(cfg.Limits)

	s.queue = scheduler.NewQueue(cfg.MaxQueueCost)
	if executor != nil {
		s.schedule = scheduler.NewEngine(s.queue, executor, cfg.Logger)
	}

	if err := s.tg.Launch(s.identityPruneLoop); err != nil {
		return nil, errors.AddContext(err, "launching identity prune loop")
	}
	if s.snapshot != nil {
		if err := s.tg.Launch(s.snapshotPruneLoop); err != nil {
			return nil, errors.AddContext(err, "launching snapshot prune loop")
		}
	}

	return s, nil
}

// closeOpened closes every sub-store that was successfully opened, used
// both by a failed New and by Close.
func (s *Server) closeOpened() error {
	var errs []error
	if s.identity != nil {
		errs = append(errs, s.identity.Close())
	}
	if s.cas != nil {
		errs = append(errs, s.cas.Close())
	}
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	return errors.Compose(errs...)
}

// Close stops every background goroutine and closes every sub-store. It is
// safe to call once; a second call returns threadgroup.ErrStopped composed
// with nothing else of note.
func (s *Server) Close() error {
	return errors.Compose(s.tg.Stop(), s.closeOpened())
}

func (s *Server) identityPruneLoop() {
	ticker := time.NewTicker(identityPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.tg.StopChan():
			return
		case t := <-ticker.C:
			if _, err := s.identity.PruneExpired(t); err != nil {
				s.logf("server: identity prune failed: %v", err)
			}
		}
	}
}

func (s *Server) snapshotPruneLoop() {
	ticker := time.NewTicker(snapshotPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.tg.StopChan():
			return
		case t := <-ticker.C:
			s.snapshot.Prune(t)
		}
	}
}

// HandshakeRequest is the first message a client sends on a new control
// connection: the bearer token and key fingerprint identity.Manager.Confirm
// checks, plus the endpoint address session identity tracking keys off.
type HandshakeRequest struct {
	Token       string
	Fingerprint string
	Endpoint    string
}

// HandshakeReply answers a HandshakeRequest with the wire error code the
// client's transport layer already knows how to interpret.
type HandshakeReply struct {
	Code bberrors.Code
}

// Session returns the per-client session.Session for clientID, creating it
// on first use. Caller retains it for the lifetime of the connection loop
// that follows a successful Accept.
func (s *Server) Session(clientID model.ClientID) *session.Session {
	s.sessMu.RLock()
	sess, ok := s.sessions[clientID]
	s.sessMu.RUnlock()
	if ok {
		return sess
	}

	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if sess, ok := s.sessions[clientID]; ok {
		return sess
	}
	sess = session.New(clientID, s.identity, s.limiter, s.cfg.Window, s.cfg.Freq, s.cfg.Logger)
	s.sessions[clientID] = sess
	return sess
}

// acquireSessionForHandshake returns the per-client Session for clientID,
// creating it if necessary, and leaves sessMu demoted (a read hold) so
// concurrent Session lookups for other clients are not blocked behind the
// handshake I/O the caller is about to perform. The caller must release it
// with sessMu.DemotedUnlock.
func (s *Server) acquireSessionForHandshake(clientID model.ClientID) *session.Session {
	s.sessMu.Lock()
	sess, ok := s.sessions[clientID]
	if !ok {
		sess = session.New(clientID, s.identity, s.limiter, s.cfg.Window, s.cfg.Freq, s.cfg.Logger)
		s.sessions[clientID] = sess
	}
	s.sessMu.Demote()
	return sess
}

// Accept performs the C0 identity handshake on conn and, on success,
// returns the per-client session.Session that now owns the connection's
// backup lifecycle. clientID is resolved by the caller's client registry;
// this package only dispatches once a client identity is already known.
//
// Accept does not close conn: the caller's connection loop continues to
// read/write framed requests against the returned Session after a
// successful handshake.
func (s *Server) Accept(conn net.Conn, clientID model.ClientID) (*session.Session, error) {
	if err := s.tg.Add(); err != nil {
		return nil, err
	}
	defer s.tg.Done()

	var req HandshakeRequest
	if err := encoding.ReadObject(conn, &req, maxHandshakeSize); err != nil {
		return nil, errors.AddContext(bberrors.ErrTransport, err.Error())
	}

	sess := s.acquireSessionForHandshake(clientID)
	defer s.sessMu.DemotedUnlock()

	if err := sess.BeginProbe(); err != nil {
		if werr := encoding.WriteObject(conn, HandshakeReply{Code: bberrors.CodeSocketError}); werr != nil {
			s.logf("server: writing handshake reply failed: %v", werr)
		}
		return nil, err
	}

	if err := sess.Authenticate(req.Token, req.Fingerprint); err != nil {
		if werr := encoding.WriteObject(conn, HandshakeReply{Code: bberrors.CodeSocketError}); werr != nil {
			s.logf("server: writing handshake reply failed: %v", werr)
		}
		sess.Reset()
		return nil, err
	}

	if err := encoding.WriteObject(conn, HandshakeReply{Code: bberrors.CodeSuccess}); err != nil {
		sess.Reset()
		return nil, errors.AddContext(bberrors.ErrTransport, err.Error())
	}

	return sess, nil
}

// Enqueue hands a scheduler.Item to the download scheduler's queue, for a
// Session whose state is StateBackup and which has an Engine built (an
// Executor was supplied to New).
func (s *Server) Enqueue(item scheduler.Item) {
	s.queue.Enqueue(item)
}

// RunScheduleWorker drains the download scheduler queue until stop closes.
// The caller launches one of these per client_hash_threads worker slot.
func (s *Server) RunScheduleWorker(stop <-chan struct{}) {
	if s.schedule == nil {
		return
	}
	s.schedule.RunWorker(stop)
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
