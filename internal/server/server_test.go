package server

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"

	"github.com/uroni/urbackup-backend-sub003/internal/bberrors"
	"github.com/uroni/urbackup-backend-sub003/internal/cbt"
	"github.com/uroni/urbackup-backend-sub003/internal/identity"
	"github.com/uroni/urbackup-backend-sub003/internal/model"
	"github.com/uroni/urbackup-backend-sub003/internal/scheduler"
	"github.com/uroni/urbackup-backend-sub003/internal/session"
	"github.com/uroni/urbackup-backend-sub003/internal/snapshot"
)

type fakeSnapshotDriver struct{}

func (fakeSnapshotDriver) Create(volume string) (snapshot.CreateResult, error) {
	return snapshot.CreateResult{Target: volume}, nil
}

func (fakeSnapshotDriver) Delete(ssetid [16]byte) error { return nil }

type fakeCbtDriver struct{}

func (fakeCbtDriver) ResetStart(volume string) error                      { return nil }
func (fakeCbtDriver) RetrieveBitmap(volume string) ([]byte, error)        { return nil, nil }
func (fakeCbtDriver) ApplyBitmap(v string, c []byte) ([]byte, error)      { return nil, nil }
func (fakeCbtDriver) ResetFinish(volume string) error                     { return nil }
func (fakeCbtDriver) SectorSize(volume string) (int, error)               { return 512, nil }

var _ cbt.CbtDriver = fakeCbtDriver{}

type fakeExecutor struct{}

func (fakeExecutor) ExecuteFull(item scheduler.Item) error    { return nil }
func (fakeExecutor) ExecuteChunked(item scheduler.Item) error { return nil }
func (fakeExecutor) LinkOrCopyFile(item scheduler.Item) error { return nil }

func writeHandshake(conn net.Conn, req HandshakeRequest) error {
	return encoding.WriteObject(conn, req)
}

func readHandshakeReply(conn net.Conn, reply *HandshakeReply) error {
	return encoding.ReadObject(conn, reply, maxHandshakeSize)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		BackupRoot:      filepath.Join(dir, "data"),
		HashRoot:        filepath.Join(dir, "hashes"),
		FileIndexDBPath: filepath.Join(dir, "index.db"),
		IdentityDBPath:  filepath.Join(dir, "ident.db"),
		CasWalPath:      filepath.Join(dir, "cas.wal"),
		CbtDataDir:      filepath.Join(dir, "cbt"),
		SnapshotDriver:  fakeSnapshotDriver{},
		CbtDriver:       fakeCbtDriver{},
		Limits:          session.Limits{MaxSimBackups: 4, MaxActiveClients: 10, MaxRunningJobsPerClient: 1},
	}
}

func TestNewWiresAllComponents(t *testing.T) {
	srv, err := New(testConfig(t), fakeExecutor{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer srv.Close()

	if srv.index == nil || srv.cas == nil || srv.identity == nil || srv.snapshot == nil || srv.cbt == nil {
		t.Fatal("expected every sub-store to be wired")
	}
}

func TestCloseIsIdempotentAndClosesSubStores(t *testing.T) {
	srv, err := New(testConfig(t), fakeExecutor{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	// A second Close should not panic; threadgroup reports ErrStopped which
	// errors.Compose folds in without upgrading it to a fatal condition for
	// this test.
	_ = srv.Close()
}

func TestAcceptRejectsUnknownIdentity(t *testing.T) {
	srv, err := New(testConfig(t), fakeExecutor{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer srv.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	var acceptErr error
	go func() {
		_, acceptErr = srv.Accept(serverConn, model.ClientID(1))
		close(done)
	}()

	req := HandshakeRequest{Token: "unknown-token", Fingerprint: "AA:BB", Endpoint: "10.0.0.1:1234"}
	if err := writeHandshake(clientConn, req); err != nil {
		t.Fatalf("writing handshake: %v", err)
	}
	var reply HandshakeReply
	if err := readHandshakeReply(clientConn, &reply); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	<-done

	if acceptErr == nil {
		t.Fatal("expected Accept to reject an unknown identity")
	}
	if !errors.Contains(acceptErr, bberrors.ErrPolicy) {
		t.Fatalf("expected a policy error, got %v", acceptErr)
	}
	if reply.Code != bberrors.CodeSocketError {
		t.Fatalf("expected CodeSocketError, got %v", reply.Code)
	}
}

func TestAcceptSucceedsForApprovedIdentity(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg, fakeExecutor{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer srv.Close()

	const token = "known-token"
	if err := srv.identity.ProposePending(identity.PendingIdentity{Token: token, Fingerprint: "AA:BB"}); err != nil {
		t.Fatalf("ProposePending: %v", err)
	}
	if err := srv.identity.ApprovePending(token); err != nil {
		t.Fatalf("ApprovePending: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	var acceptErr error
	var sess *session.Session
	go func() {
		sess, acceptErr = srv.Accept(serverConn, model.ClientID(2))
		close(done)
	}()

	req := HandshakeRequest{Token: token, Fingerprint: "AA:BB", Endpoint: "10.0.0.1:1234"}
	if err := writeHandshake(clientConn, req); err != nil {
		t.Fatalf("writing handshake: %v", err)
	}
	var reply HandshakeReply
	if err := readHandshakeReply(clientConn, &reply); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	<-done

	if acceptErr != nil {
		t.Fatalf("expected Accept to succeed, got %v", acceptErr)
	}
	if reply.Code != bberrors.CodeSuccess {
		t.Fatalf("expected CodeSuccess, got %v", reply.Code)
	}
	if sess == nil || sess.State() != session.StateIdle {
		t.Fatalf("expected the session to land in StateIdle, got %v", sess)
	}
}

func TestSnapshotPrunePropagatesThroughServer(t *testing.T) {
	srv, err := New(testConfig(t), fakeExecutor{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer srv.Close()

	srv.snapshot.Prune(time.Now())
}
