package rtsync_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Prismer-AI/rtsync"
	"github.com/Prismer-AI/rtsync/emulator"
)

// ============================================================================
// Test Helpers
// ============================================================================

const e2eTimeout = 5 * time.Second

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func startEmulator(t *testing.T, opts ...emulator.Option) (*emulator.Server, string) {
	t.Helper()
	srv := emulator.New(append([]emulator.Option{emulator.WithLogger(quietLogger)}, opts...)...)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts.URL + "/?ns=test"
}

func openRepo(t *testing.T, url string, opts ...rtsync.Option) *rtsync.Repo {
	t.Helper()
	base := []rtsync.Option{
		rtsync.WithLogger(quietLogger),
		rtsync.WithReconnectDelays(10*time.Millisecond, 50*time.Millisecond),
	}
	repo, err := rtsync.NewRepo(url, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewRepo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), e2eTimeout)
	t.Cleanup(cancel)
	return ctx
}

func mustWait(t *testing.T, ack *rtsync.Ack, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ack.Wait(ctxT(t)); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

// watchValues streams every value event of q.
func watchValues(t *testing.T, repo *rtsync.Repo, q rtsync.Query) <-chan any {
	t.Helper()
	ch := make(chan any, 64)
	unsubscribe, err := repo.Listen(q, func(e rtsync.Event) { ch <- e.Snapshot.Value() }, nil, rtsync.EventValue)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(unsubscribe)
	return ch
}

// expectValue drains ch until it sees want.
func expectValue(t *testing.T, ch <-chan any, want any) {
	t.Helper()
	timeout := time.After(e2eTimeout)
	var last any
	for {
		select {
		case v := <-ch:
			if reflect.DeepEqual(v, want) {
				return
			}
			last = v
		case <-timeout:
			t.Fatalf("never saw %#v, last %#v", want, last)
		}
	}
}

func waitConnected(t *testing.T, repo *rtsync.Repo, want bool) {
	t.Helper()
	expectValue(t, watchValues(t, repo, rtsync.NewQuery(".info/connected")), want)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(e2eTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ============================================================================
// Reads and writes
// ============================================================================

func TestSetThenGetFromAnotherClient(t *testing.T) {
	srv, url := startEmulator(t)
	writer := openRepo(t, url)
	reader := openRepo(t, url)

	ack, err := writer.Set("users/alice", map[string]any{"name": "Alice", "age": 30})
	mustWait(t, ack, err)
	if got := srv.Value("users/alice/name"); got != "Alice" {
		t.Fatalf("server has %#v", got)
	}

	snap, err := reader.Get(ctxT(t), rtsync.NewQuery("users/alice"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := map[string]any{"name": "Alice", "age": 30.0}
	if !reflect.DeepEqual(snap.Value(), want) {
		t.Fatalf("Get = %#v", snap.Value())
	}
	if snap.Key() != "alice" || snap.NumChildren() != 2 {
		t.Fatalf("snapshot key=%q children=%d", snap.Key(), snap.NumChildren())
	}
}

func TestListenSeesRemoteWrites(t *testing.T) {
	_, url := startEmulator(t)
	a := openRepo(t, url)
	b := openRepo(t, url)

	values := watchValues(t, a, rtsync.NewQuery("counter"))
	expectValue(t, values, nil)

	ack, err := b.Set("counter", 1)
	mustWait(t, ack, err)
	expectValue(t, values, 1.0)

	ack, err = b.Update("", map[string]any{"counter": 2, "other": "x"})
	mustWait(t, ack, err)
	expectValue(t, values, 2.0)
}

func TestLocalWritesAreVisibleImmediately(t *testing.T) {
	_, url := startEmulator(t)
	repo := openRepo(t, url)
	repo.GoOffline()

	values := watchValues(t, repo, rtsync.NewQuery("draft"))
	ack, err := repo.Set("draft", "hello")
	if err != nil {
		t.Fatal(err)
	}
	expectValue(t, values, "hello")
	if ack.Err() != nil {
		t.Fatal("offline write completed")
	}

	repo.GoOnline()
	if err := ack.Wait(ctxT(t)); err != nil {
		t.Fatalf("ack after going online: %v", err)
	}
}

func TestQueryWindow(t *testing.T) {
	srv, url := startEmulator(t)
	srv.Set("scores", map[string]any{"alice": 10, "bob": 30, "carol": 20, "dave": 5})
	repo := openRepo(t, url)

	q := rtsync.NewQuery("scores").OrderByValue().LimitToLast(2)
	values := watchValues(t, repo, q)
	expectValue(t, values, map[string]any{"bob": 30.0, "carol": 20.0})

	srv.Set("scores/dave", 50)
	expectValue(t, values, map[string]any{"bob": 30.0, "dave": 50.0})
}

func TestPushKeysAreOrdered(t *testing.T) {
	srv, url := startEmulator(t)
	repo := openRepo(t, url)
	var keys []string
	var last *rtsync.Ack
	for i := 0; i < 5; i++ {
		key, ack, err := repo.Push("log", i)
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, key)
		last = ack
	}
	mustWait(t, last, nil)
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			t.Fatalf("keys out of order: %v", keys)
		}
	}
	stored, ok := srv.Value("log").(map[string]any)
	if !ok || len(stored) != 5 {
		t.Fatalf("server log = %#v", srv.Value("log"))
	}
}

func TestServerTimestampResolvedByServer(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	srv, url := startEmulator(t, emulator.WithClock(fixedClock(now)))
	repo := openRepo(t, url)
	values := watchValues(t, repo, rtsync.NewQuery("seen"))
	expectValue(t, values, nil)

	ack, err := repo.Set("seen", rtsync.ServerTimestamp)
	mustWait(t, ack, err)
	if got := srv.Value("seen"); got != 1_700_000_000_000.0 {
		t.Fatalf("server stored %#v", got)
	}
	expectValue(t, values, 1_700_000_000_000.0)
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

// ============================================================================
// Errors
// ============================================================================

func TestPermissionDenied(t *testing.T) {
	srv, url := startEmulator(t)
	srv.DenyReads("private")
	srv.DenyWrites("readonly")
	srv.Set("readonly", "original")
	repo := openRepo(t, url)

	cancelled := make(chan error, 1)
	_, err := repo.Listen(rtsync.NewQuery("private/data"), func(rtsync.Event) {}, func(err error) { cancelled <- err })
	if err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-cancelled:
		var lce *rtsync.ListenCancelledError
		if !errors.As(err, &lce) || lce.Code != "permission_denied" {
			t.Fatalf("cancel error = %v", err)
		}
	case <-time.After(e2eTimeout):
		t.Fatal("listen was not cancelled")
	}

	values := watchValues(t, repo, rtsync.NewQuery("readonly"))
	expectValue(t, values, "original")
	ack, err := repo.Set("readonly", "changed")
	if err != nil {
		t.Fatal(err)
	}
	err = ack.Wait(ctxT(t))
	var wre *rtsync.WriteRejectedError
	if !errors.As(err, &wre) || wre.Code != "permission_denied" {
		t.Fatalf("ack error = %v", err)
	}
	expectValue(t, values, "original")
}

func TestValidationErrorsAreSynchronous(t *testing.T) {
	_, url := startEmulator(t)
	repo := openRepo(t, url)
	var ve *rtsync.ValidationError
	if _, err := repo.Set("bad.path", 1); !errors.As(err, &ve) {
		t.Fatalf("Set err = %v", err)
	}
	if _, err := repo.Set(".info/connected", true); !errors.As(err, &ve) {
		t.Fatalf("Set .info err = %v", err)
	}
	if _, err := repo.Listen(rtsync.NewQuery("x").LimitToFirst(0), func(rtsync.Event) {}, nil); !errors.As(err, &ve) {
		t.Fatalf("Listen err = %v", err)
	}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestReconnectsAfterDrop(t *testing.T) {
	srv, url := startEmulator(t)
	repo := openRepo(t, url)
	values := watchValues(t, repo, rtsync.NewQuery("status"))
	expectValue(t, values, nil)

	srv.DropConnections()
	// The listen is restored on the new connection.
	waitFor(t, func() bool { return srv.Sessions() == 1 })
	srv.Set("status", "back")
	expectValue(t, values, "back")
}

func TestKillStopsReconnecting(t *testing.T) {
	srv, url := startEmulator(t)
	repo := openRepo(t, url)
	connected := watchValues(t, repo, rtsync.NewQuery(".info/connected"))
	expectValue(t, connected, true)

	srv.Kill("database disabled")
	expectValue(t, connected, false)
	time.Sleep(200 * time.Millisecond)
	if n := srv.Sessions(); n != 0 {
		t.Fatalf("sessions = %d, client reconnected after shutdown", n)
	}
}

func TestLongPolling(t *testing.T) {
	srv, url := startEmulator(t, emulator.WithPollTimeout(200*time.Millisecond))
	repo := openRepo(t, url, rtsync.ForceLongPolling())
	values := watchValues(t, repo, rtsync.NewQuery("lp"))
	expectValue(t, values, nil)

	ack, err := repo.Set("lp", "over http")
	mustWait(t, ack, err)
	if got := srv.Value("lp"); got != "over http" {
		t.Fatalf("server has %#v", got)
	}
	srv.Set("lp", "from server")
	expectValue(t, values, "from server")
}

func TestOnDisconnect(t *testing.T) {
	srv, url := startEmulator(t)
	repo := openRepo(t, url)
	waitConnected(t, repo, true)

	ack, err := repo.OnDisconnectSet("presence/alice", "offline")
	mustWait(t, ack, err)
	ack, err = repo.OnDisconnectSet("typing/alice", true)
	mustWait(t, ack, err)
	ack, err = repo.OnDisconnectCancel("typing")
	mustWait(t, ack, err)
	ack, err = repo.Set("presence/alice", "online")
	mustWait(t, ack, err)

	repo.Close()
	waitFor(t, func() bool { return srv.Value("presence/alice") == "offline" })
	if srv.Value("typing") != nil {
		t.Fatal("cancelled onDisconnect ran")
	}
}

func TestAuthWithSignedToken(t *testing.T) {
	const secret = "e2e-secret"
	var (
		mu    sync.Mutex
		auths int
	)
	srv, url := startEmulator(t, emulator.WithSecret(secret), emulator.WithRequestHook(func(r emulator.Request) {
		if r.Action == rtsync.ActionAuth {
			mu.Lock()
			auths++
			mu.Unlock()
		}
	}))
	tok, err := rtsync.SignToken(rtsync.TokenClaims{UID: "alice"}, secret)
	if err != nil {
		t.Fatal(err)
	}

	repo := openRepo(t, url, rtsync.WithToken(tok))
	ack, err := repo.Set("owned/alice", true)
	mustWait(t, ack, err)
	if srv.Value("owned/alice") != true {
		t.Fatal("authenticated write not stored")
	}
	mu.Lock()
	defer mu.Unlock()
	if auths != 1 {
		t.Fatalf("auth requests = %d, want 1", auths)
	}
}

func TestRejectedTokenNotifiesProvider(t *testing.T) {
	_, url := startEmulator(t, emulator.WithSecret("e2e-secret"))
	provider := rtsync.NewStaticTokenProvider("not-a-token")
	openRepo(t, url, rtsync.WithAuth(provider))
	waitFor(t, func() bool { return provider.InvalidTokenReports() > 0 })
}

func TestClosedRepo(t *testing.T) {
	_, url := startEmulator(t)
	repo := openRepo(t, url)
	repo.Close()
	if _, err := repo.Set("x", 1); !errors.Is(err, rtsync.ErrRepoClosed) {
		t.Fatalf("Set after Close = %v", err)
	}
	if _, err := repo.Get(ctxT(t), rtsync.NewQuery("x")); !errors.Is(err, rtsync.ErrRepoClosed) {
		t.Fatalf("Get after Close = %v", err)
	}
}

func TestRepoManagerSharesRepos(t *testing.T) {
	_, url := startEmulator(t)
	m := rtsync.NewRepoManager()
	defer m.CloseAll()
	a, err := m.Get(url, rtsync.WithLogger(quietLogger))
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Get(strings.TrimSuffix(url, "/?ns=test")+"?ns=test", rtsync.WithLogger(quietLogger))
	if err != nil {
		t.Fatal(err)
	}
	if a != b || m.Len() != 1 {
		t.Fatalf("repos not shared: %p %p len=%d", a, b, m.Len())
	}
	a.Close()
	if m.Len() != 0 {
		t.Fatalf("closed repo still managed")
	}
}
