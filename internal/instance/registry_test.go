package instance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relayforge/copilot-relay/internal/store"
	"github.com/relayforge/copilot-relay/internal/upstream"
)

type fakeSource struct {
	tokens     []string
	tokenCalls int
	tokenErr   error
	modelsErr  error
	usageCalls int
}

func (f *fakeSource) FetchToken(_ context.Context, credential string) (*upstream.Token, error) {
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	tok := "tok-" + credential
	if f.tokenCalls < len(f.tokens) {
		tok = f.tokens[f.tokenCalls]
	}
	f.tokenCalls++
	return &upstream.Token{Token: tok, ExpiresAt: time.Now().Add(25 * time.Minute).Unix(), RefreshIn: 1500}, nil
}

func (f *fakeSource) FetchModels(_ context.Context, _ string) (*upstream.Catalog, error) {
	if f.modelsErr != nil {
		return nil, f.modelsErr
	}
	return &upstream.Catalog{Data: []upstream.CatalogModel{{ID: "gpt-4o"}}}, nil
}

func (f *fakeSource) FetchUsage(_ context.Context, _ string) (*upstream.QuotaSnapshots, error) {
	f.usageCalls++
	return &upstream.QuotaSnapshots{}, nil
}

// manualClock collects scheduled callbacks so tests fire them explicitly.
type manualClock struct {
	delays []time.Duration
	fns    []func()
}

func (m *manualClock) schedule(d time.Duration, fn func()) *time.Timer {
	m.delays = append(m.delays, d)
	m.fns = append(m.fns, fn)
	return nil
}

func (m *manualClock) fireLast() {
	if len(m.fns) > 0 {
		m.fns[len(m.fns)-1]()
	}
}

func newTestRegistry(source TokenSource) (*Registry, *manualClock) {
	r := NewRegistry(source, nil, nil)
	clock := &manualClock{}
	r.schedule = clock.schedule
	return r, clock
}

func account(id string) store.Account {
	return store.Account{ID: id, Credential: "cred-" + id, Enabled: true}
}

func TestStartTransitionsToRunning(t *testing.T) {
	source := &fakeSource{}
	r, clock := newTestRegistry(source)

	if status, _ := r.Status("a"); status != StatusStopped {
		t.Errorf("initial status = %q, want stopped", status)
	}

	if err := r.Start(context.Background(), account("a")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if status, _ := r.Status("a"); status != StatusRunning {
		t.Errorf("status = %q, want running", status)
	}

	sess, ok := r.Session("a")
	if !ok {
		t.Fatal("no session for running instance")
	}
	if sess.Token != "tok-cred-a" {
		t.Errorf("session token = %q", sess.Token)
	}
	if sess.Catalog.Find("gpt-4o") == nil {
		t.Error("catalog not attached to session")
	}

	// The refresh fires 60 seconds before the advertised interval.
	if len(clock.delays) != 1 || clock.delays[0] != 1440*time.Second {
		t.Errorf("refresh delays = %v, want [1440s]", clock.delays)
	}
}

func TestStartFailureLandsInErrorState(t *testing.T) {
	source := &fakeSource{tokenErr: errors.New("bad credential")}
	r, _ := newTestRegistry(source)

	err := r.Start(context.Background(), account("a"))
	if err == nil {
		t.Fatal("Start succeeded with failing token source")
	}

	status, lastErr := r.Status("a")
	if status != StatusError {
		t.Errorf("status = %q, want error", status)
	}
	if lastErr == nil {
		t.Error("error state lost the cause")
	}
	if _, ok := r.Session("a"); ok {
		t.Error("errored instance has a session")
	}

	// A later successful start clears the error.
	source.tokenErr = nil
	if err := r.Start(context.Background(), account("a")); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if status, lastErr := r.Status("a"); status != StatusRunning || lastErr != nil {
		t.Errorf("status after restart = %q (err %v)", status, lastErr)
	}
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	source := &fakeSource{}
	r, _ := newTestRegistry(source)

	if err := r.Start(context.Background(), account("a")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background(), account("a")); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if source.tokenCalls != 1 {
		t.Errorf("token fetched %d times, want 1", source.tokenCalls)
	}
}

// blockingSource parks every token exchange until released, so a test
// can hold one Start mid-flight while issuing another.
type blockingSource struct {
	*fakeSource
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) FetchToken(ctx context.Context, credential string) (*upstream.Token, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeSource.FetchToken(ctx, credential)
}

func TestConcurrentStartBuildsOneSession(t *testing.T) {
	source := &blockingSource{
		fakeSource: &fakeSource{},
		entered:    make(chan struct{}, 2),
		release:    make(chan struct{}),
	}
	r := NewRegistry(source, nil, nil)
	var scheduled atomic.Int32
	r.schedule = func(time.Duration, func()) *time.Timer {
		scheduled.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Start(context.Background(), account("a")); err != nil {
				t.Errorf("Start: %v", err)
			}
		}()
	}

	// Exactly one caller reaches the token exchange; the other sees the
	// slot taken and returns.
	<-source.entered
	close(source.release)
	wg.Wait()

	if got := scheduled.Load(); got != 1 {
		t.Errorf("refresh timers scheduled = %d, want 1", got)
	}
	if source.tokenCalls != 1 {
		t.Errorf("token fetched %d times, want 1", source.tokenCalls)
	}
	if status, _ := r.Status("a"); status != StatusRunning {
		t.Errorf("status = %q, want running", status)
	}
}

func TestStopRetainsLastError(t *testing.T) {
	source := &fakeSource{tokenErr: errors.New("bad credential")}
	r, _ := newTestRegistry(source)

	if err := r.Start(context.Background(), account("a")); err == nil {
		t.Fatal("Start succeeded with failing token source")
	}
	r.Stop("a")

	status, lastErr := r.Status("a")
	if status != StatusStopped {
		t.Errorf("status = %q, want stopped", status)
	}
	if lastErr == nil {
		t.Error("stop discarded the last error")
	}
}

func TestRefreshReplacesToken(t *testing.T) {
	source := &fakeSource{tokens: []string{"tok-1", "tok-2"}}
	r, clock := newTestRegistry(source)

	if err := r.Start(context.Background(), account("a")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.fireLast()

	sess, _ := r.Session("a")
	if sess.Token != "tok-2" {
		t.Errorf("token after refresh = %q, want tok-2", sess.Token)
	}
	// The refresh re-arms itself.
	if len(clock.fns) != 2 {
		t.Errorf("scheduled callbacks = %d, want 2", len(clock.fns))
	}
}

func TestRefreshFailureKeepsInstanceRunning(t *testing.T) {
	source := &fakeSource{}
	r, clock := newTestRegistry(source)

	if err := r.Start(context.Background(), account("a")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before, _ := r.Session("a")

	source.tokenErr = errors.New("issuer down")
	clock.fireLast()

	if status, _ := r.Status("a"); status != StatusRunning {
		t.Errorf("status after failed refresh = %q, want running", status)
	}
	after, _ := r.Session("a")
	if after.Token != before.Token {
		t.Errorf("token changed on failed refresh: %q -> %q", before.Token, after.Token)
	}
	// Retry scheduled with a short delay.
	if clock.delays[len(clock.delays)-1] != time.Minute {
		t.Errorf("retry delay = %v, want 1m", clock.delays[len(clock.delays)-1])
	}
}

func TestStopCancelsRefresh(t *testing.T) {
	source := &fakeSource{}
	r, clock := newTestRegistry(source)

	if err := r.Start(context.Background(), account("a")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop("a")

	if status, _ := r.Status("a"); status != StatusStopped {
		t.Errorf("status = %q, want stopped", status)
	}
	if _, ok := r.Session("a"); ok {
		t.Error("stopped instance still has a session")
	}

	calls := source.tokenCalls
	clock.fireLast()
	if source.tokenCalls != calls {
		t.Error("refresh ran after stop")
	}

	// Stopping again is harmless, as is stopping an unknown id.
	r.Stop("a")
	r.Stop("never-started")
}

func TestRunningLists(t *testing.T) {
	source := &fakeSource{}
	r, _ := newTestRegistry(source)

	if err := r.Start(context.Background(), account("a")); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := r.Start(context.Background(), account("b")); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	r.Stop("a")

	running := r.Running()
	if len(running) != 1 || running[0] != "b" {
		t.Errorf("Running() = %v, want [b]", running)
	}
}
