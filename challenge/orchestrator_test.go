package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/letsencrypt/challtestsrv"

	"github.com/harborcrypt/acmeclient/acme"
	"github.com/harborcrypt/acmeclient/bdns"
	"github.com/harborcrypt/acmeclient/core"
	"github.com/harborcrypt/acmeclient/jose"
	"github.com/harborcrypt/acmeclient/transport"
)

func newTestAccount(t *testing.T) *jose.Account {
	t.Helper()
	key, _, _, err := jose.GenerateRSA(2048)
	if err != nil {
		t.Fatalf("GenerateRSA: %v", err)
	}
	account, err := jose.NewAccount(key)
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	return account
}

func newTestEngine(t *testing.T, caHandler http.Handler) *acme.SignedRequestEngine {
	t.Helper()
	ca := httptest.NewServer(caHandler)
	t.Cleanup(ca.Close)
	transport := acme.NewTransport(ca.URL, ca.Client())
	return acme.NewSignedRequestEngine(transport, newTestAccount(t))
}

// pollingChallengeCA serves HEAD /directory for nonces and a single
// challenge resource that answers "pending" pendingCount times before
// going "valid".
func pollingChallengeCA(t *testing.T, pendingCount int32) (http.Handler, *int32) {
	t.Helper()
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-for-test")
	})
	mux.HandleFunc("/chall/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-for-test")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		n := atomic.AddInt32(&polls, 1)
		status := core.StatusValid
		if n <= pendingCount {
			status = core.StatusPending
		}
		json.NewEncoder(w).Encode(core.Challenge{Type: core.ChallengeTypeHTTP01, Status: status, URI: "/chall/1"})
	})
	return mux, &polls
}

func TestRunHTTP01ProvisionsSelfChecksAndPolls(t *testing.T) {
	docroot := t.TempDir()
	acmeDir := filepath.Join(docroot, ".well-known", "acme-challenge")
	if err := os.MkdirAll(acmeDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	webServer := httptest.NewServer(http.FileServer(http.Dir(docroot)))
	defer webServer.Close()
	identifier := webServer.Listener.Addr().String()

	caHandler, polls := pollingChallengeCA(t, 1)
	engine := newTestEngine(t, caHandler)

	orch := New(engine, transport.New(nil), nil, webServer.Client(), realFastClock{})
	orch.PollInterval = time.Millisecond

	tmpDir := t.TempDir()
	authz := core.Authorization{
		Identifier: core.AcmeIdentifier{Type: core.IdentifierDNS, Value: "example.com"},
		Status:     core.StatusPending,
		Challenges: []core.Challenge{{Type: core.ChallengeTypeHTTP01, Token: "tok-abc", URI: "/chall/1"}},
	}
	// The CA's challenge URI in this test is relative; rewrite it to the
	// CA server's base so SendSigned/Get can reach it directly.
	authz.Challenges[0].URI = engine.Transport.BaseURL + "/chall/1"

	idents := []HTTP01Identifier{
		{Name: identifier, Authz: authz, ACL: acmeDir},
	}

	if err := orch.RunHTTP01(context.Background(), tmpDir, "test-thumbprint", idents); err != nil {
		t.Fatalf("RunHTTP01: %v", err)
	}
	if *polls < 2 {
		t.Fatalf("expected at least 2 polls (pending then valid), got %d", *polls)
	}

	// Teardown must have removed the deployed token.
	if _, err := os.Stat(filepath.Join(acmeDir, "tok-abc")); !os.IsNotExist(err) {
		t.Fatalf("expected token to be removed after teardown, stat err = %v", err)
	}
}

func TestRunHTTP01FailsOnSelfCheckMismatch(t *testing.T) {
	docroot := t.TempDir()
	acmeDir := filepath.Join(docroot, ".well-known", "acme-challenge")
	os.MkdirAll(acmeDir, 0o755)
	// The ACL points at a directory outside the web server's docroot, so
	// the token is written where the self-check cannot read it back and
	// the self-check GET gets a 404.
	webServer := httptest.NewServer(http.FileServer(http.Dir(docroot)))
	defer webServer.Close()
	identifier := webServer.Listener.Addr().String()

	caHandler, _ := pollingChallengeCA(t, 0)
	engine := newTestEngine(t, caHandler)
	orch := New(engine, transport.New(nil), nil, webServer.Client(), nil)

	tmpDir := t.TempDir()
	authz := core.Authorization{
		Identifier: core.AcmeIdentifier{Type: core.IdentifierDNS, Value: "example.com"},
		Challenges: []core.Challenge{{Type: core.ChallengeTypeHTTP01, Token: "does-not-exist", URI: engine.Transport.BaseURL + "/chall/1"}},
	}
	idents := []HTTP01Identifier{
		{Name: identifier, Authz: authz, ACL: filepath.Join(t.TempDir(), "unreachable")},
	}

	err := orch.RunHTTP01(context.Background(), tmpDir, "test-thumbprint", idents)
	if err == nil {
		t.Fatalf("expected self-check failure")
	}
}

// multiPollingChallengeCA serves one challenge resource per path in paths,
// each independently counting its own polls before going "valid".
func multiPollingChallengeCA(t *testing.T, paths []string, pendingCount int32) http.Handler {
	t.Helper()
	counts := make(map[string]*int32, len(paths))
	for _, p := range paths {
		counts[p] = new(int32)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-for-test")
	})
	for _, p := range paths {
		p := p
		mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Replay-Nonce", "nonce-for-test")
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			n := atomic.AddInt32(counts[p], 1)
			status := core.StatusValid
			if n <= pendingCount {
				status = core.StatusPending
			}
			json.NewEncoder(w).Encode(core.Challenge{Type: core.ChallengeTypeHTTP01, Status: status, URI: p})
		})
	}
	return mux
}

// TestRunHTTP01PerIdentifierOrdering verifies §5's HTTP-01 ordering
// guarantee: each identifier is fully provisioned, self-checked, notified,
// polled, and torn down before the next identifier's token is ever
// provisioned. A self-check handler that finds a prior identifier's token
// still on disk would indicate the old, batched-provision-then-batched-
// notify behavior has crept back in.
func TestRunHTTP01PerIdentifierOrdering(t *testing.T) {
	docroot := t.TempDir()
	acmeDir := filepath.Join(docroot, ".well-known", "acme-challenge")
	if err := os.MkdirAll(acmeDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	tokens := []string{"tok-a", "tok-b"}
	var mu sync.Mutex
	var staleToken string

	fileServer := http.FileServer(http.Dir(docroot))
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested := filepath.Base(r.URL.Path)
		mu.Lock()
		for _, tok := range tokens {
			if tok == requested {
				continue
			}
			if _, err := os.Stat(filepath.Join(acmeDir, tok)); err == nil {
				staleToken = tok
			}
		}
		mu.Unlock()
		fileServer.ServeHTTP(w, r)
	})
	webServer := httptest.NewServer(handler)
	defer webServer.Close()
	identifier := webServer.Listener.Addr().String()

	paths := []string{"/chall/0", "/chall/1"}
	caHandler := multiPollingChallengeCA(t, paths, 0)
	engine := newTestEngine(t, caHandler)

	orch := New(engine, transport.New(nil), nil, webServer.Client(), realFastClock{})

	tmpDir := t.TempDir()
	var idents []HTTP01Identifier
	for i, tok := range tokens {
		authz := core.Authorization{
			Identifier: core.AcmeIdentifier{Type: core.IdentifierDNS, Value: fmt.Sprintf("ident-%d.example.com", i)},
			Challenges: []core.Challenge{{Type: core.ChallengeTypeHTTP01, Token: tok, URI: engine.Transport.BaseURL + paths[i]}},
		}
		idents = append(idents, HTTP01Identifier{Name: fmt.Sprintf("ident-%d.example.com", i), Authz: authz, ACL: acmeDir})
	}

	if err := orch.RunHTTP01(context.Background(), tmpDir, "test-thumbprint", idents); err != nil {
		t.Fatalf("RunHTTP01: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if staleToken != "" {
		t.Fatalf("identifier self-check observed a prior identifier's token (%s) still provisioned; HTTP-01 must fully tear down each identifier before starting the next", staleToken)
	}
	for _, tok := range tokens {
		if _, err := os.Stat(filepath.Join(acmeDir, tok)); !os.IsNotExist(err) {
			t.Fatalf("expected token %s removed after run, stat err = %v", tok, err)
		}
	}
}

func TestRunDNS01PropagationAndSpool(t *testing.T) {
	dnsSrv, err := challtestsrv.New(challtestsrv.Config{DNSOneAddrs: []string{"127.0.0.1:48054"}})
	if err != nil {
		t.Fatalf("starting DNS test server: %v", err)
	}
	go dnsSrv.Run()
	t.Cleanup(dnsSrv.Shutdown)
	time.Sleep(50 * time.Millisecond)

	resolver := bdns.NewResolverWithServers(2*time.Second, []string{"127.0.0.1:48054"})

	caHandler, _ := pollingChallengeCA(t, 0)
	engine := newTestEngine(t, caHandler)

	orch := New(engine, transport.New(nil), resolver, http.DefaultClient, realFastClock{})
	orch.DNSPollInterval = time.Millisecond
	orch.DNSMaxAttempts = 50
	orch.DNSAddCommand = "true"
	orch.DNSDelCommand = "true"
	// challtestsrv's DNS-01 listener doesn't answer SOA queries, so point
	// propagation checks straight at it instead of resolving an
	// authoritative nameserver.
	orch.DNSServerOverride = "127.0.0.1:48054"

	tmpDir := t.TempDir()
	names := []string{"a.example.com", "b.example.com"}
	var idents []DNS01Identifier
	for i, n := range names {
		idents = append(idents, DNS01Identifier{
			Name: n,
			Authz: core.Authorization{
				Identifier: core.AcmeIdentifier{Type: core.IdentifierDNS, Value: n},
				Challenges: []core.Challenge{{Type: core.ChallengeTypeDNS01, Token: "tok" + string(rune('0'+i)), URI: engine.Transport.BaseURL + "/chall/1"}},
			},
		})
	}

	// Seed the TXT records challtestsrv will answer with, computed the
	// same way the orchestrator computes authKey, so propagation succeeds
	// without requiring a separate goroutine to add them mid-poll.
	for i, n := range names {
		ka, _ := core.NewKeyAuthorization("tok"+string(rune('0'+i)), "test-thumbprint")
		authKey := dnsAuthKey(ka)
		dnsSrv.AddDNSOneChallenge(core.DNSPrefix+"."+n+".", authKey)
	}

	if err := orch.RunDNS01(context.Background(), tmpDir, "test-thumbprint", idents); err != nil {
		t.Fatalf("RunDNS01: %v", err)
	}

	for _, n := range names {
		if _, err := os.Stat(filepath.Join(tmpDir, "dns_verify", n)); err != nil {
			t.Fatalf("expected dns_verify spool file for %s: %v", n, err)
		}
	}
}

// TestRunDNS01RegistersTeardownHookBeforeCompletion verifies §4.5 step 8:
// the in-flight teardown closure must be handed to TeardownDNS before the
// propagation/notify loops run (so an abnormal exit mid-poll can still
// invoke it), and cleared once RunDNS01 returns normally.
func TestRunDNS01RegistersTeardownHookBeforeCompletion(t *testing.T) {
	dnsSrv, err := challtestsrv.New(challtestsrv.Config{DNSOneAddrs: []string{"127.0.0.1:48064"}})
	if err != nil {
		t.Fatalf("starting DNS test server: %v", err)
	}
	go dnsSrv.Run()
	t.Cleanup(dnsSrv.Shutdown)
	time.Sleep(50 * time.Millisecond)

	resolver := bdns.NewResolverWithServers(2*time.Second, []string{"127.0.0.1:48064"})
	caHandler, _ := pollingChallengeCA(t, 0)
	engine := newTestEngine(t, caHandler)

	orch := New(engine, transport.New(nil), resolver, http.DefaultClient, realFastClock{})
	orch.DNSPollInterval = time.Millisecond
	orch.DNSMaxAttempts = 50
	orch.DNSAddCommand = "true"
	orch.DNSDelCommand = "true"
	orch.DNSServerOverride = "127.0.0.1:48064"

	var mu sync.Mutex
	var registeredBeforeReturn bool
	var clearedAfterReturn bool
	orch.TeardownDNS = func(teardown func()) {
		mu.Lock()
		defer mu.Unlock()
		if teardown != nil {
			registeredBeforeReturn = true
		} else {
			clearedAfterReturn = true
		}
	}

	name := "example.com"
	ka, _ := core.NewKeyAuthorization("tok0", "test-thumbprint")
	authKey := dnsAuthKey(ka)
	dnsSrv.AddDNSOneChallenge(core.DNSPrefix+"."+name+".", authKey)

	idents := []DNS01Identifier{{
		Name: name,
		Authz: core.Authorization{
			Identifier: core.AcmeIdentifier{Type: core.IdentifierDNS, Value: name},
			Challenges: []core.Challenge{{Type: core.ChallengeTypeDNS01, Token: "tok0", URI: engine.Transport.BaseURL + "/chall/1"}},
		},
	}}

	if err := orch.RunDNS01(context.Background(), t.TempDir(), "test-thumbprint", idents); err != nil {
		t.Fatalf("RunDNS01: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !registeredBeforeReturn {
		t.Fatalf("expected TeardownDNS to be registered with a non-nil closure during the run")
	}
	if !clearedAfterReturn {
		t.Fatalf("expected TeardownDNS to be cleared (called with nil) after RunDNS01 returned")
	}
}

// realFastClock is a clock.Clock whose Sleep is a no-op, used so polling
// tests don't block on real wall-clock time while still exercising the
// same polling code path a real Clock would.
type realFastClock struct{ clock.Clock }

func (realFastClock) Now() time.Time                       { return time.Now() }
func (realFastClock) Sleep(d time.Duration)                 {}
func (realFastClock) Since(t time.Time) time.Duration       { return time.Since(t) }
func (realFastClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}
