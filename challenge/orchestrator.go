// Package challenge drives the per-identifier challenge state machine
// (§4.5): provisioning the proof, self-checking it locally, notifying the
// CA, polling for a verdict, and guaranteed teardown. Structured after the
// teacher's ACME exchange helpers in test/load-generator/boulder-calls.go
// (sign, post, inspect status, retry), generalized from that package's
// one-shot ACME v2 calls into the full provision→notify→poll→teardown
// cycle ACME v1's http-01 and dns-01 challenges require.
package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jmhodges/clock"

	"github.com/harborcrypt/acmeclient/acme"
	"github.com/harborcrypt/acmeclient/bdns"
	"github.com/harborcrypt/acmeclient/core"
	acmeerrors "github.com/harborcrypt/acmeclient/errors"
	"github.com/harborcrypt/acmeclient/transport"
)

// Defaults mirror §5's fixed suspension points.
const (
	DefaultPollInterval    = 5 * time.Second
	DefaultDNSPollInterval = 10 * time.Second
	DefaultDNSMaxAttempts  = 100
)

// Orchestrator runs the HTTP-01 and DNS-01 state machines for one
// certificate issuance.
type Orchestrator struct {
	Engine   *acme.SignedRequestEngine
	Placer   *transport.Placer
	Resolver *bdns.Resolver
	HTTP     *http.Client
	Clock    clock.Clock

	PollInterval    time.Duration
	DNSPollInterval time.Duration
	DNSMaxAttempts  int

	DNSAddCommand string
	DNSDelCommand string
	DNSExtraWait  time.Duration

	// DNSServerOverride, if set, is queried directly for propagation
	// checks instead of first resolving each identifier's authoritative
	// nameserver via SOA. Left empty in production; tests point it at a
	// single test DNS server that doesn't implement SOA.
	DNSServerOverride string

	// Warnf logs a non-fatal teardown failure. Defaults to a no-op; the
	// lifecycle controller wires this to the structured logger.
	Warnf func(format string, args ...interface{})

	// TeardownDNS, if set, is handed the in-flight DNS-01 teardown closure
	// before RunDNS01 starts adding records, and cleared (called with nil)
	// once RunDNS01 returns. The lifecycle controller wires this to
	// workspace.Session.TeardownDNS so an abnormal exit (SIGTERM/SIGINT/
	// SIGHUP while blocked in the propagation poll) still runs
	// DNS_DEL_COMMAND for every identifier provisioned so far (§4.5 step 8,
	// §4.7). Left nil by default, which is a no-op here.
	TeardownDNS func(teardown func())
}

// New builds an Orchestrator with the spec's default polling cadence.
func New(engine *acme.SignedRequestEngine, placer *transport.Placer, resolver *bdns.Resolver, httpClient *http.Client, clk clock.Clock) *Orchestrator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		Engine:          engine,
		Placer:          placer,
		Resolver:        resolver,
		HTTP:            httpClient,
		Clock:           clk,
		PollInterval:    DefaultPollInterval,
		DNSPollInterval: DefaultDNSPollInterval,
		DNSMaxAttempts:  DefaultDNSMaxAttempts,
		Warnf:           func(string, ...interface{}) {},
	}
}

// HTTP01Identifier is the per-name input to RunHTTP01: which identifier,
// which authorization the CA returned for it, and which ACL destination
// (§6 ACL[]) its challenge token is deployed to.
type HTTP01Identifier struct {
	Name  string
	Authz core.Authorization
	ACL   string
}

// RunHTTP01 drives steps 1-6 of §4.5's HTTP-01 path: each identifier is
// fully provisioned, self-checked, notified, polled, and torn down before
// the next identifier starts (the ordering guarantee is per-identifier
// for HTTP-01, unlike DNS-01's batched-adds-then-batched-notifies wait).
func (o *Orchestrator) RunHTTP01(ctx context.Context, tmpDir string, thumbprint string, identifiers []HTTP01Identifier) error {
	for _, ident := range identifiers {
		if err := o.runHTTP01One(ctx, tmpDir, thumbprint, ident); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runHTTP01One(ctx context.Context, tmpDir string, thumbprint string, ident HTTP01Identifier) error {
	ch, ok := ident.Authz.ChallengeOfType(core.ChallengeTypeHTTP01)
	if !ok {
		return acmeerrors.ChallengeError("%s: no http-01 challenge offered", ident.Name)
	}
	ka, err := core.NewKeyAuthorization(ch.Token, thumbprint)
	if err != nil {
		return acmeerrors.ChallengeError("%s: %v", ident.Name, err)
	}

	tokenPath := filepath.Join(tmpDir, ch.Token)
	if err := os.WriteFile(tokenPath, []byte(ka.String()), 0o644); err != nil {
		return acmeerrors.ChallengeError("%s: writing key authorization to tmp: %v", ident.Name, err)
	}

	if err := o.Placer.Place(ctx, "http-01 token for "+ident.Name, tokenPath, joinACL(ident.ACL, ch.Token)); err != nil {
		return err
	}
	teardown := func() {
		os.Remove(tokenPath)
		if err := o.Placer.Remove(ctx, "http-01 teardown for "+ident.Name, joinACL(ident.ACL, ch.Token)); err != nil {
			o.Warnf("http-01 teardown for %s: %v", ident.Name, err)
		}
	}
	defer teardown()

	if err := o.selfCheckHTTP01(ctx, ident.Name, ch.Token, ka.String()); err != nil {
		return err
	}

	if err := o.notifyAndPoll(ctx, ch, ka.String()); err != nil {
		return fmt.Errorf("%s: %w", ident.Name, err)
	}
	return nil
}

// joinACL appends the challenge token to a configured ACL root, whether
// that root is a bare local path or an "ssh:<host>:<path>" destination.
func joinACL(acl, token string) string {
	if acl == "" {
		return ""
	}
	return acl + "/" + token
}

func (o *Orchestrator) selfCheckHTTP01(ctx context.Context, identifier, token, keyAuth string) error {
	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", identifier, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return acmeerrors.ChallengeError("%s: building self-check request: %v", identifier, err)
	}
	resp, err := o.HTTP.Do(req)
	if err != nil {
		return acmeerrors.ChallengeError("%s: self-check request failed: %v", identifier, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return acmeerrors.ChallengeError("%s: reading self-check response: %v", identifier, err)
	}
	if string(body) != keyAuth {
		return acmeerrors.ChallengeError("%s: self-check mismatch: got %q, want %q", identifier, body, keyAuth)
	}
	return nil
}

// notifyAndPoll posts the challenge response and polls its status until
// the CA reports "valid" or "invalid" (§4.5 state machine).
func (o *Orchestrator) notifyAndPoll(ctx context.Context, ch core.Challenge, keyAuth string) error {
	payload, err := acme.ResourcePayload(core.ResourceChallenge, map[string]interface{}{
		"keyAuthorization": keyAuth,
	})
	if err != nil {
		return fmt.Errorf("building challenge response payload: %w", err)
	}

	resp, err := o.Engine.SendSigned(ctx, ch.URI, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return acme.ProblemFromBody(resp.StatusCode, resp.Body)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := o.Engine.Get(ctx, ch.URI)
		if err != nil {
			return err
		}
		var polled core.Challenge
		if err := json.Unmarshal(resp.Body, &polled); err != nil {
			return acmeerrors.ChallengeError("decoding challenge status from %s: %v", ch.URI, err)
		}

		switch polled.Status {
		case core.StatusValid:
			return nil
		case core.StatusInvalid:
			if polled.Error != nil {
				return acmeerrors.ChallengeError("%s", polled.Error.Error())
			}
			return acmeerrors.ChallengeError("challenge %s went invalid", ch.URI)
		default:
			o.Clock.Sleep(o.PollInterval)
		}
	}
}

// DNS01Identifier is the per-name input to RunDNS01.
type DNS01Identifier struct {
	Name  string
	Authz core.Authorization
}

// RunDNS01 drives §4.5's DNS-01 path: all DNS_ADD_COMMAND invocations
// happen before the global propagation wait, which happens before any
// notify, so propagation time is paid once across every identifier
// instead of once per identifier (the "ordering guarantee").
func (o *Orchestrator) RunDNS01(ctx context.Context, tmpDir string, thumbprint string, identifiers []DNS01Identifier) error {
	type dnsRecord struct {
		name    string
		ch      core.Challenge
		ka      core.KeyAuthorization
		authKey string
	}

	var records []dnsRecord
	teardown := func() {
		for _, r := range records {
			if err := o.runDNSHook(o.DNSDelCommand, r.name, ""); err != nil {
				o.Warnf("dns-01 teardown for %s: %v", r.name, err)
			}
		}
	}
	if o.TeardownDNS != nil {
		o.TeardownDNS(teardown)
	}
	defer func() {
		teardown()
		if o.TeardownDNS != nil {
			o.TeardownDNS(nil)
		}
	}()

	for _, ident := range identifiers {
		ch, ok := ident.Authz.ChallengeOfType(core.ChallengeTypeDNS01)
		if !ok {
			return acmeerrors.ChallengeError("%s: no dns-01 challenge offered", ident.Name)
		}
		ka, err := core.NewKeyAuthorization(ch.Token, thumbprint)
		if err != nil {
			return acmeerrors.ChallengeError("%s: %v", ident.Name, err)
		}
		authKey := dnsAuthKey(ka)

		if err := o.runDNSHook(o.DNSAddCommand, ident.Name, authKey); err != nil {
			return err
		}

		if err := o.persistDNSVerify(tmpDir, ident.Name, ch, ka, authKey); err != nil {
			return err
		}

		records = append(records, dnsRecord{name: ident.Name, ch: ch, ka: ka, authKey: authKey})
	}

	for _, r := range records {
		if err := o.waitForTXTPropagation(ctx, r.name, r.authKey); err != nil {
			return err
		}
	}

	if o.DNSExtraWait > 0 {
		o.Clock.Sleep(o.DNSExtraWait)
	}

	for _, r := range records {
		if err := o.notifyAndPoll(ctx, r.ch, r.ka.String()); err != nil {
			return fmt.Errorf("%s: %w", r.name, err)
		}
	}
	return nil
}

func (o *Orchestrator) persistDNSVerify(tmpDir, identifier string, ch core.Challenge, ka core.KeyAuthorization, authKey string) error {
	dir := filepath.Join(tmpDir, "dns_verify")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return acmeerrors.ChallengeError("creating dns_verify spool: %v", err)
	}
	record := struct {
		Token            string `json:"token"`
		URI              string `json:"uri"`
		KeyAuthorization string `json:"keyAuthorization"`
		Identifier       string `json:"identifier"`
		AuthKey          string `json:"authKey"`
	}{
		Token:            ch.Token,
		URI:              ch.URI,
		KeyAuthorization: ka.String(),
		Identifier:       identifier,
		AuthKey:          authKey,
	}
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling dns_verify record: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, identifier), raw, 0o644)
}

func (o *Orchestrator) waitForTXTPropagation(ctx context.Context, identifier, authKey string) error {
	ns := o.DNSServerOverride
	if ns == "" {
		var err error
		ns, err = o.Resolver.AuthoritativeNameserver(ctx, identifier)
		if err != nil {
			return acmeerrors.DNSResolutionError("%s: %v", identifier, err)
		}
	}
	name := core.DNSPrefix + "." + identifier

	for attempt := 0; attempt < o.DNSMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := o.Resolver.LookupTXTFrom(ctx, ns, name)
		if err == nil {
			for _, v := range values {
				if v == authKey {
					return nil
				}
			}
		}
		o.Clock.Sleep(o.DNSPollInterval)
	}
	return acmeerrors.PropagationError("%s: TXT record not observed after %d attempts", identifier, o.DNSMaxAttempts)
}

func (o *Orchestrator) runDNSHook(command, identifier, authKey string) error {
	if command == "" {
		return acmeerrors.ChallengeError("%s: DNS-01 requested but no DNS hook command is configured", identifier)
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(),
		"ACME_IDENTIFIER="+identifier,
		"ACME_AUTH_KEY="+authKey,
	)
	cmd.Args = append(cmd.Args, identifier)
	if authKey != "" {
		cmd.Args = append(cmd.Args, authKey)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return acmeerrors.DependencyError("DNS hook %q for %s failed: %v (%s)", command, identifier, err, out)
	}
	return nil
}

// dnsAuthKey computes base64URL(SHA-256(keyAuthorization)), the DNS-01
// TXT record value (§4.5 step 1).
func dnsAuthKey(ka core.KeyAuthorization) string {
	sum := sha256.Sum256([]byte(ka.String()))
	return core.Base64URLEncode(sum[:])
}
