// Package lifecycle drives the Certificate Lifecycle Controller (§4.6):
// the fourteen-step sequence from server-type resolution through
// post-deploy verification that turns a configured domain plus workspace
// into an issued, deployed, reloaded certificate. It is the one
// component that composes every other package (acme, jose, bdns,
// challenge, transport, workspace, config) into a single run. Grounded
// on the teacher's certificate-issuance decision logic in
// ca/certificate-authority.go (the notAfter/validity computation this
// package's renewal gate generalizes) and on its RPC-free, single-process
// "do the whole thing in one call" shape wherever the teacher's own
// split across RA/CA/VA/SA services would otherwise apply.
package lifecycle

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jmhodges/clock"

	"github.com/harborcrypt/acmeclient/acme"
	"github.com/harborcrypt/acmeclient/bdns"
	"github.com/harborcrypt/acmeclient/challenge"
	"github.com/harborcrypt/acmeclient/config"
	"github.com/harborcrypt/acmeclient/core"
	acmeerrors "github.com/harborcrypt/acmeclient/errors"
	"github.com/harborcrypt/acmeclient/jose"
	"github.com/harborcrypt/acmeclient/transport"
	"github.com/harborcrypt/acmeclient/workspace"
)

// Controller wires every package this run needs into the single driven
// sequence §4.6 describes.
type Controller struct {
	Engine    *acme.SignedRequestEngine
	Orch      *challenge.Orchestrator
	Placer    *transport.Placer
	Resolver  *bdns.Resolver
	Session   *workspace.Session
	Clock     clock.Clock
	Force     bool
	ReloadWait time.Duration

	Warnf func(format string, args ...interface{})
	Infof func(format string, args ...interface{})
}

// New builds a Controller with the spec's default reload-wait cadence;
// Warnf/Infof default to no-ops so tests don't need a logger. Wires
// orch's DNS-01 teardown into session.TeardownDNS so an abnormal exit
// mid-run still tears down any in-flight DNS-01 records (§4.5 step 8,
// §4.7), not just a normal return from Run.
func New(engine *acme.SignedRequestEngine, orch *challenge.Orchestrator, placer *transport.Placer, resolver *bdns.Resolver, session *workspace.Session, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if orch != nil && session != nil {
		orch.TeardownDNS = func(teardown func()) { session.TeardownDNS = teardown }
	}
	return &Controller{
		Engine:     engine,
		Orch:       orch,
		Placer:     placer,
		Resolver:   resolver,
		Session:    session,
		Clock:      clk,
		ReloadWait: 2 * time.Second,
		Warnf:      func(string, ...interface{}) {},
		Infof:      func(string, ...interface{}) {},
	}
}

// Run executes the full §4.6 sequence for primary domain D under cfg.
// Returning nil means "up to date" (renewal gate satisfied, or repaired)
// as much as "freshly issued"; callers that need to distinguish the two
// can inspect the returned Outcome.
type Outcome struct {
	Action      string // "issued", "skipped", "repaired"
	Certificate *jose.ParsedCertificate
}

func (c *Controller) Run(ctx context.Context, cfg *config.Config, domain string) (*Outcome, error) {
	port, err := cfg.ResolveServerType()
	if err != nil {
		return nil, err
	}

	certPath := c.Session.CertPath(domain)

	record := func(action workspace.HistoryAction, cert *jose.ParsedCertificate) {
		if err := c.Session.AppendHistory(workspace.HistoryRecord{
			At:          c.Clock.Now(),
			Action:      action,
			NotAfter:    cert.NotAfter,
			Fingerprint: cert.SHA256Fingerprint,
		}); err != nil {
			c.Warnf("appending history record for %s: %v", domain, err)
		}
	}

	if cfg.CheckRemote && !c.Force {
		outcome, err := c.reconcileRemote(ctx, cfg, domain, port, certPath)
		if outcome != nil && err == nil {
			record(workspace.ActionRepaired, outcome.Certificate)
		}
		if err != nil || outcome != nil {
			return outcome, err
		}
	}

	renewAllow := cfg.RenewAllow
	if c.Force {
		renewAllow = 365
	}
	if local, err := jose.ParseCert(mustRead(certPath)); err == nil {
		if c.Clock.Now().AddDate(0, 0, renewAllow).Before(local.NotAfter) {
			c.Infof("%s: not yet due for renewal (expires %s)", domain, local.NotAfter)
			record(workspace.ActionSkipped, local)
			return &Outcome{Action: "skipped", Certificate: local}, nil
		}
		if err := workspace.Archive(certPath, local.NotBefore, local.NotAfter); err != nil {
			return nil, err
		}
	}

	domainKeyPath := c.Session.DomainKeyPath(domain)
	signer, err := c.materializeDomainKey(cfg, domainKeyPath)
	if err != nil {
		return nil, err
	}

	names := core.UniqueSorted(append([]string{domain}, cfg.SANS...))
	if !cfg.ValidateViaDNS {
		for _, n := range names {
			if _, err := c.Resolver.LookupHost(ctx, n); err != nil {
				return nil, err
			}
		}
	}

	csrDER, err := c.materializeCSR(signer, domain, names)
	if err != nil {
		return nil, err
	}

	if err := c.registerAccount(ctx, cfg); err != nil {
		return nil, err
	}

	if err := c.authorizeAll(ctx, cfg, names); err != nil {
		return nil, err
	}

	artifact, err := c.finalize(ctx, csrDER, domain)
	if err != nil {
		return nil, err
	}

	if err := c.deploy(ctx, cfg, domain, domainKeyPath, artifact); err != nil {
		return nil, err
	}

	if err := c.reload(ctx, cfg); err != nil {
		return nil, err
	}

	parsed, err := jose.ParseCert(artifact.LeafPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing freshly issued certificate: %w", err)
	}

	if cfg.CheckRemote {
		if err := c.postDeployVerify(ctx, domain, port, parsed.SHA256Fingerprint); err != nil {
			return nil, err
		}
	}

	record(workspace.ActionIssued, parsed)
	return &Outcome{Action: "issued", Certificate: parsed}, nil
}

// reconcileRemote implements §4.6 step 2. A non-nil Outcome short-circuits
// Run entirely (the repair path re-deploys and returns without touching
// ACME); a nil Outcome with a nil error means "proceed to the renewal
// gate" (remote matched the local copy, the remote CN names a different
// domain, or the probe failed). A remote that is behind the local copy
// is repaired by re-deploying the local artifacts.
func (c *Controller) reconcileRemote(ctx context.Context, cfg *config.Config, domain string, port int, certPath string) (*Outcome, error) {
	remoteDER, err := probeTLS(ctx, domain, port)
	if err != nil {
		c.Warnf("%s: remote reconciliation probe failed, proceeding with local state: %v", domain, err)
		return nil, nil
	}
	remote, err := jose.ParseCert(remoteDER)
	if err != nil {
		return nil, fmt.Errorf("parsing remote certificate for %s: %w", domain, err)
	}

	localBytes, err := os.ReadFile(certPath)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.WriteFile(certPath, jose.PEMCertificate(remoteDER), 0o644); err != nil {
				return nil, acmeerrors.ConfigurationError("saving remote certificate copy for %s: %v", domain, err)
			}
			return &Outcome{Action: "repaired", Certificate: remote}, nil
		}
		return nil, err
	}
	local, err := jose.ParseCert(localBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing local certificate for %s: %w", domain, err)
	}

	if remote.SHA256Fingerprint == local.SHA256Fingerprint {
		return nil, nil
	}
	if remote.SubjectCN != domain {
		c.Warnf("%s: remote certificate CN %q does not match, ignoring remote", domain, remote.SubjectCN)
		return nil, nil
	}
	if remote.NotAfter.After(local.NotAfter) {
		if err := workspace.Archive(certPath, local.NotBefore, local.NotAfter); err != nil {
			return nil, err
		}
		if err := os.WriteFile(certPath, jose.PEMCertificate(remoteDER), 0o644); err != nil {
			return nil, acmeerrors.ConfigurationError("adopting remote certificate for %s: %v", domain, err)
		}
		return &Outcome{Action: "repaired", Certificate: remote}, nil
	}

	// Remote is stale relative to our local copy: repair by re-deploying
	// local artifacts and reloading (§4.6 step 2 repair path).
	artifact := core.CertificateArtifact{LeafPEM: localBytes}
	if err := c.deploy(ctx, cfg, domain, c.Session.DomainKeyPath(domain), artifact); err != nil {
		return nil, err
	}
	if err := c.reload(ctx, cfg); err != nil {
		return nil, err
	}
	return &Outcome{Action: "repaired", Certificate: local}, nil
}

// probeTLS connects to host:port with SNI and returns the leaf
// certificate's raw DER (§4.6 step 2 "TLS-connect... fetch the leaf").
func probeTLS(ctx context.Context, host string, port int) ([]byte, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: host, InsecureSkipVerify: true})
	if err != nil {
		return nil, acmeerrors.ConfigurationError("probing %s: %v", addr, err)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, acmeerrors.ConfigurationError("%s: no certificate presented", addr)
	}
	return state.PeerCertificates[0].Raw, nil
}

func mustRead(path string) []byte {
	data, _ := os.ReadFile(path)
	return data
}

// materializeDomainKey implements §4.6 steps 5-6, reusing an existing
// domain key rather than regenerating it (the account key's equivalent
// step is handled once per workspace by the cmd layer before Run, since
// it is shared across every domain — §3 Account).
func (c *Controller) materializeDomainKey(cfg *config.Config, path string) (crypto.Signer, error) {
	if _, err := os.Stat(path); err == nil {
		if cfg.PrivateKeyAlg == "prime256v1" {
			return nil, acmeerrors.ConfigurationError("loading existing EC domain keys is not yet supported; remove %s to regenerate", path)
		}
		key, weak, err := jose.LoadRSA(path)
		if err != nil {
			return nil, err
		}
		if weak {
			c.Warnf("%s: domain key matches the ROCA weak-key fingerprint", path)
		}
		return key, nil
	}

	if cfg.PrivateKeyAlg == "prime256v1" {
		key, pemBytes, err := jose.GenerateEC()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
			return nil, acmeerrors.ConfigurationError("writing domain key %s: %v", path, err)
		}
		return key, nil
	}

	key, pemBytes, weak, err := jose.GenerateRSA(cfg.DomainKeyLength)
	if err != nil {
		return nil, err
	}
	if weak {
		c.Warnf("%s: generated domain key matches the ROCA weak-key fingerprint", path)
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, acmeerrors.ConfigurationError("writing domain key %s: %v", path, err)
	}
	return key, nil
}

// materializeCSR implements §4.6 step 8: reuse an on-disk CSR only if its
// name set is exactly {D} ∪ SANS, otherwise (re)build one and persist it
// to workDir/<D>/<D>.csr (§3 Workspace Layout).
func (c *Controller) materializeCSR(signer crypto.Signer, domain string, names []string) ([]byte, error) {
	want := core.UniqueSorted(names)
	path := c.Session.CSRPath(domain)

	if existing, err := os.ReadFile(path); err == nil {
		if got, err := jose.InspectCSR(existing); err == nil && core.NamesEqual(got, want) {
			der := existing
			if block, _ := pem.Decode(existing); block != nil {
				der = block.Bytes
			}
			return der, nil
		}
	}

	der, lintWarnings, err := jose.BuildCSR(signer, names)
	if err != nil {
		return nil, acmeerrors.ConfigurationError("building CSR: %v", err)
	}
	for _, w := range lintWarnings {
		c.Warnf("CSR lint: %s", w)
	}
	if err := os.WriteFile(path, der, 0o644); err != nil {
		return nil, acmeerrors.ConfigurationError("writing %s: %v", path, err)
	}
	return der, nil
}

// registerAccount implements §4.6 step 9. HTTP 201 is a fresh
// registration; 409 means the account already exists under this key,
// which is not an error (§7).
func (c *Controller) registerAccount(ctx context.Context, cfg *config.Config) error {
	dir, err := acme.FetchDirectory(ctx, c.Engine.Transport, c.Engine.Transport.BaseURL)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{"agreement": cfg.Agreement}
	if cfg.AccountEmail != "" {
		fields["contact"] = []string{"mailto:" + cfg.AccountEmail}
	}
	payload, err := acme.ResourcePayload(core.ResourceNewReg, fields)
	if err != nil {
		return err
	}

	resp, err := c.Engine.SendSigned(ctx, dir.NewReg, payload)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusCreated:
		c.Infof("account registered")
		return nil
	case http.StatusConflict:
		c.Infof("account already registered")
		return nil
	default:
		return acme.ProblemFromBody(resp.StatusCode, resp.Body)
	}
}

// authorizeAll implements §4.6 step 10: one new-authz per name, driving
// the challenge orchestrator for whichever challenge type the
// configuration selects.
func (c *Controller) authorizeAll(ctx context.Context, cfg *config.Config, names []string) error {
	dir, err := acme.FetchDirectory(ctx, c.Engine.Transport, c.Engine.Transport.BaseURL)
	if err != nil {
		return err
	}

	var httpIdents []challenge.HTTP01Identifier
	var dnsIdents []challenge.DNS01Identifier

	for i, name := range names {
		authz, err := c.newAuthz(ctx, dir.NewAuthz, name)
		if err != nil {
			return err
		}

		if cfg.ValidateViaDNS {
			dnsIdents = append(dnsIdents, challenge.DNS01Identifier{Name: name, Authz: authz})
			continue
		}
		acl := ""
		if i < len(cfg.ACL) {
			acl = cfg.ACL[i]
		} else if len(cfg.ACL) > 0 {
			acl = cfg.ACL[0]
		}
		httpIdents = append(httpIdents, challenge.HTTP01Identifier{Name: name, Authz: authz, ACL: acl})
	}

	thumbprint := c.Engine.Account.Thumbprint
	if len(httpIdents) > 0 {
		if err := c.Orch.RunHTTP01(ctx, c.Session.TmpDir, thumbprint, httpIdents); err != nil {
			return err
		}
	}
	if len(dnsIdents) > 0 {
		if err := c.Orch.RunDNS01(ctx, c.Session.TmpDir, thumbprint, dnsIdents); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) newAuthz(ctx context.Context, newAuthzURL, name string) (core.Authorization, error) {
	payload, err := acme.ResourcePayload(core.ResourceNewAuthz, map[string]interface{}{
		"identifier": core.AcmeIdentifier{Type: core.IdentifierDNS, Value: name},
	})
	if err != nil {
		return core.Authorization{}, err
	}
	resp, err := c.Engine.SendSigned(ctx, newAuthzURL, payload)
	if err != nil {
		return core.Authorization{}, err
	}
	if resp.StatusCode != http.StatusCreated {
		return core.Authorization{}, acme.ProblemFromBody(resp.StatusCode, resp.Body)
	}
	var authz core.Authorization
	if err := json.Unmarshal(resp.Body, &authz); err != nil {
		return core.Authorization{}, acmeerrors.ChallengeError("decoding authorization for %s: %v", name, err)
	}
	return authz, nil
}

// finalize implements §4.6 step 11.
func (c *Controller) finalize(ctx context.Context, csrDER []byte, domain string) (core.CertificateArtifact, error) {
	dir, err := acme.FetchDirectory(ctx, c.Engine.Transport, c.Engine.Transport.BaseURL)
	if err != nil {
		return core.CertificateArtifact{}, err
	}

	payload, err := acme.ResourcePayload(core.ResourceNewCert, map[string]interface{}{
		"csr": core.Base64URLEncode(csrDER),
	})
	if err != nil {
		return core.CertificateArtifact{}, err
	}

	resp, err := c.Engine.SendSigned(ctx, dir.NewCert, payload)
	if err != nil {
		return core.CertificateArtifact{}, err
	}
	if resp.StatusCode != http.StatusCreated {
		return core.CertificateArtifact{}, acme.ProblemFromBody(resp.StatusCode, resp.Body)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return core.CertificateArtifact{}, acmeerrors.ChallengeError("new-cert response carried no Location header")
	}
	leafResp, err := c.Engine.Get(ctx, location)
	if err != nil {
		return core.CertificateArtifact{}, err
	}
	leafPEM := jose.PEMCertificate(leafResp.Body)
	if err := os.WriteFile(c.Session.CertPath(domain), leafPEM, 0o644); err != nil {
		return core.CertificateArtifact{}, acmeerrors.ConfigurationError("writing %s: %v", c.Session.CertPath(domain), err)
	}

	issuerURL := parseUpLink(leafResp.Header.Get("Link"))
	var chainPEM []byte
	if issuerURL != "" {
		issuerResp, err := c.Engine.Get(ctx, issuerURL)
		if err != nil {
			return core.CertificateArtifact{}, err
		}
		chainPEM = jose.PEMCertificate(issuerResp.Body)
		if err := os.WriteFile(c.Session.ChainPath(), chainPEM, 0o644); err != nil {
			return core.CertificateArtifact{}, acmeerrors.ConfigurationError("writing %s: %v", c.Session.ChainPath(), err)
		}
	}

	parsed, err := x509.ParseCertificate(leafResp.Body)
	notBefore, notAfter := time.Time{}, time.Time{}
	if err == nil {
		notBefore, notAfter = parsed.NotBefore, parsed.NotAfter
	}

	return core.CertificateArtifact{
		LeafPEM:   leafPEM,
		ChainPEM:  chainPEM,
		NotBefore: notBefore,
		NotAfter:  notAfter,
	}, nil
}

// parseUpLink extracts the rel="up" target from an RFC 5988 Link header
// value, used to locate the issuer chain certificate (§4.6 step 11).
func parseUpLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="up"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start >= 0 && end > start {
			return part[start+1 : end]
		}
	}
	return ""
}

// deploy implements §4.6 step 12: domain cert, domain key, CA cert,
// chain, and pem bundle, each to its configured destination.
func (c *Controller) deploy(ctx context.Context, cfg *config.Config, domain, domainKeyPath string, artifact core.CertificateArtifact) error {
	keyPEM, _ := os.ReadFile(domainKeyPath)

	if err := c.Placer.PlaceBytes(ctx, "domain certificate", artifact.LeafPEM, cfg.DomainCertLocation); err != nil {
		return err
	}
	if err := c.Placer.PlaceBytes(ctx, "domain key", keyPEM, cfg.DomainKeyLocation); err != nil {
		return err
	}
	if err := c.Placer.PlaceBytes(ctx, "CA certificate", artifact.ChainPEM, cfg.CACertLocation); err != nil {
		return err
	}
	if err := c.Placer.PlaceBytes(ctx, "chain", artifact.Chain(), cfg.DomainChainLocation); err != nil {
		return err
	}
	if err := c.Placer.PlaceBytes(ctx, "pem bundle", artifact.Bundle(keyPEM), cfg.DomainPemLocation); err != nil {
		return err
	}
	return nil
}

// reload implements §4.6 step 13.
func (c *Controller) reload(ctx context.Context, cfg *config.Config) error {
	if cfg.ReloadCmd == "" {
		return nil
	}
	var err error
	if strings.HasPrefix(cfg.ReloadCmd, "ssh:") {
		err = c.runRemoteReload(ctx, cfg.ReloadCmd)
	} else {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cfg.ReloadCmd)
		out, runErr := cmd.CombinedOutput()
		if runErr != nil {
			err = acmeerrors.DeploymentError("reload command %q failed: %v (%s)", cfg.ReloadCmd, runErr, out)
		}
	}
	if err != nil {
		return err
	}
	c.Clock.Sleep(c.ReloadWait)
	return nil
}

func (c *Controller) runRemoteReload(ctx context.Context, spec string) error {
	rest := strings.TrimPrefix(spec, "ssh:")
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return acmeerrors.ConfigurationError("malformed RELOAD_CMD %q, want ssh:<host>:<cmd>", spec)
	}
	return c.Placer.RunRemoteCommand(ctx, "reload", parts[0], parts[1])
}

// postDeployVerify implements §4.6 step 14.
func (c *Controller) postDeployVerify(ctx context.Context, domain string, port int, wantFingerprint string) error {
	der, err := probeTLS(ctx, domain, port)
	if err != nil {
		return acmeerrors.PostDeployMismatchError("%s: post-deploy probe failed: %v", domain, err)
	}
	parsed, err := jose.ParseCert(der)
	if err != nil {
		return acmeerrors.PostDeployMismatchError("%s: parsing post-deploy certificate: %v", domain, err)
	}
	if parsed.SHA256Fingerprint != wantFingerprint {
		return acmeerrors.PostDeployMismatchError("%s: deployed fingerprint %s does not match issued %s", domain, parsed.SHA256Fingerprint, wantFingerprint)
	}
	return nil
}
