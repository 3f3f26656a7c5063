// Command acmeclient is the CLI entrypoint (§6 External Interfaces):
// `acmeclient [-h] [-d] [-c] [-f] [-a] [-q] [-w workingDir] domain`.
// Grounded on cuemby-warren's cmd/warren/main.go: a cobra.Command root
// with no subcommands (this client has exactly one verb, "issue or
// renew"), persistent flags bound with BoolVarP/StringVarP instead of
// warren's multi-command tree.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/harborcrypt/acmeclient/acme"
	"github.com/harborcrypt/acmeclient/bdns"
	"github.com/harborcrypt/acmeclient/challenge"
	"github.com/harborcrypt/acmeclient/cmd"
	"github.com/harborcrypt/acmeclient/config"
	acmeerrors "github.com/harborcrypt/acmeclient/errors"
	"github.com/harborcrypt/acmeclient/jose"
	"github.com/harborcrypt/acmeclient/lifecycle"
	acmelog "github.com/harborcrypt/acmeclient/log"
	"github.com/harborcrypt/acmeclient/metrics"
	"github.com/harborcrypt/acmeclient/tracing"
	"github.com/harborcrypt/acmeclient/transport"
	"github.com/harborcrypt/acmeclient/workspace"
)

var opts struct {
	debug      bool
	create     bool
	force      bool
	all        bool
	quiet      bool
	workingDir string
	pushGW     string
	traceFile  string
}

func main() {
	root := &cobra.Command{
		Use:   "acmeclient [flags] domain",
		Short: "Issue and renew ACME v1 certificates from a getssl.cfg-style config",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}
	root.Flags().BoolVarP(&opts.debug, "debug", "d", false, "verbose logging")
	root.Flags().BoolVarP(&opts.create, "create", "c", false, "materialize a default config for domain (CA: Let's Encrypt staging) and exit")
	root.Flags().BoolVarP(&opts.force, "force", "f", false, "force issuance even if not due for renewal")
	root.Flags().BoolVarP(&opts.all, "all", "a", false, "process every domain under workingDir")
	root.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "only log warnings and errors")
	root.Flags().StringVarP(&opts.workingDir, "working-dir", "w", ".", "workspace root directory")
	root.Flags().StringVar(&opts.pushGW, "push-gateway", "", "Prometheus Pushgateway address for one-shot metric push")
	root.Flags().StringVar(&opts.traceFile, "trace-file", "", "write OpenTelemetry spans as JSON lines to this file instead of stderr")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cobra.Command, args []string) error {
	if opts.debug && opts.quiet {
		return acmeerrors.ConfigurationError("-d and -q are mutually exclusive")
	}
	if opts.create && opts.all {
		return acmeerrors.ConfigurationError("-c and -a are mutually exclusive")
	}
	if opts.force && opts.all {
		return acmeerrors.ConfigurationError("-f and -a are mutually exclusive")
	}
	if !opts.all && len(args) != 1 {
		return acmeerrors.ConfigurationError("domain argument is required unless -a is given")
	}

	acmelog.Init(acmelog.Config{Debug: opts.debug, Quiet: opts.quiet})

	shutdownTracing, err := tracing.Setup("acmeclient", traceWriter())
	if err != nil {
		cmd.FailOnError(err, "setting up tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if opts.create {
		return runCreate(args[0])
	}

	registry := prometheus.NewRegistry()
	scope := metrics.NewPromScope(registry)
	runsTotal := scope.NewScope("runs")
	defer pushMetrics(registry)

	domains := args
	if opts.all {
		domains, err = workspace.Domains(opts.workingDir)
		if err != nil {
			cmd.FailOnError(err, "listing domains")
		}
	}

	exitCode := 0
	for _, domain := range domains {
		if err := runOne(domain, scope); err != nil {
			acmelog.Errf("%s: %v", domain, err)
			_ = runsTotal.Inc("failed", 1)
			exitCode = 1
			if !opts.all {
				break
			}
			continue
		}
		_ = runsTotal.Inc("succeeded", 1)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// runCreate implements the `-c` supplement (§SPEC_FULL supplement 3):
// write a default getssl.cfg, seeding SANS from the live remote
// certificate when one is reachable, then exit without issuing anything.
func runCreate(domain string) error {
	name, err := config.GuardName(domain)
	if err != nil {
		cmd.FailOnError(err, "validating domain")
	}

	session, err := workspace.New(opts.workingDir, name)
	if err != nil {
		cmd.FailOnError(err, "creating workspace")
	}
	defer session.Close(acmelog.Warnf)

	names, err := config.GuardNames(name, discoverRemoteSANs(name))
	if err != nil {
		cmd.FailOnError(err, "validating SANS")
	}
	if err := config.WriteDefault(session.ConfigPath(), name, names[1:]); err != nil {
		cmd.FailOnError(err, "writing default config")
	}
	acmelog.Infof("%s: wrote %s", name, session.ConfigPath())
	return nil
}

// discoverRemoteSANs probes the live certificate on domain:443, returning
// its SAN list minus the primary name, so -c output is usable without
// hand-editing when a server is already live. Best effort: an
// unreachable host just yields no seeded SANs.
func discoverRemoteSANs(domain string) []string {
	der, err := probeLeafCertificate(domain, 443)
	if err != nil {
		return nil
	}
	parsed, err := jose.ParseCert(der)
	if err != nil {
		return nil
	}
	var sans []string
	for _, n := range parsed.SANs {
		if n != domain {
			sans = append(sans, n)
		}
	}
	return sans
}

// probeLeafCertificate dials host:port and returns the peer's leaf
// certificate DER, the same raw-dial technique lifecycle.Controller uses
// in-run; duplicated here since -c runs before any Controller exists.
func probeLeafCertificate(host string, port int) ([]byte, error) {
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp",
		net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		&tls.Config{ServerName: host, InsecureSkipVerify: true})
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no peer certificates presented by %s", host)
	}
	return state.PeerCertificates[0].Raw, nil
}

func runOne(domain string, scope metrics.Scope) error {
	name, err := config.GuardName(domain)
	if err != nil {
		return err
	}

	session, err := workspace.New(opts.workingDir, name)
	if err != nil {
		return err
	}
	defer session.Close(acmelog.Warnf)

	go cmd.CatchSignals(func() { session.Close(acmelog.Warnf) })

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return err
	}
	if names, err := config.GuardNames(name, cfg.SANS); err != nil {
		return err
	} else {
		cfg.SANS = names[1:]
	}

	httpClient := tracing.InstrumentClient(nil)

	account, err := loadOrGenerateAccount(cfg, session)
	if err != nil {
		return err
	}

	acmeTransport := acme.NewTransport(cfg.CA, httpClient)
	engine := acme.NewSignedRequestEngine(acmeTransport, account)

	resolver, err := bdns.NewResolver(10 * time.Second)
	if err != nil {
		return err
	}

	placer := transport.New(nil)
	clk := clock.New()

	orch := challenge.New(engine, placer, resolver, httpClient, clk)
	orch.DNSAddCommand = cfg.DNSAddCommand
	orch.DNSDelCommand = cfg.DNSDelCommand
	orch.DNSExtraWait = time.Duration(cfg.DNSExtraWait) * time.Second
	orch.Warnf = acmelog.Warnf

	controller := lifecycle.New(engine, orch, placer, resolver, session, clk)
	controller.Force = opts.force
	controller.Warnf = acmelog.Warnf
	controller.Infof = acmelog.Infof

	timer := scope.NewScope(name)
	start := clk.Now()
	outcome, err := controller.Run(context.Background(), cfg, name)
	_ = timer.TimingDuration("duration", clk.Now().Sub(start))
	if err != nil {
		return err
	}
	acmelog.Infof("%s: %s", name, outcome.Action)
	return nil
}

// loadOrGenerateAccount materializes the shared account key (§3 Account,
// §4.4): reused across every domain under workingDir if already present.
func loadOrGenerateAccount(cfg *config.Config, session *workspace.Session) (*jose.Account, error) {
	path := cfg.AccountKey
	if path == "" {
		path = session.AccountKeyPath()
	}
	key, weak, err := jose.LoadRSA(path)
	if err != nil {
		bits := cfg.AccountKeyLength
		if bits == 0 {
			bits = jose.DefaultRSABits
		}
		var pemBytes []byte
		key, pemBytes, weak, err = jose.GenerateRSA(bits)
		if err != nil {
			return nil, acmeerrors.ConfigurationError("generating account key: %v", err)
		}
		if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
			return nil, acmeerrors.ConfigurationError("writing %s: %v", path, err)
		}
	}
	if weak {
		acmelog.Warnf("account key at %s failed the ROCA weak-key check", path)
	}
	return jose.NewAccount(key)
}

func traceWriter() *os.File {
	if opts.traceFile == "" {
		return os.Stderr
	}
	f, err := os.OpenFile(opts.traceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		cmd.FailOnError(err, "opening trace file")
	}
	return f
}

func pushMetrics(registry *prometheus.Registry) {
	if opts.pushGW == "" {
		return
	}
	if err := metrics.PushOnExit(registry, opts.pushGW, "acmeclient"); err != nil {
		acmelog.Warnf("pushing metrics: %v", err)
	}
}
