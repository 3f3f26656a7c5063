// Package cmd holds the small set of helpers every entrypoint under
// cmd/ shares: process-level signal handling, a fatal-error exit path,
// and the --version short-circuit. Grounded on the teacher's own
// cmd/shell.go, trimmed to what a single-binary CLI needs — there is no
// syslog/cfssl/mysql/gRPC logger bridging to do here since this client
// owns no long-running daemon and logs through one package (log).
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	acmelog "github.com/harborcrypt/acmeclient/log"
)

// buildVersion is overridden at link time with -ldflags "-X
// github.com/harborcrypt/acmeclient/cmd.buildVersion=...".
var buildVersion = "dev"

func init() {
	for _, v := range os.Args {
		if v == "--version" || v == "-version" {
			fmt.Println(VersionString())
			os.Exit(0)
		}
	}
}

// VersionString produces a friendly version string for --version.
func VersionString() string {
	return fmt.Sprintf("acmeclient %s (%s, %s/%s)", buildVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// FailOnError logs msg and err, if any, and exits 1 (§7: every fatal
// error kind maps to exit code 1).
func FailOnError(err error, msg string) {
	if err != nil {
		acmelog.Errf("%s: %v", msg, err)
		os.Exit(1)
	}
}

var signalToName = map[os.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGHUP:  "SIGHUP",
}

// CatchSignals blocks until SIGTERM, SIGINT, or SIGHUP arrives, runs
// callback (the workspace session's cleanup), and exits (§5 cancellation).
// SIGINT exits 1 (fatal, §6: "1 any fatal error"); SIGTERM/SIGHUP are a
// graceful shutdown request and exit 0. Run in its own goroutine alongside
// the main lifecycle run; whichever finishes first wins the race to call
// os.Exit.
func CatchSignals(callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	sig := <-sigChan
	acmelog.Infof("caught %s", signalToName[sig])

	if callback != nil {
		callback()
	}

	acmelog.Info("exiting")
	if sig == syscall.SIGINT {
		os.Exit(1)
	}
	os.Exit(0)
}
