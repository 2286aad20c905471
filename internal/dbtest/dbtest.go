/*
Package dbtest spins up database containers for integration tests. It wraps
the testcontainers-go library with the defaults used by the registry tests,
so individual tests do not repeat the same boilerplate.

If you need a specific customisation of the database, use the
testcontainers-go modules directly instead.

Developing locally with Docker, you may want to manually inspect the database
after a test failure. To do this, set the Inspect flag to true:

	go test -dbtest.inspect

This package is intended to be used in tests only. It is not suitable for
production use.
*/
package dbtest

import (
	"flag"
	"os"
	"os/signal"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
)

// Inspect can be set to prevent containers from being torn down immediately
// after the test fails, so the database can be manually inspected to
// understand the internal state after a failure.
//
// Although the test container will not be torn down, it will still be reaped
// by the testcontainers library after some time. See their documentation for
// more information.
var Inspect = flag.Bool("dbtest.inspect", false, "keep test container running for inspection after a failed test completes")

// waitForInspection blocks until the user signals that they are done
// inspecting the database by sending a SIGINT (Ctrl+C).
func waitForInspection() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	<-c
}

// containerOptions prepends a logger bound to the given [testing.TB] to the
// provided container customizers.
func containerOptions(tb testing.TB, opts ...testcontainers.ContainerCustomizer) []testcontainers.ContainerCustomizer {
	customizers := make([]testcontainers.ContainerCustomizer, 0, len(opts)+1)
	customizers = append(customizers, testcontainers.WithLogger(log.TestLogger(tb)))
	return append(customizers, opts...)
}
