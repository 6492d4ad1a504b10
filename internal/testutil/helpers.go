// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"os"
	"testing"
)

// RequireKernel skips the test unless the ROAMD_KERNEL_TEST environment
// variable is set. Guarded tests open real netlink sockets and mutate
// policy routing, which needs CAP_NET_ADMIN and a host whose routing
// state may be disturbed.
func RequireKernel(t *testing.T) {
	t.Helper()
	if os.Getenv("ROAMD_KERNEL_TEST") == "" {
		t.Skip("Skipping test: requires ROAMD_KERNEL_TEST environment")
	}
}
