// Package testutil holds helpers shared by tests across the repo.
package testutil

import (
	"testing"

	"github.com/sanity-io/litter"
	"github.com/stretchr/testify/require"
)

var dumper = litter.Options{HidePrivateFields: false, Compact: true}

// RequireEqualDump fails with a readable structure dump when want and got
// differ. Useful for nested run-length structures whose default rendering
// is unhelpful.
func RequireEqualDump(t *testing.T, want, got interface{}) {
	t.Helper()
	require.Equal(t, want, got, "want:\n%s\ngot:\n%s", dumper.Sdump(want), dumper.Sdump(got))
}

// Dump renders a value for failure messages.
func Dump(v interface{}) string {
	return dumper.Sdump(v)
}
