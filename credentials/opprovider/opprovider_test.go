package opprovider

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/asset-cache/credentials"
)

func TestWithOnePassword_RegistersProvider(t *testing.T) {
	opt := WithOnePassword()
	r := credentials.NewResolver(opt)
	require.NotNil(t, r)
}

// fakeOp writes a script that echoes its arguments in place of the op CLI.
func fakeOp(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "op")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700))
	return path
}

func TestWithOnePassword_Resolves(t *testing.T) {
	bin := fakeOp(t, `echo "$@"`)

	input := `{"remote": {"token": {{ op "op://vault/asset-cache/token" | json }}}}`
	r := credentials.NewResolver(WithOnePassword(WithBinary(bin), WithAccount("my.1password.com")))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.NotNil(t, creds.Remote)
	require.Equal(t, "read --no-newline --account my.1password.com op://vault/asset-cache/token", creds.Remote.Token)
}

func TestWithOnePassword_Failure(t *testing.T) {
	bin := fakeOp(t, `echo "item not found" >&2; exit 1`)

	input := `{"remote": {"token": {{ op "op://vault/missing" | json }}}}`
	r := credentials.NewResolver(WithOnePassword(WithBinary(bin)))
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "item not found")
}
