package console

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schultz-is/rcond"
	"github.com/schultz-is/rcond/internal/config"
)

var testPeer = rcon.Peer{
	Addr:            &net.TCPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 50123},
	SessionID:       "3f2a",
	PermissionLevel: 4,
}

// shell returns an executor running script with sh, the command text arriving as $1.
func shell(t *testing.T, script string) *ProgramExecutor {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not found")
	}

	return &ProgramExecutor{
		Program: sh,
		Args:    []string{"-c", script, "sh"},
		Timeout: 5 * time.Second,
	}
}

func TestProgramExecutor(t *testing.T) {
	t.Run("command is the final argument", func(t *testing.T) {
		e := shell(t, `printf 'ran: %s\n' "$1"`)

		reply, err := e.Execute(context.Background(), testPeer, "say hello world")
		require.NoError(t, err)
		assert.Equal(t, "ran: say hello world", reply)
	})

	t.Run("lines joined and trailing newline trimmed", func(t *testing.T) {
		e := shell(t, `printf 'one\r\ntwo\n'; echo three >&2; echo; echo`)

		reply, err := e.Execute(context.Background(), testPeer, "list")
		require.NoError(t, err)
		assert.Equal(t, "one\ntwo\nthree", reply)
	})

	t.Run("peer environment", func(t *testing.T) {
		e := shell(t, `echo "$RCON_PEER $RCON_SESSION $RCON_PERMISSION_LEVEL"`)

		reply, err := e.Execute(context.Background(), testPeer, "whoami")
		require.NoError(t, err)
		assert.Equal(t, "192.0.2.7:50123 3f2a 4", reply)
	})

	t.Run("empty output", func(t *testing.T) {
		e := shell(t, `true`)

		reply, err := e.Execute(context.Background(), testPeer, "noop")
		require.NoError(t, err)
		assert.Empty(t, reply)
	})

	t.Run("non-zero exit is a reply", func(t *testing.T) {
		e := shell(t, `echo "unknown command: $1"; exit 3`)

		reply, err := e.Execute(context.Background(), testPeer, "fly")
		require.NoError(t, err)
		assert.Equal(t, "unknown command: fly\ncommand failed: exit status 3", reply)
	})

	t.Run("timeout is a reply", func(t *testing.T) {
		e := shell(t, `exec sleep 5`)
		e.Timeout = 50 * time.Millisecond

		reply, err := e.Execute(context.Background(), testPeer, "slow")
		require.NoError(t, err)
		assert.Equal(t, "command failed: timed out after 50ms", reply)
	})

	t.Run("cancelled context is an error", func(t *testing.T) {
		e := shell(t, `exec sleep 5`)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		_, err := e.Execute(ctx, testPeer, "slow")
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	})

	t.Run("missing program is a reply", func(t *testing.T) {
		e := &ProgramExecutor{Program: "/nonexistent/rcond-console"}

		reply, err := e.Execute(context.Background(), testPeer, "help")
		require.NoError(t, err)
		assert.Contains(t, reply, "command failed: ")
	})
}

func TestEchoExecutor(t *testing.T) {
	reply, err := EchoExecutor{}.Execute(context.Background(), testPeer, "héllo")
	require.NoError(t, err)
	assert.Equal(t, "héllo", reply)
}

func TestNew(t *testing.T) {
	assert.IsType(t, EchoExecutor{}, New(config.ExecutorConfig{}, nil))

	e := New(config.ExecutorConfig{Program: "/bin/true", Args: []string{"-x"}, Timeout: time.Second}, nil)
	pe, ok := e.(*ProgramExecutor)
	require.True(t, ok)
	assert.Equal(t, "/bin/true", pe.Program)
	assert.Equal(t, []string{"-x"}, pe.Args)
	assert.Equal(t, time.Second, pe.Timeout)
}
