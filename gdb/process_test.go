package gdb

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain lets the test binary double as a scripted GDB stand-in: when
// re-executed with GDBDAP_MOCK_GDB=1 it speaks just enough MI on
// stdin/stdout to exercise Process.
func TestMain(m *testing.M) {
	if os.Getenv("GDBDAP_MOCK_GDB") == "1" {
		mockGDBMain()
		return
	}
	os.Exit(m.Run())
}

func mockGDBMain() {
	fmt.Println(`=thread-group-added,id="i1"`)
	fmt.Println("(gdb) ")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasSuffix(line, "-gdb-exit") {
			fmt.Println("^exit")
			os.Exit(3)
		}
		token, _, found := strings.Cut(line, "-")
		if !found {
			continue
		}
		fmt.Printf("%s^done\n", token)
	}
	os.Exit(0)
}

func startMockProcess(t *testing.T) *Process {
	t.Helper()
	t.Setenv("GDBDAP_MOCK_GDB", "1")
	p, err := StartProcess(context.Background(), os.Args[0], "ignored-program", logr.Discard())
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

func readLine(t *testing.T, p *Process) string {
	t.Helper()
	select {
	case line, ok := <-p.Lines():
		require.True(t, ok, "lines channel closed")
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for output line")
		return ""
	}
}

func TestStartProcessMissingBinary(t *testing.T) {
	_, err := StartProcess(context.Background(), "/nonexistent/gdb", "prog", logr.Discard())
	require.Error(t, err)
	assert.True(t, IsLaunchFailure(err))
}

func TestStartProcessNotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gdb")
	require.NoError(t, os.WriteFile(path, []byte("not a binary"), 0o644))

	_, err := StartProcess(context.Background(), path, "prog", logr.Discard())
	require.Error(t, err)
	assert.True(t, IsLaunchFailure(err))
}

func TestProcessSubmitAndLines(t *testing.T) {
	p := startMockProcess(t)

	assert.Equal(t, `=thread-group-added,id="i1"`, readLine(t, p))
	assert.Equal(t, "(gdb) ", readLine(t, p))

	require.NoError(t, p.Submit("5-exec-continue"))
	assert.Equal(t, "5^done", readLine(t, p))
}

func TestProcessExit(t *testing.T) {
	p := startMockProcess(t)
	readLine(t, p) // banner
	readLine(t, p) // prompt

	require.NoError(t, p.Submit("9-gdb-exit"))
	assert.Equal(t, "^exit", readLine(t, p))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}
	assert.Equal(t, 3, p.ExitCode())

	err := p.Submit("10-exec-next")
	require.Error(t, err)
	assert.True(t, IsProcessTerminated(err))

	// Lines channel terminates on exit.
	for range p.Lines() {
	}
}

func TestProcessStopIdempotent(t *testing.T) {
	p := startMockProcess(t)
	p.Stop()
	p.Stop()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stop")
	}
	assert.Equal(t, -1, p.ExitCode(), "interrupt exit carries no code")
}
