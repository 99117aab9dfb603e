package trace

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	line := "            bash-2177  [000] d... 1923.369533: bpf_trace_printk: Hello, World!"
	ev, err := ParseLine(line)
	require.NoError(t, err)
	require.Equal(t, "bash", ev.Comm)
	require.Equal(t, 2177, ev.PID)
	require.Equal(t, 0, ev.CPU)
	require.Equal(t, "d...", ev.Flags)
	require.InDelta(t, 1923.369533, ev.Timestamp, 1e-9)
	require.Equal(t, "Hello, World!", ev.Message)
}

func TestParseLineDashedComm(t *testing.T) {
	line := "   systemd-udevd-312   [001] ..s1   17.350929: bpf_trace_printk: count: 3"
	ev, err := ParseLine(line)
	require.NoError(t, err)
	require.Equal(t, "systemd-udevd", ev.Comm)
	require.Equal(t, 312, ev.PID)
	require.Equal(t, 1, ev.CPU)
	require.Equal(t, "count: 3", ev.Message)
}

func TestParseLineErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"CPU:0 [LOST 95 EVENTS]",
		"garbage without colon separator",
		"nopid [000] d... 1.0: x: y",
	} {
		_, err := ParseLine(line)
		require.Error(t, err, "line %q", line)
	}
}

func TestReaderSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipe")
	content := "CPU:0 [LOST 12 EVENTS]\n" +
		"            bash-2177  [000] d... 1923.369533: bpf_trace_printk: ok\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r, err := OpenPath(path)
	require.NoError(t, err)
	defer r.Close()

	ev, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "ok", ev.Message)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}
