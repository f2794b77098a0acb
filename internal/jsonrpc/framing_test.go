package jsonrpc

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadFrameRoundTrip(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"a":1}}` + "\n"
	r := bufio.NewReader(strings.NewReader(line))
	frame, err := ReadFrame(r)
	require.NoError(t, err)
	require.False(t, frame.IsBatch)
	require.Equal(t, "initialize", frame.Single.Method)
	require.True(t, frame.Single.IsRequest())

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, frame.Single))
	require.Equal(t, line, buf.String())
}

func TestReadFrameSkipsEmptyLines(t *testing.T) {
	input := "\n\n" + `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"
	r := bufio.NewReader(strings.NewReader(input))
	frame, err := ReadFrame(r)
	require.NoError(t, err)
	require.True(t, frame.Single.IsNotification())
}

func TestReadFrameBatch(t *testing.T) {
	input := `[{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"2.0","id":2,"method":"b"}]` + "\n"
	r := bufio.NewReader(strings.NewReader(input))
	frame, err := ReadFrame(r)
	require.NoError(t, err)
	require.True(t, frame.IsBatch)
	require.Len(t, frame.Batch, 2)
	require.Equal(t, []any{float64(1), float64(2)}, frame.Batch.RequestIDs())
}

func TestReadFrameInvalidJSONIsSkippable(t *testing.T) {
	input := "not json\n" + `{"jsonrpc":"2.0","method":"ok"}` + "\n"
	r := bufio.NewReader(strings.NewReader(input))
	_, err := ReadFrame(r)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)

	frame, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, "ok", frame.Single.Method)
}

func TestIDKey(t *testing.T) {
	require.Equal(t, "1", IDKey(float64(1)))
	require.Equal(t, "abc", IDKey("abc"))
	require.Equal(t, "1.5", IDKey(float64(1.5)))
}
