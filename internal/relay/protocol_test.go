package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstructionEncode(t *testing.T) {
	require.Equal(t, "4.sync,3.123;", Instruction{Opcode: "sync", Args: []string{"123"}}.Encode())
	require.Equal(t, "3.nop;", Instruction{Opcode: "nop"}.Encode())
	require.Equal(t, "0.,4.ab,c;", Instruction{Opcode: "", Args: []string{"ab,c"}}.Encode())
	require.Equal(t, "5.error,5.héllo,3.512;", Instruction{Opcode: "error", Args: []string{"héllo", "512"}}.Encode())
}

func TestParseInstructions(t *testing.T) {
	ins, rest, err := parseInstructions("4.size,1.0,4.1024,3.768;4.sync,2.42;")
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, []Instruction{
		{Opcode: "size", Args: []string{"0", "1024", "768"}},
		{Opcode: "sync", Args: []string{"42"}},
	}, ins)
}

func TestParseCountsCodePoints(t *testing.T) {
	ins, _, err := parseInstructions("5.error,5.héllo,3.512;")
	require.NoError(t, err)
	require.Len(t, ins, 1)
	require.Equal(t, []string{"héllo", "512"}, ins[0].Args)
}

func TestParseValueMayContainDelimiters(t *testing.T) {
	ins, _, err := parseInstructions("5.error,4.a;b,,3.512;")
	require.NoError(t, err)
	require.Equal(t, []string{"a;b,", "512"}, ins[0].Args)
}

func TestParseKeepsPartialTail(t *testing.T) {
	for _, tail := range []string{"4", "4.sy", "4.sync", "4.sync,", "4.sync,2.4", "4.sync,2.42"} {
		ins, rest, err := parseInstructions("3.nop;" + tail)
		require.NoError(t, err, tail)
		require.Len(t, ins, 1, tail)
		require.Equal(t, tail, rest)

		ins, rest, err = parseInstructions(rest + "4.sync,2.42;"[len(tail):])
		require.NoError(t, err, tail)
		require.Empty(t, rest)
		require.Equal(t, []Instruction{{Opcode: "sync", Args: []string{"42"}}}, ins)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"x.nop;", ".nop;", "3.nopX", "12345678901.x;", "abc"} {
		_, _, err := parseInstructions(in)
		require.ErrorIs(t, err, errMalformed, in)
	}
}
