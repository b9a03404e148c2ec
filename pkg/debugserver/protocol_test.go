package debugserver

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu343726/dmtrap/pkg/stepping"
)

func ptr(value uint32) *uint32 {
	return &value
}

func TestDecodeRequest(t *testing.T) {
	cases := []struct {
		name     string
		json     string
		expected Request
	}{
		{
			name:     "breakpoint set",
			json:     `{"BreakpointSet":{"instruction":{"proc":{"path":"/proc/foo","override_id":0},"offset":4}}}`,
			expected: BreakpointSetRequest{Instruction: InstructionRef{Proc: ProcRef{Path: "/proc/foo"}, Offset: 4}},
		},
		{
			name:     "stack frames without range",
			json:     `{"StackFrames":{"thread_id":0,"start_frame":null,"count":null}}`,
			expected: StackFramesRequest{},
		},
		{
			name:     "stack frames with range",
			json:     `{"StackFrames":{"thread_id":0,"start_frame":1,"count":2}}`,
			expected: StackFramesRequest{StartFrame: ptr(1), Count: ptr(2)},
		},
		{
			name:     "continue",
			json:     `{"Continue":{"kind":"Continue"}}`,
			expected: ContinueRequest{Kind: ContinueKind{Mode: ModeContinue}},
		},
		{
			name:     "step out",
			json:     `{"Continue":{"kind":{"StepOut":{"stack_id":3}}}}`,
			expected: ContinueRequest{Kind: ContinueKind{Mode: ModeStepOut, StackID: 3}},
		},
		{
			name:     "pause",
			json:     `"Pause"`,
			expected: PauseRequest{},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			request, err := DecodeRequest([]byte(c.json))
			require.NoError(t, err)
			assert.Equal(t, c.expected, request)
		})
	}

	t.Run("malformed", func(t *testing.T) {
		for _, text := range []string{`{}`, `{"Pause":null,"Continue":null}`, `[1,2]`, `{"Offset":{"line":"x"}}`, `not json`} {
			_, err := DecodeRequest([]byte(text))
			assert.ErrorIs(t, err, ErrMalformed, text)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := DecodeRequest([]byte(`{"Evaluate":{}}`))
		assert.ErrorIs(t, err, ErrUnknownMessage)

		_, err = DecodeRequest([]byte(`{"Continue":{"kind":"Rewind"}}`))
		assert.ErrorIs(t, err, ErrUnknownMessage)
	})
}

func TestEncodeResponse(t *testing.T) {
	cases := []struct {
		name     string
		response Response
		expected string
	}{
		{
			name:     "breakpoint set with line",
			response: BreakpointSetResponse{Result: BreakpointSetResult{Success: true, Line: ptr(10)}},
			expected: `{"BreakpointSet":{"result":{"Success":{"line":10}}}}`,
		},
		{
			name:     "breakpoint set failed",
			response: BreakpointSetResponse{},
			expected: `{"BreakpointSet":{"result":"Failed"}}`,
		},
		{
			name:     "line number unknown",
			response: LineNumberResponse{},
			expected: `{"LineNumber":{"line":null}}`,
		},
		{
			name:     "runtime error",
			response: BreakpointHitResponse{Reason: HitReason{Reason: stepping.Runtime{Message: "bad index"}}},
			expected: `{"BreakpointHit":{"reason":{"Runtime":"bad index"}}}`,
		},
		{
			name:     "step",
			response: BreakpointHitResponse{Reason: HitReason{Reason: stepping.StepReason{}}},
			expected: `{"BreakpointHit":{"reason":"Step"}}`,
		},
		{
			name: "stack frames",
			response: StackFramesResponse{
				Frames:     []StackFrame{{Instruction: InstructionRef{Proc: ProcRef{Path: "/proc/foo", OverrideID: 1}, Offset: 2}, Line: ptr(3)}},
				TotalCount: 5,
			},
			expected: `{"StackFrames":{"frames":[{"instruction":{"proc":{"path":"/proc/foo","override_id":1},"offset":2},"line":3}],"total_count":5}}`,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			data, err := EncodeResponse(c.response)
			require.NoError(t, err)
			assert.JSONEq(t, c.expected, string(data))

			decoded, err := DecodeResponse(data)
			require.NoError(t, err)
			assert.Equal(t, c.response, decoded)
		})
	}
}

func TestContinueKindDirective(t *testing.T) {
	assert.Equal(t, stepping.Continue{}, ContinueKind{}.Directive())
	assert.Equal(t, stepping.StepOverDirective{StackID: 1}, ContinueKind{Mode: ModeStepOver, StackID: 1}.Directive())
	assert.Equal(t, stepping.StepIntoDirective{StackID: 2}, ContinueKind{Mode: ModeStepInto, StackID: 2}.Directive())
	assert.Equal(t, stepping.StepOutDirective{StackID: 3}, ContinueKind{Mode: ModeStepOut, StackID: 3}.Directive())

	data, err := EncodeRequest(ContinueRequest{Kind: ContinueKind{Mode: ModeStepInto, StackID: 2}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Continue":{"kind":{"StepInto":{"stack_id":2}}}}`, string(data))

	data, err = EncodeRequest(PauseRequest{})
	require.NoError(t, err)
	assert.Equal(t, `"Pause"`, string(data))
}

func TestFraming(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)

	require.NoError(t, encoder.Request(PauseRequest{}))
	require.NoError(t, encoder.Request(OffsetRequest{Proc: ProcRef{Path: "/proc/foo"}, Line: 11}))
	assert.Equal(t, 2, bytes.Count(buffer.Bytes(), []byte{0}))
	assert.Error(t, encoder.WriteFrame([]byte("a\x00b")))

	decoder := NewDecoder(&buffer)
	first, err := decoder.Request()
	require.NoError(t, err)
	assert.Equal(t, PauseRequest{}, first)

	second, err := decoder.Request()
	require.NoError(t, err)
	assert.Equal(t, OffsetRequest{Proc: ProcRef{Path: "/proc/foo"}, Line: 11}, second)

	_, err = decoder.Request()
	assert.ErrorIs(t, err, io.EOF)

	t.Run("oversized frame is skipped", func(t *testing.T) {
		var buffer bytes.Buffer
		buffer.Write(bytes.Repeat([]byte("a"), MaxFrameSize+10))
		buffer.WriteByte(0)
		require.NoError(t, NewEncoder(&buffer).Request(PauseRequest{}))

		decoder := NewDecoder(&buffer)
		_, err := decoder.ReadFrame()
		assert.ErrorIs(t, err, ErrMalformed)

		request, err := decoder.Request()
		require.NoError(t, err)
		assert.Equal(t, PauseRequest{}, request)
	})

	t.Run("largest frame", func(t *testing.T) {
		payload := bytes.Repeat([]byte("a"), MaxFrameSize)
		decoder := NewDecoder(bytes.NewReader(append(payload, 0)))
		frame, err := decoder.ReadFrame()
		require.NoError(t, err)
		assert.Len(t, frame, MaxFrameSize)
	})

	t.Run("truncated frame", func(t *testing.T) {
		decoder := NewDecoder(bytes.NewBufferString(`"Pause"`))
		_, err := decoder.ReadFrame()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}
