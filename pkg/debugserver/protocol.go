// Package debugserver exposes the stepping machine and the breakpoint manager to a
// remote debugger over TCP.
//
// Messages are UTF-8 JSON documents terminated by a NUL byte. Enumerations are
// externally tagged: a variant with data is an object with a single key naming the
// variant ({"StepOver":{"stack_id":0}}), a variant without data is its bare name ("Pause").
package debugserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Manu343726/dmtrap/pkg/stepping"
	"github.com/Manu343726/dmtrap/pkg/utils"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownMessage = errors.New("unknown message")
)

// ProcRef names a proc the way the host does
type ProcRef struct {
	Path       string `json:"path"`
	OverrideID uint32 `json:"override_id"`
}

func (p ProcRef) String() string {
	if p.OverrideID == 0 {
		return p.Path
	}
	return fmt.Sprintf("%s#%d", p.Path, p.OverrideID)
}

// InstructionRef is an instruction offset within a proc
type InstructionRef struct {
	Proc   ProcRef `json:"proc"`
	Offset uint32  `json:"offset"`
}

func (i InstructionRef) String() string {
	return fmt.Sprintf("%v+%d", i.Proc, i.Offset)
}

// Message is a protocol message, named by its variant tag
type Message interface {
	Tag() string
}

// unit messages carry no data and are encoded as their bare tag
type unit interface {
	Message
	isUnit()
}

// --- Requests ---

// Request is a message sent by the client
type Request interface {
	Message
	isRequest()
}

type BreakpointSetRequest struct {
	Instruction InstructionRef `json:"instruction"`
}

type BreakpointUnsetRequest struct {
	Instruction InstructionRef `json:"instruction"`
}

type LineNumberRequest struct {
	Proc   ProcRef `json:"proc"`
	Offset uint32  `json:"offset"`
}

type OffsetRequest struct {
	Proc ProcRef `json:"proc"`
	Line uint32  `json:"line"`
}

type StackFramesRequest struct {
	ThreadID   uint32  `json:"thread_id"`
	StartFrame *uint32 `json:"start_frame"`
	Count      *uint32 `json:"count"`
}

type ContinueRequest struct {
	Kind ContinueKind `json:"kind"`
}

type PauseRequest struct{}

func (BreakpointSetRequest) Tag() string   { return "BreakpointSet" }
func (BreakpointUnsetRequest) Tag() string { return "BreakpointUnset" }
func (LineNumberRequest) Tag() string      { return "LineNumber" }
func (OffsetRequest) Tag() string          { return "Offset" }
func (StackFramesRequest) Tag() string     { return "StackFrames" }
func (ContinueRequest) Tag() string        { return "Continue" }
func (PauseRequest) Tag() string           { return "Pause" }

func (BreakpointSetRequest) isRequest()   {}
func (BreakpointUnsetRequest) isRequest() {}
func (LineNumberRequest) isRequest()      {}
func (OffsetRequest) isRequest()          {}
func (StackFramesRequest) isRequest()     {}
func (ContinueRequest) isRequest()        {}
func (PauseRequest) isRequest()           {}

func (PauseRequest) isUnit() {}

// ContinueMode is how execution resumes
type ContinueMode int

const (
	ModeContinue ContinueMode = iota
	ModeStepOver
	ModeStepInto
	ModeStepOut
)

var continueModes = map[ContinueMode]string{
	ModeContinue: "Continue",
	ModeStepOver: "StepOver",
	ModeStepInto: "StepInto",
	ModeStepOut:  "StepOut",
}

func (m ContinueMode) String() string {
	if name, ok := continueModes[m]; ok {
		return name
	}
	return "unknown"
}

// ContinueKind is the continuation chosen by the client. StackID is ignored by ModeContinue.
type ContinueKind struct {
	Mode    ContinueMode
	StackID uint32
}

type stackID struct {
	StackID uint32 `json:"stack_id"`
}

func (k ContinueKind) MarshalJSON() ([]byte, error) {
	if k.Mode == ModeContinue {
		return json.Marshal(k.Mode.String())
	}
	if _, ok := continueModes[k.Mode]; !ok {
		return nil, fmt.Errorf("invalid continue mode %d", k.Mode)
	}
	return json.Marshal(map[string]stackID{k.Mode.String(): {StackID: k.StackID}})
}

func (k *ContinueKind) UnmarshalJSON(data []byte) error {
	tag, body, err := splitTagged(data)
	if err != nil {
		return err
	}

	for mode, name := range continueModes {
		if name != tag {
			continue
		}
		k.Mode = mode
		k.StackID = 0
		if mode == ModeContinue {
			return nil
		}

		var id stackID
		if err := json.Unmarshal(body, &id); err != nil {
			return utils.MakeError(ErrMalformed, "%s: %v", tag, err)
		}
		k.StackID = id.StackID
		return nil
	}

	return utils.MakeError(ErrUnknownMessage, "continue kind %s", tag)
}

// Directive converts the continuation into a stepping directive
func (k ContinueKind) Directive() stepping.Directive {
	switch k.Mode {
	case ModeStepOver:
		return stepping.StepOverDirective{StackID: k.StackID}
	case ModeStepInto:
		return stepping.StepIntoDirective{StackID: k.StackID}
	case ModeStepOut:
		return stepping.StepOutDirective{StackID: k.StackID}
	default:
		return stepping.Continue{}
	}
}

// --- Responses ---

// Response is a message sent by the server
type Response interface {
	Message
	isResponse()
}

type BreakpointSetResponse struct {
	Result BreakpointSetResult `json:"result"`
}

type BreakpointUnsetResponse struct {
	Success bool `json:"success"`
}

type LineNumberResponse struct {
	Line *uint32 `json:"line"`
}

type OffsetResponse struct {
	Offset *uint32 `json:"offset"`
}

type StackFramesResponse struct {
	Frames     []StackFrame `json:"frames"`
	TotalCount uint32       `json:"total_count"`
}

type BreakpointHitResponse struct {
	Reason HitReason `json:"reason"`
}

// StackFrame is one activation of a stack, innermost first
type StackFrame struct {
	Instruction InstructionRef `json:"instruction"`
	Line        *uint32        `json:"line"`
}

func (BreakpointSetResponse) Tag() string   { return "BreakpointSet" }
func (BreakpointUnsetResponse) Tag() string { return "BreakpointUnset" }
func (LineNumberResponse) Tag() string      { return "LineNumber" }
func (OffsetResponse) Tag() string          { return "Offset" }
func (StackFramesResponse) Tag() string     { return "StackFrames" }
func (BreakpointHitResponse) Tag() string   { return "BreakpointHit" }

func (BreakpointSetResponse) isResponse()   {}
func (BreakpointUnsetResponse) isResponse() {}
func (LineNumberResponse) isResponse()      {}
func (OffsetResponse) isResponse()          {}
func (StackFramesResponse) isResponse()     {}
func (BreakpointHitResponse) isResponse()   {}

// BreakpointSetResult is either a success, with the source line of the breakpoint when
// known, or a failure
type BreakpointSetResult struct {
	Success bool
	Line    *uint32
}

type successBody struct {
	Line *uint32 `json:"line"`
}

func (r BreakpointSetResult) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal("Failed")
	}
	return json.Marshal(map[string]successBody{"Success": {Line: r.Line}})
}

func (r *BreakpointSetResult) UnmarshalJSON(data []byte) error {
	tag, body, err := splitTagged(data)
	if err != nil {
		return err
	}

	switch tag {
	case "Failed":
		*r = BreakpointSetResult{}
	case "Success":
		var success successBody
		if len(body) > 0 {
			if err := json.Unmarshal(body, &success); err != nil {
				return utils.MakeError(ErrMalformed, "%s: %v", tag, err)
			}
		}
		*r = BreakpointSetResult{Success: true, Line: success.Line}
	default:
		return utils.MakeError(ErrUnknownMessage, "breakpoint result %s", tag)
	}
	return nil
}

// HitReason is why the host stopped, as seen by the client
type HitReason struct {
	stepping.Reason
}

func (r HitReason) MarshalJSON() ([]byte, error) {
	switch reason := r.Reason.(type) {
	case stepping.Runtime:
		return json.Marshal(map[string]string{"Runtime": reason.Message})
	case stepping.PauseReason:
		return json.Marshal("Pause")
	case stepping.StepReason:
		return json.Marshal("Step")
	case stepping.BreakpointReason:
		return json.Marshal("Breakpoint")
	}
	return nil, fmt.Errorf("invalid breakpoint reason %T", r.Reason)
}

func (r *HitReason) UnmarshalJSON(data []byte) error {
	tag, body, err := splitTagged(data)
	if err != nil {
		return err
	}

	switch tag {
	case "Runtime":
		var message string
		if err := json.Unmarshal(body, &message); err != nil {
			return utils.MakeError(ErrMalformed, "%s: %v", tag, err)
		}
		r.Reason = stepping.Runtime{Message: message}
	case "Pause":
		r.Reason = stepping.PauseReason{}
	case "Step":
		r.Reason = stepping.StepReason{}
	case "Breakpoint":
		r.Reason = stepping.BreakpointReason{}
	default:
		return utils.MakeError(ErrUnknownMessage, "breakpoint reason %s", tag)
	}
	return nil
}

// --- Tagged encoding ---

// splitTagged splits an externally tagged value into its tag and body. Bare string
// variants have no body.
func splitTagged(data []byte) (string, json.RawMessage, error) {
	var tag string
	if err := json.Unmarshal(data, &tag); err == nil {
		return tag, nil, nil
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		return "", nil, utils.MakeError(ErrMalformed, "%v", err)
	}
	if len(object) != 1 {
		return "", nil, utils.MakeError(ErrMalformed, "expected a single variant, got %d keys", len(object))
	}
	for tag, body := range object {
		return tag, body, nil
	}
	panic("unreachable")
}

func encodeTagged(message Message) ([]byte, error) {
	if _, ok := message.(unit); ok {
		return json.Marshal(message.Tag())
	}

	body, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{message.Tag(): body})
}

func decodeBody[T Message](body json.RawMessage) (Message, error) {
	var message T
	if len(body) > 0 && string(body) != "null" {
		if err := json.Unmarshal(body, &message); err != nil {
			if errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownMessage) {
				return nil, fmt.Errorf("%s: %w", message.Tag(), err)
			}
			return nil, utils.MakeError(ErrMalformed, "%s: %v", message.Tag(), err)
		}
	}
	return message, nil
}

type decoder func(json.RawMessage) (Message, error)

var requestDecoders = map[string]decoder{
	"BreakpointSet":   decodeBody[BreakpointSetRequest],
	"BreakpointUnset": decodeBody[BreakpointUnsetRequest],
	"LineNumber":      decodeBody[LineNumberRequest],
	"Offset":          decodeBody[OffsetRequest],
	"StackFrames":     decodeBody[StackFramesRequest],
	"Continue":        decodeBody[ContinueRequest],
	"Pause":           decodeBody[PauseRequest],
}

var responseDecoders = map[string]decoder{
	"BreakpointSet":   decodeBody[BreakpointSetResponse],
	"BreakpointUnset": decodeBody[BreakpointUnsetResponse],
	"LineNumber":      decodeBody[LineNumberResponse],
	"Offset":          decodeBody[OffsetResponse],
	"StackFrames":     decodeBody[StackFramesResponse],
	"BreakpointHit":   decodeBody[BreakpointHitResponse],
}

func decodeTagged(data []byte, decoders map[string]decoder) (Message, error) {
	tag, body, err := splitTagged(data)
	if err != nil {
		return nil, err
	}

	decode, ok := decoders[tag]
	if !ok {
		return nil, utils.MakeError(ErrUnknownMessage, "%s", tag)
	}
	return decode(body)
}

// EncodeRequest encodes a request as JSON
func EncodeRequest(request Request) ([]byte, error) {
	return encodeTagged(request)
}

// DecodeRequest decodes a JSON request
func DecodeRequest(data []byte) (Request, error) {
	message, err := decodeTagged(data, requestDecoders)
	if err != nil {
		return nil, err
	}
	return message.(Request), nil
}

// EncodeResponse encodes a response as JSON
func EncodeResponse(response Response) ([]byte, error) {
	return encodeTagged(response)
}

// DecodeResponse decodes a JSON response
func DecodeResponse(data []byte) (Response, error) {
	message, err := decodeTagged(data, responseDecoders)
	if err != nil {
		return nil, err
	}
	return message.(Response), nil
}
