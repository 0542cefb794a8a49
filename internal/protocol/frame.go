package protocol

import "encoding/json"

// Op is a wire opcode.
type Op string

const (
	OpHello    Op = "hello"
	OpCallTool Op = "call_tool"
	OpCancel   Op = "cancel"
	OpRetrieve Op = "retrieve"
	OpPing     Op = "ping"
)

// Status is the outcome field of a response envelope.
type Status string

const (
	StatusOK             Status = "ok"
	StatusWorkflowPaused Status = "workflow_paused"
	StatusError          Status = "error"
	StatusBusy           Status = "busy"
)

// Frame is an inbound client message.
type Frame struct {
	Op        Op              `json:"op"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CallToolPayload is the payload of an op=call_tool frame.
type CallToolPayload struct {
	Tool           string          `json:"tool"`
	Arguments      json.RawMessage `json:"arguments"`
	ContinuationID string          `json:"continuation_id,omitempty"`
}

// HelloPayload is the payload of an op=hello frame.
type HelloPayload struct {
	AuthToken  string `json:"auth_token"`
	ClientInfo string `json:"client_info,omitempty"`
}

// RetrievePayload is the payload of an op=retrieve frame.
type RetrievePayload struct {
	TransactionID string `json:"transaction_id"`
}

// CancelPayload is the payload of an op=cancel frame. RequestID cancels an
// in-flight call; ContinuationID cancels a workflow instance.
type CancelPayload struct {
	RequestID      string `json:"request_id,omitempty"`
	ContinuationID string `json:"continuation_id,omitempty"`
}

// Pointer references an out-of-band payload persisted through the message
// bus in lieu of an oversized inline payload.
type Pointer struct {
	Pointer     string `json:"pointer"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	ContentType string `json:"content_type"`
}

// WireError is the serialized form of *Error inside an envelope.
type WireError struct {
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Envelope is an outbound response frame. Exactly one of Payload, Pointer
// or Err is populated depending on Status.
type Envelope struct {
	RequestID string          `json:"request_id,omitempty"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Pointer   *Pointer        `json:"pointer,omitempty"`
	Err       *WireError      `json:"error,omitempty"`
}

// OK builds a success envelope around an already-marshaled payload.
func OK(requestID string, payload json.RawMessage) *Envelope {
	return &Envelope{RequestID: requestID, Status: StatusOK, Payload: payload}
}

// Paused builds a workflow_paused envelope.
func Paused(requestID string, payload json.RawMessage) *Envelope {
	return &Envelope{RequestID: requestID, Status: StatusWorkflowPaused, Payload: payload}
}

// Pointered builds a success envelope carrying a bus pointer.
func Pointered(requestID string, p *Pointer) *Envelope {
	return &Envelope{RequestID: requestID, Status: StatusOK, Pointer: p}
}

// Fail builds an error envelope from any error, normalizing through AsError.
// Busy surfaces with its own status so clients can back off cheaply.
func Fail(requestID string, err error) *Envelope {
	pe := AsError(err)
	status := StatusError
	if pe.Kind == KindBusy {
		status = StatusBusy
	}
	return &Envelope{
		RequestID: requestID,
		Status:    status,
		Err: &WireError{
			Kind:          pe.Kind,
			Message:       pe.Message,
			CorrelationID: pe.CorrelationID,
		},
	}
}
