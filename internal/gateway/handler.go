package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/toolgate/backend/internal/bus"
	"github.com/toolgate/backend/internal/metrics"
	"github.com/toolgate/backend/internal/protocol"
	"github.com/toolgate/backend/internal/tools"
)

// helloResult is the payload of a successful hello.
type helloResult struct {
	SessionID string             `json:"session_id"`
	Tools     []tools.Descriptor `json:"tools"`
}

// retrieveResult carries a fetched bus transaction back inline.
type retrieveResult struct {
	TransactionID string `json:"transaction_id"`
	ContentType   string `json:"content_type"`
	PayloadB64    string `json:"payload_b64"`
	SHA256        string `json:"sha256"`
}

// dispatch routes one inbound frame. Everything except hello requires an
// authenticated session.
func (s *Server) dispatch(c *conn, frame *protocol.Frame) {
	if frame.Op != protocol.OpHello && c.sess == nil {
		c.reply(protocol.Fail(frame.RequestID,
			protocol.E(protocol.KindAuthFailed, "hello required before %s", frame.Op)))
		return
	}
	if c.sess != nil {
		s.sessions.Touch(c.sess.ID)
	}

	switch frame.Op {
	case protocol.OpHello:
		s.handleHello(c, frame)
	case protocol.OpCallTool:
		s.handleCallTool(c, frame)
	case protocol.OpRetrieve:
		s.handleRetrieve(c, frame)
	case protocol.OpCancel:
		s.handleCancel(c, frame)
	case protocol.OpPing:
		payload, _ := json.Marshal(map[string]string{"pong": "ok"})
		c.reply(protocol.OK(frame.RequestID, payload))
	default:
		c.reply(protocol.Fail(frame.RequestID,
			protocol.E(protocol.KindInvalidInput, "unknown op %q", frame.Op)))
	}
}

func (s *Server) handleHello(c *conn, frame *protocol.Frame) {
	if c.sess != nil {
		c.reply(protocol.Fail(frame.RequestID,
			protocol.E(protocol.KindInvalidInput, "session already established")))
		return
	}

	var payload protocol.HelloPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.reply(protocol.Fail(frame.RequestID,
			protocol.E(protocol.KindInvalidInput, "malformed hello payload: %v", err)))
		return
	}

	sess, err := s.sessions.Open(payload.AuthToken, payload.ClientInfo)
	if err != nil {
		c.reply(protocol.Fail(frame.RequestID, err))
		return
	}
	c.sess = sess
	metrics.ActiveSessions.Set(float64(s.sessions.Count()))

	out, _ := json.Marshal(helloResult{SessionID: sess.ID, Tools: s.tools.List()})
	c.reply(protocol.OK(frame.RequestID, out))
}

// handleCallTool validates and launches one tool call. The call runs in
// its own goroutine under the tool timeout; the response is routed through
// the bus size gate before delivery.
func (s *Server) handleCallTool(c *conn, frame *protocol.Frame) {
	var payload protocol.CallToolPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.reply(protocol.Fail(frame.RequestID,
			protocol.E(protocol.KindInvalidInput, "malformed call_tool payload: %v", err)))
		return
	}

	tool, err := s.tools.Resolve(payload.Tool, false)
	if err != nil {
		c.reply(protocol.Fail(frame.RequestID, err))
		return
	}
	if err := tool.ValidateInput(payload.Arguments); err != nil {
		c.reply(protocol.Fail(frame.RequestID, err))
		return
	}

	if err := c.sess.Acquire(); err != nil {
		c.reply(protocol.Fail(frame.RequestID, err))
		return
	}

	inv := &tools.Invocation{
		Desc:      &tool.Descriptor,
		Raw:       payload.Arguments,
		SessionID: c.sess.ID,
	}
	if err := json.Unmarshal(payload.Arguments, &inv.Args); err != nil {
		c.sess.Release()
		c.reply(protocol.Fail(frame.RequestID,
			protocol.E(protocol.KindInvalidInput, "malformed arguments: %v", err)))
		return
	}
	if payload.ContinuationID != "" && inv.Args.ContinuationID == "" {
		inv.Args.ContinuationID = payload.ContinuationID
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.frame.ToolTimeout(&tool.Descriptor))
	if !c.track(frame.RequestID, cancel) {
		cancel()
		c.sess.Release()
		c.reply(protocol.Fail(frame.RequestID,
			protocol.E(protocol.KindBusy, "request queue full (%d in flight)", s.cfg.MaxQueueDepth)))
		return
	}

	metrics.InflightCalls.Inc()
	go func() {
		defer func() {
			cancel()
			c.untrack(frame.RequestID)
			c.sess.Release()
			metrics.InflightCalls.Dec()
		}()
		c.reply(s.execute(ctx, c, frame.RequestID, tool, inv))
	}()
}

// execute runs the tool and envelopes the outcome.
func (s *Server) execute(ctx context.Context, c *conn, requestID string, tool *tools.Tool, inv *tools.Invocation) *protocol.Envelope {
	var (
		payload     []byte
		paused      bool
		contentType = "application/json"
	)

	switch tool.Category {
	case tools.CategoryWorkflow:
		step, err := s.engine.Advance(ctx, inv)
		if err != nil {
			metrics.ToolCalls.WithLabelValues(tool.Name, "error").Inc()
			return protocol.Fail(requestID, err)
		}
		metrics.WorkflowSteps.WithLabelValues(tool.Name, step.Phase).Inc()
		payload, _ = json.Marshal(step)
		paused = step.Paused
	default:
		res, err := tool.Run(ctx, s.frame, inv)
		if err != nil {
			metrics.ToolCalls.WithLabelValues(tool.Name, "error").Inc()
			return protocol.Fail(requestID, err)
		}
		payload, _ = json.Marshal(res)
		contentType = res.ContentType
	}

	metrics.ToolCalls.WithLabelValues(tool.Name, "ok").Inc()
	if paused {
		return protocol.Paused(requestID, payload)
	}

	routed, err := s.bus.Route(ctx, payload, contentType, inv.SessionID)
	if err != nil {
		if errors.Is(err, bus.ErrBusUnavailable) {
			return protocol.Fail(requestID, protocol.Wrap(protocol.KindPayloadTooLargeBusDown, err,
				"result of %d bytes exceeds the inline threshold and the message bus is unavailable", len(payload)))
		}
		return protocol.Fail(requestID, err)
	}
	if routed.Inline {
		metrics.BusRoutes.WithLabelValues("inline").Inc()
		return protocol.OK(requestID, routed.Payload)
	}
	metrics.BusRoutes.WithLabelValues("pointer").Inc()
	slog.Info("oversized result routed through bus",
		"request_id", requestID, "tool", tool.Name, "bytes", routed.Pointer.Size)
	return protocol.Pointered(requestID, routed.Pointer)
}

func (s *Server) handleRetrieve(c *conn, frame *protocol.Frame) {
	var payload protocol.RetrievePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.TransactionID == "" {
		c.reply(protocol.Fail(frame.RequestID,
			protocol.E(protocol.KindInvalidInput, "malformed retrieve payload")))
		return
	}

	tx, err := s.bus.Fetch(context.Background(), payload.TransactionID)
	if err != nil {
		switch {
		case errors.Is(err, bus.ErrTransactionNotFound):
			c.reply(protocol.Fail(frame.RequestID, protocol.E(protocol.KindInvalidInput,
				"transaction %s not found or expired", payload.TransactionID)))
		case errors.Is(err, bus.ErrBusUnavailable):
			c.reply(protocol.Fail(frame.RequestID,
				protocol.Wrap(protocol.KindBusUnavailable, err, "message bus unavailable")))
		default:
			c.reply(protocol.Fail(frame.RequestID,
				protocol.Wrap(protocol.KindInternal, err, "retrieve failed")))
		}
		return
	}

	out, _ := json.Marshal(retrieveResult{
		TransactionID: tx.ID,
		ContentType:   tx.ContentType,
		PayloadB64:    base64.StdEncoding.EncodeToString(tx.Payload),
		SHA256:        tx.SHA256,
	})
	c.reply(protocol.OK(frame.RequestID, out))
}

func (s *Server) handleCancel(c *conn, frame *protocol.Frame) {
	var payload protocol.CancelPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.reply(protocol.Fail(frame.RequestID,
			protocol.E(protocol.KindInvalidInput, "malformed cancel payload: %v", err)))
		return
	}

	cancelled := false
	if payload.RequestID != "" {
		cancelled = c.cancelRequest(payload.RequestID)
	}
	if payload.ContinuationID != "" {
		if err := s.engine.Cancel(payload.ContinuationID); err != nil {
			c.reply(protocol.Fail(frame.RequestID, err))
			return
		}
		cancelled = true
	}

	out, _ := json.Marshal(map[string]bool{"cancelled": cancelled})
	c.reply(protocol.OK(frame.RequestID, out))
}
