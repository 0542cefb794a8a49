package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/toolgate/backend/internal/config"
	"github.com/toolgate/backend/internal/conversation"
	"github.com/toolgate/backend/internal/protocol"
	"github.com/toolgate/backend/internal/provider"
)

// Frame is the one-shot tool execution frame. It owns the steps every
// simple tool shares: continuation restore, context budgeting, provider
// routing, and turn persistence. Tool run functions call Complete with a
// tool-specific system prompt.
type Frame struct {
	Providers *provider.Registry
	Convo     conversation.Store
	Cfg       *config.Config

	// Uploader is the optional provider file store backend. When nil the
	// filestore tool resolves inputs locally without uploading.
	Uploader provider.Uploader

	logger *log.Logger
}

// NewFrame wires the simple tool frame.
func NewFrame(providers *provider.Registry, convo conversation.Store, cfg *config.Config) *Frame {
	return &Frame{
		Providers: providers,
		Convo:     convo,
		Cfg:       cfg,
		logger:    log.New(log.Writer(), "[FRAME] ", log.LstdFlags),
	}
}

// ToolTimeout returns the effective timeout budget for a tool.
func (f *Frame) ToolTimeout(d *Descriptor) time.Duration {
	if d.TimeoutBudget > 0 {
		return d.TimeoutBudget
	}
	return f.Cfg.Timeouts.Tool
}

// Complete runs the shared one-shot pipeline:
//
//  1. restore prior turns for the continuation (oldest dropped first when
//     the context budget is exceeded; turns are never split)
//  2. route to a model honoring capability requirements
//  3. issue the provider call
//  4. append the new turns and envelope the result
func (f *Frame) Complete(ctx context.Context, inv *Invocation, systemPrompt string) (*Result, error) {
	messages, contID, err := f.assembleMessages(ctx, inv, systemPrompt)
	if err != nil {
		return nil, err
	}

	desc := inv.Desc
	caps := append([]provider.Capability(nil), desc.RequiredCapabilities...)
	if inv.Args.UseWebsearch {
		caps = append(caps, provider.CapWebSearch)
	}

	route := provider.RouteRequest{
		ExplicitModel:        inv.Args.Model,
		EstimatedInputTokens: provider.EstimateTokens(messages),
		Complexity: provider.ComplexityScore(provider.ComplexityInput{
			WorkflowTool: desc.Category == CategoryWorkflow,
			FileCount:    len(inv.Args.Files),
			ClientHint:   inv.Args.ComplexityHint,
		}, f.Cfg.Routing),
		RequiredCapabilities: caps,
	}

	resp, model, err := f.Providers.Invoke(ctx, route, provider.Request{
		Messages:     messages,
		Temperature:  inv.Args.Temperature,
		EnableSearch: inv.Args.UseWebsearch,
	})
	if err != nil {
		return nil, translateProviderErr(ctx, err)
	}

	// Commit the user and assistant turns together; a cancelled request
	// leaves no half-written exchange.
	now := time.Now().UTC()
	userTurn := conversation.Turn{Role: "user", Content: inv.Args.Prompt, ToolName: desc.Name, Timestamp: now}
	assistantTurn := conversation.Turn{Role: "assistant", Content: resp.Content, ToolName: desc.Name, Timestamp: now}
	if err := f.Convo.Append(context.WithoutCancel(ctx), contID, userTurn); err == nil {
		if err := f.Convo.Append(context.WithoutCancel(ctx), contID, assistantTurn); err != nil {
			f.logger.Printf("assistant turn append failed (continuation=%s): %v", contID, err)
		}
	}

	return &Result{
		Content:        resp.Content,
		ContentType:    "text/markdown",
		Model:          model,
		ContinuationID: contID,
	}, nil
}

// assembleMessages restores the continuation, applies the context budget,
// and builds the provider message list including file contents.
func (f *Frame) assembleMessages(ctx context.Context, inv *Invocation, systemPrompt string) ([]provider.Message, string, error) {
	contID := inv.Args.ContinuationID
	var prior []conversation.Turn

	if contID != "" {
		turns, err := f.Convo.Load(ctx, contID)
		if err != nil {
			if errors.Is(err, conversation.ErrUnknownContinuation) {
				return nil, "", protocol.E(protocol.KindUnknownContinuation, "continuation %s not found or expired", contID)
			}
			return nil, "", fmt.Errorf("load continuation: %w", err)
		}
		prior = conversation.TrimToBudget(turns, f.Cfg.Conversation.ContextBudgetTokens)
	} else {
		id, err := f.Convo.Begin(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("begin continuation: %w", err)
		}
		contID = id
	}

	messages := make([]provider.Message, 0, len(prior)+2)
	if systemPrompt != "" {
		messages = append(messages, provider.Message{Role: "system", Content: systemPrompt})
	}
	for _, t := range prior {
		messages = append(messages, provider.Message{Role: t.Role, Content: t.Content})
	}

	userContent := inv.Args.Prompt
	if len(inv.Args.Files) > 0 {
		fileBlock, err := renderFiles(inv.Args.Files)
		if err != nil {
			return nil, "", protocol.Wrap(protocol.KindInvalidInput, err, "unreadable file argument")
		}
		userContent = userContent + "\n\n" + fileBlock
	}
	messages = append(messages, provider.Message{Role: "user", Content: userContent})
	return messages, contID, nil
}

func renderFiles(files []FileInput) (string, error) {
	var b strings.Builder
	for _, fi := range files {
		data, name, err := fi.Resolve()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", name, data)
	}
	return b.String(), nil
}

func translateProviderErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.Wrap(protocol.KindTimeout, err, "tool timeout exceeded")
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return protocol.Wrap(protocol.KindCancelled, err, "request cancelled")
	case protocol.KindOf(err) != protocol.KindInternal:
		return err // already classified (CapabilityUnavailable, ProviderError)
	default:
		return protocol.Wrap(protocol.KindProviderError, err, "provider call failed")
	}
}
