package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/toolgate/backend/internal/protocol"
)

// Input schema fragments shared by the built-in tools. Workflow tools all
// share the fixed step-argument shape.
const (
	chatSchema = `{
	  "type": "object",
	  "properties": {
	    "prompt": {"type": "string", "minLength": 1},
	    "model": {"type": "string"},
	    "temperature": {"type": "number", "minimum": 0, "maximum": 2},
	    "continuation_id": {"type": "string"},
	    "use_websearch": {"type": "boolean"},
	    "complexity_hint": {"type": "number", "minimum": 0, "maximum": 1},
	    "files": {
	      "type": "array",
	      "items": {
	        "type": "object",
	        "properties": {
	          "path": {"type": "string"},
	          "name": {"type": "string"},
	          "mime": {"type": "string"},
	          "bytes_b64": {"type": "string"}
	        }
	      }
	    }
	  },
	  "required": ["prompt"]
	}`

	workflowSchema = `{
	  "type": "object",
	  "properties": {
	    "step": {"type": "string", "minLength": 1},
	    "step_number": {"type": "integer", "minimum": 1},
	    "total_steps": {"type": "integer", "minimum": 1},
	    "next_step_required": {"type": "boolean"},
	    "findings": {"type": "string"},
	    "hypothesis": {"type": "string"},
	    "confidence": {
	      "type": "string",
	      "enum": ["exploring", "low", "medium", "high", "very_high", "certain"]
	    },
	    "relevant_files": {"type": "array", "items": {"type": "string"}},
	    "continuation_id": {"type": "string"},
	    "model": {"type": "string"}
	  },
	  "required": ["step", "step_number", "total_steps", "next_step_required", "findings"]
	}`

	listModelsSchema = `{"type": "object", "properties": {}}`
)

// RegisterBuiltins loads the built-in tool set into the registry.
func RegisterBuiltins(reg *Registry) error {
	builtins := []*Tool{
		{
			Descriptor: Descriptor{
				Name:        "chat",
				Description: "General conversational exchange with the routed model",
				Category:    CategorySimple,
				Visibility:  VisibilityPublic,
				InputSchema: json.RawMessage(chatSchema),
			},
			Run: runChat,
		},
		{
			Descriptor: Descriptor{
				Name:        "thinkdeep",
				Description: "Extended reasoning on a hard question; prefers complex-tier models",
				Category:    CategorySimple,
				Visibility:  VisibilityPublic,
				InputSchema: json.RawMessage(chatSchema),
			},
			Run: runThinkDeep,
		},
		{
			Descriptor: Descriptor{
				Name:             "analyze",
				Description:      "Multi-step code and architecture analysis workflow",
				Category:         CategoryWorkflow,
				Visibility:       VisibilityPublic,
				InputSchema:      json.RawMessage(workflowSchema),
				ExpertValidation: false,
			},
		},
		{
			Descriptor: Descriptor{
				Name:             "codereview",
				Description:      "Multi-step review workflow with expert validation on completion",
				Category:         CategoryWorkflow,
				Visibility:       VisibilityPublic,
				InputSchema:      json.RawMessage(workflowSchema),
				ExpertValidation: true,
			},
		},
		{
			Descriptor: Descriptor{
				Name:             "debug",
				Description:      "Multi-step root-cause investigation workflow with expert validation",
				Category:         CategoryWorkflow,
				Visibility:       VisibilityPublic,
				InputSchema:      json.RawMessage(workflowSchema),
				ExpertValidation: true,
			},
		},
		{
			Descriptor: Descriptor{
				Name:          "listmodels",
				Description:   "List the routable model catalog with tiers and capabilities",
				Category:      CategoryUtility,
				Visibility:    VisibilityPublic,
				InputSchema:   json.RawMessage(listModelsSchema),
				TimeoutBudget: 5 * time.Second,
			},
			Run: runListModels,
		},
		{
			Descriptor: Descriptor{
				// Direct provider file operations stay off the public listing.
				Name:        "filestore",
				Description: "Upload file content to the provider file store",
				Category:    CategoryUtility,
				Visibility:  VisibilityInternal,
				InputSchema: json.RawMessage(chatSchema),
			},
			Run: runFilestore,
		},
	}

	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func runChat(ctx context.Context, frame *Frame, inv *Invocation) (*Result, error) {
	const system = "You are a helpful assistant. Answer directly and concisely."
	return frame.Complete(ctx, inv, system)
}

func runThinkDeep(ctx context.Context, frame *Frame, inv *Invocation) (*Result, error) {
	const system = "Reason carefully and step by step before answering. " +
		"State uncertainty explicitly."
	// Bias routing toward the complex tier.
	if inv.Args.ComplexityHint < 0.8 {
		inv.Args.ComplexityHint = 0.8
	}
	return frame.Complete(ctx, inv, system)
}

func runListModels(_ context.Context, frame *Frame, _ *Invocation) (*Result, error) {
	models := frame.Providers.Models()
	data, err := json.MarshalIndent(models, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Result{Content: string(data), ContentType: "application/json"}, nil
}

func runFilestore(ctx context.Context, frame *Frame, inv *Invocation) (*Result, error) {
	if frame.Uploader != nil {
		ids := make([]string, 0, len(inv.Args.Files))
		for i := range inv.Args.Files {
			data, name, err := inv.Args.Files[i].Resolve()
			if err != nil {
				return nil, protocol.Wrap(protocol.KindInvalidInput, err, "unreadable file argument")
			}
			id, err := frame.Uploader.Upload(ctx, data, name, "tools")
			if err != nil {
				return nil, protocol.Wrap(protocol.KindProviderError, err, "file upload failed")
			}
			ids = append(ids, id)
		}
		out, _ := json.Marshal(map[string]interface{}{"files": len(ids), "file_ids": ids})
		return &Result{Content: string(out), ContentType: "application/json"}, nil
	}

	// No upload backend wired; resolve the inputs and report their sizes.
	total := 0
	for i := range inv.Args.Files {
		data, _, err := inv.Args.Files[i].Resolve()
		if err != nil {
			return nil, protocol.Wrap(protocol.KindInvalidInput, err, "unreadable file argument")
		}
		total += len(data)
	}
	out, _ := json.Marshal(map[string]int{"files": len(inv.Args.Files), "bytes": total})
	return &Result{Content: string(out), ContentType: "application/json"}, nil
}
