package tools

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/backend/internal/config"
	"github.com/toolgate/backend/internal/conversation"
	"github.com/toolgate/backend/internal/protocol"
	"github.com/toolgate/backend/internal/provider"
)

// echoCaller answers with a fixed reply and remembers the last request.
type echoCaller struct {
	mu    sync.Mutex
	reply string
	last  provider.Request
}

func (e *echoCaller) Call(_ context.Context, _ string, req provider.Request) (*provider.Response, error) {
	e.mu.Lock()
	e.last = req
	e.mu.Unlock()
	return &provider.Response{Content: e.reply}, nil
}

func (e *echoCaller) lastRequest() provider.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func newTestFrame(caller provider.Caller) (*Frame, conversation.Store) {
	cfg := config.Defaults()
	convo := conversation.NewMemoryStore(time.Hour)
	providers := provider.NewRegistry(provider.DefaultCatalog(), caller, cfg.Routing)
	return NewFrame(providers, convo, cfg), convo
}

func chatInvocation(prompt, continuation string) *Invocation {
	return &Invocation{
		Desc: &Descriptor{Name: "chat", Category: CategorySimple},
		Args: Args{Prompt: prompt, ContinuationID: continuation},
	}
}

func TestComplete_NewContinuationRoundTrip(t *testing.T) {
	caller := &echoCaller{reply: "the answer"}
	frame, convo := newTestFrame(caller)

	res, err := frame.Complete(context.Background(), chatInvocation("what is up", ""), "be brief")
	require.NoError(t, err)
	assert.Equal(t, "the answer", res.Content)
	require.NotEmpty(t, res.ContinuationID, "a fresh continuation id is minted")

	// Both turns are committed together.
	turns, err := convo.Load(context.Background(), res.ContinuationID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "what is up", turns[0].Content)
	assert.Equal(t, "assistant", turns[1].Role)
}

func TestComplete_ContinuationRestoresPriorTurns(t *testing.T) {
	caller := &echoCaller{reply: "second answer"}
	frame, _ := newTestFrame(caller)

	first, err := frame.Complete(context.Background(), chatInvocation("first question", ""), "")
	require.NoError(t, err)

	_, err = frame.Complete(context.Background(), chatInvocation("second question", first.ContinuationID), "")
	require.NoError(t, err)

	msgs := caller.lastRequest().Messages
	require.GreaterOrEqual(t, len(msgs), 3, "prior turns precede the new prompt")
	assert.Equal(t, "first question", msgs[0].Content)
	assert.Equal(t, "second question", msgs[len(msgs)-1].Content)
}

func TestComplete_UnknownContinuation(t *testing.T) {
	frame, _ := newTestFrame(&echoCaller{reply: "x"})

	_, err := frame.Complete(context.Background(), chatInvocation("hi", "bogus-id"), "")
	require.Error(t, err)
	assert.Equal(t, protocol.KindUnknownContinuation, protocol.KindOf(err))
}

func TestComplete_InlineFilesLandInThePrompt(t *testing.T) {
	caller := &echoCaller{reply: "x"}
	frame, _ := newTestFrame(caller)

	inv := chatInvocation("summarize", "")
	inv.Args.Files = []FileInput{{Name: "a.txt", BytesB64: "Y29udGVudHM="}} // "contents"

	_, err := frame.Complete(context.Background(), inv, "")
	require.NoError(t, err)

	msgs := caller.lastRequest().Messages
	assert.Contains(t, msgs[len(msgs)-1].Content, "contents")
	assert.Contains(t, msgs[len(msgs)-1].Content, "a.txt")
}

func TestComplete_WebsearchRequiresCapableModel(t *testing.T) {
	caller := &echoCaller{reply: "x"}
	frame, _ := newTestFrame(caller)

	inv := chatInvocation("search for this", "")
	inv.Args.UseWebsearch = true
	inv.Args.Model = "claude-haiku" // no web search capability

	res, err := frame.Complete(context.Background(), inv, "")
	require.NoError(t, err)
	assert.NotEqual(t, "claude-haiku", res.Model,
		"explicit model without the capability falls through to tier selection")
}

// fakeUploader records uploads and mints sequential file ids.
type fakeUploader struct {
	mu    sync.Mutex
	names []string
}

func (u *fakeUploader) Upload(_ context.Context, _ []byte, filename, _ string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.names = append(u.names, filename)
	return "file-" + filename, nil
}

func TestFilestore_UploadsThroughConfiguredBackend(t *testing.T) {
	frame, _ := newTestFrame(&echoCaller{})
	up := &fakeUploader{}
	frame.Uploader = up

	inv := &Invocation{Args: Args{Files: []FileInput{
		{Name: "a.txt", BytesB64: "YQ=="},
		{Name: "b.txt", BytesB64: "Yg=="},
	}}}
	res, err := runFilestore(context.Background(), frame, inv)
	require.NoError(t, err)
	assert.Contains(t, res.Content, "file-a.txt")
	assert.Contains(t, res.Content, "file-b.txt")
	assert.Equal(t, []string{"a.txt", "b.txt"}, up.names)
}

func TestFilestore_NoBackendReportsSizes(t *testing.T) {
	frame, _ := newTestFrame(&echoCaller{})

	inv := &Invocation{Args: Args{Files: []FileInput{{Name: "a.txt", BytesB64: "aGVsbG8="}}}}
	res, err := runFilestore(context.Background(), frame, inv)
	require.NoError(t, err)
	assert.Contains(t, res.Content, `"bytes":5`)
}

func TestToolTimeout_DescriptorOverride(t *testing.T) {
	frame, _ := newTestFrame(&echoCaller{})

	assert.Equal(t, frame.Cfg.Timeouts.Tool, frame.ToolTimeout(&Descriptor{}))
	assert.Equal(t, 5*time.Second, frame.ToolTimeout(&Descriptor{TimeoutBudget: 5 * time.Second}))
}
