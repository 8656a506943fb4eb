package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basemate/basemate/content"
	"github.com/basemate/basemate/gateway"
	"github.com/basemate/basemate/pkg/config"
	"github.com/basemate/basemate/pkg/llm"
	"github.com/basemate/basemate/tools"
)

// fakeSender records everything sent through it.
type fakeSender struct {
	mu       sync.Mutex
	texts    []string
	contents []gateway.ContentTypeID
}

func (f *fakeSender) SendText(ctx context.Context, convo, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendContent(ctx context.Context, convo string, ct gateway.ContentTypeID, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents = append(f.contents, ct)
	return nil
}

func (f *fakeSender) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// fakeProvider returns scripted completions in order, or a fixed error.
// started/release, when set, let a test hold a completion in flight.
type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	queue   []*llm.Completion
	err     error
	lastMsg []llm.Message

	started chan struct{}
	release chan struct{}
}

func (p *fakeProvider) Complete(ctx context.Context, msgs []llm.Message, specs []llm.ToolSpec) (*llm.Completion, error) {
	p.mu.Lock()
	p.calls++
	p.lastMsg = append([]llm.Message(nil), msgs...)
	started, release := p.started, p.release
	p.mu.Unlock()

	if started != nil {
		started <- struct{}{}
		<-release
	}
	if p.err != nil {
		return nil, p.err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		return next, nil
	}
	return &llm.Completion{Content: "the end"}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeTool is a scriptable registry entry.
type fakeTool struct {
	name     string
	terminal bool
	result   content.Result
	err      error
}

func (t *fakeTool) Name() string                       { return t.name }
func (t *fakeTool) Description() string                { return "test tool" }
func (t *fakeTool) Parameters() map[string]interface{} { return tools.ObjectSchema(nil) }
func (t *fakeTool) Terminal() bool                     { return t.terminal }
func (t *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (content.Result, error) {
	return t.result, t.err
}

// fakeArchive is an in-memory Archiver.
type archiveRow struct {
	role string
	text string
}

type fakeArchive struct {
	mu       sync.Mutex
	contacts map[string]bool
	rows     []archiveRow
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{contacts: make(map[string]bool)}
}

func (a *fakeArchive) AddMessage(convo, sender, role, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, archiveRow{role: role, text: text})
	return nil
}

func (a *fakeArchive) recorded() []archiveRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]archiveRow(nil), a.rows...)
}

func (a *fakeArchive) MarkContact(sender string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contacts[sender] = true
	return nil
}

func (a *fakeArchive) HasContact(sender string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contacts[sender], nil
}

type harness struct {
	provider *fakeProvider
	registry *tools.Registry
	sessions *SessionRegistry
	handler  *Handler
	sender   *fakeSender
}

func newHarness(t *testing.T, provider *fakeProvider, reg *tools.Registry, archive Archiver) *harness {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	sessions := NewSessionRegistry(5*time.Second, 10)
	router := content.NewRouter(config.DefaultChains(), nil)
	return &harness{
		provider: provider,
		registry: reg,
		sessions: sessions,
		handler:  NewHandler(provider, reg, router, sessions, "you are a test agent", archive),
		sender:   &fakeSender{},
	}
}

func dm(text string) gateway.InboundMessage {
	return gateway.InboundMessage{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "0xsender",
		Text:           text,
	}
}

// seed marks the sender greeted so tests skip the onboarding path.
func (h *harness) seed() {
	h.sessions.MarkGreeted("0xsender")
}

func TestDirectTextReply(t *testing.T) {
	provider := &fakeProvider{queue: []*llm.Completion{{Content: "hello there"}}}
	h := newHarness(t, provider, nil, nil)
	h.seed()

	h.handler.HandleMessage(context.Background(), dm("hi"), h.sender)

	texts := h.sender.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("expected 1 text, got %d: %v", len(texts), texts)
	}
	if !strings.Contains(texts[0], "hello there") {
		t.Errorf("unexpected reply %q", texts[0])
	}
	if provider.callCount() != 1 {
		t.Errorf("expected 1 completion call, got %d", provider.callCount())
	}
}

func TestSystemPromptPrepended(t *testing.T) {
	provider := &fakeProvider{queue: []*llm.Completion{{Content: "ok"}}}
	h := newHarness(t, provider, nil, nil)
	h.seed()

	h.handler.HandleMessage(context.Background(), dm("hi"), h.sender)

	if len(provider.lastMsg) != 2 {
		t.Fatalf("expected system + user message, got %d", len(provider.lastMsg))
	}
	if provider.lastMsg[0].Role != llm.RoleSystem {
		t.Errorf("expected leading system turn, got %q", provider.lastMsg[0].Role)
	}
}

func TestBusyWhileInFlight(t *testing.T) {
	provider := &fakeProvider{
		queue:   []*llm.Completion{{Content: "slow answer"}},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, provider, nil, nil)
	h.seed()

	done := make(chan struct{})
	go func() {
		h.handler.HandleMessage(context.Background(), dm("first"), h.sender)
		close(done)
	}()
	<-provider.started

	second := &fakeSender{}
	h.handler.HandleMessage(context.Background(), dm("second"), second)

	texts := second.sentTexts()
	if len(texts) != 1 || texts[0] != busyText {
		t.Fatalf("expected busy notice, got %v", texts)
	}
	if provider.callCount() != 1 {
		t.Errorf("second message must not reach the provider, calls=%d", provider.callCount())
	}

	close(provider.release)
	<-done
}

func TestRateLimitRetryAfterRoundsUp(t *testing.T) {
	r := NewSessionRegistry(5*time.Second, 10)
	base := time.Now()
	r.now = func() time.Time { return base }

	if got, _ := r.TryAcquire("u"); got != AdmitOK {
		t.Fatalf("first acquire: got %v", got)
	}
	r.Release("u")

	cases := []struct {
		elapsed time.Duration
		want    int
	}{
		{2 * time.Second, 3},
		{4200 * time.Millisecond, 1},
		{4999 * time.Millisecond, 1},
		{time.Second, 4},
	}
	for _, tc := range cases {
		r.now = func() time.Time { return base.Add(tc.elapsed) }
		got, retry := r.TryAcquire("u")
		if got != AdmitRateLimited {
			t.Fatalf("elapsed %v: got %v", tc.elapsed, got)
		}
		if retry != tc.want {
			t.Errorf("elapsed %v: retry = %d, want %d", tc.elapsed, retry, tc.want)
		}
	}

	r.now = func() time.Time { return base.Add(5 * time.Second) }
	if got, _ := r.TryAcquire("u"); got != AdmitOK {
		t.Errorf("after full window: got %v", got)
	}
}

func TestRateLimitNotice(t *testing.T) {
	provider := &fakeProvider{queue: []*llm.Completion{{Content: "ok"}}}
	h := newHarness(t, provider, nil, nil)
	h.seed()

	h.handler.HandleMessage(context.Background(), dm("first"), h.sender)
	h.handler.HandleMessage(context.Background(), dm("second"), h.sender)

	texts := h.sender.sentTexts()
	if len(texts) != 2 {
		t.Fatalf("expected reply + notice, got %v", texts)
	}
	if !strings.Contains(texts[1], "wait") || !strings.Contains(texts[1], "seconds") {
		t.Errorf("expected rate-limit notice, got %q", texts[1])
	}
	if provider.callCount() != 1 {
		t.Errorf("rate-limited message must not reach the provider, calls=%d", provider.callCount())
	}
}

func TestHistoryBound(t *testing.T) {
	r := NewSessionRegistry(5*time.Second, 10)
	for i := 0; i < 25; i++ {
		r.Append("u", llm.Message{Role: llm.RoleUser, Content: string(rune('a' + i%26))})
	}
	history := r.History("u")
	if len(history) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(history))
	}
	// Entries 15..24 survive.
	if history[0].Content != string(rune('a'+15)) {
		t.Errorf("expected oldest entries evicted first, head = %q", history[0].Content)
	}
	if history[9].Content != string(rune('a'+24)) {
		t.Errorf("unexpected tail %q", history[9].Content)
	}
}

func TestToolCallThenFollowup(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&fakeTool{name: "get_crypto_price", result: content.UserMessage("ETH is $3,000")})

	provider := &fakeProvider{queue: []*llm.Completion{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "get_crypto_price", Arguments: `{"symbol":"ETH"}`}}},
		{Content: "anything else?"},
	}}
	h := newHarness(t, provider, reg, nil)
	h.seed()

	h.handler.HandleMessage(context.Background(), dm("ETH price"), h.sender)

	texts := h.sender.sentTexts()
	if len(texts) != 2 {
		t.Fatalf("expected tool result + follow-up, got %v", texts)
	}
	if texts[0] != "ETH is $3,000" {
		t.Errorf("unexpected tool output %q", texts[0])
	}
	if !strings.Contains(texts[1], "anything else?") {
		t.Errorf("unexpected follow-up %q", texts[1])
	}
	if provider.callCount() != 2 {
		t.Errorf("expected 2 completion calls, got %d", provider.callCount())
	}

	// The follow-up prompt must carry the correlated tool turn.
	var sawToolTurn bool
	for _, m := range provider.lastMsg {
		if m.Role == llm.RoleTool && m.ToolCallID == "call-1" {
			sawToolTurn = true
		}
	}
	if !sawToolTurn {
		t.Error("follow-up prompt missing correlated tool turn")
	}
}

func TestTerminalToolSkipsFollowup(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&fakeTool{
		name:     "send_eth",
		terminal: true,
		result:   content.Failure(errors.New("bad recipient"), "❌ That doesn't look like a valid address."),
	})

	provider := &fakeProvider{queue: []*llm.Completion{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "send_eth", Arguments: `{"recipient":"not-an-address"}`}}},
	}}
	h := newHarness(t, provider, reg, nil)
	h.seed()

	h.handler.HandleMessage(context.Background(), dm("send 1 eth to not-an-address"), h.sender)

	texts := h.sender.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("expected exactly one message, got %v", texts)
	}
	if !strings.Contains(texts[0], "valid address") {
		t.Errorf("unexpected failure text %q", texts[0])
	}
	if provider.callCount() != 1 {
		t.Errorf("terminal tool must suppress the follow-up call, calls=%d", provider.callCount())
	}
}

func TestToolFailureIsIsolated(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&fakeTool{name: "broken", err: errors.New("boom")})
	reg.Register(&fakeTool{name: "fine", result: content.UserMessage("all good")})

	provider := &fakeProvider{queue: []*llm.Completion{
		{ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: "broken", Arguments: `{}`},
			{ID: "call-2", Name: "fine", Arguments: `{}`},
		}},
		{Content: "done"},
	}}
	h := newHarness(t, provider, reg, nil)
	h.seed()

	h.handler.HandleMessage(context.Background(), dm("do both"), h.sender)

	texts := h.sender.sentTexts()
	if len(texts) != 3 {
		t.Fatalf("expected error text + tool result + follow-up, got %v", texts)
	}
	if texts[0] != toolGenericText {
		t.Errorf("expected friendly error text, got %q", texts[0])
	}
	if strings.Contains(texts[0], "boom") {
		t.Errorf("raw error leaked to chat: %q", texts[0])
	}
	if texts[1] != "all good" {
		t.Errorf("second tool should still run, got %q", texts[1])
	}
}

func TestUnknownToolName(t *testing.T) {
	provider := &fakeProvider{queue: []*llm.Completion{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "no_such_tool", Arguments: `{}`}}},
		{Content: "done"},
	}}
	h := newHarness(t, provider, nil, nil)
	h.seed()

	h.handler.HandleMessage(context.Background(), dm("hi"), h.sender)

	texts := h.sender.sentTexts()
	if len(texts) < 1 || texts[0] != toolNotFoundText {
		t.Fatalf("expected not-found text first, got %v", texts)
	}
}

func TestClassifyToolError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"not found", &tools.ErrToolNotFound{Name: "x"}, "not-found"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"plain error", errors.New("boom"), "generic"},
		{"upstream rate limit", fmt.Errorf("quote API: %w", tools.ErrRateLimited), "rate-limited"},
		{"provider rate limit", &llm.ProviderError{Kind: llm.ErrRateLimited, Err: errors.New("429")}, "rate-limited"},
		{"provider auth", &llm.ProviderError{Kind: llm.ErrUnauthorized, Err: errors.New("401")}, "unauthorized"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := classifyToolError(tc.err)
			if got != tc.want {
				t.Errorf("classifyToolError(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestCompletionFailureApologizesAndResets(t *testing.T) {
	provider := &fakeProvider{err: errors.New("api exploded")}
	h := newHarness(t, provider, nil, nil)
	h.seed()

	h.handler.HandleMessage(context.Background(), dm("hi"), h.sender)

	texts := h.sender.sentTexts()
	if len(texts) != 1 || texts[0] != apologyText {
		t.Fatalf("expected apology, got %v", texts)
	}
	if got := h.sessions.History("0xsender"); len(got) != 0 {
		t.Errorf("history must be reset after a provider failure, got %d entries", len(got))
	}

	// The slot must be released: the very next acquire hits the rate
	// window, not the busy path.
	if got, _ := h.sessions.TryAcquire("0xsender"); got != AdmitRateLimited {
		t.Errorf("expected rate-limited after release, got %v", got)
	}
}

func TestCompletionTimeoutMessage(t *testing.T) {
	provider := &fakeProvider{err: &llm.ProviderError{Kind: llm.ErrTimeout, Err: context.DeadlineExceeded}}
	h := newHarness(t, provider, nil, nil)
	h.seed()

	h.handler.HandleMessage(context.Background(), dm("hi"), h.sender)

	texts := h.sender.sentTexts()
	if len(texts) != 1 || texts[0] != timeoutText {
		t.Fatalf("expected timeout message, got %v", texts)
	}
	if got := h.sessions.History("0xsender"); len(got) != 0 {
		t.Errorf("history must be cleared on timeout, got %d entries", len(got))
	}
}

func TestOnboardingShortCircuit(t *testing.T) {
	provider := &fakeProvider{queue: []*llm.Completion{{Content: "welcome back"}}}
	h := newHarness(t, provider, nil, nil)

	h.handler.HandleMessage(context.Background(), dm("gm"), h.sender)

	texts := h.sender.sentTexts()
	if len(texts) != 1 || texts[0] != onboardingText {
		t.Fatalf("expected onboarding message, got %v", texts)
	}
	if provider.callCount() != 0 {
		t.Errorf("onboarding must not call the provider, calls=%d", provider.callCount())
	}
	if len(h.sessions.History("0xsender")) != 0 {
		t.Error("onboarding must not touch history")
	}
}

func TestOnboardingOnlyOnce(t *testing.T) {
	provider := &fakeProvider{queue: []*llm.Completion{{Content: "hello again"}}}
	h := newHarness(t, provider, nil, nil)
	h.sessions.window = time.Nanosecond

	h.handler.HandleMessage(context.Background(), dm("gm"), h.sender)
	h.handler.HandleMessage(context.Background(), dm("gm again"), h.sender)

	if provider.callCount() != 1 {
		t.Errorf("second message should reach the provider once, calls=%d", provider.callCount())
	}
}

func TestPersistedContactSkipsOnboarding(t *testing.T) {
	archive := newFakeArchive()
	archive.MarkContact("0xsender")

	provider := &fakeProvider{queue: []*llm.Completion{{Content: "hi again"}}}
	h := newHarness(t, provider, nil, archive)

	h.handler.HandleMessage(context.Background(), dm("gm"), h.sender)

	if provider.callCount() != 1 {
		t.Errorf("known contact must skip onboarding, calls=%d", provider.callCount())
	}
	texts := h.sender.sentTexts()
	if len(texts) != 1 || texts[0] == onboardingText {
		t.Errorf("unexpected replies %v", texts)
	}
}

func TestArchiveRecordsBothSides(t *testing.T) {
	archive := newFakeArchive()
	archive.MarkContact("0xsender")

	provider := &fakeProvider{queue: []*llm.Completion{{Content: "hello there"}}}
	h := newHarness(t, provider, nil, archive)

	h.handler.HandleMessage(context.Background(), dm("hi"), h.sender)

	rows := archive.recorded()
	if len(rows) != 2 {
		t.Fatalf("expected user + assistant rows, got %d: %v", len(rows), rows)
	}
	if rows[0].role != llm.RoleUser || rows[0].text != "hi" {
		t.Errorf("unexpected inbound row %+v", rows[0])
	}
	if rows[1].role != llm.RoleAssistant || !strings.Contains(rows[1].text, "hello there") {
		t.Errorf("unexpected outbound row %+v", rows[1])
	}
}

func TestArchiveRecordsToolTurns(t *testing.T) {
	archive := newFakeArchive()
	archive.MarkContact("0xsender")

	reg := tools.NewRegistry()
	reg.Register(&fakeTool{name: "get_crypto_price", result: content.UserMessage("ETH is $3,000")})

	provider := &fakeProvider{queue: []*llm.Completion{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "get_crypto_price", Arguments: `{}`}}},
		{Content: "anything else?"},
	}}
	h := newHarness(t, provider, reg, archive)

	h.handler.HandleMessage(context.Background(), dm("ETH price"), h.sender)

	rows := archive.recorded()
	if len(rows) != 3 {
		t.Fatalf("expected user + tool + assistant rows, got %d: %v", len(rows), rows)
	}
	if rows[1].role != llm.RoleTool || !strings.Contains(rows[1].text, "ETH is $3,000") {
		t.Errorf("unexpected tool row %+v", rows[1])
	}
	if rows[2].role != llm.RoleAssistant {
		t.Errorf("unexpected final row %+v", rows[2])
	}
}

func TestGroupMessageIgnoredWithoutMention(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, provider, nil, nil)
	h.seed()

	msg := dm("random chatter")
	msg.IsGroup = true
	h.handler.HandleMessage(context.Background(), msg, h.sender)

	if got := h.sender.sentTexts(); len(got) != 0 {
		t.Errorf("expected silence, got %v", got)
	}
	if provider.callCount() != 0 {
		t.Errorf("unaddressed group message must not reach the provider, calls=%d", provider.callCount())
	}

	// The lock must still be released on the silent path.
	h.sessions.window = time.Nanosecond
	if got, _ := h.sessions.TryAcquire("0xsender"); got != AdmitOK {
		t.Errorf("expected slot released after silent return, got %v", got)
	}
}

func TestGroupMessageWithMention(t *testing.T) {
	provider := &fakeProvider{queue: []*llm.Completion{{Content: "yes?"}}}
	h := newHarness(t, provider, nil, nil)
	h.seed()

	msg := dm("@basemate ETH price")
	msg.IsGroup = true
	msg.MentionsAgent = true
	h.handler.HandleMessage(context.Background(), msg, h.sender)

	if provider.callCount() != 1 {
		t.Errorf("mentioned group message must be handled, calls=%d", provider.callCount())
	}
}

func TestGroupReplyToAgent(t *testing.T) {
	provider := &fakeProvider{queue: []*llm.Completion{{Content: "sure"}}}
	h := newHarness(t, provider, nil, nil)
	h.seed()

	msg := dm("what about BTC?")
	msg.IsGroup = true
	msg.ReplyToAgent = true
	h.handler.HandleMessage(context.Background(), msg, h.sender)

	if provider.callCount() != 1 {
		t.Errorf("reply to agent must be handled, calls=%d", provider.callCount())
	}
}
