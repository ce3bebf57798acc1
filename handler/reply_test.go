package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/followchat/followchat/server/store"
	"github.com/followchat/followchat/server/stream"
)

// fakeLLM 模拟 OpenAI 兼容上游，流式与非流式调用可分别注入失败
type fakeLLM struct {
	deltas         []string
	summary        string
	streamStatus   int
	completeStatus int
}

func (f *fakeLLM) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode upstream request: %v", err)
		}

		if body.Stream {
			if f.streamStatus != http.StatusOK {
				http.Error(w, `{"error":{"message":"boom"}}`, f.streamStatus)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, d := range f.deltas {
				fmt.Fprintf(w, `data: {"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", d)
				flusher.Flush()
			}
			fmt.Fprintf(w, `data: {"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`+"\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}

		if f.completeStatus != http.StatusOK {
			http.Error(w, `{"error":{"message":"boom"}}`, f.completeStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, f.summary)
	}))
}

func newReplyFixture(t *testing.T, f *fakeLLM) (*store.Store, *gin.Engine) {
	t.Helper()
	s, _, r := newTestRouter(t)

	upstream := f.server(t)
	t.Cleanup(upstream.Close)

	key := "test-key"
	base := upstream.URL + "/v1"
	if _, err := s.UpsertConfig(&key, &base, "test-model", 1.0); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return s, r
}

func readEvents(t *testing.T, body io.Reader) []stream.Event {
	t.Helper()
	dec := stream.NewDecoder(body)
	var events []stream.Event
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("decode stream: %v", err)
		}
		events = append(events, ev)
	}
}

// 场景 A：一次完整轮次——message_id 先行，增量拼接等于持久化的回答，
// done 在摘要落库之后出现
func TestReplyFullTurn(t *testing.T) {
	fake := &fakeLLM{
		deltas:         []string{"你好", "，", "这是回答"},
		summary:        "问候语",
		streamStatus:   http.StatusOK,
		completeStatus: http.StatusOK,
	}
	s, r := newReplyFixture(t, fake)
	createConversation(t, r, `{}`)

	w := doJSON(t, r, "POST", "/conversations/1/llm-reply", `{"content":"你好"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("expected NDJSON content type, got %q", ct)
	}

	events := readEvents(t, w.Body)
	if len(events) < 3 {
		t.Fatalf("expected message_id, deltas and done, got %+v", events)
	}
	if events[0].Type != stream.EventMessageID || events[0].MessageID == 0 {
		t.Fatalf("first event must carry the message id, got %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != stream.EventDone {
		t.Fatalf("last event must be done, got %+v", last)
	}

	var joined strings.Builder
	for _, ev := range events[1 : len(events)-1] {
		if ev.Type != stream.EventDelta {
			t.Fatalf("unexpected event between message_id and done: %+v", ev)
		}
		joined.WriteString(ev.Content)
	}

	msg, err := s.GetMessage(events[0].MessageID)
	if err != nil {
		t.Fatalf("persisted message missing: %v", err)
	}
	if msg.AssistantReply == nil || *msg.AssistantReply != joined.String() {
		t.Errorf("deltas must reassemble to the persisted reply, got %q vs %v", joined.String(), msg.AssistantReply)
	}
	if msg.Summary == nil || *msg.Summary != "问候语" {
		t.Errorf("summary must be persisted before done, got %v", msg.Summary)
	}

	// 首轮摘要提升为会话标题
	conv, err := s.GetConversation(1)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Title != "问候语" {
		t.Errorf("expected title promotion, got %q", conv.Title)
	}
}

// 未指定父节点时挂在会话中最近创建的节点下
func TestReplyDefaultParentIsLatest(t *testing.T) {
	fake := &fakeLLM{deltas: []string{"ok"}, summary: "s", streamStatus: http.StatusOK, completeStatus: http.StatusOK}
	s, r := newReplyFixture(t, fake)
	createConversation(t, r, `{}`)

	doJSON(t, r, "POST", "/conversations/1/messages", `{"content":"first"}`)
	doJSON(t, r, "POST", "/conversations/1/messages", `{"content":"second"}`)

	w := doJSON(t, r, "POST", "/conversations/1/llm-reply", `{"content":"follow up"}`)
	events := readEvents(t, w.Body)
	if len(events) == 0 {
		t.Fatal("no events")
	}

	msg, err := s.GetMessage(events[0].MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ParentID == nil || *msg.ParentID != 2 {
		t.Errorf("expected parent to default to latest node 2, got %v", msg.ParentID)
	}
}

func TestReplyExplicitParentBranches(t *testing.T) {
	fake := &fakeLLM{deltas: []string{"ok"}, summary: "s", streamStatus: http.StatusOK, completeStatus: http.StatusOK}
	s, r := newReplyFixture(t, fake)
	createConversation(t, r, `{}`)

	doJSON(t, r, "POST", "/conversations/1/messages", `{"content":"root"}`)
	doJSON(t, r, "POST", "/conversations/1/messages", `{"content":"tip","parent_id":1}`)

	// 显式回到节点 1 开新分支
	w := doJSON(t, r, "POST", "/conversations/1/llm-reply", `{"content":"branch","parent_id":1}`)
	events := readEvents(t, w.Body)

	msg, err := s.GetMessage(events[0].MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ParentID == nil || *msg.ParentID != 1 {
		t.Errorf("expected explicit parent 1, got %v", msg.ParentID)
	}
}

// 上游流式失败：单条 error 事件、无 done，用户消息保留且无回答
func TestReplyUpstreamFailureKeepsUserMessage(t *testing.T) {
	fake := &fakeLLM{streamStatus: http.StatusBadGateway, completeStatus: http.StatusOK}
	s, r := newReplyFixture(t, fake)
	createConversation(t, r, `{}`)

	w := doJSON(t, r, "POST", "/conversations/1/llm-reply", `{"content":"hi"}`)
	events := readEvents(t, w.Body)

	if len(events) != 2 {
		t.Fatalf("expected message_id then error, got %+v", events)
	}
	if events[0].Type != stream.EventMessageID {
		t.Errorf("first event: %+v", events[0])
	}
	if events[1].Type != stream.EventError || !strings.Contains(events[1].Content, "LLM 请求失败") {
		t.Errorf("expected upstream error event, got %+v", events[1])
	}

	msg, err := s.GetMessage(events[0].MessageID)
	if err != nil {
		t.Fatalf("user message must survive upstream failure: %v", err)
	}
	if msg.AssistantReply != nil {
		t.Errorf("failed turn must not carry a reply, got %q", *msg.AssistantReply)
	}
}

// 摘要阶段失败：回答已持久化，error 终止流，无 done
func TestReplySummaryFailureKeepsReply(t *testing.T) {
	fake := &fakeLLM{deltas: []string{"answer"}, streamStatus: http.StatusOK, completeStatus: http.StatusInternalServerError}
	s, r := newReplyFixture(t, fake)
	createConversation(t, r, `{}`)

	w := doJSON(t, r, "POST", "/conversations/1/llm-reply", `{"content":"hi"}`)
	events := readEvents(t, w.Body)

	last := events[len(events)-1]
	if last.Type != stream.EventError {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
	for _, ev := range events {
		if ev.Type == stream.EventDone {
			t.Error("done must not be emitted when the summary fails")
		}
	}

	msg, err := s.GetMessage(events[0].MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.AssistantReply == nil || *msg.AssistantReply != "answer" {
		t.Errorf("reply must already be persisted, got %v", msg.AssistantReply)
	}
	if msg.Summary != nil {
		t.Errorf("summary must stay null, got %q", *msg.Summary)
	}
}

func TestReplyRequestValidation(t *testing.T) {
	fake := &fakeLLM{deltas: []string{"ok"}, summary: "s", streamStatus: http.StatusOK, completeStatus: http.StatusOK}
	_, r := newReplyFixture(t, fake)
	createConversation(t, r, `{}`)

	// 会话不存在 → 普通 404，不是流
	w := doJSON(t, r, "POST", "/conversations/99/llm-reply", `{"content":"hi"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing conversation: expected 404, got %d", w.Code)
	}

	// 空 content → 400
	w = doJSON(t, r, "POST", "/conversations/1/llm-reply", `{"content":"  "}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank content: expected 400, got %d", w.Code)
	}
}

func TestReplyWithoutConfig(t *testing.T) {
	_, _, r := newTestRouter(t)
	createConversation(t, r, `{}`)

	w := doJSON(t, r, "POST", "/conversations/1/llm-reply", `{"content":"hi"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without config, got %d: %s", w.Code, w.Body.String())
	}
}
