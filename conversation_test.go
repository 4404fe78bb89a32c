package agentloop

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestConversation_AppendEnforcesSystemFirstAndOnce(t *testing.T) {
	conv := NewConversation("s")
	if err := conv.Append(SystemMessage("be helpful")); err != nil {
		t.Fatalf("unexpected error appending first system message: %v", err)
	}
	if err := conv.Append(SystemMessage("again")); err == nil {
		t.Error("expected appending a second system message to fail")
	}
}

func TestConversation_AppendRejectsSystemAfterOtherMessages(t *testing.T) {
	conv := NewConversation("s")
	if err := conv.Append(UserMessage("hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := conv.Append(SystemMessage("too late")); err == nil {
		t.Error("expected a system message appended after message 0 to fail")
	}
}

func TestConversation_AppendEnforcesToolFollowsAssistant(t *testing.T) {
	conv := NewConversation("s")
	conv.Append(UserMessage("hi"))
	result := ToolResultBlock("tu_1", true, "ok", "", 5)
	if err := conv.Append(ToolMessage(result)); err == nil {
		t.Error("expected a tool message with no preceding assistant message to fail")
	}
}

func TestConversation_AppendEnforcesMatchingToolUseIDs(t *testing.T) {
	conv := NewConversation("s")
	conv.Append(UserMessage("hi"))
	conv.Append(AssistantMessage(ToolUseBlock("tu_1", "calculate", json.RawMessage(`{}`))))

	wrongOrder := ToolMessage(ToolResultBlock("tu_2", true, "ok", "", 1))
	if err := conv.Append(wrongOrder); err == nil {
		t.Error("expected a tool message with a mismatched tool_use_id to fail")
	}

	right := ToolMessage(ToolResultBlock("tu_1", true, "ok", "", 1))
	if err := conv.Append(right); err != nil {
		t.Errorf("expected a matching tool message to succeed: %v", err)
	}
}

func TestConversation_MultipleToolUsesMustMatchOrder(t *testing.T) {
	conv := NewConversation("s")
	conv.Append(UserMessage("hi"))
	conv.Append(AssistantMessage(
		ToolUseBlock("tu_1", "a", json.RawMessage(`{}`)),
		ToolUseBlock("tu_2", "b", json.RawMessage(`{}`)),
	))

	reversed := ToolMessage(
		ToolResultBlock("tu_2", true, "ok", "", 1),
		ToolResultBlock("tu_1", true, "ok", "", 1),
	)
	if err := conv.Append(reversed); err == nil {
		t.Error("expected out-of-order tool results to fail")
	}

	inOrder := ToolMessage(
		ToolResultBlock("tu_1", true, "ok", "", 1),
		ToolResultBlock("tu_2", true, "ok", "", 1),
	)
	if err := conv.Append(inOrder); err != nil {
		t.Errorf("expected in-order tool results to succeed: %v", err)
	}
}

func TestConversation_LastAssistantText(t *testing.T) {
	conv := NewConversation("s")
	conv.Append(UserMessage("hi"))
	conv.Append(AssistantMessage(TextBlock("first")))
	conv.Append(UserMessage("more"))
	conv.Append(AssistantMessage(TextBlock("second")))

	if got := conv.LastAssistantText(); got != "second" {
		t.Errorf("expected 'second', got %q", got)
	}
}

func TestConversation_ModelMessagesElidesHidden(t *testing.T) {
	conv := NewConversation("s")
	conv.Append(UserMessage("hi"))
	hidden := UserMessage("hidden rubric")
	hidden.Hidden = true
	conv.Append(hidden)

	model := conv.ModelMessages()
	for _, m := range model {
		if m.Hidden {
			t.Error("expected ModelMessages to elide Hidden messages")
		}
	}
	if len(conv.Messages()) != len(model)+1 {
		t.Errorf("expected Messages() to still include the hidden message: got %d total, %d model-visible", len(conv.Messages()), len(model))
	}
}

func TestConversation_JSONRoundTrip(t *testing.T) {
	conv := NewConversation("session-1")
	conv.Append(SystemMessage("be helpful"))
	conv.Append(UserMessage("2+2?"))
	conv.Append(AssistantMessage(ToolUseBlock("tu_1", "calculate", json.RawMessage(`{"a":2,"b":2}`))))
	conv.Append(ToolMessage(ToolResultBlock("tu_1", true, "4", "", 3)))
	conv.Append(AssistantMessage(TextBlock("4")))

	data, err := json.Marshal(conv)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}

	restored := &Conversation{}
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if restored.SessionID != conv.SessionID || restored.ConversationID != conv.ConversationID {
		t.Errorf("expected session/conversation IDs to round-trip, got %+v", restored)
	}
	if len(restored.Messages()) != len(conv.Messages()) {
		t.Fatalf("expected %d messages after round-trip, got %d", len(conv.Messages()), len(restored.Messages()))
	}
	for i, m := range conv.Messages() {
		if restored.Messages()[i].Role != m.Role {
			t.Errorf("message %d: expected role %q, got %q", i, m.Role, restored.Messages()[i].Role)
		}
	}

	again := AssistantMessage(TextBlock("round-tripped conversation still accepts appends"))
	if err := restored.Append(again); err != nil {
		t.Errorf("expected restored conversation to accept new appends: %v", err)
	}
}

func TestConversation_Summarize(t *testing.T) {
	conv := NewConversation("s")
	conv.Append(UserMessage("first"))
	conv.Append(AssistantMessage(TextBlock("first reply")))
	conv.Append(UserMessage("second"))

	err := conv.Summarize(2, func(prefix []Message) (string, error) {
		if len(prefix) != 2 {
			t.Errorf("expected a 2-message prefix, got %d", len(prefix))
		}
		return "summary of the first exchange", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := conv.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after summarizing a 2-message prefix into 1, got %d", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[0].Text() != "summary of the first exchange" {
		t.Errorf("expected the first message to be the synthetic summary, got %+v", msgs[0])
	}
	if msgs[1].Text() != "second" {
		t.Errorf("expected the remaining message to survive unchanged, got %+v", msgs[1])
	}
}

func TestConversation_SummarizeRejectsSplittingToolPair(t *testing.T) {
	conv := NewConversation("s")
	conv.Append(UserMessage("hi"))
	conv.Append(AssistantMessage(ToolUseBlock("tu_1", "calculate", json.RawMessage(`{}`))))
	conv.Append(ToolMessage(ToolResultBlock("tu_1", true, "4", "", 1)))

	err := conv.Summarize(2, func(prefix []Message) (string, error) { return "x", nil })
	var inv *InternalInvariant
	if !errors.As(err, &inv) {
		t.Fatalf("expected *InternalInvariant for a keepFrom that splits a tool pair, got %T: %v", err, err)
	}
}

func TestConversation_ConcurrentAppendIsRejected(t *testing.T) {
	conv := NewConversation("s")
	if err := conv.beginWrite(); err != nil {
		t.Fatalf("unexpected error claiming the writer slot: %v", err)
	}
	defer conv.endWrite()

	err := conv.Append(UserMessage("hi"))
	var inv *InternalInvariant
	if !errors.As(err, &inv) {
		t.Fatalf("expected *InternalInvariant for a concurrent writer, got %T: %v", err, err)
	}
}
