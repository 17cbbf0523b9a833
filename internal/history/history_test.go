package history

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nugget/concierge/internal/llm"
	"github.com/nugget/concierge/internal/memory"
)

const instructions = "You are the front desk for Riverside Clinic. Use search_directory to find providers."

func rows(roles ...string) []memory.Message {
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	out := make([]memory.Message, len(roles))
	for i, r := range roles {
		out[i] = memory.Message{
			Seq:       int64(i + 1),
			Role:      r,
			Content:   fmt.Sprintf("%s %d", r, i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func countSystem(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			n++
		}
	}
	return n
}

func TestFromRows(t *testing.T) {
	tests := []struct {
		name    string
		rows    []memory.Message
		wantLen int
		wantErr bool
	}{
		{name: "empty", rows: nil, wantLen: 0},
		{name: "one exchange", rows: rows("user", "assistant"), wantLen: 2},
		{name: "tool results skipped", rows: rows("user", "tool-result", "assistant", "user", "assistant"), wantLen: 4},
		{name: "starts with assistant", rows: rows("assistant", "user", "assistant"), wantErr: true},
		{name: "consecutive users", rows: rows("user", "user", "assistant"), wantErr: true},
		{name: "dangling user", rows: rows("user", "assistant", "user"), wantErr: true},
		{name: "stored system row", rows: rows("system", "user", "assistant"), wantErr: true},
		{name: "unknown role", rows: rows("user", "narrator"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromRows(tt.rows)
			if tt.wantErr {
				var re *ReconstructionError
				if !errors.As(err, &re) {
					t.Fatalf("err = %v, want *ReconstructionError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromRows: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestFromRowsOrdersBySeq(t *testing.T) {
	r := rows("user", "assistant", "user", "assistant")
	// The second user row was stamped while its turn waited for the
	// session, so it predates the first reply.
	r[2].CreatedAt = r[0].CreatedAt.Add(time.Millisecond)
	shuffled := []memory.Message{r[3], r[1], r[2], r[0]}

	got, err := FromRows(shuffled)
	if err != nil {
		t.Fatalf("FromRows: %v", err)
	}
	for i, want := range []string{"user 0", "assistant 1", "user 2", "assistant 3"} {
		if got[i].Content != want {
			t.Errorf("msg[%d] = %q, want %q", i, got[i].Content, want)
		}
	}
}

func TestFromRowsUnsequencedByTime(t *testing.T) {
	r := rows("user", "assistant")
	for i := range r {
		r[i].Seq = 0
	}
	got, err := FromRows([]memory.Message{r[1], r[0]})
	if err != nil {
		t.Fatalf("FromRows: %v", err)
	}
	if got[0].Role != llm.RoleUser || got[1].Role != llm.RoleAssistant {
		t.Errorf("order = %s, %s", got[0].Role, got[1].Role)
	}
}

func TestWithInstructions(t *testing.T) {
	t.Run("empty stays empty", func(t *testing.T) {
		got, err := WithInstructions(nil, instructions)
		if err != nil || len(got) != 0 {
			t.Errorf("got %v, %v", got, err)
		}
	})

	t.Run("prepends once", func(t *testing.T) {
		msgs := []llm.Message{{Role: llm.RoleUser, Content: "hi"}}
		got, err := WithInstructions(msgs, instructions)
		if err != nil {
			t.Fatal(err)
		}
		if got[0].Role != llm.RoleSystem || got[0].Content != instructions {
			t.Errorf("first = %+v", got[0])
		}
		if countSystem(got) != 1 {
			t.Errorf("system messages = %d, want 1", countSystem(got))
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		msgs := []llm.Message{{Role: llm.RoleUser, Content: "hi"}}
		once, _ := WithInstructions(msgs, instructions)
		twice, _ := WithInstructions(once, instructions)
		if len(twice) != len(once) || countSystem(twice) != 1 {
			t.Errorf("second pass changed the conversation: %+v", twice)
		}
	})

	t.Run("stale instructions replaced", func(t *testing.T) {
		msgs := []llm.Message{
			{Role: llm.RoleSystem, Content: "old deployment"},
			{Role: llm.RoleUser, Content: "hi"},
		}
		got, _ := WithInstructions(msgs, instructions)
		if countSystem(got) != 1 || got[0].Content != instructions {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("missing instructions", func(t *testing.T) {
		_, err := WithInstructions([]llm.Message{{Role: llm.RoleUser, Content: "hi"}}, "")
		var re *ReconstructionError
		if !errors.As(err, &re) {
			t.Errorf("err = %v, want *ReconstructionError", err)
		}
	})
}

// Every turn count, fresh or replayed, must put exactly one
// instructions block first.
func TestBuildInstructionsInvariant(t *testing.T) {
	for turns := 0; turns <= 6; turns++ {
		t.Run(fmt.Sprintf("%d prior turns", turns), func(t *testing.T) {
			var roles []string
			for i := 0; i < turns; i++ {
				roles = append(roles, "user", "assistant")
			}
			res, err := Build(rows(roles...), instructions, "persona:front-desk", "find a cardiologist")
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if res.Messages[0].Role != llm.RoleSystem || res.Messages[0].Content != instructions {
				t.Fatalf("first message = %+v", res.Messages[0])
			}
			if countSystem(res.Messages) != 1 {
				t.Errorf("system messages = %d, want 1", countSystem(res.Messages))
			}
			if want := 2*turns + 2; len(res.Messages) != want {
				t.Errorf("len = %d, want %d", len(res.Messages), want)
			}
			last := res.Messages[len(res.Messages)-1]
			if last.Role != llm.RoleUser || last.Content != "find a cardiologist" {
				t.Errorf("last = %+v", last)
			}

			again, err := WithInstructions(res.Messages, instructions)
			if err != nil {
				t.Fatal(err)
			}
			if len(again) != len(res.Messages) {
				t.Errorf("re-entry changed length %d -> %d", len(res.Messages), len(again))
			}
		})
	}
}

func TestBuildBreakdown(t *testing.T) {
	res, err := Build(rows("user", "assistant"), instructions, "persona:front-desk", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Breakdown) != 3 {
		t.Fatalf("breakdown = %+v", res.Breakdown)
	}
	want := []struct {
		name, origin string
		chars        int
	}{
		{SectionInstructions, "persona:front-desk", len(instructions)},
		{SectionHistory, OriginStore, len("user 0") + len("assistant 1")},
		{SectionUserTurn, OriginRequest, len("hello")},
	}
	for i, w := range want {
		s := res.Breakdown[i]
		if s.Name != w.name || s.Origin != w.origin || s.Chars != w.chars {
			t.Errorf("section %d = %+v, want %s/%s/%d", i, s, w.name, w.origin, w.chars)
		}
	}
	if res.PromptChars() != len(instructions)+len("user 0")+len("assistant 1")+len("hello") {
		t.Errorf("PromptChars = %d", res.PromptChars())
	}
}

func TestBuildRejects(t *testing.T) {
	if _, err := Build(nil, instructions, "p", ""); err == nil {
		t.Error("empty user text accepted")
	}
	if _, err := Build(nil, "", "p", "hi"); err == nil {
		t.Error("missing instructions accepted")
	}
	if _, err := Build(rows("user"), instructions, "p", "hi"); err == nil {
		t.Error("dangling user row accepted")
	}
}
