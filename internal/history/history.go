// Package history rebuilds the model-ready conversation for a session
// from its stored messages and the agent's current behavioural
// instructions.
//
// The instructions are never stored with the messages. They are passed
// in on every call and attached as the single leading system message,
// on fresh and replayed conversations alike. A conversation replayed
// without them silently loses the agent's role and tool awareness from
// the second turn onward, so every path here goes through
// [WithInstructions].
//
// Nothing in this package touches the network or the database.
package history

import (
	"fmt"
	"sort"

	"github.com/nugget/concierge/internal/llm"
	"github.com/nugget/concierge/internal/memory"
	"github.com/nugget/concierge/internal/usage"
)

// ReconstructionError reports stored history that cannot be replayed.
// A turn that hits one is rejected before any model call.
type ReconstructionError struct {
	Index  int // position in the ordered rows, -1 when not row-specific
	Reason string
}

func (e *ReconstructionError) Error() string {
	if e.Index < 0 {
		return "reconstruct history: " + e.Reason
	}
	return fmt.Sprintf("reconstruct history: row %d: %s", e.Index, e.Reason)
}

// Section names and origins recorded in a [Result.Breakdown].
const (
	SectionInstructions = "instructions"
	SectionHistory      = "history"
	SectionUserTurn     = "user_turn"
	SectionToolResults  = "tool_results"

	OriginStore   = "store"
	OriginRequest = "request"
)

// Result is a reconstructed conversation ready for the model.
type Result struct {
	Messages  []llm.Message
	Breakdown []usage.PromptSection
}

// PromptChars is the total character count of the messages, used to
// estimate input tokens when a provider reports none.
func (r *Result) PromptChars() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m.Content)
	}
	return n
}

// FromRows converts stored rows to model messages. Seq is assigned when
// a turn commits and is the session's total order; creation time only
// orders rows that were never stored. Tool-result rows are sub-turns of
// an assistant turn and are not replayed.
func FromRows(rows []memory.Message) ([]llm.Message, error) {
	ordered := make([]memory.Message, len(rows))
	copy(ordered, rows)
	bySeq := true
	for _, r := range ordered {
		if r.Seq <= 0 {
			bySeq = false
			break
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if bySeq {
			return ordered[i].Seq < ordered[j].Seq
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	out := make([]llm.Message, 0, len(ordered))
	last := ""
	for i, row := range ordered {
		var role string
		switch row.Role {
		case memory.RoleToolResult:
			continue
		case memory.RoleUser:
			role = llm.RoleUser
			if row.Content == "" {
				return nil, &ReconstructionError{Index: i, Reason: "empty user message"}
			}
		case memory.RoleAssistant:
			role = llm.RoleAssistant
		case llm.RoleSystem:
			return nil, &ReconstructionError{Index: i, Reason: "stored system message; instructions are never persisted"}
		default:
			return nil, &ReconstructionError{Index: i, Reason: fmt.Sprintf("unknown role %q", row.Role)}
		}

		if last == "" && role != llm.RoleUser {
			return nil, &ReconstructionError{Index: i, Reason: "history does not start with a user turn"}
		}
		if role == last {
			return nil, &ReconstructionError{Index: i, Reason: fmt.Sprintf("two consecutive %s turns", role)}
		}
		out = append(out, llm.Message{Role: role, Content: row.Content})
		last = role
	}

	if last == llm.RoleUser {
		return nil, &ReconstructionError{Index: len(ordered) - 1, Reason: "trailing user turn has no reply"}
	}
	return out, nil
}

// WithInstructions returns msgs with exactly one leading system message
// carrying instructions. Existing system messages anywhere in msgs are
// dropped first, so calling it again on its own output changes nothing
// and stale instructions from an earlier deployment are replaced. An
// empty conversation stays empty.
func WithInstructions(msgs []llm.Message, instructions string) ([]llm.Message, error) {
	if len(msgs) == 0 {
		return []llm.Message{}, nil
	}
	if instructions == "" {
		return nil, &ReconstructionError{Index: -1, Reason: "no behavioural instructions for a non-empty conversation"}
	}

	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: instructions})
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Build reconstructs the conversation for a new user turn: stored
// rows, then the new user text, then the instructions attached up
// front. instructionsOrigin labels where the instructions came from in
// the breakdown (for example "persona:front-desk").
func Build(rows []memory.Message, instructions, instructionsOrigin, userText string) (*Result, error) {
	if userText == "" {
		return nil, &ReconstructionError{Index: -1, Reason: "empty user turn"}
	}

	replayed, err := FromRows(rows)
	if err != nil {
		return nil, err
	}

	historyChars := 0
	for _, m := range replayed {
		historyChars += len(m.Content)
	}

	msgs := append(replayed, llm.Message{Role: llm.RoleUser, Content: userText})
	msgs, err = WithInstructions(msgs, instructions)
	if err != nil {
		return nil, err
	}

	return &Result{
		Messages: msgs,
		Breakdown: []usage.PromptSection{
			{Name: SectionInstructions, Origin: instructionsOrigin, Chars: len(instructions), Count: 1},
			{Name: SectionHistory, Origin: OriginStore, Chars: historyChars, Count: len(replayed)},
			{Name: SectionUserTurn, Origin: OriginRequest, Chars: len(userText), Count: 1},
		},
	}, nil
}
