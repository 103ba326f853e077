package review

import (
	"fmt"
	"strings"

	"github.com/basket/go-company/internal/persistence"
	"github.com/basket/go-company/internal/shared"
)

const (
	taskContextMaxChars  = 1200
	transcriptMaxTurns   = 20
	transcriptLineChars  = 180
	transcriptTotalChars = 2400
	resultTailChars      = 1500
	memoMarker           = "[PROJECT MEMO]"
)

// OpinionRequest is everything a leader sees when asked for an opinion.
type OpinionRequest struct {
	Task       persistence.Task
	Leader     persistence.Agent
	Department string
	Round      int
	Mode       string
	Chair      bool
	Transcript []persistence.MeetingEntry
	OpenItems  []persistence.RevisionItem
}

// BuildOpinionPrompt renders the one-shot prompt for a leader's review turn.
func BuildOpinionPrompt(req OpinionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, team leader of %s.\n", req.Leader.Name, nonEmpty(req.Department, req.Leader.DepartmentID))
	if p := strings.TrimSpace(req.Leader.Personality); p != "" {
		fmt.Fprintf(&b, "Personality: %s\n", p)
	}
	fmt.Fprintf(&b, "\nReview meeting round %d (%s) for task %q.\n", req.Round, req.Mode, req.Task.Title)
	if desc := compactDescription(req.Task.Description); desc != "" {
		fmt.Fprintf(&b, "Task description:\n%s\n", desc)
	}
	if res := strings.TrimSpace(req.Task.Result); res != "" {
		fmt.Fprintf(&b, "\nLatest execution output (tail):\n%s\n", shared.Tail(res, resultTailChars))
	}
	if len(req.OpenItems) > 0 {
		b.WriteString("\nOpen revision memo:\n")
		for _, it := range req.OpenItems {
			fmt.Fprintf(&b, "- [round %d] %s\n", it.Round, it.RawNote)
		}
	}
	if t := FormatTranscript(req.Transcript); t != "" {
		fmt.Fprintf(&b, "\nMeeting so far:\n%s\n", t)
	}

	b.WriteString("\n")
	switch req.Mode {
	case ModeParallelRemediation:
		b.WriteString("State your department's findings independently. List required fixes as bullet points.\n")
	case ModeMergeSynthesis:
		if req.Chair {
			b.WriteString("You chair this round: consolidate the other leaders' feedback into one decision.\n")
		} else {
			b.WriteString("Confirm whether the remediation from the previous round resolves your findings.\n")
		}
	default:
		b.WriteString("This is the final decision round. Your answer is binding.\n")
	}
	b.WriteString("Answer with APPROVED if the work can be merged, or HOLD followed by the blocking items.\n")
	return b.String()
}

// FormatTranscript renders the latest turns of a meeting, trimmed per line
// and in total.
func FormatTranscript(entries []persistence.MeetingEntry) string {
	if len(entries) > transcriptMaxTurns {
		entries = entries[len(entries)-transcriptMaxTurns:]
	}
	lines := make([]string, 0, len(entries))
	total := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		content := shared.Truncate(strings.Join(strings.Fields(e.Content), " "), transcriptLineChars)
		line := fmt.Sprintf("%s (%s): %s", e.SpeakerName, nonEmpty(e.DepartmentID, e.Role), content)
		if total+len(line) > transcriptTotalChars {
			break
		}
		total += len(line) + 1
		lines = append(lines, line)
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

func compactDescription(desc string) string {
	if i := strings.Index(desc, memoMarker); i >= 0 {
		desc = desc[:i]
	}
	return shared.Truncate(strings.TrimSpace(desc), taskContextMaxChars)
}

// ExtractRevisionNotes pulls the actionable items out of an opinion: bullet
// or numbered lines when present, otherwise the whole opinion.
func ExtractRevisionNotes(text string) []string {
	var notes []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		item, ok := bulletItem(line)
		if !ok {
			continue
		}
		if item = strings.TrimSpace(item); item != "" {
			notes = append(notes, shared.Truncate(item, 400))
		}
	}
	if len(notes) == 0 {
		if cleaned := strings.Join(strings.Fields(text), " "); cleaned != "" {
			notes = append(notes, shared.Truncate(cleaned, 400))
		}
	}
	return notes
}

func bulletItem(line string) (string, bool) {
	for _, p := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, p) {
			return line[len(p):], true
		}
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return line[i+1:], true
	}
	return "", false
}

func nonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
