// Package review runs the department-leader consensus protocol that gates a
// task's move from review to done.
package review

import (
	"regexp"
	"strings"
)

// Decision is a leader's classified stance on a task.
type Decision string

const (
	DecisionApproved  Decision = "approved"
	DecisionHold      Decision = "hold"
	DecisionReviewing Decision = "reviewing"
)

// Round modes.
const (
	ModeParallelRemediation = "parallel_remediation"
	ModeMergeSynthesis      = "merge_synthesis"
	ModeFinalDecision       = "final_decision"
)

// ModeForRound maps a round number to its meeting mode.
func ModeForRound(round int) string {
	switch {
	case round <= 1:
		return ModeParallelRemediation
	case round == 2:
		return ModeMergeSynthesis
	default:
		return ModeFinalDecision
	}
}

// Classifier turns a leader's free-text opinion into a Decision.
type Classifier interface {
	Classify(text string) Decision
}

var (
	approvalRe = regexp.MustCompile(`(?i)(승인|통과|문제없|approve|approved|lgtm|ship\s+it|go\s+ahead|looks\s+good|承認|批准|通过)`)

	agreementRe = regexp.MustCompile(`(?i)(승인|동의|approve|approved|agree|agreed|lgtm|go\s+ahead|merge\s+approve|conditional\s+approval)`)

	noRiskRe = regexp.MustCompile(`(?i)(리스크\s*없|문제\s*없|no\s+risks?|without\s+risk|risk[-\s]?free|no\s+issues?|no\s+blockers?|no\s+concerns?|无风险|問題ありません)`)

	deferralRe = regexp.MustCompile(`(?i)(\bmvp\b|production|post[-\s]?merge|post[-\s]?release|stabilization|monitoring|\bsla\b|checklist|documentation|runbook|follow[-\s]?up|\bdefer(red)?\b|later\s+phase|next\s+phase|after\s+release|배포\s*후|후속)`)

	hardBlockRe = regexp.MustCompile(`(?i)(cannot\s+(approve|ship|release|merge)|must\s+fix\s+before|hard\s+blocker|critical\s+blocker|\bp0\b|data\s+loss|security\s+(incident|hole|vulnerability)|integrity\s+broken|audit\s*fail|build\s*fail(s|ed|ure)?|tests?\s+fail(s|ed|ing)?|배포\s*불가|승인\s*불가|반려|치명)`)

	holdRe = regexp.MustCompile(`(?i)(\bhold\b|revise|revision|changes?\s+requested|request\s+changes|\brequired\b|\bpending\b|\brisks?\b|\bblock(er|ed|ing)?\b|missing|incomplete|not\s+ready|needs?\s+(work|fix|more)|보완|수정|보류|미흡|재검토)`)
)

// RuleClassifier is the default deterministic policy:
//
//   - a hard-blocker phrase never auto-approves (hold);
//   - approval plus a no-risk phrase approves;
//   - approval or agreement plus a deferrable-scope phrase approves;
//   - any other hold or conditional phrase holds;
//   - a bare approval, agreement or no-risk phrase approves;
//   - anything else is still reviewing.
type RuleClassifier struct{}

func (RuleClassifier) Classify(text string) Decision {
	cleaned := strings.Join(strings.Fields(text), " ")
	if cleaned == "" {
		return DecisionReviewing
	}
	approval := approvalRe.MatchString(cleaned)
	agreement := agreementRe.MatchString(cleaned)
	if hardBlockRe.MatchString(cleaned) {
		return DecisionHold
	}
	if approval && noRiskRe.MatchString(cleaned) {
		return DecisionApproved
	}
	if (approval || agreement) && deferralRe.MatchString(cleaned) {
		return DecisionApproved
	}
	if holdRe.MatchString(cleaned) {
		return DecisionHold
	}
	if approval || agreement || noRiskRe.MatchString(cleaned) {
		return DecisionApproved
	}
	return DecisionReviewing
}

// IsDeferrableHold reports whether a hold only asks for work that can
// follow the merge (monitoring, docs, post-release hardening).
func IsDeferrableHold(text string) bool {
	cleaned := strings.Join(strings.Fields(text), " ")
	return cleaned != "" && deferralRe.MatchString(cleaned) && !hardBlockRe.MatchString(cleaned)
}
