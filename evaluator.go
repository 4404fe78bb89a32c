package agentloop

import (
	"context"
	"encoding/json"
	"strings"
)

// Strategy decides, at the end of a cycle whose stop_reason did not already
// force a continuation via tool use, whether the invocation should run
// another cycle. Each strategy is a pure function of the conversation and
// the just-completed cycle plus config. The EvaluatorDecision.Rubric field,
// when Continue is true, is appended to the conversation as a user-role hint
// for the next cycle (§4.7; visible per the Open Question decision recorded
// in SPEC_FULL.md §12/DESIGN.md).
type Strategy interface {
	Evaluate(ctx context.Context, conv *Conversation, rec CycleRecord, cfg *AgentConfig) (EvaluatorDecision, error)
}

// ModelDrivenStrategy always stops: the model's own end_turn stop_reason is
// treated as authoritative.
type ModelDrivenStrategy struct{}

func (ModelDrivenStrategy) Evaluate(context.Context, *Conversation, CycleRecord, *AgentConfig) (EvaluatorDecision, error) {
	return EvaluatorDecision{Continue: false}, nil
}

// taskCompleteProbe is the structured field TaskEvaluationStrategy looks for
// in the judge model's response; presence of {"complete":false} (or one of
// incompletePhrases) signals Continue.
type taskCompleteProbe struct {
	Complete *bool `json:"complete"`
}

var incompletePhrases = []string{
	"not complete",
	"incomplete",
	"needs another pass",
	"more work is required",
}

// TaskEvaluationStrategy injects Rubric as a final user-role message and
// issues one additional, tool-free model call to judge completeness. If
// Detector is set, a Rubric that trips the injection heuristic is still
// honored but flagged via EvaluatorDecision.PromptInjection so the caller
// can decide whether to trust it.
type TaskEvaluationStrategy struct {
	Rubric   string
	Client   ModelClient
	Detector *InjectionDetector
}

func (s TaskEvaluationStrategy) Evaluate(ctx context.Context, conv *Conversation, rec CycleRecord, cfg *AgentConfig) (EvaluatorDecision, error) {
	req := ChatRequest{
		System:   cfg.SystemPrompt,
		Messages: append(append([]Message{}, conv.ModelMessages()...), UserMessage(s.Rubric)),
	}
	deltas, err := chatStreamWithRetry(ctx, s.Client, req, cfg.Retry)
	if err != nil {
		return EvaluatorDecision{}, err
	}
	result, err := runAggregator(ctx, deltas, nil)
	if err != nil {
		return EvaluatorDecision{}, err
	}

	text := result.Message.Text()
	if probe, ok := parseCompleteProbe(text); ok && probe.Complete != nil {
		return s.decision(!*probe.Complete), nil
	}
	lower := strings.ToLower(text)
	for _, phrase := range incompletePhrases {
		if strings.Contains(lower, phrase) {
			return s.decision(true), nil
		}
	}
	return EvaluatorDecision{Continue: false}, nil
}

func (s TaskEvaluationStrategy) decision(cont bool) EvaluatorDecision {
	d := EvaluatorDecision{Continue: cont, Rubric: s.Rubric}
	if cont && s.Detector != nil {
		_, d.PromptInjection = s.Detector.Scan(s.Rubric)
	}
	return d
}

func parseCompleteProbe(text string) (taskCompleteProbe, bool) {
	var probe taskCompleteProbe
	if err := json.Unmarshal([]byte(text), &probe); err == nil {
		return probe, true
	}
	return probe, false
}

// EvaluatorAgent is the minimal surface TaskEvaluationStrategy's sibling,
// AgentBasedStrategy, needs from a judge agent: a single blocking
// invocation that returns the judge's final text.
type EvaluatorAgent interface {
	Run(ctx context.Context, conv *Conversation, prompt string) (string, error)
}

var _ EvaluatorAgent = (*Agent)(nil)

// AgentBasedStrategy delegates the decision to a separate judge agent
// invoked with a fixed prompt; its textual verdict is authoritative. A
// judge agent itself satisfies EvaluatorAgent, so an *Agent can judge
// another *Agent's work directly.
type AgentBasedStrategy struct {
	Judge       EvaluatorAgent
	JudgePrompt string
	Detector    *InjectionDetector
}

func (s AgentBasedStrategy) Evaluate(ctx context.Context, conv *Conversation, rec CycleRecord, cfg *AgentConfig) (EvaluatorDecision, error) {
	verdict, err := s.Judge.Run(ctx, conv, s.JudgePrompt)
	if err != nil {
		return EvaluatorDecision{}, err
	}
	lower := strings.ToLower(verdict)
	if !strings.Contains(lower, "continue") {
		return EvaluatorDecision{Continue: false}, nil
	}
	d := EvaluatorDecision{Continue: true, Rubric: verdict}
	if s.Detector != nil {
		_, d.PromptInjection = s.Detector.Scan(verdict)
	}
	return d, nil
}

// Perspective is one scored dimension in a MultiPerspectiveStrategy.
type Perspective struct {
	Name   string
	Prompt string
	Weight float64
}

// scoreProbe is the structured field each perspective's judge call must
// return: a numeric score in [0,1].
type scoreProbe struct {
	Score float64 `json:"score"`
}

// MultiPerspectiveStrategy issues one model call per perspective, each
// returning a score in [0,1], and continues iff the weighted average of the
// scores (a zero Weight counts as 1) is below Threshold (default 0.8).
type MultiPerspectiveStrategy struct {
	Perspectives []Perspective
	Threshold    float64
	Client       ModelClient
}

func (s MultiPerspectiveStrategy) Evaluate(ctx context.Context, conv *Conversation, rec CycleRecord, cfg *AgentConfig) (EvaluatorDecision, error) {
	threshold := s.Threshold
	if threshold == 0 {
		threshold = 0.8
	}

	var weightedSum, totalWeight float64
	for _, p := range s.Perspectives {
		req := ChatRequest{
			System:   cfg.SystemPrompt,
			Messages: append(append([]Message{}, conv.ModelMessages()...), UserMessage(p.Prompt)),
		}
		deltas, err := chatStreamWithRetry(ctx, s.Client, req, cfg.Retry)
		if err != nil {
			return EvaluatorDecision{}, err
		}
		result, err := runAggregator(ctx, deltas, nil)
		if err != nil {
			return EvaluatorDecision{}, err
		}
		var probe scoreProbe
		_ = json.Unmarshal([]byte(result.Message.Text()), &probe)
		weight := p.Weight
		if weight == 0 {
			weight = 1
		}
		weightedSum += probe.Score * weight
		totalWeight += weight
	}

	avg := 0.0
	if totalWeight > 0 {
		avg = weightedSum / totalWeight
	}
	return EvaluatorDecision{Continue: avg < threshold}, nil
}
