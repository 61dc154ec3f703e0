package refinement

import "github.com/kingrea/shakescript/internal/story"

// Status is the machine's position in the batch loop.
type Status int

const (
	StatusLoading Status = iota
	StatusHumanReview
	StatusAIReady
	StatusRefining
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusHumanReview:
		return "human-review"
	case StatusAIReady:
		return "ai-ready"
	case StatusRefining:
		return "refining"
	case StatusComplete:
		return "complete"
	default:
		return "loading"
	}
}

// Reviewing reports whether a batch is waiting for the user.
func (s Status) Reviewing() bool {
	return s == StatusHumanReview || s == StatusAIReady
}

type action int

const (
	actGenerate action = iota
	actRefine
	actValidate
)

func (a action) String() string {
	switch a {
	case actRefine:
		return "refine"
	case actValidate:
		return "validate"
	default:
		return "generate"
	}
}

// rules is the per-mode transition table: the review state a fresh batch
// lands in, and which actions each state accepts.
type rules struct {
	review  Status
	allowed map[Status]map[action]bool
}

var modeRules = map[story.RefinementMode]rules{
	story.ModeAI: {
		review: StatusAIReady,
		allowed: map[Status]map[action]bool{
			StatusLoading: {actGenerate: true},
			StatusAIReady: {actValidate: true},
		},
	},
	story.ModeHuman: {
		review: StatusHumanReview,
		allowed: map[Status]map[action]bool{
			StatusLoading:     {actGenerate: true},
			StatusHumanReview: {actValidate: true, actRefine: true},
		},
	},
}

func rulesFor(mode story.RefinementMode) rules {
	if r, ok := modeRules[mode]; ok {
		return r
	}
	return modeRules[story.ModeAI]
}

func (r rules) permits(from Status, act action) bool {
	return r.allowed[from][act]
}
