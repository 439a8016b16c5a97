package domain

import "strings"

// StageID names a pipeline stage. The set is closed.
type StageID string

const (
	StageUserStories        StageID = "user_stories"
	StageDesignDocuments    StageID = "design_documents"
	StageCode               StageID = "code"
	StageSecurityReview     StageID = "security_review"
	StageFixAfterCodeReview StageID = "fix_after_code_review"
	StageFixAfterSecurity   StageID = "fix_after_security"
	StageWriteTestCases     StageID = "write_test_cases"
	StageTestReview         StageID = "test_review"
)

// Stages lists every stage in pipeline order.
var Stages = []StageID{
	StageUserStories,
	StageDesignDocuments,
	StageCode,
	StageSecurityReview,
	StageFixAfterCodeReview,
	StageFixAfterSecurity,
	StageWriteTestCases,
	StageTestReview,
}

func (s StageID) Valid() bool {
	for _, id := range Stages {
		if id == s {
			return true
		}
	}
	return false
}

// Step is one sub-step of a stage.
type Step string

const (
	StepGenerate        Step = "generate"
	StepAutomatedReview Step = "automated_review"
	StepHumanReview     Step = "human_review"
	StepDecide          Step = "decide"
	StepRun             Step = "run"
)

// NodeID identifies a node in the workflow graph, formatted "<stage>.<step>".
type NodeID string

// End is the terminal node.
const End NodeID = "END"

func Node(stage StageID, step Step) NodeID {
	return NodeID(string(stage) + "." + string(step))
}

// Split returns the stage and step of a node. End and malformed ids return ok=false.
func (n NodeID) Split() (StageID, Step, bool) {
	stage, step, ok := strings.Cut(string(n), ".")
	if !ok || stage == "" || step == "" {
		return "", "", false
	}
	return StageID(stage), Step(step), true
}

func (n NodeID) Stage() StageID {
	s, _, _ := n.Split()
	return s
}
