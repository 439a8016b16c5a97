package pipeline

import (
	"fmt"

	"forgeline/internal/domain"
)

// Branches are the two edges out of a decide node.
type Branches struct {
	Accept domain.NodeID
	Retry  domain.NodeID
}

type GraphOptions struct {
	// TestReview appends the test review cycle after write_test_cases.
	TestReview bool
	// RetryTargets sends a rejected stage back to an earlier stage instead of itself.
	RetryTargets map[domain.StageID]domain.StageID
}

// Graph is the static node table. Non-decide nodes have one static edge; decide nodes have
// accept and retry branches chosen by the Router.
type Graph struct {
	start    domain.NodeID
	order    []domain.NodeID
	edges    map[domain.NodeID]domain.NodeID
	branches map[domain.StageID]Branches
}

var cycleSteps = []domain.Step{domain.StepGenerate, domain.StepAutomatedReview, domain.StepHumanReview, domain.StepDecide}

// NewGraph builds the reference pipeline:
//
//	user_stories -> design_documents -> code -> security_review -> fix_after_code_review
//	  -> fix_after_security -> write_test_cases [-> test_review] -> END
func NewGraph(opts GraphOptions) (*Graph, error) {
	g := &Graph{
		edges:    map[domain.NodeID]domain.NodeID{},
		branches: map[domain.StageID]Branches{},
	}
	cycles := []domain.StageID{domain.StageUserStories, domain.StageDesignDocuments, domain.StageCode}
	tasks := []domain.StageID{domain.StageSecurityReview, domain.StageFixAfterCodeReview, domain.StageFixAfterSecurity, domain.StageWriteTestCases}

	for i, id := range cycles {
		for j := 0; j < len(cycleSteps)-1; j++ {
			g.add(domain.Node(id, cycleSteps[j]), domain.Node(id, cycleSteps[j+1]))
		}
		g.order = append(g.order, domain.Node(id, domain.StepDecide))
		accept := domain.Node(domain.StageSecurityReview, domain.StepRun)
		if i+1 < len(cycles) {
			accept = domain.Node(cycles[i+1], domain.StepGenerate)
		}
		g.branches[id] = Branches{Accept: accept, Retry: domain.Node(id, domain.StepGenerate)}
	}
	for i, id := range tasks {
		next := domain.End
		if i+1 < len(tasks) {
			next = domain.Node(tasks[i+1], domain.StepRun)
		} else if opts.TestReview {
			next = domain.Node(domain.StageTestReview, domain.StepAutomatedReview)
		}
		g.add(domain.Node(id, domain.StepRun), next)
	}
	if opts.TestReview {
		id := domain.StageTestReview
		g.add(domain.Node(id, domain.StepAutomatedReview), domain.Node(id, domain.StepHumanReview))
		g.add(domain.Node(id, domain.StepHumanReview), domain.Node(id, domain.StepDecide))
		g.order = append(g.order, domain.Node(id, domain.StepDecide))
		g.branches[id] = Branches{Accept: domain.End, Retry: domain.Node(domain.StageWriteTestCases, domain.StepRun)}
	}
	g.start = domain.Node(domain.StageUserStories, domain.StepGenerate)

	for stage, target := range opts.RetryTargets {
		if err := g.retarget(stage, target); err != nil {
			return nil, err
		}
	}
	if err := g.verify(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) add(from, to domain.NodeID) {
	g.order = append(g.order, from)
	g.edges[from] = to
}

func (g *Graph) retarget(stage, target domain.StageID) error {
	b, ok := g.branches[stage]
	if !ok {
		return fmt.Errorf("%w: retry target set for %s, which has no decision", domain.ErrConfiguration, stage)
	}
	if stageIndex(target) > stageIndex(stage) {
		return fmt.Errorf("%w: %s cannot retry at later stage %s", domain.ErrConfiguration, stage, target)
	}
	entry := g.entry(target)
	if entry == "" {
		return fmt.Errorf("%w: retry target %s has no entry node", domain.ErrConfiguration, target)
	}
	b.Retry = entry
	g.branches[stage] = b
	return nil
}

// entry is the first node of a stage: generate for cycles, run for tasks.
func (g *Graph) entry(stage domain.StageID) domain.NodeID {
	for _, step := range []domain.Step{domain.StepGenerate, domain.StepRun} {
		if n := domain.Node(stage, step); g.Has(n) {
			return n
		}
	}
	return ""
}

func (g *Graph) verify() error {
	check := func(from, to domain.NodeID) error {
		if to != domain.End && !g.Has(to) {
			return fmt.Errorf("%w: edge %s -> %s targets unknown node", domain.ErrConfiguration, from, to)
		}
		return nil
	}
	for from, to := range g.edges {
		if err := check(from, to); err != nil {
			return err
		}
	}
	for stage, b := range g.branches {
		from := domain.Node(stage, domain.StepDecide)
		if err := check(from, b.Accept); err != nil {
			return err
		}
		if err := check(from, b.Retry); err != nil {
			return err
		}
	}
	if !g.Has(g.start) {
		return fmt.Errorf("%w: start node %s missing", domain.ErrConfiguration, g.start)
	}
	return nil
}

func stageIndex(id domain.StageID) int {
	for i, s := range domain.Stages {
		if s == id {
			return i
		}
	}
	return len(domain.Stages)
}

func (g *Graph) Start() domain.NodeID { return g.start }

// Nodes lists every node in pipeline order.
func (g *Graph) Nodes() []domain.NodeID {
	return append([]domain.NodeID(nil), g.order...)
}

func (g *Graph) Has(n domain.NodeID) bool {
	if _, ok := g.edges[n]; ok {
		return true
	}
	stage, step, ok := n.Split()
	if !ok || step != domain.StepDecide {
		return false
	}
	_, ok = g.branches[stage]
	return ok
}

// IsDecision reports whether n is routed by the Router.
func (g *Graph) IsDecision(n domain.NodeID) bool {
	stage, step, ok := n.Split()
	if !ok || step != domain.StepDecide {
		return false
	}
	_, ok = g.branches[stage]
	return ok
}

// Next returns the static edge out of n.
func (g *Graph) Next(n domain.NodeID) (domain.NodeID, error) {
	to, ok := g.edges[n]
	if !ok {
		return "", fmt.Errorf("%w: no static edge from %s", domain.ErrRoutingViolation, n)
	}
	return to, nil
}

func (g *Graph) Branches(stage domain.StageID) (Branches, bool) {
	b, ok := g.branches[stage]
	return b, ok
}

// ReviewStages are the stages with a decide node.
func (g *Graph) ReviewStages() []domain.StageID {
	var out []domain.StageID
	for _, n := range g.order {
		if g.IsDecision(n) {
			out = append(out, n.Stage())
		}
	}
	return out
}
