package domain

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// StageRecord holds the latest outputs of one stage. Every field is absent until populated.
type StageRecord struct {
	Artifact  *Artifact       `json:"artifact,omitempty"`
	Automated *ReviewFeedback `json:"automated_feedback,omitempty"`
	Human     *ReviewFeedback `json:"human_feedback,omitempty"`
	Decision  *Decision       `json:"decision,omitempty"`
}

func (r StageRecord) clone() StageRecord {
	var out StageRecord
	if r.Artifact != nil {
		a := r.Artifact.Clone()
		out.Artifact = &a
	}
	if r.Automated != nil {
		f := *r.Automated
		out.Automated = &f
	}
	if r.Human != nil {
		f := *r.Human
		out.Human = &f
	}
	if r.Decision != nil {
		d := *r.Decision
		out.Decision = &d
	}
	return out
}

// StageRecords declares one record per stage up front.
type StageRecords struct {
	UserStories        StageRecord `json:"user_stories"`
	DesignDocuments    StageRecord `json:"design_documents"`
	Code               StageRecord `json:"code"`
	SecurityReview     StageRecord `json:"security_review"`
	FixAfterCodeReview StageRecord `json:"fix_after_code_review"`
	FixAfterSecurity   StageRecord `json:"fix_after_security"`
	WriteTestCases     StageRecord `json:"write_test_cases"`
	TestReview         StageRecord `json:"test_review"`
}

func (s *StageRecords) record(id StageID) *StageRecord {
	switch id {
	case StageUserStories:
		return &s.UserStories
	case StageDesignDocuments:
		return &s.DesignDocuments
	case StageCode:
		return &s.Code
	case StageSecurityReview:
		return &s.SecurityReview
	case StageFixAfterCodeReview:
		return &s.FixAfterCodeReview
	case StageFixAfterSecurity:
		return &s.FixAfterSecurity
	case StageWriteTestCases:
		return &s.WriteTestCases
	case StageTestReview:
		return &s.TestReview
	}
	return nil
}

// RetryCounters count rejections per stage. Counters only grow; WorkflowState.Apply is the only writer.
type RetryCounters map[StageID]int

func (r RetryCounters) Count(stage StageID) int {
	if r == nil {
		return 0
	}
	return r[stage]
}

// WorkflowState is the checkpointed state of one workflow instance.
type WorkflowState struct {
	ID          string            `json:"id"`
	Requirement string            `json:"requirement"`
	Current     NodeID            `json:"current"`
	Status      Status            `json:"status" enum:"running,completed,abandoned"`
	Steps       int               `json:"steps"`
	// Revision counts saves. A store accepts a save only when its stored revision still equals
	// this value, then stores Revision+1.
	Revision    int               `json:"revision"`
	Stages      StageRecords      `json:"stages"`
	Retries     RetryCounters     `json:"retries"`
	History     []ArtifactVersion `json:"history,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
	UpdatedAt   string            `json:"updated_at" format:"date-time"`
}

// NewWorkflowState seeds a state with only the requirement populated.
func NewWorkflowState(id, requirement string, start NodeID, now time.Time) WorkflowState {
	ts := now.UTC().Format(time.RFC3339)
	return WorkflowState{
		ID:          id,
		Requirement: requirement,
		Current:     start,
		Status:      StatusRunning,
		Retries:     RetryCounters{},
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
}

// Stage returns a copy of the stage record; unknown stages yield the zero record.
func (s *WorkflowState) Stage(id StageID) StageRecord {
	rec := s.Stages.record(id)
	if rec == nil {
		return StageRecord{}
	}
	return *rec
}

// Artifact returns the stage's current artifact or nil.
func (s *WorkflowState) Artifact(id StageID) *Artifact {
	return s.Stage(id).Artifact
}

// LatestCode returns the most recent code project produced by any stage.
func (s *WorkflowState) LatestCode() *CodeProject {
	for _, id := range []StageID{StageFixAfterSecurity, StageFixAfterCodeReview, StageCode} {
		if a := s.Artifact(id); a != nil && a.Code != nil {
			return a.Code
		}
	}
	return nil
}

func (s *WorkflowState) Terminal() bool {
	return s.Status != StatusRunning
}

// Clone returns a deep copy so stages can read state without aliasing the engine's copy.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	out.Stages = StageRecords{}
	for _, id := range Stages {
		*out.Stages.record(id) = s.Stages.record(id).clone()
	}
	out.Retries = make(RetryCounters, len(s.Retries))
	for k, v := range s.Retries {
		out.Retries[k] = v
	}
	if s.History != nil {
		out.History = make([]ArtifactVersion, len(s.History))
		for i, h := range s.History {
			out.History[i] = ArtifactVersion{Stage: h.Stage, Artifact: h.Artifact.Clone(), RecordedAt: h.RecordedAt}
		}
	}
	return out
}

// Patch is the partial update a stage step returns. Only set fields are merged.
type Patch struct {
	Stage     StageID
	Artifact  *Artifact
	Automated *ReviewFeedback
	Human     *ReviewFeedback
	Decision  *Decision
}

func (p Patch) Empty() bool {
	return p.Artifact == nil && p.Automated == nil && p.Human == nil && p.Decision == nil
}

// Apply merges p into s. A new artifact gets the next version number and a copy in History.
// A Rejected decision increments the stage's retry counter.
func (s *WorkflowState) Apply(p Patch, now time.Time) error {
	rec := s.Stages.record(p.Stage)
	if rec == nil {
		return fmt.Errorf("%w: unknown stage %q", ErrRoutingViolation, p.Stage)
	}
	if p.Decision != nil && !p.Decision.Outcome.Valid() {
		return fmt.Errorf("%w: decision %q is not Accepted or Rejected", ErrContractViolation, p.Decision.Outcome)
	}
	ts := now.UTC().Format(time.RFC3339)
	if p.Artifact != nil {
		if err := p.Artifact.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrContractViolation, err)
		}
		a := p.Artifact.Clone()
		a.Version = 1
		if rec.Artifact != nil {
			a.Version = rec.Artifact.Version + 1
		}
		rec.Artifact = &a
		s.History = append(s.History, ArtifactVersion{Stage: p.Stage, Artifact: a.Clone(), RecordedAt: ts})
	}
	if p.Automated != nil {
		f := *p.Automated
		rec.Automated = &f
	}
	if p.Human != nil {
		f := *p.Human
		rec.Human = &f
	}
	if p.Decision != nil {
		d := *p.Decision
		rec.Decision = &d
		if d.Outcome == Rejected {
			if s.Retries == nil {
				s.Retries = RetryCounters{}
			}
			s.Retries[p.Stage]++
		}
	}
	s.UpdatedAt = ts
	return nil
}
