package collab

import (
	"context"
	"sync"
)

// MockGrader is a test implementation of Grader.
//
// Use MockGrader in tests to exercise grade_question without calling a
// real LLM provider. It provides configurable responses (repeating the
// last one once exhausted, matching graph/model.MockChatModel), error
// injection, and call history tracking.
type MockGrader struct {
	Responses []GradingResult
	Err       error
	Calls     []MockGradeCall

	mu        sync.Mutex
	callIndex int
}

// MockGradeCall records one Grade invocation.
type MockGradeCall struct {
	ImageRef     string
	Rubric       string
	QuestionType QuestionType
}

func (m *MockGrader) Grade(ctx context.Context, imageRef string, rubric string, questionType QuestionType) (GradingResult, error) {
	if ctx.Err() != nil {
		return GradingResult{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockGradeCall{ImageRef: imageRef, Rubric: rubric, QuestionType: questionType})

	if m.Err != nil {
		return GradingResult{}, m.Err
	}
	if len(m.Responses) == 0 {
		return GradingResult{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// CallCount returns the number of Grade invocations so far.
func (m *MockGrader) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// MockLayoutAnalysis is a test implementation of LayoutAnalysis returning
// a fixed region list (or error) regardless of input.
type MockLayoutAnalysis struct {
	Regions []QuestionRegion
	Err     error
}

func (m *MockLayoutAnalysis) Segment(ctx context.Context, imageRef string) ([]QuestionRegion, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Regions, nil
}

// MockPersistence records every SaveResults call instead of writing
// anywhere durable.
type MockPersistence struct {
	mu    sync.Mutex
	Saved map[string][]GradingResult
	Err   error
}

func (m *MockPersistence) SaveResults(ctx context.Context, submissionID string, results []GradingResult) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Saved == nil {
		m.Saved = make(map[string][]GradingResult)
	}
	m.Saved[submissionID] = results
	return nil
}

// MockImageHash returns a deterministic fingerprint derived from imageRef
// itself (FNV-1a over the string), so tests can simulate "the same image
// re-submitted" by reusing the same imageRef without decoding real image
// bytes.
type MockImageHash struct {
	Err error
}

func (m *MockImageHash) Perceptual(ctx context.Context, imageRef string) (uint64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	var h uint64 = 14695981039346656037
	for _, b := range []byte(imageRef) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h, nil
}

// MockNotifier records every Notify call.
type MockNotifier struct {
	mu     sync.Mutex
	Events []MockNotifyCall
	Err    error
}

// MockNotifyCall records one Notify invocation.
type MockNotifyCall struct {
	SubmissionID string
	EventType    string
}

func (m *MockNotifier) Notify(ctx context.Context, submissionID string, eventType string) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, MockNotifyCall{SubmissionID: submissionID, EventType: eventType})
	return nil
}

// MockBoundaryDetector is a test implementation of BoundaryDetector
// returning a fixed slice list (or error) regardless of input.
type MockBoundaryDetector struct {
	Boundaries []StudentBoundary
	Err        error
}

func (m *MockBoundaryDetector) DetectBoundaries(ctx context.Context, fileRefs []string) ([]StudentBoundary, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Boundaries, nil
}

// MockRuleUpgradeCollaborator is a test implementation of
// RuleUpgradeCollaborator: every stage returns a canned value, or an
// injected error for the named stage.
type MockRuleUpgradeCollaborator struct {
	Mined        MinedRules
	Generated    GeneratedRules
	Regression   RegressionReport
	DeploymentID string
	Monitored    MonitorReport

	ErrStage string // one of "mine","generate","regression","deploy","monitor","rollback"
	Err      error

	mu            sync.Mutex
	RolledBackIDs []string
}

func (m *MockRuleUpgradeCollaborator) fail(stage string) error {
	if m.ErrStage == stage && m.Err != nil {
		return m.Err
	}
	return nil
}

func (m *MockRuleUpgradeCollaborator) Mine(ctx context.Context, _ map[string]any) (MinedRules, error) {
	if err := m.fail("mine"); err != nil {
		return nil, err
	}
	return m.Mined, nil
}

func (m *MockRuleUpgradeCollaborator) Generate(ctx context.Context, _ MinedRules) (GeneratedRules, error) {
	if err := m.fail("generate"); err != nil {
		return nil, err
	}
	return m.Generated, nil
}

func (m *MockRuleUpgradeCollaborator) RegressionTest(ctx context.Context, _ GeneratedRules) (RegressionReport, error) {
	if err := m.fail("regression"); err != nil {
		return RegressionReport{}, err
	}
	return m.Regression, nil
}

func (m *MockRuleUpgradeCollaborator) Deploy(ctx context.Context, _ GeneratedRules) (string, error) {
	if err := m.fail("deploy"); err != nil {
		return "", err
	}
	return m.DeploymentID, nil
}

func (m *MockRuleUpgradeCollaborator) Monitor(ctx context.Context, _ string) (MonitorReport, error) {
	if err := m.fail("monitor"); err != nil {
		return MonitorReport{}, err
	}
	return m.Monitored, nil
}

func (m *MockRuleUpgradeCollaborator) Rollback(ctx context.Context, deploymentID string) error {
	if err := m.fail("rollback"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RolledBackIDs = append(m.RolledBackIDs, deploymentID)
	return nil
}
