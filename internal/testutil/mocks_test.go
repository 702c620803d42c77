package testutil_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/testutil"
)

func TestMockRunner_Default(t *testing.T) {
	mock := testutil.NewMockRunner()

	result, err := mock.Run(context.Background(), core.RunRequest{PhaseID: "draft"}, nil)

	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, result.Output["text"], interface{}("draft done"))
	testutil.AssertEqual(t, mock.CallCount("draft"), 1)
}

func TestMockRunner_StepsInOrder(t *testing.T) {
	mock := testutil.NewMockRunner().WithOutput("review",
		map[string]interface{}{"score": 50},
		map[string]interface{}{"score": 80},
	)

	var scores []interface{}
	for i := 0; i < 3; i++ {
		res, err := mock.Run(context.Background(), core.RunRequest{PhaseID: "review"}, nil)
		testutil.AssertNoError(t, err)
		scores = append(scores, res.Output["score"])
	}

	testutil.AssertLen(t, scores, 3)
	testutil.AssertEqual(t, scores[0], interface{}(50))
	testutil.AssertEqual(t, scores[1], interface{}(80))
	// The last step repeats.
	testutil.AssertEqual(t, scores[2], interface{}(80))
}

func TestMockRunner_WithError(t *testing.T) {
	expectedErr := core.ErrRunner("boom", true)
	mock := testutil.NewMockRunner().WithError("draft", expectedErr)

	_, err := mock.Run(context.Background(), core.RunRequest{PhaseID: "draft"}, nil)

	testutil.AssertError(t, err)
	testutil.AssertCode(t, err, core.CodeRunnerFailed)
	if !errors.Is(err, expectedErr) {
		t.Errorf("got error %v, want %v", err, expectedErr)
	}
}

func TestMockRunner_Progress(t *testing.T) {
	mock := testutil.NewMockRunner().On("draft", testutil.Step{Progress: []string{"a", "b"}})

	var got []string
	_, err := mock.Run(context.Background(), core.RunRequest{PhaseID: "draft"}, func(p core.Progress) {
		got = append(got, p.Text)
	})

	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, got, 2)
	testutil.AssertEqual(t, got[1], "b")
}

func TestMockRunner_BlockHonoursCancel(t *testing.T) {
	mock := testutil.NewMockRunner().On("draft", testutil.Step{Block: true})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mock.Run(ctx, core.RunRequest{PhaseID: "draft"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMockRunner_WaitInput(t *testing.T) {
	mock := testutil.NewMockRunner().On("chat", testutil.Step{WaitInput: true})
	input := make(chan string, 1)
	input <- "hello"

	res, err := mock.Run(context.Background(), core.RunRequest{PhaseID: "chat", Input: input}, nil)

	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.Output["input"], interface{}("hello"))
}

func TestMockRunner_Reset(t *testing.T) {
	mock := testutil.NewMockRunner()
	_, _ = mock.Run(context.Background(), core.RunRequest{PhaseID: "draft"}, nil)
	mock.Reset()

	testutil.AssertLen(t, mock.Calls(), 0)
	testutil.AssertEqual(t, mock.CallCount("draft"), 0)
}

func TestNewTestDefinition(t *testing.T) {
	def := testutil.NewTestDefinition("wf",
		testutil.WithPhase("a", core.PhaseKindWriting),
		testutil.WithPhase("g", core.PhaseKindGate, testutil.Condition("score >= 70")),
		testutil.WithEdge("a", "g"),
	)

	testutil.AssertEqual(t, def.Version, "1.0.0")
	testutil.AssertLen(t, def.Phases, 2)
	testutil.AssertEqual(t, def.Phases[1].Condition, "score >= 70")
	testutil.AssertEqual(t, def.Edges[0].Kind, core.EdgeKindDefault)
}
