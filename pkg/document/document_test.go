package document

import (
	"testing"

	"github.com/shiv248/coedit/internal/protocol"
)

func TestTransformOpsAccountsForPreviousInserts(t *testing.T) {
	prior := protocol.NewInsertOp(0, "abc")
	doc := &Doc{
		Rev:     1,
		Content: "abc",
		Log:     [][]protocol.Op{{prior}},
	}
	edit := protocol.Edit{
		BaseRev: 0,
		Ops:     []protocol.Op{protocol.NewInsertOp(1, "X")},
	}

	transformed := TransformOps(doc, edit)

	if len(transformed) != 1 {
		t.Fatalf("expected 1 op, got %d", len(transformed))
	}
	want := protocol.NewInsertOp(4, "X")
	if transformed[0] != want {
		t.Fatalf("transformed = %+v, want %+v", transformed[0], want)
	}
}

func TestApplyOpsDeletesAndInsertsCharacters(t *testing.T) {
	doc := &Doc{Content: "abcdef"}

	ApplyOps(doc, []protocol.Op{
		protocol.NewDeleteOp(2, 2),
		protocol.NewInsertOp(2, "XY"),
	})

	if doc.Content != "abXYef" {
		t.Fatalf("content = %q, want %q", doc.Content, "abXYef")
	}
}

func TestTransformOpsNoOpWhenAlreadyCurrent(t *testing.T) {
	doc := &Doc{Rev: 3}
	edit := protocol.Edit{BaseRev: 3, Ops: []protocol.Op{protocol.NewInsertOp(0, "z")}}

	transformed := TransformOps(doc, edit)

	if len(transformed) != 1 || transformed[0] != edit.Ops[0] {
		t.Fatalf("expected ops unchanged, got %+v", transformed)
	}
}

func TestTransformOpPairwiseRules(t *testing.T) {
	cases := []struct {
		name  string
		op    protocol.Op
		other protocol.Op
		want  protocol.Op
	}{
		{"insert before prior insert unchanged", protocol.NewInsertOp(1, "X"), protocol.NewInsertOp(1, "ab"), protocol.NewInsertOp(1, "X")},
		{"insert after prior insert shifts", protocol.NewInsertOp(3, "X"), protocol.NewInsertOp(1, "ab"), protocol.NewInsertOp(5, "X")},
		{"insert after prior delete shifts back", protocol.NewInsertOp(5, "X"), protocol.NewDeleteOp(1, 3), protocol.NewInsertOp(2, "X")},
		{"insert saturates at zero", protocol.NewInsertOp(2, "X"), protocol.NewDeleteOp(1, 10), protocol.NewInsertOp(0, "X")},
		{"delete at prior insert position shifts", protocol.NewDeleteOp(1, 2), protocol.NewInsertOp(1, "ab"), protocol.NewDeleteOp(3, 2)},
		{"delete before prior insert unchanged", protocol.NewDeleteOp(0, 2), protocol.NewInsertOp(1, "ab"), protocol.NewDeleteOp(0, 2)},
		{"delete at prior delete position shifts back", protocol.NewDeleteOp(3, 2), protocol.NewDeleteOp(3, 2), protocol.NewDeleteOp(1, 2)},
		{"overlapping delete keeps its length", protocol.NewDeleteOp(4, 5), protocol.NewDeleteOp(2, 4), protocol.NewDeleteOp(0, 5)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := transformOp(tc.op, tc.other)
			if got != tc.want {
				t.Fatalf("transformOp(%+v, %+v) = %+v, want %+v", tc.op, tc.other, got, tc.want)
			}
		})
	}
}

func TestApplyOpsDeleteStopsAtEndOfContent(t *testing.T) {
	doc := &Doc{Content: "abc"}

	ApplyOps(doc, []protocol.Op{protocol.NewDeleteOp(1, 10)})

	if doc.Content != "a" {
		t.Fatalf("content = %q, want %q", doc.Content, "a")
	}
}

func TestApplyOpsSkipsInsertPastEnd(t *testing.T) {
	doc := &Doc{Content: "abc"}

	ApplyOps(doc, []protocol.Op{protocol.NewInsertOp(10, "z")})

	if doc.Content != "abc" {
		t.Fatalf("content = %q, want unchanged %q", doc.Content, "abc")
	}
}
