package mcts

import (
	"testing"

	"pelican/internal/chess"
)

func TestResetToPositionReusesSubtree(t *testing.T) {
	tree := NewNodeTree()
	if err := tree.ResetToPosition(chess.StartposFEN, nil); err != nil {
		t.Fatal(err)
	}
	root := tree.Root()
	root.CreateEdges(tree.History().Last().GenerateLegalMoves())
	e4 := mustMove(t, "e2e4")
	var childIdx = -1
	for i := 0; i < root.NumEdges(); i++ {
		if root.EdgeAt(i).Move() == e4 {
			childIdx = i
			break
		}
	}
	if childIdx < 0 {
		t.Fatal("e2e4 not among root edges")
	}
	child := root.SpawnChild(childIdx)
	child.TryStartScoreUpdate()
	child.FinalizeScoreUpdate(0.5)

	if err := tree.ResetToPosition(chess.StartposFEN, []chess.Move{e4}); err != nil {
		t.Fatal(err)
	}
	if tree.Root() != child {
		t.Fatal("continuation did not reuse the explored subtree")
	}
	if tree.Root().Parent() != nil {
		t.Fatal("new root still points at the old parent")
	}
	if tree.GamePly() != 1 {
		t.Fatalf("ply = %d after one move", tree.GamePly())
	}
}

func TestResetToPositionDiscardsOnNewGame(t *testing.T) {
	tree := NewNodeTree()
	if err := tree.ResetToPosition(chess.StartposFEN, []chess.Move{mustMove(t, "e2e4")}); err != nil {
		t.Fatal(err)
	}
	old := tree.Root()
	if err := tree.ResetToPosition("7k/5Q2/6K1/8/8/8/8/8 b - - 0 1", nil); err != nil {
		t.Fatal(err)
	}
	if tree.Root() == old {
		t.Fatal("unrelated position kept the old tree")
	}
}

func TestMakeMoveWithoutChildStartsFresh(t *testing.T) {
	tree := NewNodeTree()
	if err := tree.ResetToPosition(chess.StartposFEN, nil); err != nil {
		t.Fatal(err)
	}
	tree.MakeMove(mustMove(t, "d2d4"))
	if tree.Root() == nil || tree.Root().HasChildren() {
		t.Fatal("expected a fresh empty root")
	}
	if !tree.IsBlackToMove() {
		t.Fatal("side to move did not flip")
	}
}
