package quizbank

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLookupBuiltin(t *testing.T) {
	bank := New()

	answer, ok := bank.Lookup("What is the native token of the network?", nil)
	if !ok || answer != "KITE" {
		t.Fatalf("expected KITE, got %q (ok=%v)", answer, ok)
	}
}

func TestLookupAlignsToChoices(t *testing.T) {
	bank := New()

	choices := []string{"Proof of Work", "Proof of Stake", "Proof of Authority"}
	answer, ok := bank.Lookup("Which consensus mechanism does the chain use?", choices)
	if !ok || answer != "Proof of Stake" {
		t.Fatalf("expected Proof of Stake, got %q (ok=%v)", answer, ok)
	}
}

func TestLookupUnknownQuestion(t *testing.T) {
	bank := New()

	if _, ok := bank.Lookup("Completely unrelated trivia about pasta", nil); ok {
		t.Fatal("unknown question must not produce an answer")
	}
	if _, ok := bank.Lookup("", nil); ok {
		t.Fatal("empty question must not produce an answer")
	}
}

func TestLoadFileEntriesTakePriority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quiz.json")
	content := `[{"keywords":["native token"],"answer":"OVERRIDE"}]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	bank, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	answer, ok := bank.Lookup("what is the native token?", nil)
	if !ok || answer != "OVERRIDE" {
		t.Fatalf("file entry should win, got %q (ok=%v)", answer, ok)
	}
}

func TestLoadEmptyPathUsesBuiltin(t *testing.T) {
	bank, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if bank.Size() == 0 {
		t.Fatal("builtin bank must not be empty")
	}
}
