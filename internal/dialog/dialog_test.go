package dialog

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "OpenFarm-Chain/internal/errors"
)

func TestNewHTTPAgentValidation(t *testing.T) {
	if _, err := NewHTTPAgent(Config{}); err == nil {
		t.Fatal("expected error when base url is missing")
	}
}

func TestChatSuccess(t *testing.T) {
	var captured map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "validators stake tokens"})
	}))
	defer srv.Close()

	agent, err := NewHTTPAgent(Config{BaseURL: srv.URL, ServiceID: "svc-1", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}

	reply, err := agent.Chat(context.Background(), Prompt{
		Question: "How do validators earn rewards?",
		Address:  "0xABC",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply.Content != "validators stake tokens" || reply.ServiceID != "svc-1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if captured["eoa"] != "0xabc" {
		t.Fatalf("address must be lowercased, got %q", captured["eoa"])
	}
}

func TestChatServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	agent, err := NewHTTPAgent(Config{BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	_, err = agent.Chat(context.Background(), Prompt{Question: "q"})
	if xerrors.CodeOf(err) != xerrors.CodeNetworkTransient {
		t.Fatalf("expected NETWORK_TRANSIENT, got %v", err)
	}
}

func TestChatEmptyAnswerFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "  "})
	}))
	defer srv.Close()

	agent, err := NewHTTPAgent(Config{BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	_, err = agent.Chat(context.Background(), Prompt{Question: "q"})
	if xerrors.CodeOf(err) != CodeDialogFailed {
		t.Fatalf("expected DIALOG_FAILED, got %v", err)
	}
}

func TestQuestionBankFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questions.json")
	if err := os.WriteFile(path, []byte(`["What is gas?", " ", "What is a nonce?"]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	bank, err := LoadQuestionBank(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if bank.Size() != 2 {
		t.Fatalf("expected 2 questions, got %d", bank.Size())
	}

	rng := rand.New(rand.NewSource(1))
	q := bank.Random(rng)
	if q != "What is gas?" && q != "What is a nonce?" {
		t.Fatalf("unexpected question %q", q)
	}
}

func TestQuestionBankDefaults(t *testing.T) {
	bank, err := LoadQuestionBank("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if bank.Size() == 0 {
		t.Fatal("builtin bank must not be empty")
	}
}
