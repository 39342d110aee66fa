package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "OpenFarm-Chain/internal/errors"
)

func newTestSession(t *testing.T, srv *httptest.Server) *Session {
	t.Helper()
	client := NewClient(Config{
		TestnetAPI: srv.URL,
		FaucetAPI:  srv.URL,
		QuizAPI:    srv.URL,
		PointsAPI:  srv.URL,
	})
	session, err := client.NewSession("0xAbC0000000000000000000000000000000000001", "")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return session
}

func TestSignInStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/signin" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if payload["eoa"] != "0xabc0000000000000000000000000000000000001" {
			t.Fatalf("address must be lowercased, got %q", payload["eoa"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
	}))
	defer srv.Close()

	session := newTestSession(t, srv)
	if err := session.SignIn(context.Background()); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if session.Token() != "tok-1" {
		t.Fatalf("token not stored, got %q", session.Token())
	}
}

func TestAuthenticatedCallsRequireToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	session := newTestSession(t, srv)
	_, err := session.UserInfo(context.Background())
	if xerrors.CodeOf(err) != CodePortalAuth {
		t.Fatalf("expected PORTAL_AUTH_FAILED before sign in, got %v", err)
	}
}

func TestUserInfoCarriesBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/signin":
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
		case "/api/user/info":
			if r.Header.Get("Authorization") != "Bearer tok" {
				t.Fatalf("missing bearer token, got %q", r.Header.Get("Authorization"))
			}
			_ = json.NewEncoder(w).Encode(UserInfo{
				Points:          120,
				Rank:            42,
				FaucetClaimable: true,
				Badges:          []int64{1, 3},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	session := newTestSession(t, srv)
	if err := session.SignIn(context.Background()); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	info, err := session.UserInfo(context.Background())
	if err != nil {
		t.Fatalf("user info: %v", err)
	}
	if info.Points != 120 || !info.FaucetClaimable || len(info.Badges) != 2 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   xerrors.Code
	}{
		{"unauthorized", http.StatusUnauthorized, CodePortalAuth},
		{"forbidden", http.StatusForbidden, CodePortalAuth},
		{"not found", http.StatusNotFound, xerrors.CodeNotFound},
		{"rate limited", http.StatusTooManyRequests, xerrors.CodeNetworkTransient},
		{"server error", http.StatusBadGateway, xerrors.CodeNetworkTransient},
		{"bad request", http.StatusBadRequest, CodePortalRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/api/signin" {
					_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
					return
				}
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"code": "E", "message": "boom"},
				})
			}))
			defer srv.Close()

			session := newTestSession(t, srv)
			if err := session.SignIn(context.Background()); err != nil {
				t.Fatalf("sign in: %v", err)
			}
			err := session.ClaimFaucet(context.Background())
			if xerrors.CodeOf(err) != tc.want {
				t.Fatalf("status %d: expected %s, got %v", tc.status, tc.want, err)
			}
		})
	}
}

func TestQuizFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/signin":
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
		case "/api/quiz/create":
			_ = json.NewEncoder(w).Encode(map[string]int64{"quiz_id": 9})
		case "/api/quiz/get":
			_ = json.NewEncoder(w).Encode(Quiz{
				QuizID: 9,
				Questions: []QuizQuestion{
					{QuestionID: 1, Content: "What is the native token?", Choices: []string{"A", "B"}},
				},
			})
		case "/api/quiz/submit":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	session := newTestSession(t, srv)
	ctx := context.Background()
	if err := session.SignIn(ctx); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	quizID, err := session.CreateQuiz(ctx, "daily_quiz_20260823", 1)
	if err != nil {
		t.Fatalf("create quiz: %v", err)
	}
	if quizID != 9 {
		t.Fatalf("unexpected quiz id %d", quizID)
	}
	quiz, err := session.GetQuiz(ctx, quizID)
	if err != nil {
		t.Fatalf("get quiz: %v", err)
	}
	if len(quiz.Questions) != 1 {
		t.Fatalf("unexpected quiz: %+v", quiz)
	}
	if err := session.SubmitQuizAnswer(ctx, quizID, 1, "A"); err != nil {
		t.Fatalf("submit answer: %v", err)
	}
}

func TestBadProxyRejected(t *testing.T) {
	client := NewClient(Config{TestnetAPI: "http://portal.example"})
	_, err := client.NewSession("0x1", "://bad proxy")
	if err == nil {
		t.Fatal("expected proxy parse error")
	}
}
