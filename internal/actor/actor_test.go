package actor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/observability/metrics"
	"OpenMCP-Relay/internal/trustchain"
	"OpenMCP-Relay/pkg/logger"
)

type fixture struct {
	host    *Host
	orch    trustchain.KeyPair
	session trustchain.KeyPair
	cert    string
	groupID string
	actorID string
	metrics *metrics.Registry
}

func mustKeyPair(t *testing.T) trustchain.KeyPair {
	t.Helper()
	kp, err := trustchain.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return kp
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orch := mustKeyPair(t)
	reg := metrics.NewRegistry("relay")
	host, err := NewHost(context.Background(), HostOptions{
		OrchestratorPublicKey: orch.Public,
		Dispatcher:            NewDispatcher(DispatcherOptions{Metrics: reg, Logger: logger.Discard()}),
		Logger:                logger.Discard(),
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(host.Close)

	session := mustKeyPair(t)
	groupID := "group-1"
	cert, err := trustchain.IssueSessionCertificate(orch.Private, groupID, session.Public)
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}
	return &fixture{
		host:    host,
		orch:    orch,
		session: session,
		cert:    cert,
		groupID: groupID,
		actorID: IDForGroup(groupID),
		metrics: reg,
	}
}

func (f *fixture) init(t *testing.T) {
	t.Helper()
	err := f.host.InitActor(context.Background(), f.actorID, InitRequest{
		SessionPrivateKey:  trustchain.EncodeKey(f.session.Private),
		SessionCertificate: f.cert,
		OrgID:              "org-1",
	})
	if err != nil {
		t.Fatalf("init actor: %v", err)
	}
}

func runtimeServer(t *testing.T, f *fixture, status int, reply string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.URL.Path != "/agents/run" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		pub, _, err := trustchain.VerifySessionCertificate(f.orch.Public, r.Header.Get(HeaderSessionCertificate))
		if err != nil {
			t.Errorf("verify certificate: %v", err)
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := trustchain.VerifyAgentAccessToken(pub, token, trustchain.AgentAccessExpectation{GroupID: f.groupID})
		if err != nil {
			t.Errorf("verify access token: %v", err)
		} else if claims.OrgID != "org-1" {
			t.Errorf("unexpected org id %q", claims.OrgID)
		}
		var body runRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Prompt == "" {
			t.Errorf("missing prompt")
		}
		w.WriteHeader(status)
		if status < 300 {
			_ = json.NewEncoder(w).Encode(runReply{Role: "assistant", Text: reply})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPostMessageWithOneFailingRuntime(t *testing.T) {
	f := newFixture(t)
	f.init(t)

	var okCalls, badCalls int32
	ok := runtimeServer(t, f, http.StatusOK, "hello back", &okCalls)
	bad := runtimeServer(t, f, http.StatusInternalServerError, "", &badCalls)

	a, err := f.host.Actor(f.actorID)
	if err != nil {
		t.Fatalf("actor: %v", err)
	}
	result, err := a.Post(context.Background(), PostRequest{
		MessageID: "m-1",
		Text:      "hello",
		AgentRuntimes: []RuntimeRef{
			{AgentID: "agent-a", RuntimeID: "rt-a", BaseURL: ok.URL},
			{AgentID: "agent-b", RuntimeID: "rt-b", BaseURL: bad.URL},
		},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if result.MessageID != "m-1" {
		t.Fatalf("unexpected message id %q", result.MessageID)
	}
	if len(result.AgentMessages) != 1 || result.AgentMessages[0].Text != "hello back" {
		t.Fatalf("unexpected agent messages: %+v", result.AgentMessages)
	}
	if len(result.Skipped) != 1 || result.Skipped[0].AgentID != "agent-b" || result.Skipped[0].StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected skipped: %+v", result.Skipped)
	}
	if okCalls != 1 || badCalls != 1 {
		t.Fatalf("unexpected runtime calls: %d %d", okCalls, badCalls)
	}

	msgs, err := a.Messages(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != RoleUser || msgs[1].AgentID != "agent-a" {
		t.Fatalf("unexpected log: %+v", msgs)
	}
	if got := f.metrics.Counter("dispatch_total", metrics.OutcomeFailure); got != 1 {
		t.Fatalf("expected one failed dispatch, got %d", got)
	}
}

func TestPostBeforeInitFails(t *testing.T) {
	f := newFixture(t)
	a, _ := f.host.Actor(f.actorID)
	_, err := a.Post(context.Background(), PostRequest{Text: "hi"})
	if xerrors.CodeOf(err) != CodeNotInitialized {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if xerrors.HTTPStatus(err) != http.StatusConflict {
		t.Fatalf("unexpected status %d", xerrors.HTTPStatus(err))
	}
}

func TestDuplicateMessageIDRejected(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	a, _ := f.host.Actor(f.actorID)
	if _, err := a.Post(context.Background(), PostRequest{MessageID: "dup", Text: "one"}); err != nil {
		t.Fatalf("first post: %v", err)
	}
	_, err := a.Post(context.Background(), PostRequest{MessageID: "dup", Text: "two"})
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestInitRejectsForeignCertificate(t *testing.T) {
	f := newFixture(t)

	t.Run("certificate for another group", func(t *testing.T) {
		err := f.host.InitActor(context.Background(), IDForGroup("other"), InitRequest{
			SessionPrivateKey:  trustchain.EncodeKey(f.session.Private),
			SessionCertificate: f.cert,
		})
		if xerrors.CodeOf(err) != xerrors.CodeForbidden {
			t.Fatalf("expected forbidden, got %v", err)
		}
	})

	t.Run("private key does not match certificate", func(t *testing.T) {
		other := mustKeyPair(t)
		err := f.host.InitActor(context.Background(), f.actorID, InitRequest{
			SessionPrivateKey:  trustchain.EncodeKey(other.Private),
			SessionCertificate: f.cert,
		})
		if xerrors.CodeOf(err) != xerrors.CodeForbidden {
			t.Fatalf("expected forbidden, got %v", err)
		}
	})

	t.Run("certificate signed by unknown key", func(t *testing.T) {
		rogue := mustKeyPair(t)
		cert, _ := trustchain.IssueSessionCertificate(rogue.Private, f.groupID, f.session.Public)
		err := f.host.InitActor(context.Background(), f.actorID, InitRequest{
			SessionPrivateKey:  trustchain.EncodeKey(f.session.Private),
			SessionCertificate: cert,
		})
		if xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
			t.Fatalf("expected unauthorized, got %v", err)
		}
	})
}

func TestSessionSurvivesHostRestart(t *testing.T) {
	f := newFixture(t)
	store := NewMemoryStateStore()
	host, err := NewHost(context.Background(), HostOptions{Store: store, OrchestratorPublicKey: f.orch.Public, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	if err := host.InitActor(context.Background(), f.actorID, InitRequest{
		SessionPrivateKey:  trustchain.EncodeKey(f.session.Private),
		SessionCertificate: f.cert,
	}); err != nil {
		t.Fatalf("init: %v", err)
	}
	host.Close()

	restarted, err := NewHost(context.Background(), HostOptions{Store: store, OrchestratorPublicKey: f.orch.Public, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer restarted.Close()
	a, _ := restarted.Actor(f.actorID)
	if _, err := a.Post(context.Background(), PostRequest{Text: "after restart"}); err != nil {
		t.Fatalf("post after restart: %v", err)
	}
}

func TestSubscriberReceivesAppends(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	a, _ := f.host.Actor(f.actorID)
	if _, err := a.Post(context.Background(), PostRequest{Text: "first"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	sub, err := a.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if len(sub.History) != 1 {
		t.Fatalf("unexpected history: %+v", sub.History)
	}
	if _, err := a.Post(context.Background(), PostRequest{Text: "second"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	select {
	case msg := <-sub.C:
		if msg.Text != "second" {
			t.Fatalf("unexpected pushed message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for pushed message")
	}
}
