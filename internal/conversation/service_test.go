// ABOUTME: Tests for the conversation loop using fake workers, a scripted engine and an in-memory store
// ABOUTME: Covers final answers, consent, subscription, default workers, failures, and the iteration cap

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/audit"
	"github.com/2389/coven-relay/internal/contentapi"
	"github.com/2389/coven-relay/internal/discovery"
	"github.com/2389/coven-relay/internal/gate"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/llm/llmtest"
	"github.com/2389/coven-relay/internal/packs"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/worker"
	"github.com/2389/coven-relay/internal/worker/workertest"
)

type catalogue struct {
	mu        sync.Mutex
	content   map[string]*contentapi.ContentMetadata
	creds     map[string]string
	lookups   int
	credCalls int
}

func (c *catalogue) LookupContent(ctx context.Context, versionID, contentID string) (*contentapi.ContentMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	return c.content[versionID], nil
}

func (c *catalogue) LookupCredential(ctx context.Context, versionID, userID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credCalls++
	return c.creds[versionID+"|"+userID], nil
}

type auditRecorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (a *auditRecorder) Record(ctx context.Context, r audit.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
	return nil
}

func (a *auditRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

type fixture struct {
	svc       *Service
	store     *store.MemoryStore
	pool      *packs.Pool
	source    *discovery.MemorySource
	connector *workertest.FakeConnector
	catalogue *catalogue
	audit     *auditRecorder
	engine    *llmtest.Script
}

// setupServiceTest builds a pool from toolA_server.py (identity v1_c1,
// capability ping) and a default quickchart worker (capability chart).
func setupServiceTest(t *testing.T, engine *llmtest.Script) *fixture {
	t.Helper()

	source := discovery.NewMemorySource(map[string]string{"toolA_server.py": "print('a')"})
	connector := workertest.NewFakeConnector()
	connector.Define("toolA_server.py", workertest.Definition{
		Identity:     "v1_c1",
		Capabilities: workertest.Caps("ping"),
		Handlers: map[string]workertest.Handler{
			"ping": workertest.Reply("pong"),
		},
	})
	connector.Define("quickchart", workertest.Definition{
		Identity:     "quickchart-server",
		Capabilities: workertest.Caps("chart"),
		Handlers: map[string]workertest.Handler{
			"chart": workertest.Reply("https://quickchart.io/chart/1.png"),
		},
	})

	pool := packs.NewPool(packs.PoolConfig{
		Source:    source,
		Connector: connector,
		SpoolDir:  t.TempDir(),
		Defaults:  []packs.DefaultWorker{{Name: "quickchart-server", Spec: worker.LaunchSpec{Command: "quickchart"}}},
		Logger:    slog.Default(),
	})
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Populate(context.Background()))

	cat := &catalogue{
		content: map[string]*contentapi.ContentMetadata{
			"v1": {ContentVersionID: "v1", ContentID: "c1", DisplayName: "Tool A", ContentType: "API", AuthRequired: true},
		},
		creds: map[string]string{"v1|user1": "K1"},
	}
	rec := &auditRecorder{}
	authorizer := gate.NewAuthorizer(gate.Config{
		Metadata:      cat,
		Credentials:   cat,
		Audit:         rec,
		SourceBaseURL: "https://portal.example.com",
	})

	ms := store.NewMemoryStore()
	svc := New(Config{
		Sessions:   ms,
		Engine:     engine,
		Pool:       pool,
		Router:     packs.NewRouter(packs.RouterConfig{}),
		Authorizer: authorizer,
		Logger:     slog.Default(),
	})

	return &fixture{
		svc:       svc,
		store:     ms,
		pool:      pool,
		source:    source,
		connector: connector,
		catalogue: cat,
		audit:     rec,
		engine:    engine,
	}
}

func query(text string, consent bool) Query {
	return Query{Text: text, SessionID: "session1", UserID: "user1", Consent: consent}
}

func TestProcessQuery_TextOnly(t *testing.T) {
	t.Run("single text response persists one assistant turn", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript(llmtest.Text("hello there")))

		ans := f.svc.ProcessQuery(context.Background(), query("hi", true))
		assert.Equal(t, gate.ActionNone, ans.Action)
		assert.Equal(t, "hello there", ans.Message)
		assert.Empty(t, ans.Sources)
		assert.Nil(t, ans.ToolCall)

		turns, err := f.store.RecentTurns(context.Background(), "session1", 0)
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.Equal(t, store.RoleUser, turns[0].Role)
		assert.Equal(t, "hi", turns[0].Content)
		assert.Equal(t, store.RoleAssistant, turns[1].Role)
	})

	t.Run("multiple text parts are joined into one turn", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript(llmtest.Text("line one", "line two")))

		ans := f.svc.ProcessQuery(context.Background(), query("hi", false))
		assert.Equal(t, "line one\nline two", ans.Message)
		assert.Equal(t, 2, f.store.TurnCount("session1"))
	})

	t.Run("engine sees history, quoted query and capabilities", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript(llmtest.Text("first"), llmtest.Text("second")))

		f.svc.ProcessQuery(context.Background(), query("one", true))
		f.svc.ProcessQuery(context.Background(), query("two", true))

		reqs := f.engine.Requests()
		require.Len(t, reqs, 2)
		msgs := reqs[1].Messages
		require.Len(t, msgs, 3)
		assert.Equal(t, "one", msgs[0].Parts[0].Text)
		assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
		assert.Equal(t, `"two"`, msgs[2].Parts[0].Text)

		names := map[string]bool{}
		for _, c := range reqs[1].Capabilities {
			names[c.Name] = true
		}
		assert.True(t, names["ping"])
		assert.True(t, names["chart"])
	})
}

func TestProcessQuery_PingScenario(t *testing.T) {
	t.Run("consent granted invokes once", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript(
			llmtest.Call("ping", map[string]any{"host": "example.com"}),
			llmtest.Text("done"),
		))

		ans := f.svc.ProcessQuery(context.Background(), query("use ping", true))
		require.Equal(t, gate.ActionNone, ans.Action, ans.Message)
		assert.True(t, strings.HasSuffix(ans.Message, "done"), ans.Message)
		assert.Contains(t, ans.Message, "#### Calling tool 'ping'")

		calls := f.connector.Recorder.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "ping", calls[0].Capability)
		assert.Equal(t, "K1", calls[0].Args[gate.CredentialKey])

		require.NotNil(t, ans.ToolCall)
		assert.Equal(t, "ping", ans.ToolCall.Name)
		assert.NotContains(t, ans.ToolCall.Parameters, gate.CredentialKey)

		require.Len(t, ans.Sources, 1)
		assert.Equal(t, "Tool A", ans.Sources[0].DisplayName)
		assert.Equal(t, "pong", ans.Sources[0].Data)
		assert.Equal(t, "v1", ans.ContentVersionID)
		assert.Equal(t, "c1", ans.ContentID)
		assert.Equal(t, 1, f.audit.count())

		// The tool result was fed back to the engine.
		reqs := f.engine.Requests()
		require.Len(t, reqs, 2)
		last := reqs[1].Messages[len(reqs[1].Messages)-1]
		require.NotNil(t, last.Parts[0].Result)
		assert.Equal(t, "pong", last.Parts[0].Result.Text)
	})

	t.Run("consent denied invokes nothing", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript(
			llmtest.Call("ping", nil),
			llmtest.Text("done"),
		))

		ans := f.svc.ProcessQuery(context.Background(), query("use ping", false))
		assert.Equal(t, gate.ActionConsent, ans.Action)
		assert.Contains(t, ans.Message, "tool ping")
		assert.Empty(t, f.connector.Recorder.Calls())
		assert.Zero(t, f.catalogue.lookups)
		assert.Len(t, f.engine.Requests(), 1, "no further engine calls after consent denial")
	})
}

func TestProcessQuery_Subscription(t *testing.T) {
	f := setupServiceTest(t, llmtest.NewScript(llmtest.Call("ping", nil), llmtest.Text("unreachable")))

	q := query("use ping", true)
	q.UserID = "nosub"
	ans := f.svc.ProcessQuery(context.Background(), q)

	assert.Equal(t, gate.ActionSubscription, ans.Action)
	assert.Equal(t, "v1", ans.ContentVersionID)
	assert.Equal(t, "c1", ans.ContentID)
	assert.Equal(t, "The user needs to subscribe to the API Tool A.", ans.Message)
	assert.Empty(t, f.connector.Recorder.Calls())
	assert.Zero(t, f.audit.count())
}

func TestProcessQuery_DefaultWorkerBypassesLookups(t *testing.T) {
	f := setupServiceTest(t, llmtest.NewScript(
		llmtest.Call("chart", map[string]any{"type": "bar"}),
		llmtest.Text("here is your chart"),
	))

	ans := f.svc.ProcessQuery(context.Background(), query("draw", true))
	require.Equal(t, gate.ActionNone, ans.Action, ans.Message)
	assert.Zero(t, f.catalogue.lookups)
	assert.Zero(t, f.catalogue.credCalls)
	assert.Empty(t, ans.Sources)

	calls := f.connector.Recorder.Calls()
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].Args, gate.CredentialKey)
}

func TestProcessQuery_Failures(t *testing.T) {
	t.Run("unknown capability", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript(llmtest.Call("nope", nil)))

		ans := f.svc.ProcessQuery(context.Background(), query("x", true))
		assert.Equal(t, gate.ActionError, ans.Action)
		assert.True(t, strings.HasPrefix(ans.Message, "Query processing failed: "), ans.Message)
		assert.Contains(t, ans.Message, packs.ErrToolNotFound.Error())
	})

	t.Run("engine error", func(t *testing.T) {
		engine := &llmtest.Script{Steps: []llmtest.Step{{Err: errors.New("quota exceeded")}}}
		f := setupServiceTest(t, engine)

		ans := f.svc.ProcessQuery(context.Background(), query("x", true))
		assert.Equal(t, gate.ActionError, ans.Action)
		assert.Contains(t, ans.Message, "quota exceeded")
		assert.Equal(t, 1, f.store.TurnCount("session1"), "user turn is still persisted")
	})

	t.Run("worker failure keeps the pool intact", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript(llmtest.Call("ping", nil)))
		f.connector.Define("toolA_server.py", workertest.Definition{
			Identity:     "v1_c1",
			Capabilities: workertest.Caps("ping"),
			Handlers: map[string]workertest.Handler{
				"ping": func(ctx context.Context, args map[string]any) (string, error) {
					return "", errors.New("upstream 500")
				},
			},
		})
		require.NoError(t, f.pool.Populate(context.Background()))

		ans := f.svc.ProcessQuery(context.Background(), query("x", true))
		assert.Equal(t, gate.ActionError, ans.Action)
		assert.Contains(t, ans.Message, "upstream 500")
		assert.ElementsMatch(t, []string{"ping", "chart"}, f.svc.ListCapabilities())
	})

	t.Run("iteration cap ends a looping engine", func(t *testing.T) {
		engine := llmtest.NewScript(llmtest.Call("chart", nil))
		engine.Repeat = true
		f := setupServiceTest(t, engine)
		f.svc.maxIterations = 3

		ans := f.svc.ProcessQuery(context.Background(), query("loop", true))
		assert.Equal(t, gate.ActionError, ans.Action)
		assert.Contains(t, ans.Message, ErrIterationLimit.Error())
		assert.Len(t, engine.Requests(), 3)
		assert.Len(t, f.connector.Recorder.Calls(), 3)
	})
}

func TestProcessQuery_PublishesEvents(t *testing.T) {
	f := setupServiceTest(t, llmtest.NewScript(llmtest.Call("chart", nil), llmtest.Text("ok")))
	b := NewBroadcaster(nil)
	defer b.Close()
	f.svc.events = b

	ch, _ := b.Subscribe(t.Context(), "session1")
	f.svc.ProcessQuery(context.Background(), query("draw", true))

	var types []EventType
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []EventType{EventQuery, EventToolCall, EventToolResult, EventAnswer}, types)
}

func TestWorkerManagement(t *testing.T) {
	t.Run("provisioning keeps existing capabilities", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript())
		f.source.Put("multi_server.py", "print('ab')")
		f.connector.Define("multi_server.py", workertest.Definition{
			Identity:     "v2_c2",
			Capabilities: workertest.Caps("a", "b"),
		})

		require.NoError(t, f.svc.ProvisionWorker(context.Background(), "multi_server.py"))
		assert.ElementsMatch(t, []string{"ping", "chart", "a", "b"}, f.svc.ListCapabilities())
	})

	t.Run("deprovisioning twice is safe", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript())

		require.NoError(t, f.svc.DeprovisionWorker(context.Background(), "toolA_server.py"))
		assert.ElementsMatch(t, []string{"chart"}, f.svc.ListCapabilities())

		err := f.svc.DeprovisionWorker(context.Background(), "toolA_server.py")
		assert.ErrorIs(t, err, discovery.ErrNotFound)
		assert.ElementsMatch(t, []string{"chart"}, f.svc.ListCapabilities())
	})

	t.Run("empty names are rejected", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript())
		assert.Error(t, f.svc.ProvisionWorker(context.Background(), " "))
		assert.Error(t, f.svc.DeprovisionWorker(context.Background(), ""))
	})

	t.Run("workers are listed", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript())
		ids := map[string]bool{}
		for _, w := range f.svc.ListWorkers() {
			ids[w.Identity] = true
		}
		assert.True(t, ids["v1_c1"])
		assert.True(t, ids["quickchart-server"])
	})
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()

	t.Run("credentialed capability", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript())

		res, err := f.svc.Invoke(ctx, Invocation{UserID: "user1", Name: "ping"})
		require.NoError(t, err)
		assert.Equal(t, gate.ActionNone, res.Action)
		assert.Equal(t, "pong", res.Text)
		require.NotNil(t, res.Source)
		assert.Equal(t, "pong", res.Source.Data)

		calls := f.connector.Recorder.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "K1", calls[0].Args[gate.CredentialKey])
		assert.Empty(t, f.engine.Requests())
	})

	t.Run("default capability", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript())

		res, err := f.svc.Invoke(ctx, Invocation{UserID: "user1", Name: "chart", Arguments: map[string]any{"type": "pie"}})
		require.NoError(t, err)
		assert.Equal(t, "https://quickchart.io/chart/1.png", res.Text)
		assert.Nil(t, res.Source)
	})

	t.Run("subscription required", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript())

		res, err := f.svc.Invoke(ctx, Invocation{UserID: "nosub", Name: "ping"})
		require.NoError(t, err)
		assert.Equal(t, gate.ActionSubscription, res.Action)
		assert.NotEmpty(t, res.Message)
		assert.Empty(t, f.connector.Recorder.Calls())
	})

	t.Run("unknown capability", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript())

		_, err := f.svc.Invoke(ctx, Invocation{UserID: "user1", Name: "nope"})
		assert.ErrorIs(t, err, packs.ErrToolNotFound)
	})

	t.Run("capabilities carry schemas", func(t *testing.T) {
		f := setupServiceTest(t, llmtest.NewScript())

		names := map[string]bool{}
		for _, c := range f.svc.Capabilities() {
			names[c.Name] = true
		}
		assert.Equal(t, map[string]bool{"ping": true, "chart": true}, names)
	})
}

func TestCallingToolBlock(t *testing.T) {
	block := callingToolBlock("ping", map[string]any{"n": 1})
	assert.True(t, strings.HasPrefix(block, "#### Calling tool 'ping'\n<details open>\n"))
	assert.Contains(t, block, "\"n\": 1")
	assert.True(t, strings.HasSuffix(block, "</details>\n"))
}
