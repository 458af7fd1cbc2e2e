// ABOUTME: Tests for the authorization and consent gates.
// ABOUTME: Uses in-memory catalogue fakes and a recording audit sink.

package gate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/audit"
	"github.com/2389/coven-relay/internal/contentapi"
)

type fakeCatalogue struct {
	mu          sync.Mutex
	content     map[string]*contentapi.ContentMetadata // keyed by contentVersionID
	credentials map[string]string                      // keyed by contentVersionID + "|" + userID
	metaErr     error
	credErr     error
	metaCalls   int
	credCalls   int
}

func (f *fakeCatalogue) LookupContent(ctx context.Context, versionID, contentID string) (*contentapi.ContentMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls++
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return f.content[versionID], nil
}

func (f *fakeCatalogue) LookupCredential(ctx context.Context, versionID, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credCalls++
	if f.credErr != nil {
		return "", f.credErr
	}
	return f.credentials[versionID+"|"+userID], nil
}

type recordingSink struct {
	records []audit.Record
	err     error
}

func (s *recordingSink) Record(ctx context.Context, r audit.Record) error {
	s.records = append(s.records, r)
	return s.err
}

func newCatalogue() *fakeCatalogue {
	return &fakeCatalogue{
		content: map[string]*contentapi.ContentMetadata{
			"v1": {ContentVersionID: "v1", ContentID: "c1", DisplayName: "Weather API", ContentType: "API", AuthRequired: true},
			"v2": {ContentVersionID: "v2", ContentID: "c2", DisplayName: "Open Data", ContentType: "API", AuthRequired: false},
		},
		credentials: map[string]string{"v1|alice": "K1"},
	}
}

func newAuthorizer(cat *fakeCatalogue, sink audit.Sink, policy MissingMetadataPolicy) *Authorizer {
	return NewAuthorizer(Config{
		Metadata:        cat,
		Credentials:     cat,
		Audit:           sink,
		MissingMetadata: policy,
		SourceBaseURL:   "https://portal.example.com/",
	})
}

func TestConsentCheck(t *testing.T) {
	prompt, ok := Consent{}.Check(true, "ping")
	assert.True(t, ok)
	assert.Empty(t, prompt)

	prompt, ok = Consent{}.Check(false, "ping")
	assert.False(t, ok)
	assert.Equal(t, "Please provide your consent to use your API keys to use tool ping and try again", prompt)
}

func TestSplitIdentity(t *testing.T) {
	v, c, err := SplitIdentity("v1_c1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, "c1", c)

	for _, bad := range []string{"plain", "a_b_c", "_c1", "v1_", ""} {
		_, _, err := SplitIdentity(bad)
		assert.ErrorIs(t, err, ErrMalformedIdentity, bad)
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyAllow, p)

	p, err = ParsePolicy("DENY")
	require.NoError(t, err)
	assert.Equal(t, PolicyDeny, p)

	_, err = ParsePolicy("maybe")
	assert.Error(t, err)
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()

	t.Run("default owner skips lookups", func(t *testing.T) {
		cat := newCatalogue()
		sink := &recordingSink{}
		a := newAuthorizer(cat, sink, PolicyAllow)

		args := map[string]any{"q": "x"}
		d, err := a.Authorize(ctx, Request{Owner: "quickchart-server", Default: true, UserID: "alice", Capability: "chart", Arguments: args})
		require.NoError(t, err)
		assert.True(t, d.Allowed())
		assert.Equal(t, args, d.Arguments)
		assert.Nil(t, d.Source)
		assert.Zero(t, cat.metaCalls)
		assert.Zero(t, cat.credCalls)
		assert.Empty(t, sink.records)
	})

	t.Run("credential is injected and audited without it", func(t *testing.T) {
		cat := newCatalogue()
		sink := &recordingSink{}
		a := newAuthorizer(cat, sink, PolicyAllow)

		args := map[string]any{"city": "Oslo"}
		d, err := a.Authorize(ctx, Request{Owner: "v1_c1", UserID: "alice", Capability: "forecast", Arguments: args})
		require.NoError(t, err)
		assert.True(t, d.Allowed())
		assert.Equal(t, "K1", d.Arguments[CredentialKey])
		assert.Equal(t, "Oslo", d.Arguments["city"])
		_, leaked := args[CredentialKey]
		assert.False(t, leaked, "caller's arguments must not be mutated")

		require.Len(t, sink.records, 1)
		rec := sink.records[0]
		assert.Equal(t, "v1", rec.ContentVersionID)
		assert.Equal(t, "alice", rec.UserID)
		assert.Equal(t, "forecast", rec.Capability)
		assert.Equal(t, "Weather API", rec.DisplayName)
		assert.NotContains(t, rec.Arguments, CredentialKey)

		require.NotNil(t, d.Source)
		assert.Equal(t, "Weather API", d.Source.DisplayName)
		assert.Equal(t, "https://portal.example.com/home/discover-apis/details?digitalContentId=c1&versionedContentId=v1", d.Source.URL)
	})

	t.Run("missing subscription short-circuits without audit", func(t *testing.T) {
		cat := newCatalogue()
		sink := &recordingSink{}
		a := newAuthorizer(cat, sink, PolicyAllow)

		d, err := a.Authorize(ctx, Request{Owner: "v1_c1", UserID: "bob", Capability: "forecast"})
		require.NoError(t, err)
		assert.False(t, d.Allowed())
		assert.Equal(t, ActionSubscription, d.Action)
		assert.Equal(t, "v1", d.ContentVersionID)
		assert.Equal(t, "c1", d.ContentID)
		assert.Equal(t, "The user needs to subscribe to the API Weather API.", d.Message)
		assert.Empty(t, sink.records)
	})

	t.Run("auth not required proceeds uncredentialed", func(t *testing.T) {
		cat := newCatalogue()
		a := newAuthorizer(cat, nil, PolicyAllow)

		d, err := a.Authorize(ctx, Request{Owner: "v2_c2", UserID: "bob", Capability: "stats"})
		require.NoError(t, err)
		assert.True(t, d.Allowed())
		assert.Zero(t, cat.credCalls)
		assert.Nil(t, d.Source)
	})

	t.Run("absent metadata under allow policy", func(t *testing.T) {
		cat := newCatalogue()
		a := newAuthorizer(cat, nil, PolicyAllow)

		d, err := a.Authorize(ctx, Request{Owner: "v9_c9", UserID: "bob", Capability: "x"})
		require.NoError(t, err)
		assert.True(t, d.Allowed())
		assert.Zero(t, cat.credCalls)
	})

	t.Run("absent metadata under deny policy", func(t *testing.T) {
		a := newAuthorizer(newCatalogue(), nil, PolicyDeny)

		_, err := a.Authorize(ctx, Request{Owner: "v9_c9", UserID: "bob", Capability: "x"})
		assert.ErrorIs(t, err, ErrMetadataMissing)
	})

	t.Run("lookup failures are LookupErrors", func(t *testing.T) {
		cat := newCatalogue()
		cat.metaErr = errors.New("connection refused")
		a := newAuthorizer(cat, nil, PolicyAllow)

		_, err := a.Authorize(ctx, Request{Owner: "v1_c1", UserID: "alice", Capability: "forecast"})
		var lookupErr *LookupError
		require.True(t, errors.As(err, &lookupErr))
		assert.Equal(t, "metadata", lookupErr.Stage)

		cat.metaErr = nil
		cat.credErr = errors.New("timeout")
		_, err = a.Authorize(ctx, Request{Owner: "v1_c1", UserID: "alice", Capability: "forecast"})
		require.True(t, errors.As(err, &lookupErr))
		assert.Equal(t, "credential", lookupErr.Stage)
	})

	t.Run("malformed identity", func(t *testing.T) {
		a := newAuthorizer(newCatalogue(), nil, PolicyAllow)
		_, err := a.Authorize(ctx, Request{Owner: "nounderscore", UserID: "alice", Capability: "x"})
		assert.ErrorIs(t, err, ErrMalformedIdentity)
	})

	t.Run("audit failure does not fail authorization", func(t *testing.T) {
		sink := &recordingSink{err: errors.New("disk full")}
		a := newAuthorizer(newCatalogue(), sink, PolicyAllow)

		d, err := a.Authorize(ctx, Request{Owner: "v1_c1", UserID: "alice", Capability: "forecast"})
		require.NoError(t, err)
		assert.True(t, d.Allowed())
	})
}
