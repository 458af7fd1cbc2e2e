// ABOUTME: Authorization gate for capability invocations on content-bound workers.
// ABOUTME: Looks up content metadata and subscription credentials, injects the credential, and audits.

package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/audit"
	"github.com/2389/coven-relay/internal/contentapi"
)

// CredentialKey is the argument key the subscription credential is injected under.
const CredentialKey = "API_KEY"

// identitySeparator joins contentVersionId and contentId in a worker identity.
const identitySeparator = "_"

var (
	// ErrMalformedIdentity means a non-default worker identity does not split
	// into exactly two non-empty parts.
	ErrMalformedIdentity = errors.New("malformed worker identity")

	// ErrMetadataMissing is returned under the deny policy when the catalogue
	// has no record of the worker's content.
	ErrMetadataMissing = errors.New("content metadata not found")
)

// Action tags the outcome of an invocation attempt.
type Action string

const (
	ActionNone         Action = "none"
	ActionConsent      Action = "consent"
	ActionSubscription Action = "subscription"
	ActionError        Action = "error"
)

// MissingMetadataPolicy controls what happens when the catalogue has no
// record for a content-bound worker.
type MissingMetadataPolicy string

const (
	// PolicyAllow treats absent metadata as "no credential required".
	PolicyAllow MissingMetadataPolicy = "allow"
	// PolicyDeny aborts the invocation with ErrMetadataMissing.
	PolicyDeny MissingMetadataPolicy = "deny"
)

// ParsePolicy validates a policy name. An empty name means PolicyAllow.
func ParsePolicy(s string) (MissingMetadataPolicy, error) {
	switch MissingMetadataPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAllow:
		return PolicyAllow, nil
	case PolicyDeny:
		return PolicyDeny, nil
	default:
		return "", fmt.Errorf("unknown missing metadata policy %q (want allow or deny)", s)
	}
}

// LookupError reports a failed call to the content catalogue. It aborts the
// turn instead of granting or denying access.
type LookupError struct {
	Stage            string // "metadata" or "credential"
	ContentVersionID string
	Err              error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s lookup for %s failed: %v", e.Stage, e.ContentVersionID, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// MetadataLookup fetches content metadata; nil, nil means absent.
type MetadataLookup interface {
	LookupContent(ctx context.Context, contentVersionID, contentID string) (*contentapi.ContentMetadata, error)
}

// CredentialLookup fetches a user's credential; "", nil means absent.
type CredentialLookup interface {
	LookupCredential(ctx context.Context, contentVersionID, userID string) (string, error)
}

// SourceReference records which content produced part of an answer.
type SourceReference struct {
	DisplayName string `json:"source_name"`
	ContentType string `json:"content_type"`
	URL         string `json:"source_url"`
	Data        string `json:"data"`
}

// Request is one invocation to authorize.
type Request struct {
	Owner      string // worker identity
	Default    bool
	UserID     string
	Capability string
	Arguments  map[string]any
}

// Decision is the gate's verdict. When Action is ActionSubscription the
// invocation must not run and Message explains why. Otherwise Arguments are
// the ones to invoke with.
type Decision struct {
	Action           Action
	Message          string
	ContentVersionID string
	ContentID        string
	Arguments        map[string]any
	Source           *SourceReference // nil for default and uncredentialed owners
}

// Allowed reports whether the invocation may proceed.
func (d *Decision) Allowed() bool { return d.Action == ActionNone }

// Config contains configuration options for the Authorizer.
type Config struct {
	Metadata        MetadataLookup
	Credentials     CredentialLookup
	Audit           audit.Sink
	MissingMetadata MissingMetadataPolicy
	SourceBaseURL   string // prefix of Source Reference URLs
	Logger          *slog.Logger
}

// Authorizer applies the authorization rules.
type Authorizer struct {
	metadata    MetadataLookup
	credentials CredentialLookup
	audit       audit.Sink
	policy      MissingMetadataPolicy
	sourceBase  string
	logger      *slog.Logger
}

// NewAuthorizer creates an Authorizer. Metadata and Credentials are required
// for content-bound workers; a nil Audit discards records.
func NewAuthorizer(cfg Config) *Authorizer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.MissingMetadata
	if policy == "" {
		policy = PolicyAllow
	}
	return &Authorizer{
		metadata:    cfg.Metadata,
		credentials: cfg.Credentials,
		audit:       cfg.Audit,
		policy:      policy,
		sourceBase:  strings.TrimRight(cfg.SourceBaseURL, "/"),
		logger:      logger.With("component", "gate"),
	}
}

// SplitIdentity decomposes a content-bound worker identity.
func SplitIdentity(identity string) (contentVersionID, contentID string, err error) {
	parts := strings.Split(identity, identitySeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedIdentity, identity)
	}
	return parts[0], parts[1], nil
}

// Authorize decides whether req may run and with which arguments.
func (a *Authorizer) Authorize(ctx context.Context, req Request) (*Decision, error) {
	if req.Default {
		return &Decision{Action: ActionNone, Arguments: req.Arguments}, nil
	}

	versionID, contentID, err := SplitIdentity(req.Owner)
	if err != nil {
		return nil, err
	}
	if a.metadata == nil || a.credentials == nil {
		return nil, &LookupError{Stage: "metadata", ContentVersionID: versionID, Err: errors.New("content catalogue not configured")}
	}

	meta, err := a.metadata.LookupContent(ctx, versionID, contentID)
	if err != nil {
		return nil, &LookupError{Stage: "metadata", ContentVersionID: versionID, Err: err}
	}

	decision := &Decision{
		Action:           ActionNone,
		ContentVersionID: versionID,
		ContentID:        contentID,
		Arguments:        req.Arguments,
	}

	if meta == nil {
		if a.policy == PolicyDeny {
			return nil, fmt.Errorf("%w: %s", ErrMetadataMissing, req.Owner)
		}
		a.logger.Warn("no content metadata, invoking without credential",
			"worker", req.Owner,
			"tool_name", req.Capability,
		)
		return decision, nil
	}
	if !meta.AuthRequired {
		return decision, nil
	}

	credential, err := a.credentials.LookupCredential(ctx, versionID, req.UserID)
	if err != nil {
		return nil, &LookupError{Stage: "credential", ContentVersionID: versionID, Err: err}
	}
	if credential == "" {
		a.logger.Info("user has no subscription",
			"worker", req.Owner,
			"tool_name", req.Capability,
			"user_id", req.UserID,
		)
		decision.Action = ActionSubscription
		decision.Message = fmt.Sprintf("The user needs to subscribe to the API %s.", meta.DisplayName)
		decision.Arguments = nil
		return decision, nil
	}

	audited := copyArgs(req.Arguments)
	delete(audited, CredentialKey)
	credentialed := copyArgs(audited)
	credentialed[CredentialKey] = credential
	decision.Arguments = credentialed

	if a.audit != nil {
		rec := audit.Record{
			ContentVersionID: versionID,
			UserID:           req.UserID,
			Capability:       req.Capability,
			Arguments:        audited,
			DisplayName:      meta.DisplayName,
			Timestamp:        time.Now().UTC(),
		}
		if err := a.audit.Record(ctx, rec); err != nil {
			a.logger.Warn("audit record failed", "tool_name", req.Capability, "error", err)
		}
	}

	decision.Source = &SourceReference{
		DisplayName: meta.DisplayName,
		ContentType: meta.ContentType,
		URL:         a.sourceURL(versionID, contentID),
	}
	return decision, nil
}

func (a *Authorizer) sourceURL(versionID, contentID string) string {
	q := url.Values{}
	q.Set("digitalContentId", contentID)
	q.Set("versionedContentId", versionID)
	return a.sourceBase + "/home/discover-apis/details?" + q.Encode()
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	return out
}
