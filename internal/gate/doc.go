// Package gate decides whether a requested capability invocation may run.
//
// Two checks apply. The consent check is a per-turn flag supplied by the
// caller; without it no capability runs at all. The authorization check is
// per owner: default workers run uncredentialed, while content-bound workers
// (identity "<contentVersionId>_<contentId>") need the calling user's
// subscription credential, which is injected into the arguments under
// CredentialKey and recorded in the audit sink.
package gate
