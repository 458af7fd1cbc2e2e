// Package contentapi is a client for the content catalogue service that
// decides whether a content-bound worker needs a subscription credential.
//
// Two endpoints are used:
//
//	GET  {base}/api/v1/digital-content/detail?digitalContentId=..&versionedContentId=..
//	POST {base}/api/v1/digital-content/apis/fetch-credentials
//
// Both authenticate with an "apikey" header. A response whose data field is
// null means the content (or the user's subscription) does not exist; the
// client reports that as a nil result rather than an error.
package contentapi
