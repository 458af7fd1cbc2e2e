// Package auth identifies the user behind an HTTP request.
//
// Two modes are supported:
//
//   - JWT: when a signing secret is configured, every API request must carry
//     "Authorization: Bearer <token>". Tokens are HS256 signed; the "sub"
//     claim is the user ID used for subscription lookups and auditing, and
//     a "role" claim of "admin" allows worker management.
//
//   - Header: without a secret the user ID is read from a trusted request
//     header (default "email"), for deployments behind an authenticating
//     proxy. Users listed in admin_users may manage workers; an empty list
//     lets everyone do so.
//
// Handlers read the result with FromContext.
package auth
