// Package pop3 implements a POP3 (Post Office Protocol version 3) server.
//
// This package provides a production-ready POP3 server with:
//   - RFC 1939 POP3 core protocol, including APOP
//   - RFC 5034 SASL authentication (PLAIN, OAUTHBEARER, XOAUTH2)
//   - TLS and STLS (RFC 2595) support
//   - UIDL with stable uid-validity scoped tokens
//   - TOP command for message previews
//   - Per-IP connection and authentication rate limiting
//
// # Server States
//
//	AUTHORIZATION → TRANSACTION → UPDATE
//
// A session starts unauthenticated. After a successful USER/PASS, APOP or
// AUTH exchange it holds a point-in-time snapshot of the account's INBOX and
// serves transaction commands against that snapshot. Message numbers are
// 1-based and fixed for the whole session.
//
// # Message Deletion
//
// DELE only marks a message in the session's snapshot. Deletions are
// committed to the store when the session ends with QUIT; a dropped
// connection or timeout leaves the mailbox untouched.
//
// # Security
//
// Every server carries a SecurityManager that caps concurrent connections
// per IP, auto-blocks IPs that fail authentication repeatedly within a
// rolling window, flags suspicious authentication patterns, and enforces
// per-session command rates.
package pop3
