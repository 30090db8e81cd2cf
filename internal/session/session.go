// Package session keeps per-user client state in Redis: whether the app is in
// the foreground and which conversation, if any, is open on screen. The
// notification bridge reads it to decide between suppressing, alerting in-app
// and pushing.
package session
