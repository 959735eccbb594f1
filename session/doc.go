// Package session bridges many logical sessions onto a shared
// protocol engine. Each session tracks its own activity and reply
// waiters; an idle monitor completes sessions that go quiet, and
// completing a session cancels its pending correlations first so no
// caller is left hanging.
package session
