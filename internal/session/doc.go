// Package session propagates lock, panic and logout events between the
// live sessions of one user.
//
// Bus carries events between sessions in the same process. Poller covers
// the remote case: it asks the server whether the session token is still
// valid and forces a lock when it is not. Events received either way are
// authoritative; the receiving session locks without asking.
package session
