// Package signup implements the resumable registration flow used when a new
// user signs up through a third party identity provider.
//
// Flow:
//   - The user picks a role and fills the profile form. Coordinator.Begin
//     validates it and parks it in a PendingStore under the browser's flow
//     key, then the browser is sent to the identity provider.
//   - The provider redirects back with an opaque identity parameter. The
//     Decoder tries its strategies in order until one yields a payload with
//     an external id and an email.
//   - Coordinator.Resolve completes the registration exactly once when both
//     the identity and an unexpired pending record are present. Otherwise it
//     renders the form again, pre-filled from whatever partial data exists.
//
// Sessions:
//   - SessionWriter commits an AuthenticatedSession and reads it back before
//     reporting success. A mismatch restores the previous value. Committed
//     sessions are announced through a SessionBroadcaster.
//
// Storage:
//   - In-memory stores live in this package. The repository package provides
//     Bun backed stores and redisstore provides Redis backed ones.
//
// Activity sinks:
//   - ActivitySink receives flow transitions and completions. Sinks run best
//     effort; errors are logged and never fail the flow.
package signup
