// Package coordinator implements the client-side companion of the
// authcore server: one coordinator process shared by every tab of a
// browser profile, plus a broadcast bus the tabs subscribe to.
//
// The coordinator is authoritative for leadership and refresh
// scheduling. The first tab to connect becomes leader; when the leader
// disconnects the oldest remaining tab is promoted. No tab-to-tab
// consensus round exists — the coordinator assigns leadership
// deterministically, so split-brain cannot occur.
//
// Refresh deduplication mirrors the server's atomic rotation: any
// number of tabs may request a refresh concurrently, but only one
// network call is made and every requester receives the same outcome.
// This prevents the app's own tabs from tripping the server's
// refresh-reuse detection.
//
// # Event bus
//
// Tabs receive [Event] values over buffered per-tab channels. Priority
// events (login and logout transitions) are applied unconditionally;
// routine updates are merged last-writer-wins on a monotonic revision.
// A tab that falls behind has events dropped rather than blocking the
// coordinator; the next priority event resynchronizes it.
package coordinator
