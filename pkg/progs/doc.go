// Package progs contains the built-in programs shipped with keel.
//
// They exercise the directive set end to end and make the daemons runnable
// without any domain code:
//
//   - counter: Hop, Nap and a root Pop
//   - fanout and leaf: Bud, Reap and child exit waking the parent
//   - lifecycle and probe: Push/Pop sub-workflows, signals consumed by a
//     pre-step hook, and a provisioning deadline with a handler
package progs
