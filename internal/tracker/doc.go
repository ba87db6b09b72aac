// Package tracker follows launched runner sessions to a terminal state.
//
// Two paths can finish a job: scheduled polling (an initial check, periodic
// re-checks while running, and a fixed backstop) and inbound webhook
// notifications. A shared-store claim plus a conditional JobStore update make
// sure only one of them resolves results and advances the queue.
package tracker
