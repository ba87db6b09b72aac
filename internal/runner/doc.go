// Package runner talks to the upstream browser-automation runner: it reads and
// saves agent configuration, launches sessions, and fetches their status,
// output, and result sets.
package runner
