// Package orchestrator defines the domain types, collaborator interfaces, and
// error taxonomy shared by the queue, tracker, runner, and storage packages.
package orchestrator
