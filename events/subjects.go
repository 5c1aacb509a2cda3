package events

import "strings"

// NATS subjects and streams used by semcrew.
const (
	// DefaultSubjectPrefix prefixes every republished event subject.
	DefaultSubjectPrefix = "crew.events"

	// EventsStream captures republished events.
	EventsStream = "CREW_EVENTS"

	// TaskRequestSubject carries inbound task requests.
	TaskRequestSubject = "crew.task.request"

	// TasksStream captures inbound task requests.
	TasksStream = "CREW_TASKS"

	globalScope = "global"
)

var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Subject returns the NATS subject for an event:
// <prefix>.<project id or "global">.<event type>.
func Subject(prefix string, ev Event) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	scope := ev.ProjectID
	if scope == "" {
		scope = globalScope
	}
	return prefix + "." + subjectToken.Replace(scope) + "." + subjectToken.Replace(string(ev.Type))
}

// ProjectSubjects returns the wildcard subject matching every event of a
// project, or every event when projectID is empty.
func ProjectSubjects(prefix, projectID string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if projectID == "" {
		return prefix + ".>"
	}
	return prefix + "." + subjectToken.Replace(projectID) + ".>"
}
