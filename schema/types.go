package schema

import "strings"

// Type identifies a kind of domain event. Types follow the platform's
// dot-delimited, domain-first naming convention:
//
//	<module>.<entity>.<action>
//
// New event types are additive; no central registry enforces payload
// shape. The constants below cover the event streams the core modules
// currently exchange, but any dot-delimited string is a valid Type.
type Type string

// Well-known event types.
const (
	// HR module
	TypeEmployeeCreated Type = "hr.employee.created"
	TypeEmployeeUpdated Type = "hr.employee.updated"
	TypeEmployeeLeft    Type = "hr.employee.left"
	TypeLeaveRequested  Type = "hr.leave.requested"
	TypeLeaveApproved   Type = "hr.leave.approved"

	// IT helpdesk module
	TypeTicketCreated  Type = "it.ticket.created"
	TypeTicketAssigned Type = "it.ticket.assigned"
	TypeTicketResolved Type = "it.ticket.resolved"

	// Documents module
	TypeDocumentPublished Type = "docs.document.published"
	TypeDocumentArchived  Type = "docs.document.archived"

	// Tasks module
	TypeTaskCreated   Type = "tasks.task.created"
	TypeTaskCompleted Type = "tasks.task.completed"
)

// String returns the wire form of the type.
func (t Type) String() string { return string(t) }

// Domain returns the first segment of the type, the owning module's
// namespace ("hr" for "hr.employee.created").
func (t Type) Domain() string {
	return segment(string(t), 0)
}

// Entity returns the second segment of the type.
func (t Type) Entity() string {
	return segment(string(t), 1)
}

// Action returns the third segment of the type.
func (t Type) Action() string {
	return segment(string(t), 2)
}

func segment(s string, i int) string {
	parts := strings.Split(s, ".")
	if i >= len(parts) {
		return ""
	}
	return parts[i]
}
