package jmap

import "github.com/dmitrijs2005/harmony/internal/models"

// dataType describes how one entity type maps onto JMAP.
type dataType struct {
	capability string
	object     string
	container  string

	// membership is the object property linking it to its container.
	membership string

	// single is true when membership holds one id rather than an id set.
	single bool
}

var dataTypes = map[models.EntityType]dataType{
	models.EntityTypeContact: {
		capability: "urn:ietf:params:jmap:contacts",
		object:     "ContactCard",
		container:  "AddressBook",
		membership: "addressBookIds",
	},
	models.EntityTypeEvent: {
		capability: "urn:ietf:params:jmap:calendars",
		object:     "CalendarEvent",
		container:  "Calendar",
		membership: "calendarIds",
	},
	models.EntityTypeTask: {
		capability: "urn:ietf:params:jmap:tasks",
		object:     "Task",
		container:  "TaskList",
		membership: "taskListId",
		single:     true,
	},
}

// memberOf reports whether an object belongs to the container.
func (d dataType) memberOf(obj map[string]any, containerID string) bool {
	v, ok := obj[d.membership]
	if !ok {
		return false
	}
	if d.single {
		s, _ := v.(string)
		return s == containerID
	}
	set, _ := v.(map[string]any)
	b, _ := set[containerID].(bool)
	return b
}

// withMembership returns a copy of obj placed into the container.
func (d dataType) withMembership(obj map[string]any, containerID string) map[string]any {
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	if d.single {
		out[d.membership] = containerID
	} else {
		out[d.membership] = map[string]any{containerID: true}
	}
	return out
}
