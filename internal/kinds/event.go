package kinds

import "github.com/dmitrijs2005/harmony/internal/models"

// Event returns the JSCalendar Event kind.
func Event() Kind {
	return newPropertyKind(models.EntityTypeEvent, "Event",
		"uid", "title", "description", "descriptionContentType",
		"start", "duration", "timeZone", "showWithoutTime", "status",
		"freeBusyStatus", "privacy", "priority", "color",
		"locations", "virtualLocations", "participants",
		"recurrenceRules", "excludedRecurrenceRules", "recurrenceOverrides",
		"alerts", "keywords", "categories", "relatedTo",
		"sequence", "prodId", "created", "updated",
	)
}
