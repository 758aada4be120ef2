package kinds

import "github.com/dmitrijs2005/harmony/internal/models"

// Task returns the JSCalendar Task kind.
func Task() Kind {
	return newPropertyKind(models.EntityTypeTask, "Task",
		"uid", "title", "description", "descriptionContentType",
		"start", "due", "estimatedDuration", "timeZone", "showWithoutTime",
		"progress", "percentComplete", "priority", "privacy",
		"recurrenceRules", "recurrenceOverrides", "alerts",
		"keywords", "categories", "relatedTo",
		"sequence", "prodId", "created", "updated",
	)
}
