package kinds

import "github.com/dmitrijs2005/harmony/internal/models"

// Contact returns the JSContact Card kind.
func Contact() Kind {
	return newPropertyKind(models.EntityTypeContact, "Card",
		"uid", "kind", "name", "nicknames", "organizations", "titles",
		"emails", "phones", "addresses", "onlineServices", "links",
		"anniversaries", "notes", "keywords", "members", "relatedTo",
		"language", "prodId", "created", "updated",
	)
}
