// internal/transport/template.go
package transport

import (
	"strings"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// LeadPlaceholders returns the values substituted into message templates,
// with the fallbacks used when the lead has no contact name or company.
func LeadPlaceholders(lead model.CampaignLead) map[string]string {
	contact := strings.TrimSpace(lead.ContactPerson)
	if contact == "" {
		contact = "Sir/Madam"
	}
	company := strings.TrimSpace(lead.Name)
	if company == "" {
		company = "your company"
	}
	return map[string]string{
		"contact_person": contact,
		"company_name":   company,
	}
}
