package main

import "github.com/unclebandit/smsleopard-dispatch/internal/model"

// demoContacts backs the in-memory store when no database is configured.
func demoContacts() []model.Contact {
	return []model.Contact{
		{ID: "1", Name: "John Doe", Phone: "+12025550101", Email: "john.doe@example.com",
			Tags: []string{"lead", "website-inquiry"}, Lists: []string{"new-leads"},
			Attributes: map[string]string{"notes": "Interested in premium plan"}},
		{ID: "2", Name: "Jane Smith", Phone: "+12025550102", Email: "jane.smith@example.com",
			Tags: []string{"customer", "high-value"}, Lists: []string{"customers", "newsletter"},
			Attributes: map[string]string{"renewal_date": "2025-06-01"}},
		{ID: "3", Name: "Robert Johnson", Phone: "+12025550103", Email: "robert.j@example.com",
			Tags: []string{"lead", "referral"}, Lists: []string{"new-leads"}},
		{ID: "4", Name: "Emily Wilson", Phone: "+12025550104", Email: "emily.w@example.com",
			Tags: []string{"customer", "support-ticket"}, Lists: []string{"customers", "support"},
			Attributes: map[string]string{"renewal_date": "2025-07-15"}},
		{ID: "5", Name: "Michael Brown", Phone: "+12025550105", Email: "michael.b@example.com",
			Tags: []string{"lead", "event-signup"}, Lists: []string{"event-may-2025"}},
	}
}
