package model

// Recipient is one contact produced by an audience source.
type Recipient struct {
	ID         string            `db:"id" json:"id"`
	Address    string            `db:"phone" json:"phone"`
	Attributes map[string]string `json:"attributes"`
}

// Contact is a stored contact record (the audience source's view).
type Contact struct {
	ID         string            `db:"id" json:"id"`
	Name       string            `db:"name" json:"name"`
	Phone      string            `db:"phone" json:"phone"`
	Email      string            `db:"email" json:"email,omitempty"`
	Tags       []string          `db:"tags" json:"tags"`
	Lists      []string          `db:"lists" json:"lists"`
	Attributes map[string]string `db:"attributes" json:"attributes,omitempty"`
}

// Recipient flattens a contact into the attributes a template may reference.
func (c Contact) Recipient() Recipient {
	attrs := make(map[string]string, len(c.Attributes)+3)
	for k, v := range c.Attributes {
		attrs[k] = v
	}
	attrs["name"] = c.Name
	attrs["phone"] = c.Phone
	if c.Email != "" {
		attrs["email"] = c.Email
	}
	return Recipient{ID: c.ID, Address: c.Phone, Attributes: attrs}
}
