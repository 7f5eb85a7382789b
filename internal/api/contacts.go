package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/validation"
)

// ContactPatch lists the contact fields to change. Nil fields are left alone.
type ContactPatch struct {
	Name             *string
	Email            *string
	PhoneNumber      *string
	CustomAttributes map[string]any
}

// Empty reports whether the patch changes nothing.
func (p ContactPatch) Empty() bool {
	return p.Name == nil && p.Email == nil && p.PhoneNumber == nil && p.CustomAttributes == nil
}

func (p ContactPatch) validate() error {
	if p.Name != nil {
		if strings.TrimSpace(*p.Name) == "" {
			return &ValidationError{Field: "name", Message: "name cannot be empty"}
		}
		if err := validation.ValidateName(*p.Name); err != nil {
			return &ValidationError{Field: "name", Message: err.Error()}
		}
	}
	if p.Email != nil && *p.Email != "" {
		if err := validation.ValidateEmail(*p.Email); err != nil {
			return &ValidationError{Field: "email", Message: err.Error()}
		}
	}
	if p.PhoneNumber != nil && *p.PhoneNumber != "" {
		if err := validation.ValidatePhone(*p.PhoneNumber); err != nil {
			return &ValidationError{Field: "phone_number", Message: err.Error()}
		}
	}
	return nil
}

func (p ContactPatch) body() map[string]any {
	body := map[string]any{}
	if p.Name != nil {
		body["name"] = strings.TrimSpace(*p.Name)
	}
	if p.Email != nil {
		body["email"] = *p.Email
	}
	if p.PhoneNumber != nil {
		body["phone_number"] = *p.PhoneNumber
	}
	if p.CustomAttributes != nil {
		body["custom_attributes"] = p.CustomAttributes
	}
	return body
}

// Get retrieves a contact.
func (s ContactsService) Get(ctx context.Context, id crm.ID) (crm.Contact, error) {
	return getContact(ctx, s, id)
}

func getContact(ctx context.Context, r Requester, id crm.ID) (crm.Contact, error) {
	url := r.accountPath("/contacts/" + string(id))
	body, err := r.doRaw(ctx, http.MethodGet, url, nil)
	if err != nil {
		return crm.Contact{}, withResource(err, "contact", id)
	}
	contact, err := decodeObject[Contact](url, body, "contact")
	if err != nil {
		return crm.Contact{}, err
	}
	return contact.ToCRM(), nil
}

// Update applies a partial update. Only fields set on the patch are sent.
func (s ContactsService) Update(ctx context.Context, id crm.ID, patch ContactPatch) (crm.Contact, error) {
	return updateContact(ctx, s, id, patch)
}

func updateContact(ctx context.Context, r Requester, id crm.ID, patch ContactPatch) (crm.Contact, error) {
	if patch.Empty() {
		return crm.Contact{}, &ValidationError{Message: "at least one contact field must be provided"}
	}
	if err := patch.validate(); err != nil {
		return crm.Contact{}, err
	}
	url := r.accountPath("/contacts/" + string(id))
	body, err := r.doRaw(ctx, http.MethodPut, url, patch.body())
	if err != nil {
		return crm.Contact{}, withResource(err, "contact", id)
	}
	contact, err := decodeObject[Contact](url, body, "contact")
	if err != nil {
		return crm.Contact{}, err
	}
	return contact.ToCRM(), nil
}

// SetBotState switches automated replies for the contact. The custom
// attributes are read first and written back whole so unrelated attributes
// survive vendors that replace the map on update.
func (s ContactsService) SetBotState(ctx context.Context, id crm.ID, state crm.BotState) (crm.Contact, error) {
	return setBotState(ctx, s, id, s.botAttribute(), state)
}

func setBotState(ctx context.Context, r Requester, id crm.ID, key string, state crm.BotState) (crm.Contact, error) {
	current, err := getContact(ctx, r, id)
	if err != nil {
		return crm.Contact{}, err
	}
	merged := crm.WithBotState(current.CustomAttributes, key, state)
	updated, err := updateContact(ctx, r, id, ContactPatch{CustomAttributes: merged})
	if err != nil {
		return crm.Contact{}, err
	}
	// Some vendor versions answer the PUT without custom attributes.
	if updated.CustomAttributes == nil {
		updated.CustomAttributes = merged
	}
	return updated, nil
}
