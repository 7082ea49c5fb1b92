package signup

import (
	stderrors "errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/nyaruka/phonenumbers"
)

// DefaultPhoneRegion is used to parse phone numbers entered without a country code.
const DefaultPhoneRegion = "TZ"

// DefaultServiceCategories are the services a provider can offer.
var DefaultServiceCategories = []string{
	"Accommodation",
	"Transportation",
	"Tours & Activities",
	"Food & Dining",
	"Travel Agency",
	"Other",
}

// Form messages shown next to the offending field.
const (
	MessageRoleRequired    = "Please select how you want to use iSafari Global"
	MessagePhoneRequired   = "Phone number is required"
	MessagePhoneInvalid    = "Please enter a valid phone number"
	MessageCompanyRequired = "Company/Business name is required for service providers"
)

// FormInput is the role/profile form as submitted by the browser.
type FormInput struct {
	Role              string   `form:"role" json:"role"`
	Phone             string   `form:"phone" json:"phone"`
	FirstName         string   `form:"firstName" json:"firstName"`
	LastName          string   `form:"lastName" json:"lastName"`
	CompanyName       string   `form:"companyName" json:"companyName"`
	Region            string   `form:"region" json:"region"`
	District          string   `form:"district" json:"district"`
	Ward              string   `form:"ward" json:"ward"`
	Street            string   `form:"street" json:"street"`
	ServiceCategories []string `form:"serviceCategories" json:"serviceCategories"`
	Description       string   `form:"description" json:"description"`
}

// Validate runs the form rules using region to parse local phone numbers.
func (f FormInput) Validate(region string) error {
	role, _ := ParseRole(f.Role)

	return validation.ValidateStruct(&f,
		validation.Field(
			&f.Role,
			validation.Required.Error(MessageRoleRequired),
			validation.By(registrableRole),
		),
		validation.Field(
			&f.Phone,
			validation.Required.Error(MessagePhoneRequired),
			validation.By(validPhone(region)),
		),
		validation.Field(
			&f.CompanyName,
			validation.By(requiredFor(role == RoleProvider, MessageCompanyRequired)),
			validation.Length(0, 200),
		),
		validation.Field(&f.FirstName, validation.Length(0, 100)),
		validation.Field(&f.LastName, validation.Length(0, 100)),
		validation.Field(&f.Description, validation.Length(0, 2000)),
	)
}

// ToPending converts a validated form into a pending registration. The
// phone number is normalized to E.164.
func (f FormInput) ToPending(region string) *PendingRegistration {
	role, _ := ParseRole(f.Role)
	phone, err := NormalizePhone(f.Phone, region)
	if err != nil {
		phone = strings.TrimSpace(f.Phone)
	}

	p := &PendingRegistration{
		Role:        role,
		Phone:       phone,
		FirstName:   strings.TrimSpace(f.FirstName),
		LastName:    strings.TrimSpace(f.LastName),
		CompanyName: strings.TrimSpace(f.CompanyName),
		Description: strings.TrimSpace(f.Description),
	}

	if role == RoleProvider {
		loc := &ServiceLocation{
			Region:   strings.TrimSpace(f.Region),
			District: strings.TrimSpace(f.District),
			Ward:     strings.TrimSpace(f.Ward),
			Street:   strings.TrimSpace(f.Street),
		}
		if !loc.IsZero() {
			p.ServiceLocation = loc
		}
		p.ServiceCategories = uniqueStrings(f.ServiceCategories)
	}
	return p
}

// FormFromPending rebuilds form values from pending data, falling back to
// identity names when the user never typed their own.
func FormFromPending(p *PendingRegistration, identity *IdentityPayload) FormInput {
	var f FormInput
	if identity != nil {
		f.FirstName = identity.FirstName
		f.LastName = identity.LastName
	}
	if p == nil {
		return f
	}

	if p.Role != "" {
		f.Role = p.Role.FormValue()
	}
	f.Phone = p.Phone
	if p.FirstName != "" {
		f.FirstName = p.FirstName
	}
	if p.LastName != "" {
		f.LastName = p.LastName
	}
	f.CompanyName = p.CompanyName
	f.Description = p.Description
	if p.ServiceLocation != nil {
		f.Region = p.ServiceLocation.Region
		f.District = p.ServiceLocation.District
		f.Ward = p.ServiceLocation.Ward
		f.Street = p.ServiceLocation.Street
	}
	f.ServiceCategories = append([]string(nil), p.ServiceCategories...)
	return f
}

// NormalizePhone parses number in region and formats it as E.164.
func NormalizePhone(number, region string) (string, error) {
	if region == "" {
		region = DefaultPhoneRegion
	}
	num, err := phonenumbers.Parse(strings.TrimSpace(number), region)
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("invalid phone number %q", number)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// ValidationErrorsToMap flattens ozzo validation errors into field messages.
func ValidationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	if err == nil {
		return out
	}

	var verrs validation.Errors
	if stderrors.As(err, &verrs) {
		for field, ferr := range verrs {
			if ferr != nil {
				out[field] = ferr.Error()
			}
		}
		return out
	}

	out["form"] = err.Error()
	return out
}

func registrableRole(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	role, ok := ParseRole(s)
	if !ok || !role.IsRegistrable() {
		return stderrors.New(MessageRoleRequired)
	}
	return nil
}

func requiredFor(required bool, message string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if required && strings.TrimSpace(s) == "" {
			return stderrors.New(message)
		}
		return nil
	}
}

func validPhone(region string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if strings.TrimSpace(s) == "" {
			return nil
		}
		if _, err := NormalizePhone(s, region); err != nil {
			return stderrors.New(MessagePhoneInvalid)
		}
		return nil
	}
}

func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
