package ledger

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Fee bearers.
const (
	FeesPaidByCreator  = "creator"
	FeesPaidByPlatform = "platform"
)

// Settings is the typed per-ledger configuration document.
type Settings struct {
	FeesPaidBy            string `json:"fees_paid_by,omitempty" validate:"omitempty,oneof=creator platform"`
	DisputeHoldsEnabled   bool   `json:"dispute_holds_enabled,omitempty"`
	WebhookURL            string `json:"webhook_url,omitempty" validate:"omitempty,url,max=2048"`
	ProcessorAdapter      string `json:"processor_adapter,omitempty" validate:"omitempty,max=64"`
	DefaultCreatorPercent *int   `json:"default_creator_percent,omitempty" validate:"omitempty,min=0,max=100"`
	MinPayoutAmount       int64  `json:"min_payout_amount,omitempty" validate:"min=0"`
	Currency              string `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
}

// SettingsPatch is a partial update; nil fields are left unchanged.
type SettingsPatch struct {
	FeesPaidBy            *string `json:"fees_paid_by" validate:"omitempty,oneof=creator platform"`
	DisputeHoldsEnabled   *bool   `json:"dispute_holds_enabled"`
	WebhookURL            *string `json:"webhook_url" validate:"omitempty,max=2048"`
	ProcessorAdapter      *string `json:"processor_adapter" validate:"omitempty,max=64"`
	DefaultCreatorPercent *int    `json:"default_creator_percent" validate:"omitempty,min=0,max=100"`
	MinPayoutAmount       *int64  `json:"min_payout_amount" validate:"omitempty,min=0"`
	Currency              *string `json:"currency" validate:"omitempty,len=3,alpha"`
}

const defaultCreatorPercent = 80

var settingsValidator = newValidator()

// newValidator reports json field names in validation errors.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// FeeBearer returns who absorbs payout fees, defaulting to the creator.
func (s Settings) FeeBearer() string {
	if s.FeesPaidBy == "" {
		return FeesPaidByCreator
	}
	return s.FeesPaidBy
}

// CreatorPercent returns the creator's default share of a sale.
func (s Settings) CreatorPercent() int {
	if s.DefaultCreatorPercent == nil {
		return defaultCreatorPercent
	}
	return *s.DefaultCreatorPercent
}

// Validate checks the document against its field rules.
func (s Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return validationFromValidator(err)
	}
	return nil
}

// Apply returns s with the patch merged in. An empty string clears a string
// field.
func (s Settings) Apply(p SettingsPatch) Settings {
	out := s
	if p.FeesPaidBy != nil {
		out.FeesPaidBy = *p.FeesPaidBy
	}
	if p.DisputeHoldsEnabled != nil {
		out.DisputeHoldsEnabled = *p.DisputeHoldsEnabled
	}
	if p.WebhookURL != nil {
		out.WebhookURL = strings.TrimSpace(*p.WebhookURL)
	}
	if p.ProcessorAdapter != nil {
		out.ProcessorAdapter = *p.ProcessorAdapter
	}
	if p.DefaultCreatorPercent != nil {
		v := *p.DefaultCreatorPercent
		out.DefaultCreatorPercent = &v
	}
	if p.MinPayoutAmount != nil {
		out.MinPayoutAmount = *p.MinPayoutAmount
	}
	if p.Currency != nil {
		out.Currency = strings.ToUpper(*p.Currency)
	}
	return out
}

// ParseSettings decodes a stored document. Unknown keys are ignored so older
// rows keep loading.
func ParseSettings(raw []byte) (Settings, error) {
	var s Settings
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("ledger: decode settings: %w", err)
	}
	return s, nil
}

func validationFromValidator(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return validationf("invalid input")
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return validationf("%s is required", field)
	case "oneof":
		return validationf("%s must be one of: %s", field, fe.Param())
	case "min", "gt", "gte":
		return validationf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return validationf("%s must be at most %s", field, fe.Param())
	default:
		return validationf("%s is invalid", field)
	}
}
