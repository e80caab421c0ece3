/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Requests are checked
  with go-playground/validator struct tags before they reach the engine;
  the engine still validates everything it persists.

NAMING CONVENTION:
  - *Request:  request body types from clients
  - *Response: response wrappers
  - Engine result types (BillSet, PaymentResult, reversal.Result) are
    returned as-is; they already carry their JSON contract.

MONEY:
  Every amount on the wire is an integer number of centavos.

SEE ALSO:
  - handlers.go: uses these types
  - factory/policy.go: client configuration documents
*/
package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/warp/hoa-billing/credit"
	"github.com/warp/hoa-billing/engine"
	"github.com/warp/hoa-billing/money"
	"github.com/warp/hoa-billing/payments"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// RefreshPenaltiesRequest optionally pins the refresh date.
type RefreshPenaltiesRequest struct {
	AsOf string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
}

// RecordPaymentRequest is the body of POST /payments.
type RecordPaymentRequest struct {
	UnitID        string            `json:"unit_id" validate:"required,excludesall=/"`
	AccountID     string            `json:"account_id" validate:"required,excludesall=/"`
	Amount        int64             `json:"amount" validate:"gte=0"`
	Date          string            `json:"date" validate:"omitempty,datetime=2006-01-02"`
	TransactionID string            `json:"transaction_id" validate:"omitempty,max=128,excludesall=/"`
	Note          string            `json:"note" validate:"max=500"`
	Source        string            `json:"source" validate:"omitempty,oneof=manual import"`
	UseCredit     bool              `json:"use_credit"`
	Domains       []string          `json:"domains" validate:"omitempty,dive,oneof=hoa water"`
	Metadata      map[string]string `json:"metadata"`
	UserID        string            `json:"user_id"`
}

func (r RecordPaymentRequest) toInput(clientID engine.ClientID) payments.PaymentInput {
	in := payments.PaymentInput{
		ClientID:      clientID,
		UnitID:        engine.UnitID(r.UnitID),
		AccountID:     engine.AccountID(r.AccountID),
		Amount:        money.Centavos(r.Amount),
		Date:          r.Date,
		TransactionID: engine.TransactionID(r.TransactionID),
		Note:          r.Note,
		Source:        r.Source,
		UseCredit:     r.UseCredit,
		Metadata:      r.Metadata,
		UserID:        r.UserID,
	}
	for _, d := range r.Domains {
		in.Domains = append(in.Domains, engine.Domain(d))
	}
	return in
}

// CreditRequest is the body of POST /units/{unitId}/credit. A positive
// amount adds credit, a negative one consumes it.
type CreditRequest struct {
	Amount        int64  `json:"amount" validate:"required"`
	TransactionID string `json:"transaction_id" validate:"omitempty,max=128,excludesall=/"`
	Note          string `json:"note" validate:"max=500"`
	Source        string `json:"source"`
	UserID        string `json:"user_id"`
}

// CreditHistoryResponse is the body of GET /units/{unitId}/credit.
type CreditHistoryResponse struct {
	UnitID  string         `json:"unit_id"`
	Balance money.Centavos `json:"balance"`
	History []credit.Entry `json:"history"`
}

// DeleteTransactionRequest optionally names who deleted the transaction.
type DeleteTransactionRequest struct {
	UserID string `json:"user_id"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ClientID    string `json:"client_id"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// LoadScenarioResponse reports what a scenario created.
type LoadScenarioResponse struct {
	Status   string      `json:"status"`
	Scenario ScenarioDTO `json:"scenario"`
	Periods  []string    `json:"periods"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string             `json:"error"`
	Code    string             `json:"code,omitempty"`
	Details []ValidationDetail `json:"details,omitempty"`
}

// ValidationDetail names one rejected request field.
type ValidationDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// =============================================================================
// VALIDATION
// =============================================================================

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationDetails(err error) []ValidationDetail {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make([]ValidationDetail, 0, len(verrs))
	for _, e := range verrs {
		details = append(details, ValidationDetail{Field: e.Field(), Message: validationMessage(e)})
	}
	return details
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "gte":
		return "Must be greater than or equal to " + e.Param()
	case "max":
		if e.Type().Kind() == reflect.String {
			return "Must be at most " + e.Param() + " characters"
		}
		return "Must be at most " + e.Param()
	case "oneof":
		return "Must be one of: " + e.Param()
	case "datetime":
		return "Must be a date in YYYY-MM-DD format"
	case "excludesall":
		return "Must not contain any of: " + e.Param()
	default:
		return "Invalid value"
	}
}
