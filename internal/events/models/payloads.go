package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	id "github.com/adamj-ops/lending-os-sub002/pkg/domain"
	pkgerrors "github.com/adamj-ops/lending-os-sub002/pkg/errors"
)

// Payloads travel as schema-versioned maps on the wire and in storage. The
// known event types decode into the typed structs below; unknown types keep
// the raw map so future producers are not rejected.

// CapitalAllocatedPayload moves capital from a fund into a loan.
type CapitalAllocatedPayload struct {
	FundID id.FundID
	LoanID id.LoanID
	Amount decimal.Decimal
}

// CapitalReturnedPayload returns capital from a loan back to a fund.
type CapitalReturnedPayload struct {
	FundID id.FundID
	LoanID id.LoanID
	Amount decimal.Decimal
}

// CapitalCalledPayload asks investors to fund committed capital.
type CapitalCalledPayload struct {
	CallID     id.CapitalCallID
	FundID     id.FundID
	CallAmount decimal.Decimal
	DueDate    time.Time
}

// DistributionMadePayload credits investors from fund proceeds.
type DistributionMadePayload struct {
	FundID           id.FundID
	TotalAmount      decimal.Decimal
	DistributionType string
}

// LoanStatusChangedPayload records a loan status transition.
type LoanStatusChangedPayload struct {
	LoanID         id.LoanID
	PreviousStatus string
	NewStatus      string
}

// Loan statuses that trigger risk escalation across backing funds.
var riskStatuses = map[string]struct{}{
	"delinquent":  {},
	"default":     {},
	"foreclosure": {},
}

// IsRiskStatus reports whether a loan status counts as a risk status.
func IsRiskStatus(status string) bool {
	_, ok := riskStatuses[status]
	return ok
}

// DecodePayload maps a known event type to its typed payload; unknown types
// return the raw map unchanged.
func DecodePayload(eventType string, payload map[string]any) (any, error) {
	switch eventType {
	case EventTypeCapitalAllocated:
		return DecodeCapitalAllocated(payload)
	case EventTypeCapitalReturned:
		return DecodeCapitalReturned(payload)
	case EventTypeCapitalCalled:
		return DecodeCapitalCalled(payload)
	case EventTypeDistributionMade:
		return DecodeDistributionMade(payload)
	case EventTypeLoanStatusChanged:
		return DecodeLoanStatusChanged(payload)
	default:
		return payload, nil
	}
}

// DecodeCapitalAllocated validates and types a Fund.CapitalAllocated payload.
func DecodeCapitalAllocated(payload map[string]any) (CapitalAllocatedPayload, error) {
	var out CapitalAllocatedPayload
	fundID, err := payloadFundID(payload, "fundId")
	if err != nil {
		return out, err
	}
	loanID, err := payloadLoanID(payload, "loanId")
	if err != nil {
		return out, err
	}
	amount, err := payloadDecimal(payload, "amount")
	if err != nil {
		return out, err
	}
	out = CapitalAllocatedPayload{FundID: fundID, LoanID: loanID, Amount: amount}
	return out, nil
}

// DecodeCapitalReturned validates and types a Fund.CapitalReturned payload.
func DecodeCapitalReturned(payload map[string]any) (CapitalReturnedPayload, error) {
	var out CapitalReturnedPayload
	fundID, err := payloadFundID(payload, "fundId")
	if err != nil {
		return out, err
	}
	loanID, err := payloadLoanID(payload, "loanId")
	if err != nil {
		return out, err
	}
	amount, err := payloadDecimal(payload, "amount")
	if err != nil {
		return out, err
	}
	out = CapitalReturnedPayload{FundID: fundID, LoanID: loanID, Amount: amount}
	return out, nil
}

// DecodeCapitalCalled validates and types a Fund.CapitalCalled payload.
func DecodeCapitalCalled(payload map[string]any) (CapitalCalledPayload, error) {
	var out CapitalCalledPayload
	fundID, err := payloadFundID(payload, "fundId")
	if err != nil {
		return out, err
	}
	amount, err := payloadDecimal(payload, "callAmount")
	if err != nil {
		return out, err
	}
	callRaw, err := payloadString(payload, "callId")
	if err != nil {
		return out, err
	}
	callID, err := id.ParseCapitalCallID(callRaw)
	if err != nil {
		return out, pkgerrors.Wrap(err, pkgerrors.CodeValidation, "callId is not a uuid")
	}
	dueDate, err := payloadTime(payload, "dueDate")
	if err != nil {
		return out, err
	}
	out = CapitalCalledPayload{
		CallID:     callID,
		FundID:     fundID,
		CallAmount: amount,
		DueDate:    dueDate,
	}
	return out, nil
}

// DecodeDistributionMade validates and types a Fund.DistributionMade payload.
func DecodeDistributionMade(payload map[string]any) (DistributionMadePayload, error) {
	var out DistributionMadePayload
	fundID, err := payloadFundID(payload, "fundId")
	if err != nil {
		return out, err
	}
	amount, err := payloadDecimal(payload, "totalAmount")
	if err != nil {
		return out, err
	}
	distributionType, err := payloadString(payload, "distributionType")
	if err != nil {
		return out, err
	}
	out = DistributionMadePayload{FundID: fundID, TotalAmount: amount, DistributionType: distributionType}
	return out, nil
}

// DecodeLoanStatusChanged validates and types a Loan.StatusChanged payload.
func DecodeLoanStatusChanged(payload map[string]any) (LoanStatusChangedPayload, error) {
	var out LoanStatusChangedPayload
	loanID, err := payloadLoanID(payload, "loanId")
	if err != nil {
		return out, err
	}
	previous, err := payloadString(payload, "previousStatus")
	if err != nil {
		return out, err
	}
	next, err := payloadString(payload, "newStatus")
	if err != nil {
		return out, err
	}
	out = LoanStatusChangedPayload{LoanID: loanID, PreviousStatus: previous, NewStatus: next}
	return out, nil
}

func payloadString(payload map[string]any, key string) (string, error) {
	raw, ok := payload[key]
	if !ok {
		return "", pkgerrors.Newf(pkgerrors.CodeValidation, "payload field %q is required", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", pkgerrors.Newf(pkgerrors.CodeValidation, "payload field %q must be a non-empty string", key)
	}
	return s, nil
}

// payloadDecimal accepts string, json.Number, float64, and int inputs since
// payloads arrive both from Go producers and from JSON decoding.
func payloadDecimal(payload map[string]any, key string) (decimal.Decimal, error) {
	raw, ok := payload[key]
	if !ok {
		return decimal.Zero, pkgerrors.Newf(pkgerrors.CodeValidation, "payload field %q is required", key)
	}
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, pkgerrors.Newf(pkgerrors.CodeValidation, "payload field %q is not a decimal: %v", key, err)
		}
		return d, nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero, pkgerrors.Newf(pkgerrors.CodeValidation, "payload field %q is not a decimal: %v", key, err)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Zero, pkgerrors.Newf(pkgerrors.CodeValidation, "payload field %q has unsupported type %T", key, raw)
	}
}

func payloadTime(payload map[string]any, key string) (time.Time, error) {
	raw, ok := payload[key]
	if !ok {
		return time.Time{}, pkgerrors.Newf(pkgerrors.CodeValidation, "payload field %q is required", key)
	}
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, pkgerrors.Newf(pkgerrors.CodeValidation, "payload field %q is not RFC3339: %v", key, err)
		}
		return t, nil
	default:
		return time.Time{}, pkgerrors.Newf(pkgerrors.CodeValidation, "payload field %q has unsupported type %T", key, raw)
	}
}

func payloadFundID(payload map[string]any, key string) (id.FundID, error) {
	s, err := payloadString(payload, key)
	if err != nil {
		return id.FundID{}, err
	}
	fundID, err := id.ParseFundID(s)
	if err != nil {
		return id.FundID{}, pkgerrors.Wrap(err, pkgerrors.CodeValidation, fmt.Sprintf("%s is not a uuid", key))
	}
	return fundID, nil
}

func payloadLoanID(payload map[string]any, key string) (id.LoanID, error) {
	s, err := payloadString(payload, key)
	if err != nil {
		return id.LoanID{}, err
	}
	loanID, err := id.ParseLoanID(s)
	if err != nil {
		return id.LoanID{}, pkgerrors.Wrap(err, pkgerrors.CodeValidation, fmt.Sprintf("%s is not a uuid", key))
	}
	return loanID, nil
}
