// Package cart holds the purchase a user asked for before topping up their
// balance, and applies it once the money arrives.
package cart

import (
	"encoding/json"
	"fmt"

	"vpn-subscriptions/internal/apperr"
)

type Mode string

const (
	ModeExtend            Mode = "extend"
	ModePlanPurchase      Mode = "planPurchase"
	ModeDailyPlanPurchase Mode = "dailyPlanPurchase"
	ModeAddDevices        Mode = "addDevices"
	ModeAddQuota          Mode = "addQuota"
)

// Cart is one of Extend, PlanPurchase, DailyPlanPurchase, AddDevices or AddQuota.
type Cart interface {
	Mode() Mode
	validate() error
}

// Extend renews the current subscription for Days.
type Extend struct {
	Days int `json:"days"`
}

// PlanPurchase buys Days of a period plan.
type PlanPurchase struct {
	PlanID uint `json:"plan_id"`
	Days   int  `json:"days"`
}

// DailyPlanPurchase switches to a daily plan and pays the first day.
type DailyPlanPurchase struct {
	PlanID uint `json:"plan_id"`
}

// AddDevices raises the device limit by Count.
type AddDevices struct {
	Count int `json:"count"`
}

// AddQuota buys Amount quota units as a ledger add-on.
type AddQuota struct {
	Amount int64 `json:"amount"`
}

func (Extend) Mode() Mode            { return ModeExtend }
func (PlanPurchase) Mode() Mode      { return ModePlanPurchase }
func (DailyPlanPurchase) Mode() Mode { return ModeDailyPlanPurchase }
func (AddDevices) Mode() Mode        { return ModeAddDevices }
func (AddQuota) Mode() Mode          { return ModeAddQuota }

func (c Extend) validate() error {
	return positive("days", int64(c.Days))
}

func (c PlanPurchase) validate() error {
	if c.PlanID == 0 {
		return invalid("plan_id is required")
	}
	return positive("days", int64(c.Days))
}

func (c DailyPlanPurchase) validate() error {
	if c.PlanID == 0 {
		return invalid("plan_id is required")
	}
	return nil
}

func (c AddDevices) validate() error {
	return positive("count", int64(c.Count))
}

func (c AddQuota) validate() error {
	return positive("amount", c.Amount)
}

func positive(field string, v int64) error {
	if v <= 0 {
		return invalid(field + " must be positive")
	}
	return nil
}

func invalid(reason string) error {
	return apperr.Transition("decode cart", "", reason)
}

// Decode parses a stored cart payload into its variant.
func Decode(data []byte) (Cart, error) {
	var head struct {
		Mode Mode `json:"mode"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode cart: %w", err)
	}

	var c Cart
	var err error
	switch head.Mode {
	case ModeExtend:
		c, err = decodeAs[Extend](data)
	case ModePlanPurchase:
		c, err = decodeAs[PlanPurchase](data)
	case ModeDailyPlanPurchase:
		c, err = decodeAs[DailyPlanPurchase](data)
	case ModeAddDevices:
		c, err = decodeAs[AddDevices](data)
	case ModeAddQuota:
		c, err = decodeAs[AddQuota](data)
	default:
		return nil, invalid(fmt.Sprintf("unknown mode %q", head.Mode))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s cart: %w", head.Mode, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeAs[T Cart](data []byte) (Cart, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode writes the cart with its mode discriminant.
func Encode(c Cart) ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	mode, err := json.Marshal(c.Mode())
	if err != nil {
		return nil, err
	}
	fields["mode"] = mode
	return json.Marshal(fields)
}
