package webhook

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// MinorUnits converts a decimal amount such as "255.00" to kopecks.
func (a Amount) MinorUnits() (int64, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(a.Value), ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimals", a.Value)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return 0, fmt.Errorf("invalid amount %q", a.Value)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || cents < 0 {
		return 0, fmt.Errorf("invalid amount %q", a.Value)
	}
	return units*100 + cents, nil
}

// TopUpNotification is the payment provider's callback.
type TopUpNotification struct {
	Type   string      `json:"type"`
	Event  string      `json:"event"`
	Object TopUpObject `json:"object"`
}

type TopUpObject struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Paid     bool              `json:"paid"`
	Amount   Amount            `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

const eventPaymentSucceeded = "payment.succeeded"

// PanelEvent is a user event pushed by the remote panel.
type PanelEvent struct {
	Event     string        `json:"event"`
	Timestamp time.Time     `json:"timestamp"`
	Data      PanelUserData `json:"data"`
}

type PanelUserData struct {
	UUID       string     `json:"uuid"`
	Username   string     `json:"username"`
	Status     string     `json:"status"`
	ExpireAt   *time.Time `json:"expireAt"`
	TelegramID *int64     `json:"telegramId"`
}
