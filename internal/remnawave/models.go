package remnawave

import "time"

// Panel user statuses.
const (
	StatusActive   = "ACTIVE"
	StatusDisabled = "DISABLED"
	StatusExpired  = "EXPIRED"
	StatusLimited  = "LIMITED"
)

// UserSpec is the entitlement state pushed to the panel for one subscription.
type UserSpec struct {
	Username          string
	TelegramID        int64
	Email             string
	Status            string
	TrafficLimitBytes int64
	ExpireAt          time.Time
	SquadIDs          []string
	DeviceLimit       int
}

// ExternalKey locates a panel user created outside this service.
type ExternalKey struct {
	TelegramID int64
	Email      string
}

type CreateUserRequest struct {
	Username             string   `json:"username"`
	Status               string   `json:"status"`
	TrafficLimitBytes    int64    `json:"trafficLimitBytes"`
	TrafficLimitStrategy string   `json:"trafficLimitStrategy"`
	ExpireAt             string   `json:"expireAt"` // ISO 8601 format
	TelegramID           *int64   `json:"telegramId,omitempty"`
	Email                string   `json:"email,omitempty"`
	HwidDeviceLimit      int      `json:"hwidDeviceLimit"`
	ActiveInternalSquads []string `json:"activeInternalSquads"`
}

type UpdateUserRequest struct {
	UUID                 string   `json:"uuid"`
	Status               string   `json:"status"`
	TrafficLimitBytes    int64    `json:"trafficLimitBytes"`
	TrafficLimitStrategy string   `json:"trafficLimitStrategy"`
	ExpireAt             string   `json:"expireAt"`
	HwidDeviceLimit      int      `json:"hwidDeviceLimit"`
	ActiveInternalSquads []string `json:"activeInternalSquads"`
}

type UserResponse struct {
	UUID              string `json:"uuid"`
	ShortUUID         string `json:"shortUuid"`
	Username          string `json:"username"`
	Status            string `json:"status"`
	TrafficLimitBytes int64  `json:"trafficLimitBytes"`
	ExpireAt          string `json:"expireAt"`
	SubscriptionURL   string `json:"subscriptionUrl"`
}

// Wrapper for API responses
type APIResponse struct {
	Response UserResponse `json:"response"`
}

type ListResponse struct {
	Response []UserResponse `json:"response"`
}
