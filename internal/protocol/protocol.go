// Package protocol defines the session wire contract: inbound intents
// decoded from {"type": ..., "payload": ...} envelopes into a closed set
// of Go types, and the outbound events sent back to clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zulandar/convoyops/internal/apperr"
	"github.com/zulandar/convoyops/internal/models"
)

// Envelope is the frame every message travels in.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound intent types.
const (
	TypeJoin             = "join"
	TypePositionUpdate   = "position:update"
	TypeStealthToggle    = "stealth:toggle"
	TypeAlertCreate      = "alert:create"
	TypeAlertValidate    = "alert:validate"
	TypeAlertDismiss     = "alert:dismiss"
	TypeMessageSend      = "message:send"
	TypeMessageRead      = "message:read"
	TypeRouteRecalculate = "route:recalculate"
)

// Intent is one decoded inbound message. The set of implementations is
// closed; switch on the concrete type.
type Intent interface {
	Type() string
	intent()
}

// Join registers the connection under a role.
type Join struct {
	Role models.Role `json:"role"`
}

// PositionUpdate moves the sender's vehicle.
type PositionUpdate struct {
	Role    models.Role `json:"role"`
	Lat     *float64    `json:"lat"`
	Lng     *float64    `json:"lng"`
	Heading *float64    `json:"heading,omitempty"`
	Speed   *float64    `json:"speed,omitempty"`
}

// StealthToggle sets the sender's stealth flag.
type StealthToggle struct {
	Role    models.Role `json:"role"`
	Stealth *bool       `json:"stealth"`
}

// AlertCreate raises a new alert, optionally with a data-URL image.
type AlertCreate struct {
	Category    models.AlertCategory `json:"category"`
	Lat         *float64             `json:"lat"`
	Lng         *float64             `json:"lng"`
	Description string               `json:"description,omitempty"`
	Image       string               `json:"image,omitempty"`
	Origin      *models.Role         `json:"origin,omitempty"`
}

// AlertValidate confirms a pending alert.
type AlertValidate struct {
	AlertID   string      `json:"alertId"`
	Validator models.Role `json:"validator,omitempty"`
}

// AlertDismiss rejects a pending alert.
type AlertDismiss struct {
	AlertID   string      `json:"alertId"`
	Validator models.Role `json:"validator,omitempty"`
}

// MessageSend posts a command message to one role or to everyone.
type MessageSend struct {
	Content    string       `json:"content"`
	TargetRole *models.Role `json:"targetRole,omitempty"`
}

// MessageRead marks a message as read.
type MessageRead struct {
	MessageID string `json:"messageId"`
}

// RouteRecalculate recomputes the mission route to extraction, from the
// given point, the given role's vehicle, or the mission start.
type RouteRecalculate struct {
	Reason        string       `json:"reason,omitempty"`
	Justification string       `json:"justification,omitempty"`
	Role          *models.Role `json:"role,omitempty"`
	Lat           *float64     `json:"lat,omitempty"`
	Lng           *float64     `json:"lng,omitempty"`
}

func (Join) Type() string             { return TypeJoin }
func (PositionUpdate) Type() string   { return TypePositionUpdate }
func (StealthToggle) Type() string    { return TypeStealthToggle }
func (AlertCreate) Type() string      { return TypeAlertCreate }
func (AlertValidate) Type() string    { return TypeAlertValidate }
func (AlertDismiss) Type() string     { return TypeAlertDismiss }
func (MessageSend) Type() string      { return TypeMessageSend }
func (MessageRead) Type() string      { return TypeMessageRead }
func (RouteRecalculate) Type() string { return TypeRouteRecalculate }

func (Join) intent()             {}
func (PositionUpdate) intent()   {}
func (StealthToggle) intent()    {}
func (AlertCreate) intent()      {}
func (AlertValidate) intent()    {}
func (AlertDismiss) intent()     {}
func (MessageSend) intent()      {}
func (MessageRead) intent()      {}
func (RouteRecalculate) intent() {}

// MaxMessageLen bounds command message content.
const MaxMessageLen = 4000

// DecodeIntent parses a raw frame into its intent. Unknown types,
// malformed payloads and unknown payload fields are validation errors.
func DecodeIntent(data []byte) (Intent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperr.Invalid("envelope", err.Error())
	}
	return Decode(env)
}

// Decode converts an already parsed envelope into its intent.
func Decode(env Envelope) (Intent, error) {
	var (
		in  Intent
		err error
	)
	switch env.Type {
	case TypeJoin:
		in, err = decodeAs[Join](env)
	case TypePositionUpdate:
		in, err = decodeAs[PositionUpdate](env)
	case TypeStealthToggle:
		in, err = decodeAs[StealthToggle](env)
	case TypeAlertCreate:
		in, err = decodeAs[AlertCreate](env)
	case TypeAlertValidate:
		in, err = decodeAs[AlertValidate](env)
	case TypeAlertDismiss:
		in, err = decodeAs[AlertDismiss](env)
	case TypeMessageSend:
		in, err = decodeAs[MessageSend](env)
	case TypeMessageRead:
		in, err = decodeAs[MessageRead](env)
	case TypeRouteRecalculate:
		in, err = decodeAs[RouteRecalculate](env)
	case "":
		return nil, apperr.Invalid("type", "missing intent type")
	default:
		return nil, apperr.Invalid("type", fmt.Sprintf("unknown intent %q", env.Type))
	}
	if err != nil {
		return nil, err
	}
	if err := validate(in); err != nil {
		return nil, err
	}
	return in, nil
}

func decodeAs[T Intent](env Envelope) (Intent, error) {
	var v T
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, apperr.Invalid("payload", fmt.Sprintf("%s: %v", env.Type, err))
	}
	return v, nil
}

func validate(in Intent) error {
	switch v := in.(type) {
	case Join:
		return requireRole("role", v.Role)
	case PositionUpdate:
		if err := requireRole("role", v.Role); err != nil {
			return err
		}
		if v.Lat == nil || v.Lng == nil {
			return apperr.Invalid("position", "lat and lng are required")
		}
	case StealthToggle:
		if err := requireRole("role", v.Role); err != nil {
			return err
		}
		if v.Stealth == nil {
			return apperr.Invalid("stealth", "is required")
		}
	case AlertCreate:
		if !v.Category.Valid() {
			return apperr.Invalid("category", fmt.Sprintf("unknown alert category %q", v.Category))
		}
		if v.Lat == nil || v.Lng == nil {
			return apperr.Invalid("position", "lat and lng are required")
		}
		if v.Origin != nil {
			return requireRole("origin", *v.Origin)
		}
	case AlertValidate:
		return requireAlert(v.AlertID, v.Validator)
	case AlertDismiss:
		return requireAlert(v.AlertID, v.Validator)
	case MessageSend:
		content := strings.TrimSpace(v.Content)
		if content == "" {
			return apperr.Invalid("content", "is required")
		}
		if len(content) > MaxMessageLen {
			return apperr.Invalid("content", fmt.Sprintf("longer than %d bytes", MaxMessageLen))
		}
		if v.TargetRole != nil {
			return requireRole("targetRole", *v.TargetRole)
		}
	case MessageRead:
		if v.MessageID == "" {
			return apperr.Invalid("messageId", "is required")
		}
	case RouteRecalculate:
		if (v.Lat == nil) != (v.Lng == nil) {
			return apperr.Invalid("position", "lat and lng must be given together")
		}
		if v.Role != nil {
			return requireRole("role", *v.Role)
		}
	}
	return nil
}

func requireRole(field string, r models.Role) error {
	if r == "" {
		return apperr.Invalid(field, "is required")
	}
	if !r.Valid() {
		return apperr.Invalid(field, fmt.Sprintf("unknown role %q", r))
	}
	return nil
}

func requireAlert(id string, validator models.Role) error {
	if id == "" {
		return apperr.Invalid("alertId", "is required")
	}
	if validator != "" && !validator.Valid() {
		return apperr.Invalid("validator", fmt.Sprintf("unknown role %q", validator))
	}
	return nil
}
