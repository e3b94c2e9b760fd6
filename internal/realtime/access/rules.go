package access

import (
	"slices"
	"strconv"

	"realtime/internal/realtime"
)

// Rule decides whether conn may see an event carrying payload. Rules must be
// pure: no I/O, no mutation of their arguments.
type Rule func(conn realtime.Connection, payload map[string]any) bool

// Topics with built-in rules.
const (
	TopicPaymentUpdate    = "payment_update"
	TopicNotification     = "notification"
	TopicHTBClaimUpdate   = "htb_claim_update"
	TopicKYCStatus        = "kyc_status"
	TopicMessage          = "message"
	TopicUnitAvailability = "unit_availability"
	TopicPropertyUpdate   = "property_update"
	TopicAnalyticsUpdate  = "analytics_update"
)

// DefaultRules returns the rule table every Filter starts with.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		TopicPaymentUpdate:    OwnerOrRoles("buyerId", realtime.RoleDeveloper, realtime.RoleAgent, realtime.RoleSolicitor),
		TopicNotification:     MatchUser("userId", "targetUserId"),
		TopicHTBClaimUpdate:   OwnerOrRoles("buyerId", realtime.RoleDeveloper, realtime.RoleSolicitor, realtime.RoleAdmin),
		TopicKYCStatus:        OwnerOrRoles("userId", realtime.RoleAdmin),
		TopicMessage:          Participants("participantIds"),
		TopicUnitAvailability: Allow,
		TopicPropertyUpdate:   Allow,
		TopicAnalyticsUpdate:  Roles(realtime.RoleDeveloper, realtime.RoleAdmin),
	}
}

// Allow admits every subscriber.
func Allow(realtime.Connection, map[string]any) bool { return true }

// Deny admits nobody.
func Deny(realtime.Connection, map[string]any) bool { return false }

// Roles admits connections holding one of roles.
func Roles(roles ...realtime.Role) Rule {
	return func(conn realtime.Connection, _ map[string]any) bool {
		return slices.Contains(roles, conn.Role)
	}
}

// MatchUser admits the connection whose user id equals any of the payload fields.
func MatchUser(fields ...string) Rule {
	return func(conn realtime.Connection, payload map[string]any) bool {
		for _, f := range fields {
			if v, ok := stringField(payload, f); ok && v == conn.UserID {
				return true
			}
		}
		return false
	}
}

// OwnerOrRoles admits the payload owner and any of roles.
func OwnerOrRoles(field string, roles ...realtime.Role) Rule {
	return Any(MatchUser(field), Roles(roles...))
}

// Participants admits users listed in the payload array field.
func Participants(field string) Rule {
	return func(conn realtime.Connection, payload map[string]any) bool {
		switch list := payload[field].(type) {
		case []string:
			return slices.Contains(list, conn.UserID)
		case []any:
			for _, item := range list {
				if s, ok := toString(item); ok && s == conn.UserID {
					return true
				}
			}
		}
		return false
	}
}

// Any admits when at least one rule does.
func Any(rules ...Rule) Rule {
	return func(conn realtime.Connection, payload map[string]any) bool {
		for _, r := range rules {
			if r(conn, payload) {
				return true
			}
		}
		return false
	}
}

func stringField(payload map[string]any, field string) (string, bool) {
	v, ok := payload[field]
	if !ok {
		return "", false
	}
	return toString(v)
}

// toString accepts ids that arrived as JSON strings or numbers.
func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}
