package access

import (
	"testing"

	"realtime/internal/realtime"
)

func conn(userID string, role realtime.Role, topics ...string) realtime.Connection {
	c := realtime.Connection{
		ID:     "conn-" + userID,
		UserID: userID,
		Role:   role,
		Topics: make(map[string]struct{}),
		Alive:  true,
	}
	for _, t := range topics {
		c.Topics[t] = struct{}{}
	}
	return c
}

func TestIsEligible(t *testing.T) {
	f := NewFilter(PolicyDeny)

	tests := []struct {
		name  string
		conn  realtime.Connection
		event realtime.Event
		want  bool
	}{
		{
			name:  "payment owner",
			conn:  conn("u1", realtime.RoleBuyer, TopicPaymentUpdate),
			event: realtime.NewEvent(TopicPaymentUpdate, map[string]any{"buyerId": "u1"}),
			want:  true,
		},
		{
			name:  "payment other buyer",
			conn:  conn("u3", realtime.RoleBuyer, TopicPaymentUpdate),
			event: realtime.NewEvent(TopicPaymentUpdate, map[string]any{"buyerId": "u1"}),
			want:  false,
		},
		{
			name:  "payment developer",
			conn:  conn("u2", realtime.RoleDeveloper, TopicPaymentUpdate),
			event: realtime.NewEvent(TopicPaymentUpdate, map[string]any{"buyerId": "u1"}),
			want:  true,
		},
		{
			name:  "payment solicitor",
			conn:  conn("u4", realtime.RoleSolicitor, TopicPaymentUpdate),
			event: realtime.NewEvent(TopicPaymentUpdate, map[string]any{"buyerId": "u1"}),
			want:  true,
		},
		{
			name:  "payment developer not subscribed",
			conn:  conn("u2", realtime.RoleDeveloper),
			event: realtime.NewEvent(TopicPaymentUpdate, map[string]any{"buyerId": "u1"}),
			want:  false,
		},
		{
			name:  "notification for me",
			conn:  conn("u1", realtime.RoleBuyer, TopicNotification),
			event: realtime.NewEvent(TopicNotification, map[string]any{"userId": "u1"}),
			want:  true,
		},
		{
			name:  "notification for someone else",
			conn:  conn("u1", realtime.RoleAdmin, TopicNotification),
			event: realtime.NewEvent(TopicNotification, map[string]any{"userId": "u2"}),
			want:  false,
		},
		{
			name:  "notification numeric id",
			conn:  conn("42", realtime.RoleBuyer, TopicNotification),
			event: realtime.NewEvent(TopicNotification, map[string]any{"targetUserId": float64(42)}),
			want:  true,
		},
		{
			name:  "message participant",
			conn:  conn("u2", realtime.RoleAgent, TopicMessage),
			event: realtime.NewEvent(TopicMessage, map[string]any{"participantIds": []any{"u1", "u2"}}),
			want:  true,
		},
		{
			name:  "message outsider",
			conn:  conn("u3", realtime.RoleAgent, TopicMessage),
			event: realtime.NewEvent(TopicMessage, map[string]any{"participantIds": []any{"u1", "u2"}}),
			want:  false,
		},
		{
			name:  "analytics buyer",
			conn:  conn("u1", realtime.RoleBuyer, TopicAnalyticsUpdate),
			event: realtime.NewEvent(TopicAnalyticsUpdate, nil),
			want:  false,
		},
		{
			name:  "public listing update",
			conn:  conn("u1", realtime.RoleBuyer, TopicUnitAvailability),
			event: realtime.NewEvent(TopicUnitAvailability, map[string]any{"unitId": "A1"}),
			want:  true,
		},
		{
			name:  "unclassified topic denied",
			conn:  conn("u1", realtime.RoleBuyer, "site_news"),
			event: realtime.NewEvent("site_news", nil),
			want:  false,
		},
		{
			name:  "target list admits listed user without subscription",
			conn:  conn("u2", realtime.RoleDeveloper),
			event: realtime.NewEvent(TopicNotification, nil, "u2"),
			want:  true,
		},
		{
			name:  "target list excludes subscribed outsider",
			conn:  conn("u1", realtime.RoleBuyer, TopicNotification),
			event: realtime.NewEvent(TopicNotification, map[string]any{"userId": "u1"}, "u2"),
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.IsEligible(tt.conn, tt.event); got != tt.want {
				t.Errorf("IsEligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnclassifiedTopicWithAllowPolicy(t *testing.T) {
	f := NewFilter(PolicyAllow)

	if !f.IsEligible(conn("u1", realtime.RoleBuyer, "site_news"), realtime.NewEvent("site_news", nil)) {
		t.Error("expected permissive fallback to admit subscriber")
	}
	if f.IsEligible(conn("u1", realtime.RoleBuyer), realtime.NewEvent("site_news", nil)) {
		t.Error("permissive fallback must still require a subscription")
	}
}

func TestRegisterRule(t *testing.T) {
	f := NewFilter(PolicyDeny)
	c := conn("u1", realtime.RoleAgent, "viewing_booked")
	e := realtime.NewEvent("viewing_booked", map[string]any{"agentId": "u1"})

	if f.IsEligible(c, e) {
		t.Fatal("expected deny before a rule is registered")
	}

	f.Register("viewing_booked", MatchUser("agentId"))
	if !f.IsEligible(c, e) {
		t.Fatal("expected registered rule to admit the owner")
	}
}

func TestParseDefaultPolicy(t *testing.T) {
	for in, want := range map[string]DefaultPolicy{"": PolicyDeny, "deny": PolicyDeny, "allow": PolicyAllow} {
		got, err := ParseDefaultPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseDefaultPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDefaultPolicy("maybe"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestClassified(t *testing.T) {
	f := NewFilter(PolicyAllow)

	if !f.Classified(TopicPaymentUpdate) {
		t.Error("built-in topic should be classified")
	}
	if f.Classified("site_news") {
		t.Error("topic without a rule reported as classified")
	}

	f.Register("site_news", Allow)
	if !f.Classified("site_news") {
		t.Error("registered topic should be classified")
	}
}
