package access

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"realtime/internal/realtime"
)

// Policy is the on-disk access policy:
//
//	default: deny
//	topics:
//	  viewing_booked:
//	    owner_fields: [buyerId]
//	    roles: [agent, developer]
//	  site_news:
//	    public: true
type Policy struct {
	Default DefaultPolicy          `yaml:"default"`
	Topics  map[string]TopicPolicy `yaml:"topics"`
}

// TopicPolicy grants a topic to the payload owner, to roles, to listed
// participants, or to every subscriber when Public is set.
type TopicPolicy struct {
	Public            bool            `yaml:"public"`
	OwnerFields       []string        `yaml:"owner_fields"`
	Roles             []realtime.Role `yaml:"roles"`
	ParticipantsField string          `yaml:"participants_field"`
}

var errEmptyGrant = errors.New("policy grants access to nobody")

// Rule compiles the topic policy.
func (tp TopicPolicy) Rule() (Rule, error) {
	if tp.Public {
		return Allow, nil
	}

	var rules []Rule
	if len(tp.OwnerFields) > 0 {
		rules = append(rules, MatchUser(tp.OwnerFields...))
	}
	if len(tp.Roles) > 0 {
		for _, r := range tp.Roles {
			if !r.Known() {
				return nil, fmt.Errorf("unknown role %q", r)
			}
		}
		rules = append(rules, Roles(tp.Roles...))
	}
	if tp.ParticipantsField != "" {
		rules = append(rules, Participants(tp.ParticipantsField))
	}

	if len(rules) == 0 {
		return nil, errEmptyGrant
	}

	return Any(rules...), nil
}

// ParsePolicy decodes and validates a YAML policy document.
func ParsePolicy(b []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to decode access policy: %w", err)
	}

	if p.Default != "" {
		if _, err := ParseDefaultPolicy(string(p.Default)); err != nil {
			return Policy{}, err
		}
	}
	for topic, tp := range p.Topics {
		if topic == "" {
			return Policy{}, fmt.Errorf("access policy has an empty topic name")
		}
		if _, err := tp.Rule(); err != nil {
			return Policy{}, fmt.Errorf("topic %s: %w", topic, err)
		}
	}

	return p, nil
}

// LoadPolicy reads a policy file.
func LoadPolicy(path string) (Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read access policy: %w", err)
	}

	return ParsePolicy(b)
}
