package flow

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type NodeKind string

const (
	KindTrigger   NodeKind = "trigger"
	KindAction    NodeKind = "action"
	KindCondition NodeKind = "condition"
	KindAI        NodeKind = "ai"
	KindDelay     NodeKind = "delay"
	KindTag       NodeKind = "tag"
)

// NodeConfig is the decoded configuration of one node. Each kind has its own
// struct.
type NodeConfig interface {
	Kind() NodeKind
}

const (
	TriggerKeyword      = "keyword"
	TriggerAlways       = "always"
	TriggerFirstMessage = "first_message"

	MatchContains = "contains"
	MatchExact    = "exact"
)

type TriggerConfig struct {
	TriggerType string `mapstructure:"triggerType"`
	Keywords    string `mapstructure:"keywords"`
	MatchType   string `mapstructure:"matchType"`
}

func (TriggerConfig) Kind() NodeKind { return KindTrigger }

const (
	ActionMessage = "message"
	ActionWebhook = "webhook"
)

type ActionConfig struct {
	ActionType string `mapstructure:"actionType"`
	Message    string `mapstructure:"message"`
	WebhookURL string `mapstructure:"webhookUrl"`
}

func (ActionConfig) Kind() NodeKind { return KindAction }

const (
	FieldMessage  = "message"
	FieldTag      = "tag"
	FieldVariable = "variable"

	OpEquals     = "equals"
	OpNotEquals  = "not_equals"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
)

type ConditionConfig struct {
	Field    string `mapstructure:"field"`
	Variable string `mapstructure:"variable"`
	Operator string `mapstructure:"operator"`
	Value    string `mapstructure:"value"`
}

func (ConditionConfig) Kind() NodeKind { return KindCondition }

type AIConfig struct {
	Prompt string `mapstructure:"prompt"`
	SaveAs string `mapstructure:"saveAs"`
}

func (AIConfig) Kind() NodeKind { return KindAI }

type DelayConfig struct {
	Time float64 `mapstructure:"time"`
	Unit string  `mapstructure:"unit"`
}

func (DelayConfig) Kind() NodeKind { return KindDelay }

const (
	TagAdd    = "add"
	TagRemove = "remove"
)

type TagConfig struct {
	Action string `mapstructure:"action"`
	Tags   string `mapstructure:"tags"`
}

func (TagConfig) Kind() NodeKind { return KindTag }

// Names splits the comma separated tag list, dropping blanks.
func (c TagConfig) Names() []string {
	return splitList(c.Tags)
}

// DecodeNode turns the stored JSON of a node into its typed config. Scalars
// are weakly typed ("5" and 5 are both a valid delay) and list fields may be
// stored either as a comma separated string or as a JSON array.
func DecodeNode(kind, raw string) (NodeConfig, error) {
	m := map[string]interface{}{}
	if strings.TrimSpace(raw) != "" {
		if err := json.UnmarshalFromString(raw, &m); err != nil {
			return nil, errors.Wrap(err, "invalid node config json")
		}
	}
	joinList(m, "keywords")
	joinList(m, "tags")

	var cfg NodeConfig
	var err error
	switch NodeKind(kind) {
	case KindTrigger:
		c := TriggerConfig{}
		err = mapstructure.WeakDecode(m, &c)
		c.TriggerType = defaultString(strings.ToLower(c.TriggerType), TriggerKeyword)
		c.MatchType = defaultString(strings.ToLower(c.MatchType), MatchContains)
		if err == nil {
			err = oneOf("triggerType", c.TriggerType, TriggerKeyword, TriggerAlways, TriggerFirstMessage)
		}
		if err == nil {
			err = oneOf("matchType", c.MatchType, MatchContains, MatchExact)
		}
		cfg = c
	case KindAction:
		c := ActionConfig{}
		err = mapstructure.WeakDecode(m, &c)
		c.ActionType = defaultString(strings.ToLower(c.ActionType), ActionMessage)
		if err == nil {
			err = oneOf("actionType", c.ActionType, ActionMessage, ActionWebhook)
		}
		if err == nil && c.ActionType == ActionWebhook && strings.TrimSpace(c.WebhookURL) == "" {
			err = errors.New("webhookUrl is required")
		}
		cfg = c
	case KindCondition:
		c := ConditionConfig{}
		err = mapstructure.WeakDecode(m, &c)
		c.Field = defaultString(strings.ToLower(c.Field), FieldMessage)
		c.Operator = defaultString(strings.ToLower(c.Operator), OpEquals)
		if err == nil {
			err = oneOf("field", c.Field, FieldMessage, FieldTag, FieldVariable)
		}
		if err == nil {
			err = oneOf("operator", c.Operator, OpEquals, OpNotEquals, OpContains, OpStartsWith, OpEndsWith)
		}
		cfg = c
	case KindAI:
		c := AIConfig{}
		err = mapstructure.WeakDecode(m, &c)
		c.SaveAs = defaultString(strings.TrimSpace(c.SaveAs), "ai_response")
		cfg = c
	case KindDelay:
		c := DelayConfig{}
		err = mapstructure.WeakDecode(m, &c)
		c.Unit = defaultString(strings.ToLower(c.Unit), "seconds")
		if err == nil {
			_, err = unitDuration(c.Unit)
		}
		if err == nil && !(c.Time >= 0) {
			err = errors.New("time must not be negative")
		}
		if err == nil && c.Time*float64(units[c.Unit]) > float64(MaxDelay) {
			err = errors.Errorf("time exceeds the %s limit", MaxDelay)
		}
		cfg = c
	case KindTag:
		c := TagConfig{}
		err = mapstructure.WeakDecode(m, &c)
		c.Action = defaultString(strings.ToLower(c.Action), TagAdd)
		if err == nil {
			err = oneOf("action", c.Action, TagAdd, TagRemove)
		}
		cfg = c
	default:
		return nil, errors.Errorf("unknown node kind %q", kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s config", kind)
	}
	return cfg, nil
}

func joinList(m map[string]interface{}, key string) {
	list, ok := m[key].([]interface{})
	if !ok {
		return
	}
	parts := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	m[key] = strings.Join(parts, ",")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return errors.Errorf("unsupported %s %q", field, v)
}
