package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/example/hermes-sync/internal/notify"
	"github.com/example/hermes-sync/internal/types"
)

const (
	HabitsRuleID  = "habits"
	WeighInRuleID = "weigh_in"
)

type ruleFile struct {
	Timezone string     `yaml:"timezone"`
	Rules    []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID         string `yaml:"id"`
	Frequency  string `yaml:"frequency"`
	Time       string `yaml:"time"`
	Weekday    int    `yaml:"weekday"`
	DayOfMonth int    `yaml:"day_of_month"`
	Window     string `yaml:"window"`
	Disabled   bool   `yaml:"disabled"`
	Title      string `yaml:"title"`
	Message    string `yaml:"message"`
	Level      string `yaml:"level"`
	Link       string `yaml:"link"`
}

// LoadRulesFile reads rules from a YAML file.
func LoadRulesFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules: %w", err)
	}
	defer f.Close()
	return LoadRules(f)
}

// LoadRules decodes YAML rule definitions. Disabled rules are skipped.
func LoadRules(r io.Reader) ([]Rule, error) {
	var file ruleFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	loc := time.Local
	if file.Timezone != "" {
		l, err := time.LoadLocation(file.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", file.Timezone, err)
		}
		loc = l
	}

	seen := make(map[string]struct{}, len(file.Rules))
	rules := make([]Rule, 0, len(file.Rules))
	for _, spec := range file.Rules {
		if spec.Disabled {
			continue
		}
		s, err := spec.schedule(loc)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[s.RuleID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", s.RuleID)
		}
		seen[s.RuleID] = struct{}{}
		rules = append(rules, s)
	}
	return rules, nil
}

func (spec ruleSpec) schedule(loc *time.Location) (*Schedule, error) {
	hour, minute, err := ParseClock(spec.Time)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", spec.ID, err)
	}
	s := &Schedule{
		RuleID:     spec.ID,
		Frequency:  Frequency(spec.Frequency),
		Hour:       hour,
		Minute:     minute,
		Weekday:    time.Weekday(spec.Weekday),
		DayOfMonth: spec.DayOfMonth,
		Location:   loc,
		Title:      spec.Title,
		Message:    spec.Message,
		Level:      notify.Level(spec.Level),
		Link:       spec.Link,
	}
	if spec.Window != "" {
		if s.Window, err = time.ParseDuration(spec.Window); err != nil {
			return nil, fmt.Errorf("rule %s: parse window: %w", spec.ID, err)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// RulesFromSettings builds the habit and weigh-in reminders from the
// fields of the user's settings document. Malformed or disabled reminders
// are omitted.
func RulesFromSettings(fields map[string]any, loc *time.Location) []Rule {
	notifications := asMap(fields["notifications"])
	if notifications == nil {
		return nil
	}

	var rules []Rule
	if habits := asMap(notifications["habitsReminder"]); enabled(habits) {
		if hour, minute, err := ParseClock(str(habits["time"])); err == nil {
			rules = append(rules, &Schedule{
				RuleID:    HabitsRuleID,
				Frequency: Daily,
				Hour:      hour,
				Minute:    minute,
				Location:  loc,
				Title:     "Lembrete de Hábitos",
				Message:   "Hora de registrar seus hábitos do dia!",
				Level:     notify.LevelInfo,
				Link:      "habitos",
			})
		}
	}

	if weighIn := asMap(notifications["weighInReminder"]); enabled(weighIn) {
		hour, minute, err := ParseClock(str(weighIn["time"]))
		freq := Frequency(str(weighIn["frequency"]))
		if freq == "" {
			freq = Weekly
		}
		s := &Schedule{
			RuleID:    WeighInRuleID,
			Frequency: freq,
			Hour:      hour,
			Minute:    minute,
			Weekday:   time.Weekday(integer(weighIn["dayOfWeek"])),
			Location:  loc,
			Title:     "Lembrete de Pesagem",
			Message:   "Hora de registrar seu peso para acompanhar sua evolução no módulo Saúde!",
			Level:     notify.LevelInfo,
			Link:      "saude",
		}
		if err == nil && s.Validate() == nil {
			rules = append(rules, s)
		}
	}
	return rules
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case types.Fields:
		return m
	default:
		return nil
	}
}

func enabled(m map[string]any) bool {
	v, ok := m["enabled"].(bool)
	return ok && v
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func integer(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
