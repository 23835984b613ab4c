package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "1m30s" style strings from flags,
// JSON and YAML. Bare JSON numbers are taken as seconds.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// Set implements pflag.Value.
func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Type implements pflag.Value.
func (d *Duration) Type() string { return "duration" }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %w", err)
	}
	return d.Set(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds float64
	if tag := node.ShortTag(); tag == "!!int" || tag == "!!float" {
		if err := node.Decode(&seconds); err != nil {
			return err
		}
		*d = Duration(seconds * float64(time.Second))
		return nil
	}
	return d.Set(node.Value)
}

// TopicFilter accepts either a bare topic string, subscribed at QoS 0, or an
// object with topic and qos.
type TopicFilter types.TopicFilter

func (f *TopicFilter) UnmarshalJSON(data []byte) error {
	var topic string
	if err := json.Unmarshal(data, &topic); err == nil {
		*f = TopicFilter{Topic: topic}
		return nil
	}
	var full types.TopicFilter
	if err := json.Unmarshal(data, &full); err != nil {
		return fmt.Errorf("topic filter must be a string or {topic, qos}: %w", err)
	}
	*f = TopicFilter(full)
	return nil
}

func (f *TopicFilter) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*f = TopicFilter{Topic: node.Value}
		return nil
	}
	var full types.TopicFilter
	if err := node.Decode(&full); err != nil {
		return fmt.Errorf("topic filter must be a string or {topic, qos}: %w", err)
	}
	*f = TopicFilter(full)
	return nil
}

// filtersFrom builds the filter set from the CLI topics, all at one QoS.
func filtersFrom(topics []string, qos int) []TopicFilter {
	var out []TopicFilter
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, TopicFilter{Topic: t, QoS: types.QoS(qos)})
	}
	return out
}

func toTypes(in []TopicFilter) []types.TopicFilter {
	if len(in) == 0 {
		return nil
	}
	out := make([]types.TopicFilter, len(in))
	for i, f := range in {
		out[i] = types.TopicFilter(f)
	}
	return out
}
