package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidDuration = errors.New("invalid duration")

// Duration is a time.Duration that config files write as "30s" or "1h".
// Bare numbers are seconds.
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	var parsed time.Duration
	switch x := v.(type) {
	case nil:
	case int:
		parsed = time.Duration(x) * time.Second
	case float64:
		parsed = time.Duration(x * float64(time.Second))
	case string:
		var err error
		if parsed, err = time.ParseDuration(x); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidDuration, x)
		}
	default:
		return fmt.Errorf("%w: %v", ErrInvalidDuration, v)
	}
	if parsed < 0 {
		return fmt.Errorf("%w: %s is negative", ErrInvalidDuration, parsed)
	}
	*d = Duration(parsed)
	return nil
}
