package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	ClassPropertyKey       = "class"
	TargetTypePropertyKey  = "targetType"
	TargetCountPropertyKey = "targetCount"
	DurationPropertyKey    = "duration"
)

type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TestCase is an immutable test identifier with an ordered property bag.
type TestCase struct {
	Id         string     `json:"id"`
	Properties []Property `json:"properties"`
}

func NewTestCase(id string, properties ...Property) *TestCase {
	return &TestCase{Id: id, Properties: properties}
}

func (tc *TestCase) Get(key string) (string, bool) {
	for _, p := range tc.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (tc *TestCase) GetOrDefault(key string, defaultValue string) string {
	if v, ok := tc.Get(key); ok {
		return v
	}
	return defaultValue
}

func (tc *TestCase) ClassName() string {
	return tc.GetOrDefault(ClassPropertyKey, "")
}

// Duration returns the duration property, or ok=false when it is not set.
func (tc *TestCase) Duration() (time.Duration, bool, error) {
	v, ok := tc.Get(DurationPropertyKey)
	if !ok {
		return 0, false, nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return 0, true, errors.WithMessagef(err, "test %s has invalid duration", tc.Id)
	}
	return d, true, nil
}

// With returns a copy of the test case with the property set, preserving order.
func (tc *TestCase) With(key string, value string) *TestCase {
	properties := make([]Property, 0, len(tc.Properties)+1)
	replaced := false
	for _, p := range tc.Properties {
		if p.Key == key {
			p.Value = value
			replaced = true
		}
		properties = append(properties, p)
	}
	if !replaced {
		properties = append(properties, Property{Key: key, Value: value})
	}
	return &TestCase{Id: tc.Id, Properties: properties}
}

func (tc *TestCase) String() string {
	var sb strings.Builder
	sb.WriteString("TestCase{")
	sb.WriteString("id=")
	sb.WriteString(tc.Id)
	for _, p := range tc.Properties {
		sb.WriteString(", ")
		sb.WriteString(p.Key)
		sb.WriteString("=")
		sb.WriteString(p.Value)
	}
	sb.WriteString("}")
	return sb.String()
}

// ParseDuration accepts Go duration syntax as well as a bare number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if seconds, err := strconv.ParseInt(s, 10, 64); err == nil {
		if seconds < 0 {
			return 0, errors.Errorf("negative duration %q", s)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if d < 0 {
		return 0, errors.Errorf("negative duration %q", s)
	}
	return d, nil
}
