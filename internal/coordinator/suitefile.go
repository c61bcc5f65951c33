package coordinator

import (
	"regexp"
	"strings"

	"github.com/magiconair/properties"
	"github.com/pkg/errors"

	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
	"github.com/G-Research/fleetbench/pkg/api"
)

// Keys without an "<id>@" prefix belong to the test with this id.
const DefaultTestId = "test"

var testIdPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// TestSuite is an ordered list of tests.
type TestSuite struct {
	Tests []*api.TestCase
}

func (s *TestSuite) Ids() []string {
	ids := make([]string, 0, len(s.Tests))
	for _, tc := range s.Tests {
		ids = append(ids, tc.Id)
	}
	return ids
}

// LoadTestSuite reads a suite from a properties file where each key is either "<property>" or
// "<testId>@<property>". Tests keep the order in which they first appear. When classes is not empty
// every test's class must be one of them.
func LoadTestSuite(path string, classes []string) (*TestSuite, error) {
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "error reading test suite %s", path)
	}
	return ParseTestSuite(p, classes)
}

func ParseTestSuite(p *properties.Properties, classes []string) (*TestSuite, error) {
	suite := &TestSuite{}
	byId := map[string]*api.TestCase{}
	for _, key := range p.Keys() {
		value, _ := p.Get(key)
		testId, property := DefaultTestId, key
		if id, rest, found := strings.Cut(key, "@"); found {
			testId, property = id, rest
		}
		if !testIdPattern.MatchString(testId) {
			return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{
				Name:    key,
				Value:   testId,
				Message: "test ids may only contain letters, digits, '-' and '_'",
			})
		}
		if property == "" {
			return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: key, Value: value, Message: "missing property name"})
		}
		tc, ok := byId[testId]
		if !ok {
			tc = api.NewTestCase(testId)
			byId[testId] = tc
			suite.Tests = append(suite.Tests, tc)
		}
		tc.Properties = append(tc.Properties, api.Property{Key: property, Value: strings.TrimSpace(value)})
	}

	if len(suite.Tests) == 0 {
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: "suite", Value: 0, Message: "no tests defined"})
	}
	for _, tc := range suite.Tests {
		if err := validateTestCase(tc, classes); err != nil {
			return nil, err
		}
	}
	return suite, nil
}

func validateTestCase(tc *api.TestCase, classes []string) error {
	class := tc.ClassName()
	if class == "" {
		return errors.WithStack(&fleeterrors.ErrInvalidArgument{
			Name:    tc.Id + "@" + api.ClassPropertyKey,
			Value:   class,
			Message: "every test needs a class",
		})
	}
	if len(classes) > 0 && !contains(classes, class) {
		return errors.WithStack(&fleeterrors.ErrInvalidArgument{
			Name:    tc.Id + "@" + api.ClassPropertyKey,
			Value:   class,
			Message: "known classes are " + strings.Join(classes, ", "),
		})
	}
	if _, _, err := tc.Duration(); err != nil {
		return err
	}
	_, err := WorkerQuery{}.WithTestOverrides(tc)
	return err
}
