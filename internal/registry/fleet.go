package registry

import (
	"bufio"
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/G-Research/fleetbench/internal/common/fleeterrors"
)

type fleetFile struct {
	Agents []fleetEntry `yaml:"agents"`
}

type fleetEntry struct {
	PublicAddress  string `yaml:"publicAddress"`
	PrivateAddress string `yaml:"privateAddress"`
	Port           int    `yaml:"port"`
	Mode           string `yaml:"mode"`
}

// LoadFleet reads a fleet definition. Files ending in .yaml or .yml hold an "agents" list; anything else is read
// line by line as "publicAddress[:port][,privateAddress[,mode]]" with blank lines and #-comments skipped.
// Agents without an explicit port use defaultPort.
func LoadFleet(path string, defaultPort int) ([]AgentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseFleetYaml(data, defaultPort)
	default:
		return ParseFleetLines(data, defaultPort)
	}
}

func ParseFleetYaml(data []byte, defaultPort int) ([]AgentSpec, error) {
	var file fleetFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: "fleet", Value: "yaml", Message: err.Error()})
	}
	specs := make([]AgentSpec, 0, len(file.Agents))
	for i, entry := range file.Agents {
		spec, err := toAgentSpec(entry, defaultPort)
		if err != nil {
			return nil, errors.WithMessagef(err, "agent %d", i+1)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func ParseFleetLines(data []byte, defaultPort int) ([]AgentSpec, error) {
	var specs []AgentSpec
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) > 3 {
			return nil, errors.WithStack(&fleeterrors.ErrInvalidArgument{
				Name:    "fleet",
				Value:   line,
				Message: "line " + strconv.Itoa(lineNumber) + " has more than 3 fields",
			})
		}
		entry := fleetEntry{PublicAddress: strings.TrimSpace(parts[0])}
		if len(parts) > 1 {
			entry.PrivateAddress = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			entry.Mode = strings.TrimSpace(parts[2])
		}
		spec, err := toAgentSpec(entry, defaultPort)
		if err != nil {
			return nil, errors.WithMessagef(err, "line %d", lineNumber)
		}
		specs = append(specs, spec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return specs, nil
}

func toAgentSpec(entry fleetEntry, defaultPort int) (AgentSpec, error) {
	if entry.PublicAddress == "" {
		return AgentSpec{}, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: "publicAddress", Value: "", Message: "must not be empty"})
	}
	mode, err := ParseWorkersMode(entry.Mode)
	if err != nil {
		return AgentSpec{}, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: "mode", Value: entry.Mode, Message: err.Error()})
	}
	host := entry.PublicAddress
	port := entry.Port
	if h, p, splitErr := net.SplitHostPort(entry.PublicAddress); splitErr == nil {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return AgentSpec{}, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: "port", Value: p, Message: err.Error()})
		}
		host = h
		port = parsed
	}
	if port == 0 {
		port = defaultPort
	}
	if port <= 0 || port > 65535 {
		return AgentSpec{}, errors.WithStack(&fleeterrors.ErrInvalidArgument{Name: "port", Value: port, Message: "out of range"})
	}
	return AgentSpec{
		PublicAddress:  host,
		PrivateAddress: entry.PrivateAddress,
		Port:           port,
		Mode:           mode,
	}, nil
}
