package api

import (
	"fmt"
	"strconv"
	"strings"
)

// Agents are addressed as "A<n>" and their workers as "A<n>.W<m>". Both indices start at 1.

func AgentAddress(agentIndex int) string {
	return fmt.Sprintf("A%d", agentIndex)
}

func WorkerAddress(agentIndex int, workerIndex int) string {
	return fmt.Sprintf("A%d.W%d", agentIndex, workerIndex)
}

// ParseWorkerAddress splits a worker address into its agent and worker indices.
func ParseWorkerAddress(address string) (agentIndex int, workerIndex int, err error) {
	agentPart, workerPart, found := strings.Cut(address, ".")
	if !found {
		return 0, 0, fmt.Errorf("invalid worker address %q", address)
	}
	agentIndex, err = parseIndex(agentPart, "A")
	if err != nil {
		return 0, 0, fmt.Errorf("invalid worker address %q: %s", address, err)
	}
	workerIndex, err = parseIndex(workerPart, "W")
	if err != nil {
		return 0, 0, fmt.Errorf("invalid worker address %q: %s", address, err)
	}
	return agentIndex, workerIndex, nil
}

func ParseAgentAddress(address string) (int, error) {
	index, err := parseIndex(address, "A")
	if err != nil {
		return 0, fmt.Errorf("invalid agent address %q: %s", address, err)
	}
	return index, nil
}

// AgentOf returns the address of the agent owning the given worker address.
func AgentOf(workerAddress string) string {
	agentPart, _, _ := strings.Cut(workerAddress, ".")
	return agentPart
}

func parseIndex(s string, prefix string) (int, error) {
	if !strings.HasPrefix(s, prefix) {
		return 0, fmt.Errorf("expected prefix %s", prefix)
	}
	index, err := strconv.Atoi(strings.TrimPrefix(s, prefix))
	if err != nil {
		return 0, err
	}
	if index < 1 {
		return 0, fmt.Errorf("index must be positive")
	}
	return index, nil
}
