package api

import (
	"fmt"
	"strings"
)

// WorkerType distinguishes cluster members from clients of the cluster under test.
type WorkerType string

const (
	WorkerTypeMember WorkerType = "member"
	WorkerTypeClient WorkerType = "client"
)

func (t WorkerType) IsMember() bool {
	return t == WorkerTypeMember
}

func (t WorkerType) String() string {
	return string(t)
}

// ParseWorkerType accepts any non-empty name. Anything other than "member" is a client type,
// which allows custom client flavours (e.g. "lite-member" or "javaclient") to be planned separately.
func ParseWorkerType(s string) (WorkerType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("worker type must not be empty")
	}
	return WorkerType(s), nil
}
