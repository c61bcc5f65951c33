package configuration

import (
	"time"

	"google.golang.org/grpc/keepalive"
)

type GrpcConfig struct {
	// 0 binds a free port
	Port                       uint16
	GracePeriod                time.Duration
	KeepaliveParams            keepalive.ServerParameters
	KeepaliveEnforcementPolicy keepalive.EnforcementPolicy
}
