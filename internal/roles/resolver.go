// Package roles classifies an identity against the ledger's admin and writer
// registry. The result only decides which surfaces are offered; every
// privileged operation is still re-validated by the ledger.
package roles

import (
	"context"
	"fmt"

	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/types"
)

// Ledger is the subset of the ledger client the resolver reads
type Ledger interface {
	Admin(ctx context.Context) (types.Identity, error)
	IsAuthorizedWriter(ctx context.Context, id types.Identity) (bool, error)
}

// Resolution is the role and capability set of one identity at one point in time
type Resolution struct {
	Identity     types.Identity     `json:"identity"`
	Role         types.Role         `json:"role"`
	Capabilities types.Capabilities `json:"capabilities"`
}

// Can reports whether the named capability is set
func (r *Resolution) Can(capability string) bool {
	switch capability {
	case CapabilityRegisterWriters:
		return r.Capabilities.CanRegisterWriters
	case CapabilityPublish:
		return r.Capabilities.CanPublish
	case CapabilityManageOwnAccess:
		return r.Capabilities.CanManageOwnAccess
	case CapabilityQuery:
		return r.Capabilities.CanQuery
	default:
		return false
	}
}

// Capability names as used in logs and API responses
const (
	CapabilityRegisterWriters = "register_writers"
	CapabilityPublish         = "publish"
	CapabilityManageOwnAccess = "manage_own_access"
	CapabilityQuery           = "query"
)

// Resolver derives roles on every call. Nothing is cached since the registry
// can change between calls.
type Resolver struct {
	ledger Ledger
	logger *logger.Logger
}

// NewResolver creates a resolver backed by the given ledger
func NewResolver(ledger Ledger, log *logger.Logger) *Resolver {
	return &Resolver{
		ledger: ledger,
		logger: log,
	}
}

// Resolve checks, in order, the administrator then the writer registry.
// Anyone else is a default reader.
func (r *Resolver) Resolve(ctx context.Context, id types.Identity) (*Resolution, error) {
	admin, err := r.ledger.Admin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read administrator: %w", err)
	}

	role := types.RoleDefaultReader
	if admin == id {
		role = types.RoleAdministrator
	} else {
		writer, err := r.ledger.IsAuthorizedWriter(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read writer registry: %w", err)
		}
		if writer {
			role = types.RoleAuthorizedWriter
		}
	}

	r.logger.WithComponent("roles").WithField("identity", id.Hex()).WithField("role", role).Debug("Resolved role")

	return &Resolution{
		Identity:     id,
		Role:         role,
		Capabilities: CapabilitiesFor(role),
	}, nil
}

// CapabilitiesFor maps a role to the flows it is offered
func CapabilitiesFor(role types.Role) types.Capabilities {
	switch role {
	case types.RoleAdministrator:
		return types.Capabilities{CanRegisterWriters: true}
	case types.RoleAuthorizedWriter:
		return types.Capabilities{CanPublish: true, CanQuery: true}
	case types.RoleDefaultReader:
		return types.Capabilities{CanManageOwnAccess: true, CanQuery: true}
	default:
		return types.Capabilities{}
	}
}
