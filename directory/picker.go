package directory

import (
	"context"

	"golang.org/x/exp/slices"
)

// ListingSourceOverride is the result of the server picker. If ProtocolInstance is set it is
// applied alone, otherwise Homeserver and IncludeAllNetworks are.
type ListingSourceOverride struct {
	ProtocolInstance   *ThirdPartyInstance
	Homeserver         string
	IncludeAllNetworks bool
}

type ProtocolLister interface {
	ThirdPartyInstances(ctx context.Context, server string) ([]ThirdPartyInstance, error)
}

// ServerPicker is handed to the app in EventShowServerPicker. The app shows it however it likes
// and calls Select with the user's choice, which is applied to the controller that emitted it.
// A picker belongs to exactly one controller.
type ServerPicker struct {
	servers []string
	lister  ProtocolLister
	sink    func(o ListingSourceOverride)
}

// NewServerPicker makes a picker offering the given homeservers. lister may be nil, in which
// case no bridged networks are offered.
func NewServerPicker(servers []string, lister ProtocolLister) *ServerPicker {
	return &ServerPicker{
		servers: slices.Clone(servers),
		lister:  lister,
	}
}

// Servers returns the configured candidate homeservers.
func (p *ServerPicker) Servers() []string {
	return slices.Clone(p.servers)
}

// Protocols lists the bridged networks the given server offers a directory for.
func (p *ServerPicker) Protocols(ctx context.Context, server string) ([]ThirdPartyInstance, error) {
	if p.lister == nil {
		return nil, nil
	}
	return p.lister.ThirdPartyInstances(ctx, server)
}

// Select applies the override to the owning controller. Selecting before the picker has been
// given to a controller does nothing.
func (p *ServerPicker) Select(o ListingSourceOverride) {
	if p.sink == nil {
		logger.Warn().Msg("ServerPicker.Select: picker is not bound to a controller")
		return
	}
	p.sink(o)
}
