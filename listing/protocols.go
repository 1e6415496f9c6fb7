package listing

import (
	"context"
	"fmt"

	"github.com/matrix-org/room-directory/client"
	"github.com/matrix-org/room-directory/directory"
	"github.com/matrix-org/room-directory/internal"
)

// ProtocolLister offers the networks bridged onto the user's own homeserver to the server
// picker. Other servers' bridges cannot be listed over the client-server API, so they have none.
type ProtocolLister struct {
	Client      client.Client
	AccessToken string
	// the user's own homeserver name. "" always means the user's own server.
	OwnServer string
}

func (l *ProtocolLister) ThirdPartyInstances(ctx context.Context, server string) ([]directory.ThirdPartyInstance, error) {
	if server != "" && server != l.OwnServer {
		return nil, nil
	}
	ctx, span := internal.StartSpan(ctx, "ThirdPartyInstances")
	defer span.End()
	protocols, err := l.Client.ThirdPartyProtocols(ctx, l.AccessToken)
	if err != nil {
		span.Fail(err)
		return nil, fmt.Errorf("ThirdPartyInstances: %w", err)
	}
	var instances []directory.ThirdPartyInstance
	for _, name := range internal.SortedKeys(protocols) {
		p := protocols[name]
		for _, inst := range p.Instances {
			icon := inst.Icon
			if icon == "" {
				icon = p.Icon
			}
			instances = append(instances, directory.ThirdPartyInstance{
				Protocol:   name,
				InstanceID: inst.InstanceID,
				NetworkID:  inst.NetworkID,
				Desc:       inst.Desc,
				Icon:       icon,
			})
		}
	}
	return instances, nil
}
