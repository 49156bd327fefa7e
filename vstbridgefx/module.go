package vstbridgefx

import (
	"context"

	"go.uber.org/fx"

	"github.com/vstbridge/vstbridge"
)

// ProxyModule creates an fx module that provides a plugin proxy session.
// The session is established when the module is constructed and torn down
// on fx.OnStop.
func ProxyModule(cfg vstbridge.ProxyConfig) fx.Option {
	return fx.Module("vstbridge",
		fx.Provide(func(lc fx.Lifecycle) (*vstbridge.Proxy, error) {
			proxy, err := vstbridge.NewProxy(cfg)
			if err != nil {
				return nil, err
			}

			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					return proxy.Close()
				},
			})

			return proxy, nil
		}),
	)
}

// GroupHostModule creates an fx module that runs a group host daemon for
// the given socket. The daemon starts serving on fx.OnStart and is shut
// down on fx.OnStop.
func GroupHostModule(cfg vstbridge.GroupHostConfig) fx.Option {
	return fx.Module("vstbridge-group",
		fx.Provide(func(lc fx.Lifecycle) (*vstbridge.GroupHost, error) {
			group, err := vstbridge.NewGroupHost(cfg)
			if err != nil {
				return nil, err
			}

			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					go func() { _ = group.Run() }()
					return nil
				},
				OnStop: func(ctx context.Context) error {
					return group.Close()
				},
			})

			return group, nil
		}),
	)
}
