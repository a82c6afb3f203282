package storage

import (
	"context"
	"fmt"

	"github.com/csabourin/do-migration-sub006/internal/conf"
	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
)

// OpenGateways builds a gateway per configured backend, keyed by name.
// A single unreachable backend fails the whole call; a partial gateway set
// would make every downstream safety decision wrong.
func OpenGateways(ctx context.Context, backends []conf.BackendConfig, log *logger.Logger) (map[string]Gateway, error) {
	gateways := make(map[string]Gateway, len(backends))

	for _, b := range backends {
		var (
			gw  Gateway
			err error
		)

		switch BackendKind(b.Kind) {
		case KindS3:
			gw, err = NewS3Gateway(ctx, S3Options{
				Name:      b.Name,
				Endpoint:  b.Endpoint,
				AccessKey: b.AccessKey,
				SecretKey: b.SecretKey,
				UseSSL:    b.UseSSL,
				Region:    b.Region,
				Bucket:    b.Bucket,
				Root:      b.Root,
			}, log)
		case KindLocal:
			gw, err = NewLocalGateway(b.Name, b.Root, log)
		default:
			err = fmt.Errorf("unknown backend kind %q", b.Kind)
		}

		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", b.Name, err)
		}
		gateways[b.Name] = gw
	}

	return gateways, nil
}
