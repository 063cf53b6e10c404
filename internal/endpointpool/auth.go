package endpointpool

import "context"

// bearerCreds attaches a static bearer token as per-RPC gRPC metadata,
// implementing credentials.PerRPCCredentials without requiring TLS. Transport
// encryption is out of scope here; authentication material is optional.
type bearerCreds string

func (b bearerCreds) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "bearer " + string(b)}, nil
}

func (b bearerCreds) RequireTransportSecurity() bool { return false }
