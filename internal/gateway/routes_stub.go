//go:build !linux

package gateway

type stubRoutes struct{}

func SystemRoutes() RouteSource {
	return stubRoutes{}
}

func (stubRoutes) DefaultRoutes() ([]Route, error) {
	return nil, ErrNoGateway
}
