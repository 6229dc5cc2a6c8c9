package version

// Version is set at build time:
//
//	go build -ldflags "-X github.com/NodePath81/homenet/internal/version.Version=v0.1.0" ./cmd/homenet
var Version = "dev"
