// Package buildinfo carries version information set at link time, e.g.
//
//	go build -ldflags "-X github.com/TD-Producoes/revshare-sub005/internal/buildinfo.Version=v1.2.0"
package buildinfo

import "runtime"

var (
	Version    = "dev"
	CommitHash = "unknown"
)

type Info struct {
	Service    string `json:"service,omitempty"`
	Version    string `json:"version,omitempty"`
	CommitHash string `json:"commit_hash,omitempty"`
	GoVersion  string `json:"go_version,omitempty"`
}

func GetBuildInfo() Info {
	return Info{
		Service:    "RevClaw",
		Version:    Version,
		CommitHash: CommitHash,
		GoVersion:  runtime.Version(),
	}
}
