package version

import (
	"fmt"
	"runtime"
)

// Build information. These variables are set at build time via ldflags.
var (
	// CommitHash is the git commit hash when the binary was built
	CommitHash = "dev"

	// BuildTime is when the binary was built
	BuildTime = "unknown"

	// Version is the semantic version (if tagged)
	Version = "dev"
)

// ChatProtocol names the relay frame format (sendMessage, leaveRoom,
// receiveMessage). Bump it when a frame changes shape.
const ChatProtocol = "jobchat/1"

// Info contains version and build information
type Info struct {
	CommitHash   string `json:"commit_hash"`
	BuildTime    string `json:"build_time"`
	Version      string `json:"version"`
	ChatProtocol string `json:"chat_protocol"`
	GoVersion    string `json:"go_version"`
	Platform     string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		CommitHash:   CommitHash,
		BuildTime:    BuildTime,
		Version:      Version,
		ChatProtocol: ChatProtocol,
		GoVersion:    runtime.Version(),
		Platform:     fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// SupportsChatProtocol reports whether a client announcing p can talk to this
// relay. Clients that announce nothing (browser frontends) speak the current
// format.
func SupportsChatProtocol(p string) bool {
	return p == "" || p == ChatProtocol
}

func (i Info) String() string {
	v := i.Version
	if v == "" {
		v = "dev"
	}
	return fmt.Sprintf("jobboard %s (commit %s, built %s, %s)", v, i.Short(), i.BuildTime, i.ChatProtocol)
}

// Short returns the abbreviated commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
