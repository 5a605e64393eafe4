package version

// 构建时通过 -ldflags 注入。
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)
