package version

const (
	AppName    = "collectkit"
	AppVersion = "0.1.0"
)
