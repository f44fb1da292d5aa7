package version

import (
	"runtime"
	"time"

	"insight-agent/internal/config"
	"insight-agent/internal/model"
)

// Version is overridden at build time with -ldflags "-X insight-agent/internal/version.Version=...".
var Version = "0.3.0"

func UserAgent() string {
	return "insight-agent/" + Version
}

type Response struct {
	AgentVersion  string `json:"agent_version"`
	SchemaVersion string `json:"schema_version"`
	GoVersion     string `json:"go_version"`
	Transport     string `json:"transport"`
	UploadEnabled bool   `json:"upload_enabled"`
	StatusAddr    string `json:"status_addr"`
	CheckedAtUnix int64  `json:"checked_at_unix"`
}

func Get(cfg config.Config) *Response {
	return &Response{
		AgentVersion:  Version,
		SchemaVersion: model.SchemaVersion,
		GoVersion:     runtime.Version(),
		Transport:     string(cfg.Transport),
		UploadEnabled: cfg.UploadEnabled(),
		StatusAddr:    cfg.StatusAddr,
		CheckedAtUnix: time.Now().UTC().Unix(),
	}
}
