package hcl

import "github.com/hashicorp/hcl/v2"

// fileRoot is used to decode all possible top-level content from any file.
type fileRoot struct {
	ModulesRoot   *string              `hcl:"modules_root,optional"`
	LogLevel      *int                 `hcl:"loglevel,optional"`
	Modules       []*moduleBlock       `hcl:"module,block"`
	Executables   []*executableBlock   `hcl:"executable,block"`
	LogCollectors []*logCollectorBlock `hcl:"log_collector,block"`
	Feeds         []*feedBlock         `hcl:"dashboard_feed,block"`
	Launchers     []*launcherBlock     `hcl:"launcher,block"`
	Remain        hcl.Body             `hcl:",remain"`
}

// moduleBlock is a managed module server.
type moduleBlock struct {
	Name        string         `hcl:"name,label"`
	Type        string         `hcl:"type,optional"`
	IP          string         `hcl:"ip,optional"`
	Port        int            `hcl:"port"`
	RetryAfterS *float64       `hcl:"retry_connection_after_s,optional"`
	MaxRetries  *int           `hcl:"max_retries,optional"`
	Args        hcl.Expression `hcl:"args,optional"`
}

// executableBlock is a module started outside the control room.
type executableBlock struct {
	Name        string         `hcl:"name,label"`
	Type        string         `hcl:"type,optional"`
	Path        string         `hcl:"path,optional"`
	IP          string         `hcl:"ip,optional"`
	Port        int            `hcl:"port"`
	RetryAfterS *float64       `hcl:"retry_connection_after_s,optional"`
	MaxRetries  *int           `hcl:"max_retries,optional"`
	PCOMMs      hcl.Expression `hcl:"pcomms,optional"`
}

type logCollectorBlock struct {
	Command     []string `hcl:"command"`
	GracePeriod string   `hcl:"grace_period,optional"`
}

type feedBlock struct {
	URL                string `hcl:"url"`
	Namespace          string `hcl:"namespace,optional"`
	InsecureSkipVerify bool   `hcl:"insecure_skip_verify,optional"`
}

type launcherBlock struct {
	Interpreter string `hcl:"interpreter,optional"`
	EntryPoint  string `hcl:"entry_point,optional"`
}
