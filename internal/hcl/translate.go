package hcl

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/specialistvlad/controlroom/internal/config"
)

// merger folds decoded files into one model and remembers which file set
// each singleton.
type merger struct {
	model *config.Model
	setBy map[string]string
}

func (m *merger) claim(what, file string) error {
	if m.setBy == nil {
		m.setBy = make(map[string]string)
	}
	if prev, ok := m.setBy[what]; ok {
		return fmt.Errorf("%s is already defined in %s", what, prev)
	}
	m.setBy[what] = file
	return nil
}

func (m *merger) merge(file string, root *fileRoot) error {
	if root.ModulesRoot != nil {
		if err := m.claim("modules_root", file); err != nil {
			return err
		}
		m.model.ModulesRoot = resolve(file, *root.ModulesRoot)
	}
	if root.LogLevel != nil {
		if err := m.claim("loglevel", file); err != nil {
			return err
		}
		m.model.LogLevel = *root.LogLevel
	}

	for _, b := range root.Modules {
		def, err := translateModule(b)
		if err != nil {
			return err
		}
		m.model.Modules = append(m.model.Modules, def)
	}
	for _, b := range root.Executables {
		def, err := translateExecutable(b)
		if err != nil {
			return err
		}
		m.model.Modules = append(m.model.Modules, def)
	}

	if err := single("log_collector", len(root.LogCollectors)); err != nil {
		return err
	}
	if len(root.LogCollectors) == 1 {
		if err := m.claim("log_collector", file); err != nil {
			return err
		}
		lc, err := translateLogCollector(root.LogCollectors[0])
		if err != nil {
			return err
		}
		m.model.LogCollector = lc
	}

	if err := single("dashboard_feed", len(root.Feeds)); err != nil {
		return err
	}
	if len(root.Feeds) == 1 {
		if err := m.claim("dashboard_feed", file); err != nil {
			return err
		}
		f := root.Feeds[0]
		m.model.DashboardFeed = &config.DashboardFeed{URL: f.URL, Namespace: orDefault(f.Namespace, "/"), InsecureSkipVerify: f.InsecureSkipVerify}
	}

	if err := single("launcher", len(root.Launchers)); err != nil {
		return err
	}
	if len(root.Launchers) == 1 {
		if err := m.claim("launcher", file); err != nil {
			return err
		}
		m.model.Launcher = &config.Launcher{Interpreter: root.Launchers[0].Interpreter, EntryPoint: root.Launchers[0].EntryPoint}
	}
	return nil
}

func single(block string, n int) error {
	if n > 1 {
		return fmt.Errorf("only one %s block is allowed, found %d", block, n)
	}
	return nil
}

func translateModule(b *moduleBlock) (*config.ModuleDefinition, error) {
	args, err := stringMap(b.Args)
	if err != nil {
		return nil, fmt.Errorf("module '%s': args: %w", b.Name, err)
	}
	return &config.ModuleDefinition{
		Name:       b.Name,
		Kind:       config.KindManaged,
		Type:       b.Type,
		IP:         orDefault(b.IP, config.DefaultIP),
		Port:       b.Port,
		RetryAfter: seconds(b.RetryAfterS, config.DefaultRetryAfter),
		MaxRetries: intOr(b.MaxRetries, config.DefaultMaxRetries),
		Args:       args,
	}, nil
}

func translateExecutable(b *executableBlock) (*config.ModuleDefinition, error) {
	pcomms, defaults, err := pcommDefaults(b.PCOMMs)
	if err != nil {
		return nil, fmt.Errorf("executable '%s': pcomms: %w", b.Name, err)
	}
	return &config.ModuleDefinition{
		Name:       b.Name,
		Kind:       config.KindExecutable,
		Type:       b.Type,
		IP:         orDefault(b.IP, config.DefaultIP),
		Port:       b.Port,
		RetryAfter: seconds(b.RetryAfterS, config.DefaultRetryAfter),
		MaxRetries: intOr(b.MaxRetries, config.DefaultMaxRetries),
		Path:       b.Path,
		PCOMMs:     pcomms,
		Defaults:   defaults,
	}, nil
}

func translateLogCollector(b *logCollectorBlock) (*config.LogCollector, error) {
	grace := config.DefaultGracePeriod
	if b.GracePeriod != "" {
		d, err := time.ParseDuration(b.GracePeriod)
		if err != nil {
			return nil, fmt.Errorf("log_collector: grace_period: %w", err)
		}
		grace = d
	}
	return &config.LogCollector{Command: b.Command, GracePeriod: grace}, nil
}

// resolve makes a relative path relative to the directory of file.
func resolve(file, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(file), path)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func seconds(p *float64, def time.Duration) time.Duration {
	if p == nil {
		return def
	}
	return time.Duration(*p * float64(time.Second))
}
