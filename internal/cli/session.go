package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/viamin/aidp-sub015/internal/config"
	"github.com/viamin/aidp-sub015/internal/metrics"
	"github.com/viamin/aidp-sub015/internal/ruleoftwo"
	"github.com/viamin/aidp-sub015/internal/secrets"
)

// session is the wired policy core for one CLI invocation.
type session struct {
	project  string
	cfg      config.Config
	logger   *zap.Logger
	gatherer *prometheus.Registry
	metrics  *metrics.Collector
	registry *secrets.Registry
	proxy    *secrets.Proxy
	enforcer *ruleoftwo.Enforcer
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func resolveProjectDir() (string, error) {
	if projectDir != "" {
		return projectDir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve project directory: %w", err)
	}
	return wd, nil
}

// openSession wires the policy core from config. extra options are applied
// to the enforcer after the configured ones.
func openSession(extra ...ruleoftwo.Option) (*session, error) {
	dir, err := resolveProjectDir()
	if err != nil {
		return nil, err
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath(dir)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	mc := metrics.New(reg)

	registry, err := secrets.NewRegistry(dir, secrets.WithRegistryLogger(logger))
	if err != nil {
		return nil, err
	}
	proxyOpts := append(secrets.ProxyOptionsFromConfig(cfg.SecretsProxy),
		secrets.WithProxyLogger(logger),
		secrets.WithProxyMetrics(mc),
	)

	s := &session{
		project:  dir,
		cfg:      cfg,
		logger:   logger,
		gatherer: reg,
		metrics:  mc,
		registry: registry,
		proxy:    secrets.NewProxy(registry, proxyOpts...),
	}
	enforcerOpts := []ruleoftwo.Option{
		ruleoftwo.WithEnabled(cfg.RuleOfTwo.Enabled),
		ruleoftwo.WithAuditLimit(cfg.Audit.Limit),
		ruleoftwo.WithLogger(logger),
		ruleoftwo.WithMetrics(mc),
	}
	s.enforcer = ruleoftwo.New(append(enforcerOpts, extra...)...)
	return s, nil
}

func (s *session) close() {
	_ = s.logger.Sync()
}

func writeJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// writeYAML goes through JSON first so that the json tags drive the keys.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
