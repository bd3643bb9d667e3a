package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/viamin/aidp-sub015/internal/redact"
)

// envMu guards the process environment, which is global, and the shared
// sanitized window below.
var envMu sync.Mutex

// savedVar is the value a variable had when the window opened.
type savedVar struct {
	value string
	set   bool
}

var (
	// envDepth counts callers currently inside WithSanitizedEnvironment.
	envDepth int
	// envSaved holds the original of every variable stripped in the window.
	envSaved = make(map[string]savedVar)
)

// SanitizedEnvironment returns the process environment as KEY=VALUE pairs
// with every registered secret variable removed, ready for exec.Cmd.Env.
func (p *Proxy) SanitizedEnvironment() []string {
	strip := make(map[string]bool)
	for _, v := range p.registry.EnvVarsToStrip() {
		strip[v] = true
	}

	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if strip[key] {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// WithSanitizedEnvironment unsets every registered secret variable, runs fn,
// and restores the original values on every exit path, panics included.
// Variables that were unset before the call are unset again afterwards,
// even if fn set them.
//
// Calls may nest or overlap: the first caller opens a shared sanitized
// window, later callers strip any additional variables into it, and the
// originals are restored when the last caller leaves. envMu is held only
// while the environment is being changed, never across fn.
func (p *Proxy) WithSanitizedEnvironment(fn func() error) (err error) {
	vars := p.registry.EnvVarsToStrip()

	envMu.Lock()
	envDepth++
	var unsetErr error
	for _, name := range vars {
		if _, seen := envSaved[name]; seen {
			if uerr := os.Unsetenv(name); uerr != nil {
				unsetErr = fmt.Errorf("secrets: unset %s: %w", name, uerr)
				break
			}
			continue
		}
		v, ok := os.LookupEnv(name)
		envSaved[name] = savedVar{value: v, set: ok}
		if !ok {
			continue
		}
		if uerr := os.Unsetenv(name); uerr != nil {
			unsetErr = fmt.Errorf("secrets: unset %s: %w", name, uerr)
			break
		}
	}
	envMu.Unlock()

	defer func() {
		if rerr := p.leaveSanitizedWindow(); rerr != nil {
			p.logger.Error("failed to restore environment", zap.Error(rerr))
			err = errors.Join(err, rerr)
		}
	}()

	if unsetErr != nil {
		return unsetErr
	}
	p.logger.Debug("environment sanitized", zap.Int("stripped", len(vars)))

	return fn()
}

// leaveSanitizedWindow closes the window when the last caller leaves.
func (p *Proxy) leaveSanitizedWindow() error {
	envMu.Lock()
	defer envMu.Unlock()

	envDepth--
	if envDepth > 0 {
		return nil
	}

	var errs []error
	for name, o := range envSaved {
		var rerr error
		if o.set {
			rerr = os.Setenv(name, o.value)
		} else {
			rerr = os.Unsetenv(name)
		}
		if rerr != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", name, rerr))
		}
	}
	envSaved = make(map[string]savedVar)
	return errors.Join(errs...)
}

// Redactor returns a redactor for the current values of every registered
// secret. Unset variables are skipped.
func (p *Proxy) Redactor() *redact.Redactor {
	values := make(map[string]string)
	for _, l := range p.registry.List() {
		if v := os.Getenv(l.EnvVar); v != "" {
			values[l.Name] = v
		}
	}
	return redact.New(values)
}
